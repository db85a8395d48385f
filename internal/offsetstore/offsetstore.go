// Package offsetstore mirrors the broker-mode offset ledger into
// Postgres when PIPELINE_OFFSET_DSN is configured. This is a
// durability nicety for observability/ops dashboards only — per
// SPEC_FULL.md §3 and its Non-goals, nothing in this module reads the
// store back to resume a run; LastCommitted exists for inspection and
// is not called at startup.
package offsetstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Store persists committed (topic, partition, offset) markers.
type Store interface {
	// RecordCommit upserts the last-committed offset for the given
	// topic/partition pair.
	RecordCommit(ctx context.Context, runID, topic string, partition int, offset int64) error
	// LastCommitted returns the last-committed offset for topic and
	// partition, or ok=false if none has been recorded.
	LastCommitted(ctx context.Context, topic string, partition int) (offset int64, ok bool, err error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// PGStore is the Postgres-backed implementation, grounded on
// kernel/internal/audit/pg_store.go's plain database/sql usage (no
// ORM appears anywhere in the examples pack for relational access —
// lib/pq is imported purely as a database/sql driver).
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an already-opened *sql.DB (callers open it with
// sql.Open("postgres", dsn), importing github.com/lib/pq for its
// driver registration side effect).
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// RecordCommit upserts the offset row keyed by (topic, partition).
func (p *PGStore) RecordCommit(ctx context.Context, runID, topic string, partition int, offset int64) error {
	const q = `
		INSERT INTO pipeline_offsets (run_id, topic, partition, offset_value, committed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (topic, partition) DO UPDATE
		SET run_id = EXCLUDED.run_id, offset_value = EXCLUDED.offset_value, committed_at = EXCLUDED.committed_at
	`
	if _, err := p.db.ExecContext(ctx, q, runID, topic, partition, offset); err != nil {
		return fmt.Errorf("offsetstore: record commit: %w", err)
	}
	return nil
}

// LastCommitted looks up the most recent committed offset for a
// topic/partition pair.
func (p *PGStore) LastCommitted(ctx context.Context, topic string, partition int) (int64, bool, error) {
	const q = `SELECT offset_value FROM pipeline_offsets WHERE topic = $1 AND partition = $2`
	var offset int64
	err := p.db.QueryRowContext(ctx, q, topic, partition).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("offsetstore: last committed: %w", err)
	}
	return offset, true, nil
}

// Noop discards every commit. Used when PIPELINE_OFFSET_DSN is unset.
type Noop struct{}

func (Noop) RecordCommit(ctx context.Context, runID, topic string, partition int, offset int64) error {
	return nil
}

func (Noop) LastCommitted(ctx context.Context, topic string, partition int) (int64, bool, error) {
	return 0, false, nil
}

func (Noop) Ping(ctx context.Context) error { return nil }
