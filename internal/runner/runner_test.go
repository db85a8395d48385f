package runner_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/connector"
	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/indexer"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
	"github.com/ILLUVRSE/pipeline/internal/pipeline"
	"github.com/ILLUVRSE/pipeline/internal/publisher"
	"github.com/ILLUVRSE/pipeline/internal/runner"
)

// fakeBackend records every call the Indexer makes to it.
type fakeBackend struct {
	mu         sync.Mutex
	upserts    []indexer.UpsertItem
	deletedIDs []indexer.DeleteByIDItem
}

func (b *fakeBackend) Upsert(ctx context.Context, items []indexer.UpsertItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts = append(b.upserts, items...)
	return nil
}

func (b *fakeBackend) DeleteByID(ctx context.Context, items []indexer.DeleteByIDItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletedIDs = append(b.deletedIDs, items...)
	return nil
}

func (b *fakeBackend) DeleteByQuery(ctx context.Context, items []indexer.DeleteByQueryItem) error {
	return nil
}

func (b *fakeBackend) upsertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.upserts)
}

// TestSimplePassThroughScenario drives a single document through the
// full Connector -> Publisher -> Worker -> Indexer choreography.
func TestSimplePassThroughScenario(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()

	backend := &fakeBackend{}
	ix := indexer.New("", m, backend, nil, indexer.Config{BatchSize: 1, BatchTimeout: 50 * time.Millisecond}, nil)

	conn := connector.Func{
		FuncName: "single-doc",
		Run: func(ctx context.Context, pub *publisher.Publisher) error {
			d, err := document.New("d1")
			if err != nil {
				return err
			}
			return pub.Publish(ctx, d)
		},
	}

	r := runner.New(runner.Config{ConnectorTimeout: 2 * time.Second})
	entries := []runner.ConnectorEntry{
		{
			Connector:   conn,
			Messenger:   m,
			Pipeline:    pipeline.New("passthrough"),
			Indexer:     ix,
			WorkerCount: 1,
		},
	}

	exitCode, runID := r.Run(context.Background(), entries)
	if exitCode != runner.ExitSuccess {
		t.Fatalf("expected ExitSuccess, got %d", exitCode)
	}
	if runID == "" {
		t.Fatalf("expected a non-empty run-id")
	}
	if backend.upsertCount() != 1 {
		t.Fatalf("expected exactly one upsert, got %d", backend.upsertCount())
	}
	if backend.upserts[0].ID != "d1" {
		t.Fatalf("expected upsert of d1, got %q", backend.upserts[0].ID)
	}

	status, ok := r.Status(runID)
	if !ok {
		t.Fatalf("expected a recorded status for %s", runID)
	}
	if status.Status != runner.StatusSucceeded {
		t.Fatalf("expected succeeded status, got %q", status.Status)
	}
	if len(status.Connectors) != 1 || status.Connectors[0].Status != runner.StatusSucceeded {
		t.Fatalf("expected one succeeded connector timing, got %+v", status.Connectors)
	}
}

// TestConnectorFailureAbortsSubsequentConnectors checks that a
// connector failure aborts the run and subsequent connectors are
// skipped.
func TestConnectorFailureAbortsSubsequentConnectors(t *testing.T) {
	m1 := messenger.NewInMemory(0)
	defer m1.Close()
	m2 := messenger.NewInMemory(0)
	defer m2.Close()

	var secondRan bool
	failing := connector.Func{
		FuncName: "failing",
		Run: func(ctx context.Context, pub *publisher.Publisher) error {
			return fmt.Errorf("source unreachable")
		},
	}
	second := connector.Func{
		FuncName: "second",
		Run: func(ctx context.Context, pub *publisher.Publisher) error {
			secondRan = true
			return nil
		},
	}

	r := runner.New(runner.Config{ConnectorTimeout: time.Second})
	entries := []runner.ConnectorEntry{
		{Connector: failing, Messenger: m1, Pipeline: pipeline.New("p1"), WorkerCount: 1},
		{Connector: second, Messenger: m2, Pipeline: pipeline.New("p2"), WorkerCount: 1},
	}

	exitCode, runID := r.Run(context.Background(), entries)
	if exitCode != runner.ExitRunAborted {
		t.Fatalf("expected ExitRunAborted, got %d", exitCode)
	}
	if secondRan {
		t.Fatalf("expected the second connector to be skipped after the first failed")
	}

	status, _ := r.Status(runID)
	if status.Status != runner.StatusFailed {
		t.Fatalf("expected failed status, got %q", status.Status)
	}
	if len(status.Connectors) != 1 {
		t.Fatalf("expected only the first connector to have a recorded timing, got %+v", status.Connectors)
	}
}

// TestCompletionTimeoutReportsTimedOutStatus exercises the timeout
// branch of WaitForCompletion surfacing through the Runner.
func TestCompletionTimeoutReportsTimedOutStatus(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()

	stuck := connector.Func{
		FuncName: "stuck",
		Run: func(ctx context.Context, pub *publisher.Publisher) error {
			d, err := document.New("never-finishes")
			if err != nil {
				return err
			}
			return pub.Publish(ctx, d)
		},
	}

	r := runner.New(runner.Config{ConnectorTimeout: 100 * time.Millisecond})
	entries := []runner.ConnectorEntry{
		{Connector: stuck, Messenger: m, Pipeline: pipeline.New("p"), WorkerCount: 0},
	}

	exitCode, runID := r.Run(context.Background(), entries)
	if exitCode != runner.ExitRunAborted {
		t.Fatalf("expected ExitRunAborted on timeout, got %d", exitCode)
	}
	status, _ := r.Status(runID)
	if status.Status != runner.StatusTimedOut {
		t.Fatalf("expected timed_out status, got %q", status.Status)
	}
}
