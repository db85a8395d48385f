// Package messenger implements the three-queue/one-event-stream
// substrate that carries documents and completion events between the
// Publisher, Worker Pool, and Indexer. Two implementations share one
// interface: an in-memory one for single-process runs and a
// Kafka-backed one for distributed runs (see inmemory.go and broker.go).
package messenger

import (
	"context"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
)

// Messenger is the substrate interface every component depends on.
// Implementations must honor ctx cancellation on every blocking call —
// no method may block unboundedly.
type Messenger interface {
	// PollDoc retrieves the next document awaiting processing from the
	// Source channel. It returns (nil, false, nil) on timeout.
	PollDoc(ctx context.Context, timeout time.Duration) (*document.Document, bool, error)

	// SendForProcessing publishes doc onto the Source channel. It
	// blocks if the Source channel is at capacity (the only
	// backpressure point in the system).
	SendForProcessing(ctx context.Context, doc *document.Document) error

	// SendCompleted publishes doc onto the Destination channel for the
	// Indexer to batch and ship.
	SendCompleted(ctx context.Context, doc *document.Document) error

	// PollCompleted retrieves the next document awaiting indexing from
	// the Destination channel. It returns (nil, false, nil) on timeout.
	PollCompleted(ctx context.Context, timeout time.Duration) (*document.Document, bool, error)

	// SendEvent publishes ev onto the Events channel.
	SendEvent(ctx context.Context, ev event.Event) error

	// PollEvent retrieves the next event from the Events channel. It
	// returns (zero, false, nil) on timeout.
	PollEvent(ctx context.Context, timeout time.Duration) (event.Event, bool, error)

	// HasEvents reports whether any event is currently buffered
	// (published but not yet polled).
	HasEvents() bool

	// CommitPendingOffsets commits any broker offsets whose documents
	// (and all of their children) have reached a terminal state. It is
	// a no-op for the in-memory implementation.
	CommitPendingOffsets(ctx context.Context) error

	// Close releases any broker resources. Idempotent.
	Close() error
}

// TransportError wraps a lower-level transport/serialization error so
// call sites can tell messenger failures apart from pipeline failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "messenger: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }
