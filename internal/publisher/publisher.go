// Package publisher implements the per-run bookkeeper that attaches
// run-ids to documents it injects into the Source channel, tracks
// outstanding work across child-document fan-out in an in-memory
// ledger, drains the event stream concurrently with publishing, and
// decides run completion.
package publisher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
	"github.com/ILLUVRSE/pipeline/internal/pipelineerr"
)

// EventPollTimeout bounds how long the drain loop blocks on a single
// PollEvent call before re-checking the stop condition; the loop never
// blocks unboundedly on the event stream.
const EventPollTimeout = 2 * time.Second

// entry is one outstanding-document ledger row. ordinal records the
// monotonic position at which the row was created (by Publish or by a
// seeding CREATE). It is not exposed outside this package, and
// terminal events do not record an ordinal of their own, so the
// CREATE-before-terminal ordering cannot be read back from the ledger.
type entry struct {
	pending int
	ordinal int
}

// Publisher is bound to one run and one pipeline name. Concurrent
// Publish calls are safe: ledger mutation is serialized by an internal
// mutex that the drain loop also takes.
type Publisher struct {
	runID  string
	m      messenger.Messenger
	logger *log.Logger

	mu      sync.Mutex
	ledger  map[string]*entry
	ordinal int
	closed  bool

	drainWG   sync.WaitGroup
	stopDrain chan struct{}
}

// New builds a Publisher for runID, bound to messenger m. logger
// defaults to log.Default() when nil.
func New(runID string, m messenger.Messenger, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		runID:     runID,
		m:         m,
		logger:    logger,
		ledger:    make(map[string]*entry),
		stopDrain: make(chan struct{}),
	}
	p.drainWG.Add(1)
	go p.drainEvents()
	return p
}

// Publish attaches the run-id to doc, records it in the outstanding
// ledger with pending=1, and sends it to the Source channel. doc must
// not already carry a run-id from a different run — SetRunID enforces
// single-assignment.
func (p *Publisher) Publish(ctx context.Context, doc *document.Document) error {
	if !doc.HasRunID() {
		if err := doc.SetRunID(p.runID); err != nil {
			return err
		}
	} else if doc.RunID() != p.runID {
		return pipelineerr.NewContractViolation("publisher.Publish",
			fmt.Sprintf("document %q already bound to run %q, cannot publish under run %q", doc.ID(), doc.RunID(), p.runID))
	}

	p.seed(doc.ID())

	if err := p.m.SendForProcessing(ctx, doc); err != nil {
		return pipelineerr.NewTransportFailure("publisher.sendForProcessing", err)
	}
	return nil
}

// seed records a fresh ledger row for id with pending=1, or bumps an
// existing row (the CREATE-arrived-before-publish-call race: a child
// id can theoretically reach the ledger via an event before the
// connector ever calls Publish for it directly, though in practice
// only the Worker originates CREATE events for ids never Published).
func (p *Publisher) seed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ordinal++
	if e, ok := p.ledger[id]; ok {
		e.pending++
		return
	}
	p.ledger[id] = &entry{pending: 1, ordinal: p.ordinal}
}

// drainEvents runs for the Publisher's lifetime, applying CREATE/
// FINISH/FAIL events to the ledger as they arrive. It never panics or
// returns an error to its caller — malformed or orphaned events are
// logged and dropped.
func (p *Publisher) drainEvents() {
	defer p.drainWG.Done()
	ctx := context.Background()
	for {
		select {
		case <-p.stopDrain:
			return
		default:
		}
		ev, ok, err := p.m.PollEvent(ctx, EventPollTimeout)
		if err != nil {
			p.logger.Printf("publisher %s: pollEvent error: %v", p.runID, err)
			continue
		}
		if !ok {
			continue
		}
		p.apply(ev)
	}
}

func (p *Publisher) apply(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ordinal++

	e, ok := p.ledger[ev.DocumentID]
	switch {
	case ev.Type == event.Create:
		if !ok {
			p.ledger[ev.DocumentID] = &entry{pending: 1, ordinal: p.ordinal}
			return
		}
		e.pending++
	case ev.IsTerminal():
		if !ok {
			p.logger.Printf("publisher %s: terminal event for unknown document %q, dropping", p.runID, ev.DocumentID)
			return
		}
		e.pending--
		if e.pending <= 0 {
			delete(p.ledger, ev.DocumentID)
		}
	default:
		p.logger.Printf("publisher %s: unrecognized event type %q for %q, dropping", p.runID, ev.Type, ev.DocumentID)
	}
}

// ledgerEmpty reports whether every published document's subtree has
// reached a terminal state.
func (p *Publisher) ledgerEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ledger) == 0
}

// Outstanding returns the number of document ids still awaiting a
// terminal event. Exposed for diagnostics; the /runs/{runID}
// control-surface endpoint does not report it.
func (p *Publisher) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ledger)
}

// WaitForCompletion blocks until either: the connector task has
// terminated, the outstanding ledger is empty, and the event stream
// reports no buffered events (success); or timeout elapses (timeout
// error); or the connector task reported an error (that error).
//
// connectorDone must close when the connector's execute() returns (by
// any means); connectorErr, read only after connectorDone closes, is
// the error (if any) the connector raised.
func (p *Publisher) WaitForCompletion(ctx context.Context, connectorDone <-chan struct{}, connectorErr func() error, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 20 * time.Millisecond

	for {
		select {
		case <-connectorDone:
			if err := connectorErr(); err != nil {
				return err
			}
			if p.ledgerEmpty() && !p.m.HasEvents() {
				return nil
			}
		default:
		}

		if timeout > 0 && time.Now().After(deadline) {
			return pipelineerr.NewTimeout("publisher.waitForCompletion")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Close is idempotent. It stops the drain loop and waits for it to
// exit. It does not close the messenger the Publisher was given; the
// caller that built the messenger closes it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopDrain)
	p.drainWG.Wait()
	return nil
}
