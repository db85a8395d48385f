// Package worker implements the Worker and Worker Pool: a fixed set of
// tasks each polling the Source channel, running a document through
// its pipeline, and forwarding results and completion events.
package worker

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/event"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
	"github.com/ILLUVRSE/pipeline/internal/pipeline"
	"github.com/ILLUVRSE/pipeline/internal/pipelineerr"
)

// PollTimeout bounds how long a single pollDoc call may block before
// the worker re-checks its stop flag, so shutdown never waits on an
// unbounded blocking poll.
const PollTimeout = 2 * time.Second

// Worker runs the poll/process/forward loop for one pipeline instance
// against a shared Messenger.
type Worker struct {
	id        string
	runID     string
	m         messenger.Messenger
	p         *pipeline.Pipeline
	logger    *log.Logger
	stopFlag  atomic.Bool
}

// New builds a Worker. logger defaults to log.Default() when nil.
func New(id, runID string, m messenger.Messenger, p *pipeline.Pipeline, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{id: id, runID: runID, m: m, p: p, logger: logger}
}

// Stop requests cooperative shutdown; the worker finishes the document
// it is currently processing (if any) before observing the flag.
func (w *Worker) Stop() { w.stopFlag.Store(true) }

// Run executes the poll/process/forward loop until Stop is called or
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if w.stopFlag.Load() || ctx.Err() != nil {
			return
		}

		doc, ok, err := w.m.PollDoc(ctx, PollTimeout)
		if err != nil {
			w.logger.Printf("worker %s: pollDoc error, terminating: %v", w.id, err)
			return
		}
		if !ok {
			continue
		}

		results, err := w.p.Process(ctx, doc)
		if err != nil {
			cause := err
			var pf *pipelineerr.ProcessingFailure
			if errors.As(err, &pf) && pf.Err != nil {
				cause = pf.Err
			}
			reason := firstLine(cause)
			if sendErr := w.m.SendEvent(ctx, event.NewFail(doc.ID(), w.runID, reason)); sendErr != nil {
				w.logger.Printf("worker %s: send FAIL event for %s: %v", w.id, doc.ID(), sendErr)
			}
			continue
		}

		if offset, ok := doc.SourceOffset(); ok {
			for _, r := range results {
				r.SetSourceOffset(offset)
			}
		}

		for _, r := range results {
			if r.ID() != doc.ID() {
				if err := w.m.SendEvent(ctx, event.NewCreate(r.ID(), w.runID)); err != nil {
					w.logger.Printf("worker %s: send CREATE event for %s: %v", w.id, r.ID(), err)
					continue
				}
			}
			if err := w.m.SendCompleted(ctx, r); err != nil {
				w.logger.Printf("worker %s: sendCompleted for %s: %v", w.id, r.ID(), err)
			}
		}
	}
}

// firstLine extracts the first line of err's message; only the
// first-line reason is carried in Event.Message, deeper detail stays
// in logs.
func firstLine(err error) string {
	msg := err.Error()
	for i, c := range msg {
		if c == '\n' {
			return msg[:i]
		}
	}
	return msg
}
