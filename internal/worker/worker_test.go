package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
	"github.com/ILLUVRSE/pipeline/internal/pipeline"
	"github.com/ILLUVRSE/pipeline/internal/worker"
)

type fnStage struct {
	name string
	fn   func(ctx context.Context, doc *document.Document) ([]*document.Document, error)
}

func (s *fnStage) Name() string                          { return s.name }
func (s *fnStage) Start(ctx context.Context) error        { return nil }
func (s *fnStage) Close() error                           { return nil }
func (s *fnStage) ProcessDocument(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
	return s.fn(ctx, doc)
}

func mustDoc(t *testing.T, id string) *document.Document {
	t.Helper()
	d, err := document.New(id)
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	return d
}

func drainEvents(t *testing.T, m messenger.Messenger, n int) []event.Event {
	t.Helper()
	ctx := context.Background()
	var out []event.Event
	for i := 0; i < n; i++ {
		ev, ok, err := m.PollEvent(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("PollEvent %d: ok=%v err=%v", i, ok, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestWorkerSimplePassThroughFinishesNothingItself(t *testing.T) {
	m := messenger.NewInMemory(1)
	defer m.Close()
	p := pipeline.New("passthrough")
	w := worker.New("w0", "r1", m, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	if err := m.SendForProcessing(context.Background(), mustDoc(t, "d1")); err != nil {
		t.Fatalf("SendForProcessing: %v", err)
	}

	completed, ok, err := m.PollCompleted(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("PollCompleted: ok=%v err=%v", ok, err)
	}
	if completed.ID() != "d1" {
		t.Fatalf("expected d1, got %s", completed.ID())
	}
	if m.HasEvents() {
		t.Fatalf("a root document's own completion is not a worker-emitted event")
	}

	cancel()
	<-done
}

func TestWorkerFanOutEmitsCreateBeforeSendingChild(t *testing.T) {
	m := messenger.NewInMemory(1)
	defer m.Close()

	fanOut := &fnStage{name: "fan-out", fn: func(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
		if doc.ID() != "d1" {
			return nil, nil
		}
		return []*document.Document{mustDoc(t, "d1-c1")}, nil
	}}
	p := pipeline.New("fanout", fanOut)
	w := worker.New("w0", "r1", m, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	if err := m.SendForProcessing(context.Background(), mustDoc(t, "d1")); err != nil {
		t.Fatalf("SendForProcessing: %v", err)
	}

	evs := drainEvents(t, m, 1)
	if evs[0].Type != event.Create || evs[0].DocumentID != "d1-c1" {
		t.Fatalf("expected CREATE(d1-c1) first, got %+v", evs[0])
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		d, ok, err := m.PollCompleted(context.Background(), time.Second)
		if err != nil || !ok {
			t.Fatalf("PollCompleted %d: ok=%v err=%v", i, ok, err)
		}
		seen[d.ID()] = true
	}
	if !seen["d1"] || !seen["d1-c1"] {
		t.Fatalf("expected both parent and child sent to destination, got %v", seen)
	}
}

func TestWorkerStageFailureEmitsFailAndDoesNotSendCompleted(t *testing.T) {
	m := messenger.NewInMemory(1)
	defer m.Close()

	failing := &fnStage{name: "failing", fn: func(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
		return nil, errors.New("boom\nstack trace line 2")
	}}
	p := pipeline.New("fails", failing)
	w := worker.New("w0", "r1", m, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	if err := m.SendForProcessing(context.Background(), mustDoc(t, "bad")); err != nil {
		t.Fatalf("SendForProcessing: %v", err)
	}

	evs := drainEvents(t, m, 1)
	if evs[0].Type != event.Fail || evs[0].DocumentID != "bad" {
		t.Fatalf("expected FAIL(bad), got %+v", evs[0])
	}
	if evs[0].Message == nil || *evs[0].Message != "boom" {
		t.Fatalf("expected first-line-only reason, got %+v", evs[0].Message)
	}

	if _, ok, err := m.PollCompleted(context.Background(), 50*time.Millisecond); err != nil || ok {
		t.Fatalf("expected nothing sent to destination for a failed document, ok=%v err=%v", ok, err)
	}
}
