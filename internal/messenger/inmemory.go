package messenger

import (
	"context"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
)

// InMemory is the single-process Messenger implementation: three
// independent queues (Source/Destination/Events) backed by the
// blocking primitives in queue.go. Source is the only bounded one.
type InMemory struct {
	docQueue *docQueue
	destQueue *docQueue
	events   *eventQueue
}

// NewInMemory builds a Messenger whose Source queue has the given
// capacity (<= 0 means unbounded). Destination and Events are always
// unbounded: the Source queue is the system's only backpressure point.
func NewInMemory(sourceCapacity int) *InMemory {
	return &InMemory{
		docQueue:  newDocQueue(sourceCapacity),
		destQueue: newDocQueue(0),
		events:    newEventQueue(),
	}
}

func (m *InMemory) PollDoc(ctx context.Context, timeout time.Duration) (*document.Document, bool, error) {
	return m.docQueue.Pop(ctx, timeout)
}

func (m *InMemory) SendForProcessing(ctx context.Context, doc *document.Document) error {
	return m.docQueue.Push(ctx, doc)
}

func (m *InMemory) SendCompleted(ctx context.Context, doc *document.Document) error {
	return m.destQueue.Push(ctx, doc)
}

func (m *InMemory) PollCompleted(ctx context.Context, timeout time.Duration) (*document.Document, bool, error) {
	return m.destQueue.Pop(ctx, timeout)
}

func (m *InMemory) SendEvent(ctx context.Context, ev event.Event) error {
	m.events.Push(ev)
	return nil
}

func (m *InMemory) PollEvent(ctx context.Context, timeout time.Duration) (event.Event, bool, error) {
	return m.events.Pop(ctx, timeout)
}

func (m *InMemory) HasEvents() bool {
	return m.events.HasBuffered()
}

// CommitPendingOffsets is a no-op: there is no broker to commit against.
func (m *InMemory) CommitPendingOffsets(ctx context.Context) error {
	return nil
}

func (m *InMemory) Close() error {
	m.docQueue.Close()
	m.destQueue.Close()
	m.events.Close()
	return nil
}
