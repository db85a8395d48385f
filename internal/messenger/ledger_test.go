package messenger

import "testing"

type fakeEvent struct {
	runID      string
	create     bool
	terminal   bool
}

func (e fakeEvent) RunID() string   { return e.runID }
func (e fakeEvent) IsCreate() bool  { return e.create }
func (e fakeEvent) IsTerminal() bool { return e.terminal }

func TestOffsetLedgerHoldsUntilDrained(t *testing.T) {
	l := newOffsetLedger()
	key := dedupKey{topic: "src", partition: 0, offset: 7}
	l.recordRoot("run-1", key)

	if got := l.drain(); len(got) != 0 {
		t.Fatalf("expected nothing drained before any terminal event, got %v", got)
	}

	l.applyEvent(fakeEvent{runID: "run-1", create: true})
	if got := l.drain(); len(got) != 0 {
		t.Fatalf("expected still held after a CREATE, got %v", got)
	}

	l.applyEvent(fakeEvent{runID: "run-1", terminal: true})
	if got := l.drain(); len(got) != 0 {
		t.Fatalf("one of two outstanding documents still pending, got %v", got)
	}

	l.applyEvent(fakeEvent{runID: "run-1", terminal: true})
	got := l.drain()
	if len(got) != 1 || got[0].runID != "run-1" || got[0].key != key {
		t.Fatalf("expected exactly the root key once fully drained, got %v", got)
	}

	if got := l.drain(); len(got) != 0 {
		t.Fatalf("expected a second drain call to return nothing, got %v", got)
	}
}

func TestOffsetLedgerIgnoresEventsForUnknownRun(t *testing.T) {
	l := newOffsetLedger()
	l.applyEvent(fakeEvent{runID: "no-such-run", terminal: true})
	if got := l.drain(); len(got) != 0 {
		t.Fatalf("expected no panics/false drains for unrecorded runs, got %v", got)
	}
}

func TestOffsetLedgerMultipleRootsOnSameRunShareOneEntry(t *testing.T) {
	l := newOffsetLedger()
	keyA := dedupKey{topic: "src", partition: 0, offset: 1}
	l.recordRoot("run-1", keyA)
	l.recordRoot("run-1", keyA) // second root document under the same run

	l.applyEvent(fakeEvent{runID: "run-1", terminal: true})
	if got := l.drain(); len(got) != 0 {
		t.Fatalf("expected still held with one of two roots outstanding, got %v", got)
	}
	l.applyEvent(fakeEvent{runID: "run-1", terminal: true})
	if got := l.drain(); len(got) != 1 {
		t.Fatalf("expected the run to drain once both roots terminate, got %v", got)
	}
}
