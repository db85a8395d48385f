package messenger

import "sync"

// pendingRoot tracks the source offset for one run until every CREATE
// it spawned has reached a terminal state.
type pendingRoot struct {
	key         dedupKey
	outstanding int
}

// offsetLedger gates BrokerMessenger's source-offset commits on
// document-tree completion. It is grouped by RunID rather than by
// individual document-id tree: without parent-child linkage on the
// wire, RunID is the only identifier shared by a root document and
// every document it fans out into. The tradeoff is coarser commit
// granularity (a run's first root document's offset is held back
// until the whole run's in-flight documents drain, not just its own
// subtree) in exchange for never committing early.
type offsetLedger struct {
	mu      sync.Mutex
	pending map[string]*pendingRoot
}

func newOffsetLedger() *offsetLedger {
	return &offsetLedger{pending: make(map[string]*pendingRoot)}
}

// recordRoot seeds (or bumps) the ledger entry for runID, to be
// committed at key once its outstanding count drains to zero.
func (l *offsetLedger) recordRoot(runID string, key dedupKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.pending[runID]; ok {
		p.outstanding++
		return
	}
	l.pending[runID] = &pendingRoot{key: key, outstanding: 1}
}

// applyEvent adjusts the outstanding count for ev's run: CREATE
// increments it (one more document to wait on), FINISH/FAIL
// decrements it. Events for a run with no recorded root are ignored.
func (l *offsetLedger) applyEvent(ev eventLike) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[ev.RunID()]
	if !ok {
		return
	}
	switch {
	case ev.IsCreate():
		p.outstanding++
	case ev.IsTerminal():
		p.outstanding--
	}
}

// committedOffset pairs a drained ledger entry's commit key with the
// run it was recorded under, so callers can mirror the commit
// elsewhere (e.g. an offset-store) keyed by run as well as position.
type committedOffset struct {
	runID string
	key   dedupKey
}

// drain returns the dedup keys of every run whose outstanding count
// has reached zero and removes them from the ledger.
func (l *offsetLedger) drain() []committedOffset {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []committedOffset
	for runID, p := range l.pending {
		if p.outstanding <= 0 {
			out = append(out, committedOffset{runID: runID, key: p.key})
			delete(l.pending, runID)
		}
	}
	return out
}

// eventLike is the minimal surface offsetLedger needs from an event,
// kept separate from the event package's concrete type so this file
// has no import-time dependency on it.
type eventLike interface {
	RunID() string
	IsCreate() bool
	IsTerminal() bool
}
