package messenger

import (
	"sync"
	"time"
)

// dedupKey identifies a single delivered message for duplicate
// detection purposes. Kafka consumer-group rebalances can redeliver a
// message that was produced but not yet committed; this holding area
// lets BrokerMessenger recognize and drop a redelivery without
// reprocessing the document.
type dedupKey struct {
	topic     string
	partition int
	offset    int64
}

// dedupHolding is a per-messenger-instance (never package-level) record
// of recently-seen (topic, partition, offset) triples, each expiring
// after delay. Scoping it to the instance rather than a shared
// singleton means two BrokerMessenger instances in the same process
// (e.g. tests) never cross-contaminate each other's dedup state.
type dedupHolding struct {
	mu    sync.Mutex
	delay time.Duration
	seen  map[dedupKey]time.Time
}

func newDedupHolding(delay time.Duration) *dedupHolding {
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	return &dedupHolding{delay: delay, seen: make(map[dedupKey]time.Time)}
}

// seenRecently reports whether key was recorded within the holding
// delay. If it was not (never seen, or its entry expired), key is
// recorded at now; a hit leaves the stored time unchanged. It also
// lazily evicts expired entries.
func (d *dedupHolding) seenRecently(key dedupKey, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if now.Sub(t) > d.delay {
			delete(d.seen, k)
		}
	}

	if t, ok := d.seen[key]; ok && now.Sub(t) <= d.delay {
		return true
	}
	d.seen[key] = now
	return false
}
