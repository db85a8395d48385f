package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
	"github.com/ILLUVRSE/pipeline/internal/offsetstore"
)

// BrokerConfig configures the Kafka-backed Messenger.
type BrokerConfig struct {
	Brokers []string

	SourceTopic string
	DestTopic   string
	EventsTopic string

	// GroupID is the Source reader's consumer group; the Destination
	// and Events readers use GroupID+"-dest" and GroupID+"-events".
	// Each BrokerMessenger instance should use its own group unless
	// several runners are meant to share the Source partition space.
	GroupID string

	// WriteTimeout bounds a single produce attempt. Defaults to 10s.
	WriteTimeout time.Duration
	// MaxAttempts bounds produce retries. Defaults to 3.
	MaxAttempts int
	// DedupDelay is how long a (topic, partition, offset) triple is
	// remembered to guard against redelivery after a rebalance.
	// Defaults to 5 minutes.
	DedupDelay time.Duration
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DedupDelay <= 0 {
		c.DedupDelay = 5 * time.Minute
	}
	return c
}

// brokerWriter is the subset of kafka.Writer behavior produce() needs,
// grounded on kernel/internal/audit's KafkaProducer wrapper.
type brokerWriter struct {
	writer      *kafka.Writer
	maxAttempts int
	writeTimeout time.Duration
}

func newBrokerWriter(brokers []string, topic string, cfg BrokerConfig) *brokerWriter {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &brokerWriter{writer: w, maxAttempts: cfg.MaxAttempts, writeTimeout: cfg.WriteTimeout}
}

func (w *brokerWriter) produce(ctx context.Context, key, value []byte) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.writeTimeout)
		err := w.writer.WriteMessages(attemptCtx, kafka.Message{Key: key, Value: value, Time: time.Now().UTC()})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *brokerWriter) Close() error { return w.writer.Close() }

// eventAdapter lets offsetLedger consume an event.Event without this
// file importing the ledger's minimal eventLike interface awkwardly.
type eventAdapter struct{ ev event.Event }

func (a eventAdapter) RunID() string   { return a.ev.RunID }
func (a eventAdapter) IsCreate() bool  { return a.ev.Type == event.Create }
func (a eventAdapter) IsTerminal() bool { return a.ev.IsTerminal() }

// BrokerMessenger is the distributed Messenger implementation: three
// Kafka topics (source, destination, events) stand in for the
// in-memory queues, with manual offset commits gated on document-tree
// completion. Grounded on kernel/internal/audit/kafka_producer.go
// (produce-with-retries) and streamer.go (poll/process loop shape).
type BrokerMessenger struct {
	cfg BrokerConfig

	srcWriter   *brokerWriter
	destWriter  *brokerWriter
	eventWriter *brokerWriter

	srcReader   *kafka.Reader
	destReader  *kafka.Reader
	eventReader *kafka.Reader

	srcDedup   *dedupHolding
	destDedup  *dedupHolding
	eventDedup *dedupHolding

	ledger *offsetLedger

	// offsetStore mirrors each committed source offset into Postgres
	// for observability/ops dashboards (SPEC_FULL.md §3); it is never
	// consulted to resume a run. Defaults to offsetstore.Noop{}.
	offsetStore offsetstore.Store
}

// NewBrokerMessenger builds a BrokerMessenger. Each of the three
// logical channels maps to its own Kafka topic so that Source's
// bounded-queue semantics (the system's only backpressure point) can
// still be approximated by capping consumer fetch concurrency upstream
// in the Worker Pool; the broker itself does not impose a capacity.
// store may be nil, in which case committed offsets are not mirrored
// anywhere (offsetstore.Noop{}).
func NewBrokerMessenger(cfg BrokerConfig, store offsetstore.Store) (*BrokerMessenger, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("messenger: at least one broker required")
	}
	if cfg.SourceTopic == "" || cfg.DestTopic == "" || cfg.EventsTopic == "" {
		return nil, fmt.Errorf("messenger: source/dest/events topics all required")
	}
	cfg = cfg.withDefaults()
	if store == nil {
		store = offsetstore.Noop{}
	}

	m := &BrokerMessenger{
		cfg:         cfg,
		srcWriter:   newBrokerWriter(cfg.Brokers, cfg.SourceTopic, cfg),
		destWriter:  newBrokerWriter(cfg.Brokers, cfg.DestTopic, cfg),
		eventWriter: newBrokerWriter(cfg.Brokers, cfg.EventsTopic, cfg),
		srcDedup:    newDedupHolding(cfg.DedupDelay),
		destDedup:   newDedupHolding(cfg.DedupDelay),
		eventDedup:  newDedupHolding(cfg.DedupDelay),
		ledger:      newOffsetLedger(),
		offsetStore: store,
	}

	m.srcReader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.SourceTopic,
		GroupID: cfg.GroupID,
	})
	m.destReader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.DestTopic,
		GroupID: cfg.GroupID + "-dest",
	})
	m.eventReader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.EventsTopic,
		GroupID: cfg.GroupID + "-events",
	})

	return m, nil
}

func (m *BrokerMessenger) SendForProcessing(ctx context.Context, doc *document.Document) error {
	// Document.MarshalJSON already canonicalizes via internal/canonical,
	// so the wire bytes here are deterministic without a second pass.
	b, err := doc.MarshalJSON()
	if err != nil {
		return &TransportError{Op: "encode source document", Err: err}
	}
	if err := m.srcWriter.produce(ctx, []byte(doc.ID()), b); err != nil {
		return &TransportError{Op: "produce source document", Err: err}
	}
	return nil
}

func (m *BrokerMessenger) PollDoc(ctx context.Context, timeout time.Duration) (*document.Document, bool, error) {
	return pollDocument(ctx, timeout, m.srcReader, m.srcDedup, m.recordRoot)
}

func (m *BrokerMessenger) SendCompleted(ctx context.Context, doc *document.Document) error {
	b, err := doc.MarshalJSON()
	if err != nil {
		return &TransportError{Op: "encode completed document", Err: err}
	}
	if err := m.destWriter.produce(ctx, []byte(doc.ID()), b); err != nil {
		return &TransportError{Op: "produce completed document", Err: err}
	}
	return nil
}

func (m *BrokerMessenger) PollCompleted(ctx context.Context, timeout time.Duration) (*document.Document, bool, error) {
	return pollDocument(ctx, timeout, m.destReader, m.destDedup, nil)
}

func (m *BrokerMessenger) SendEvent(ctx context.Context, ev event.Event) error {
	b, err := ev.Marshal()
	if err != nil {
		return &TransportError{Op: "encode event", Err: err}
	}
	if err := m.eventWriter.produce(ctx, []byte(ev.DocumentID), b); err != nil {
		return &TransportError{Op: "produce event", Err: err}
	}
	m.ledger.applyEvent(eventAdapter{ev})
	return nil
}

func (m *BrokerMessenger) PollEvent(ctx context.Context, timeout time.Duration) (event.Event, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := m.eventReader.FetchMessage(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return event.Event{}, false, nil
		}
		return event.Event{}, false, &TransportError{Op: "fetch event", Err: err}
	}
	key := dedupKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
	if m.eventDedup.seenRecently(key, time.Now()) {
		return m.PollEvent(ctx, timeout)
	}
	ev, err := event.Unmarshal(msg.Value)
	if err != nil {
		return event.Event{}, false, &TransportError{Op: "decode event", Err: err}
	}
	if err := m.eventReader.CommitMessages(ctx, msg); err != nil {
		return event.Event{}, false, &TransportError{Op: "commit event offset", Err: err}
	}
	return ev, true, nil
}

// HasEvents cannot be answered precisely against a broker (there is no
// cheap "peek" without consuming); report false so callers fall back to
// timeout-based polling, matching kafka-go's lack of a lag-free peek.
func (m *BrokerMessenger) HasEvents() bool { return false }

// recordRoot seeds the offset ledger for a freshly-polled source
// message, gating its eventual commit on that run's CREATE/terminal
// event traffic draining to zero (see offsetLedger's doc comment for
// why this is grouped by RunID rather than by document-id tree).
func (m *BrokerMessenger) recordRoot(doc *document.Document, key dedupKey) {
	runID := doc.RunID()
	if !doc.HasRunID() {
		runID = doc.ID()
	}
	m.ledger.recordRoot(runID, key)
}

// CommitPendingOffsets commits the source offset for every run whose
// outstanding count has reached zero, then forgets it, mirroring each
// commit into the configured offset store for ops visibility.
func (m *BrokerMessenger) CommitPendingOffsets(ctx context.Context) error {
	drained := m.ledger.drain()
	if len(drained) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(drained))
	for i, d := range drained {
		msgs[i] = kafka.Message{Topic: d.key.topic, Partition: d.key.partition, Offset: d.key.offset}
	}
	if err := m.srcReader.CommitMessages(ctx, msgs...); err != nil {
		return &TransportError{Op: "commit source offsets", Err: err}
	}
	var firstErr error
	for _, d := range drained {
		if err := m.offsetStore.RecordCommit(ctx, d.runID, d.key.topic, d.key.partition, d.key.offset); err != nil && firstErr == nil {
			firstErr = &TransportError{Op: "mirror committed offset", Err: err}
		}
	}
	return firstErr
}

func (m *BrokerMessenger) Close() error {
	var firstErr error
	closers := []func() error{
		m.srcWriter.Close, m.destWriter.Close, m.eventWriter.Close,
		m.srcReader.Close, m.destReader.Close, m.eventReader.Close,
	}
	for _, c := range closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pollDocument fetches and decodes the next message from r, applying
// dedup and an optional onNew hook (used to seed the commit ledger on
// the source reader only).
func pollDocument(ctx context.Context, timeout time.Duration, r *kafka.Reader, dedup *dedupHolding, onNew func(*document.Document, dedupKey)) (*document.Document, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := r.FetchMessage(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, false, nil
		}
		return nil, false, &TransportError{Op: "fetch document", Err: err}
	}

	key := dedupKey{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
	if dedup.seenRecently(key, time.Now()) {
		return pollDocument(ctx, timeout, r, dedup, onNew)
	}

	doc := &document.Document{}
	if err := doc.UnmarshalJSON(msg.Value); err != nil {
		return nil, false, &TransportError{Op: "decode document", Err: err}
	}
	doc.SetSourceOffset(msg.Offset)

	if onNew != nil {
		onNew(doc, key)
	} else {
		// Non-source readers (destination) have no offset-gating ledger
		// to seed; commit immediately since the Indexer's own batch
		// state machine is the durability boundary for that channel.
		if err := r.CommitMessages(ctx, msg); err != nil {
			return nil, false, &TransportError{Op: "commit offset", Err: err}
		}
	}

	return doc, true, nil
}
