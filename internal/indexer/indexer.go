// Package indexer implements the batching consumer described in
// spec.md §4.5: it accumulates documents from the Destination channel
// into bounded batches, classifies each into an upsert/delete-by-id/
// delete-by-query bucket with latest-event-wins semantics, ships the
// buckets to a Backend in a fixed order, and reports per-document
// completion on the event stream.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
)

// Config configures batching bounds and the optional field-driven
// behaviors described in spec.md §6.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration

	IDOverrideField string
	RoutingField    string
	VersionType     VersionType

	DeletionMarkerField      string
	DeletionMarkerFieldValue string
	DeleteByFieldField       string
	DeleteByFieldValue       string

	// IgnoreFields lists field names stripped from the indexed
	// payload. The id field is always present regardless of this list
	// (spec.md §9's resolution of the open question on ignoreFields).
	IgnoreFields []string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	return c
}

// action is the bucket a document's latest entry in the batch resolves to.
type action int

const (
	actionUpsert action = iota
	actionDeleteByID
	actionDeleteByQuery
)

// Indexer consumes completed documents, batches them, and ships them
// to Backend.
type Indexer struct {
	cfg      Config
	m        messenger.Messenger
	backend  Backend
	archiver DeadLetterArchiver
	runID    string
	logger   *log.Logger

	stopFlag  atomic.Bool
	batchSeq  int64
}

// New builds an Indexer. archiver may be NoopArchiver{} when no
// dead-letter destination is configured.
func New(runID string, m messenger.Messenger, backend Backend, archiver DeadLetterArchiver, cfg Config, logger *log.Logger) *Indexer {
	if logger == nil {
		logger = log.Default()
	}
	if archiver == nil {
		archiver = NoopArchiver{}
	}
	return &Indexer{cfg: cfg.withDefaults(), m: m, backend: backend, archiver: archiver, runID: runID, logger: logger}
}

// Stop requests cooperative shutdown after the current batch, if any,
// is shipped.
func (ix *Indexer) Stop() { ix.stopFlag.Store(true) }

// entry is one document's latest classification within the batch
// being accumulated.
type entry struct {
	doc    *document.Document
	action action
}

// Run accumulates documents into batches bounded by BatchSize and
// BatchTimeout and ships each batch as it fills, until Stop is called
// or ctx is cancelled. Any partially-filled batch is shipped on exit.
func (ix *Indexer) Run(ctx context.Context) {
	order := make([]string, 0, ix.cfg.BatchSize)
	byID := make(map[string]*entry)
	var batchStart time.Time

	flush := func() {
		if len(order) == 0 {
			return
		}
		ix.ship(ctx, order, byID)
		order = order[:0]
		byID = make(map[string]*entry)
	}

	for {
		if ix.stopFlag.Load() || ctx.Err() != nil {
			flush()
			return
		}

		remaining := ix.cfg.BatchTimeout
		if !batchStart.IsZero() {
			elapsed := time.Since(batchStart)
			if elapsed >= ix.cfg.BatchTimeout {
				flush()
				batchStart = time.Time{}
				continue
			}
			remaining = ix.cfg.BatchTimeout - elapsed
		}

		doc, ok, err := ix.m.PollCompleted(ctx, minDuration(remaining, 2*time.Second))
		if err != nil {
			ix.logger.Printf("indexer: pollCompleted error, terminating: %v", err)
			flush()
			return
		}
		if !ok {
			continue
		}

		if batchStart.IsZero() {
			batchStart = time.Now()
		}
		if _, exists := byID[doc.ID()]; !exists {
			order = append(order, doc.ID())
		}
		byID[doc.ID()] = &entry{doc: doc, action: ix.classify(doc)}

		if len(order) >= ix.cfg.BatchSize {
			flush()
			batchStart = time.Time{}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// classify implements spec.md §4.5's bucket rules.
func (ix *Indexer) classify(doc *document.Document) action {
	if !ix.isMarkedForDeletion(doc) {
		return actionUpsert
	}
	if ix.cfg.DeleteByFieldField != "" && doc.Has(ix.cfg.DeleteByFieldField) {
		return actionDeleteByQuery
	}
	return actionDeleteByID
}

func (ix *Indexer) isMarkedForDeletion(doc *document.Document) bool {
	if ix.cfg.DeletionMarkerField == "" {
		return false
	}
	v, ok, err := doc.GetString(ix.cfg.DeletionMarkerField)
	if err != nil || !ok {
		return false
	}
	return v == ix.cfg.DeletionMarkerFieldValue
}

// ship sends one batch to the backend in upsert, delete-by-id,
// delete-by-query order and reports per-document completion. A
// backend-level error at any stage is treated as a batch failure at
// transport level: every document in the batch receives FAIL and the
// batch is not retried (spec.md §4.5); the canonical batch payload is
// archived for offline inspection.
func (ix *Indexer) ship(ctx context.Context, order []string, byID map[string]*entry) {
	batchID := fmt.Sprintf("%s-%d", ix.runID, atomic.AddInt64(&ix.batchSeq, 1))

	var upserts []UpsertItem
	var deletes []DeleteByIDItem
	var deleteQueries []DeleteByQueryItem
	docs := make([]*document.Document, 0, len(order))

	for _, id := range order {
		e := byID[id]
		docs = append(docs, e.doc)
		switch e.action {
		case actionUpsert:
			upserts = append(upserts, ix.toUpsertItem(e.doc))
		case actionDeleteByID:
			deletes = append(deletes, DeleteByIDItem{ID: ix.effectiveID(e.doc), Routing: ix.routingFor(e.doc)})
		case actionDeleteByQuery:
			deleteQueries = append(deleteQueries, ix.toDeleteByQueryItem(e.doc))
		}
	}

	if err := ix.backend.Upsert(ctx, upserts); err != nil {
		ix.failBatch(ctx, docs, batchID, "upsert", err)
		return
	}
	if err := ix.backend.DeleteByID(ctx, deletes); err != nil {
		ix.failBatch(ctx, docs, batchID, "delete-by-id", err)
		return
	}
	if err := ix.backend.DeleteByQuery(ctx, deleteQueries); err != nil {
		ix.failBatch(ctx, docs, batchID, "delete-by-query", err)
		return
	}

	for _, doc := range docs {
		if err := ix.m.SendEvent(ctx, event.NewFinish(doc.ID(), ix.runID)); err != nil {
			ix.logger.Printf("indexer: send FINISH event for %s: %v", doc.ID(), err)
		}
	}
	if err := ix.m.CommitPendingOffsets(ctx); err != nil {
		ix.logger.Printf("indexer: commit pending offsets: %v", err)
	}
}

func (ix *Indexer) failBatch(ctx context.Context, docs []*document.Document, batchID, stage string, cause error) {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	for _, doc := range docs {
		if err := ix.m.SendEvent(ctx, event.NewFail(doc.ID(), ix.runID, reason)); err != nil {
			ix.logger.Printf("indexer: send FAIL event for %s: %v", doc.ID(), err)
		}
	}
	payload := make(map[string]interface{}, len(docs))
	for _, doc := range docs {
		b, err := doc.MarshalJSON()
		if err != nil {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(b, &v); err == nil {
			payload[doc.ID()] = v
		}
	}
	if err := ix.archiver.ArchiveBatch(ctx, ix.runID, batchID, payload); err != nil {
		ix.logger.Printf("indexer: archive failed batch %s: %v", batchID, err)
	}
}

func (ix *Indexer) effectiveID(doc *document.Document) string {
	if ix.cfg.IDOverrideField != "" {
		if v, ok, err := doc.GetString(ix.cfg.IDOverrideField); err == nil && ok {
			return v
		}
	}
	return doc.ID()
}

func (ix *Indexer) routingFor(doc *document.Document) string {
	if ix.cfg.RoutingField == "" {
		return ""
	}
	v, ok, err := doc.GetString(ix.cfg.RoutingField)
	if err != nil || !ok {
		return ""
	}
	return v
}

func (ix *Indexer) toDeleteByQueryItem(doc *document.Document) DeleteByQueryItem {
	value, ok, err := doc.GetString(ix.cfg.DeleteByFieldField)
	if err != nil || !ok {
		value = ""
	}
	return DeleteByQueryItem{Field: ix.cfg.DeleteByFieldField, Value: value}
}

// toUpsertItem builds the backend payload: reserved fields and
// IgnoreFields are stripped, id is always present regardless of
// IgnoreFields, and children are flattened one level into the payload
// under "children".
func (ix *Indexer) toUpsertItem(doc *document.Document) UpsertItem {
	payload := ix.flatten(doc)
	return UpsertItem{
		ID:      ix.effectiveID(doc),
		Routing: ix.routingFor(doc),
		Version: ix.versionFor(doc),
		VType:   ix.cfg.VersionType,
		Payload: payload,
	}
}

// versionFor draws the external-versioning version number from the
// source message offset (spec.md §4.5). In-memory-mode documents and
// internal versioning both carry no offset/no meaning here, so this
// resolves to 0 and the backend is expected to ignore Version when
// VType is VersionInternal.
func (ix *Indexer) versionFor(doc *document.Document) int64 {
	if ix.cfg.VersionType != VersionExternal && ix.cfg.VersionType != VersionExternalGte {
		return 0
	}
	offset, ok := doc.SourceOffset()
	if !ok {
		return 0
	}
	return offset
}

func (ix *Indexer) flatten(doc *document.Document) map[string]interface{} {
	ignored := make(map[string]bool, len(ix.cfg.IgnoreFields))
	for _, f := range ix.cfg.IgnoreFields {
		ignored[f] = true
	}

	payload := make(map[string]interface{})
	for _, name := range doc.FieldNames() {
		if ignored[name] {
			continue
		}
		values := doc.Values(name)
		if doc.IsMultiValued(name) {
			raws := make([]interface{}, len(values))
			for i, v := range values {
				raws[i] = v.Raw()
			}
			payload[name] = raws
		} else if len(values) == 1 {
			payload[name] = values[0].Raw()
		}
	}
	payload["id"] = doc.ID()

	if children := doc.Children(); len(children) > 0 {
		flat := make([]map[string]interface{}, len(children))
		for i, c := range children {
			flat[i] = ix.flatten(c)
		}
		payload["children"] = flat
	}
	return payload
}
