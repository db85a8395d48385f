package indexer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/event"
	"github.com/ILLUVRSE/pipeline/internal/indexer"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
)

type recordingBackend struct {
	mu            sync.Mutex
	upserts       []indexer.UpsertItem
	deletesByID   []indexer.DeleteByIDItem
	deletesByQury []indexer.DeleteByQueryItem
	failUpsert    error
}

func (b *recordingBackend) Upsert(ctx context.Context, items []indexer.UpsertItem) error {
	if b.failUpsert != nil {
		return b.failUpsert
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts = append(b.upserts, items...)
	return nil
}

func (b *recordingBackend) DeleteByID(ctx context.Context, items []indexer.DeleteByIDItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletesByID = append(b.deletesByID, items...)
	return nil
}

func (b *recordingBackend) DeleteByQuery(ctx context.Context, items []indexer.DeleteByQueryItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletesByQury = append(b.deletesByQury, items...)
	return nil
}

func markDeleted(t *testing.T, d *document.Document) {
	t.Helper()
	require.NoError(t, d.SetString("_deleted", "true"))
}

func runIndexerUntilEventCount(t *testing.T, m messenger.Messenger, ix *indexer.Indexer, wantEvents int) []event.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { ix.Run(ctx); close(done) }()

	var evs []event.Event
	for i := 0; i < wantEvents; i++ {
		ev, ok, err := m.PollEvent(context.Background(), 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok, "expected event %d", i)
		evs = append(evs, ev)
	}
	cancel()
	<-done
	return evs
}

// TestDeleteThenUpsertSameBatchUpsertWins exercises spec.md §8
// scenario 3: a delete followed by an upsert for the same id within
// one batch resolves to a single upsert.
func TestDeleteThenUpsertSameBatchUpsertWins(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{
		BatchSize:                2,
		BatchTimeout:             time.Second,
		DeletionMarkerField:      "_deleted",
		DeletionMarkerFieldValue: "true",
	}, nil)

	deleted, err := document.New("x")
	require.NoError(t, err)
	markDeleted(t, deleted)
	require.NoError(t, m.SendCompleted(context.Background(), deleted))

	upserted, err := document.New("x")
	require.NoError(t, err)
	require.NoError(t, upserted.SetString("title", "hello"))
	require.NoError(t, m.SendCompleted(context.Background(), upserted))

	runIndexerUntilEventCount(t, m, ix, 1)

	assert.Len(t, backend.upserts, 1, "expected exactly one upsert")
	assert.Empty(t, backend.deletesByID, "an upsert arriving after a delete must remove the delete")
	require.Len(t, backend.upserts, 1)
	assert.Equal(t, "x", backend.upserts[0].ID)
}

// TestUpsertThenDeleteSameBatchDeleteWins exercises spec.md §8
// scenario 4: order reversed, the backend receives one delete-by-id
// and no upsert.
func TestUpsertThenDeleteSameBatchDeleteWins(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{
		BatchSize:                2,
		BatchTimeout:             time.Second,
		DeletionMarkerField:      "_deleted",
		DeletionMarkerFieldValue: "true",
	}, nil)

	upserted, err := document.New("x")
	require.NoError(t, err)
	require.NoError(t, upserted.SetString("title", "hello"))
	require.NoError(t, m.SendCompleted(context.Background(), upserted))

	deleted, err := document.New("x")
	require.NoError(t, err)
	markDeleted(t, deleted)
	require.NoError(t, m.SendCompleted(context.Background(), deleted))

	runIndexerUntilEventCount(t, m, ix, 1)

	assert.Empty(t, backend.upserts, "a delete arriving after an upsert must remove the upsert")
	require.Len(t, backend.deletesByID, 1)
	assert.Equal(t, "x", backend.deletesByID[0].ID)
}

// TestDeleteByQueryUsedWhenFieldConfigured ensures a marked-for-deletion
// document with a configured delete-by-field pair routes to
// delete-by-query rather than delete-by-id.
func TestDeleteByQueryUsedWhenFieldConfigured(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{
		BatchSize:                1,
		BatchTimeout:             time.Second,
		DeletionMarkerField:      "_deleted",
		DeletionMarkerFieldValue: "true",
		DeleteByFieldField:       "tenant_id",
	}, nil)

	doc, err := document.New("x")
	require.NoError(t, err)
	markDeleted(t, doc)
	require.NoError(t, doc.SetString("tenant_id", "acme"))
	require.NoError(t, m.SendCompleted(context.Background(), doc))

	runIndexerUntilEventCount(t, m, ix, 1)

	assert.Empty(t, backend.deletesByID)
	require.Len(t, backend.deletesByQury, 1)
	assert.Equal(t, "tenant_id", backend.deletesByQury[0].Field)
	assert.Equal(t, "acme", backend.deletesByQury[0].Value)
}

// TestBatchTransportFailureFailsEveryDocumentInBatch exercises spec.md
// §4.5/§7's "batch failure at transport level emits FAIL for every
// document in the batch" rule.
func TestBatchTransportFailureFailsEveryDocumentInBatch(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{failUpsert: errors.New("backend unreachable")}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{BatchSize: 2, BatchTimeout: time.Second}, nil)

	d1, err := document.New("a")
	require.NoError(t, err)
	d2, err := document.New("b")
	require.NoError(t, err)
	require.NoError(t, m.SendCompleted(context.Background(), d1))
	require.NoError(t, m.SendCompleted(context.Background(), d2))

	evs := runIndexerUntilEventCount(t, m, ix, 2)
	for _, ev := range evs {
		assert.Equal(t, event.Fail, ev.Type)
		assert.Equal(t, event.Failure, ev.Status)
		require.NotNil(t, ev.Message)
	}
}

// TestIgnoreFieldsNeverStripsID covers SPEC_FULL.md's resolution of
// the ignoreFields open question: id is always present in the
// indexed payload regardless of IgnoreFields.
func TestIgnoreFieldsNeverStripsID(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{
		BatchSize:    1,
		BatchTimeout: time.Second,
		IgnoreFields: []string{"id", "secret"},
	}, nil)

	doc, err := document.New("keep-me")
	require.NoError(t, err)
	require.NoError(t, doc.SetString("secret", "shh"))
	require.NoError(t, m.SendCompleted(context.Background(), doc))

	runIndexerUntilEventCount(t, m, ix, 1)

	require.Len(t, backend.upserts, 1)
	assert.Equal(t, "keep-me", backend.upserts[0].Payload["id"])
	assert.NotContains(t, backend.upserts[0].Payload, "secret")
}

// TestExternalVersioningDrawsVersionFromSourceOffset covers spec.md
// §4.5's "version drawn from the source message offset for external
// versioning": a document that recorded a broker-mode source offset
// carries it through to UpsertItem.Version when VersionType is
// External, but VersionInternal ignores it.
func TestExternalVersioningDrawsVersionFromSourceOffset(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{
		BatchSize:    1,
		BatchTimeout: time.Second,
		VersionType:  indexer.VersionExternal,
	}, nil)

	doc, err := document.New("versioned")
	require.NoError(t, err)
	doc.SetSourceOffset(42)
	require.NoError(t, m.SendCompleted(context.Background(), doc))

	runIndexerUntilEventCount(t, m, ix, 1)

	require.Len(t, backend.upserts, 1)
	assert.Equal(t, int64(42), backend.upserts[0].Version)
	assert.Equal(t, indexer.VersionExternal, backend.upserts[0].VType)
}

// TestInternalVersioningIgnoresSourceOffset ensures the offset is not
// plumbed through when versioning is left at the default (Internal).
func TestInternalVersioningIgnoresSourceOffset(t *testing.T) {
	m := messenger.NewInMemory(0)
	defer m.Close()
	backend := &recordingBackend{}
	ix := indexer.New("r1", m, backend, nil, indexer.Config{
		BatchSize:    1,
		BatchTimeout: time.Second,
	}, nil)

	doc, err := document.New("unversioned")
	require.NoError(t, err)
	doc.SetSourceOffset(99)
	require.NoError(t, m.SendCompleted(context.Background(), doc))

	runIndexerUntilEventCount(t, m, ix, 1)

	require.Len(t, backend.upserts, 1)
	assert.Equal(t, int64(0), backend.upserts[0].Version)
}
