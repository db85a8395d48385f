package indexer

import "context"

// VersionType selects how the backend should apply optimistic
// concurrency to an upsert, drawn from the source message offset for
// external versioning (spec.md §4.5).
type VersionType string

const (
	VersionInternal    VersionType = "Internal"
	VersionExternal    VersionType = "External"
	VersionExternalGte VersionType = "ExternalGte"
)

// UpsertItem is one document destined for the backend's upsert call.
type UpsertItem struct {
	ID      string
	Routing string
	Version int64
	VType   VersionType
	Payload map[string]interface{}
}

// DeleteByIDItem removes a single document by id.
type DeleteByIDItem struct {
	ID      string
	Routing string
}

// DeleteByQueryItem removes every document matching field=value.
type DeleteByQueryItem struct {
	Field string
	Value string
}

// Backend is the search/index backend collaborator. Concrete backends
// (OpenSearch, Solr, Pinecone, Weaviate) are out of scope for this
// package — only the interface the Indexer drives is specified.
type Backend interface {
	Upsert(ctx context.Context, items []UpsertItem) error
	DeleteByID(ctx context.Context, items []DeleteByIDItem) error
	DeleteByQuery(ctx context.Context, items []DeleteByQueryItem) error
}
