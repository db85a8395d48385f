// Package pipeline implements the ordered, immutable sequence of
// Stage instances that a document flows through between the Worker's
// poll and its emission of children/completions.
package pipeline

import (
	"context"

	"github.com/ILLUVRSE/pipeline/internal/document"
)

// Stage is one step of a Pipeline. Implementations are stateless with
// respect to documents but may hold configuration and pooled resources
// (HTTP client, compiled regex, dictionary) created in Start and
// released in Close.
type Stage interface {
	// Name identifies the stage in logs and error messages.
	Name() string

	// Start is invoked once before the stage processes any document.
	// A non-nil error is a config-violation and aborts the run.
	Start(ctx context.Context) error

	// ProcessDocument returns the additional documents emitted by the
	// stage (children or replacements). A nil slice means "keep the
	// input document as the sole output and continue" — the caller
	// must not assume ProcessDocument mutated doc in place for that
	// case, only that it chose not to emit anything new.
	ProcessDocument(ctx context.Context, doc *document.Document) ([]*document.Document, error)

	// Close releases any resources acquired in Start. Idempotent.
	Close() error
}

// Predicate decides whether a document should be run through a
// conditionally-executed stage.
type Predicate func(doc *document.Document) bool

// conditional wraps a Stage so that ProcessDocument is skipped (the
// document passes through unchanged) whenever the predicate is false.
type conditional struct {
	Stage
	when Predicate
}

// WithPredicate decorates stage so it is only invoked on documents the
// predicate accepts; documents the predicate rejects still flow
// through the pipeline untouched.
func WithPredicate(stage Stage, when Predicate) Stage {
	return &conditional{Stage: stage, when: when}
}

func (c *conditional) ProcessDocument(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
	if c.when != nil && !c.when(doc) {
		return nil, nil
	}
	return c.Stage.ProcessDocument(ctx, doc)
}

// FieldEquals builds a Predicate that accepts documents whose string
// field named name equals want.
func FieldEquals(name, want string) Predicate {
	return func(doc *document.Document) bool {
		got, ok, err := doc.GetString(name)
		if err != nil || !ok {
			return false
		}
		return got == want
	}
}

// HasField builds a Predicate that accepts documents carrying a value
// (of any kind) for the named field.
func HasField(name string) Predicate {
	return func(doc *document.Document) bool {
		return doc.Has(name)
	}
}
