package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/pipeline"
	"github.com/ILLUVRSE/pipeline/internal/pipelineerr"
)

// fnStage adapts a plain function into a Stage for tests.
type fnStage struct {
	name    string
	startFn func(ctx context.Context) error
	fn      func(ctx context.Context, doc *document.Document) ([]*document.Document, error)
	closed  bool
}

func (s *fnStage) Name() string { return s.name }
func (s *fnStage) Start(ctx context.Context) error {
	if s.startFn != nil {
		return s.startFn(ctx)
	}
	return nil
}
func (s *fnStage) ProcessDocument(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
	if s.fn != nil {
		return s.fn(ctx, doc)
	}
	return nil, nil
}
func (s *fnStage) Close() error { s.closed = true; return nil }

func mustDoc(t *testing.T, id string) *document.Document {
	t.Helper()
	d, err := document.New(id)
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	return d
}

func TestEmptyPipelineReturnsInputUnchanged(t *testing.T) {
	p := pipeline.New("empty")
	doc := mustDoc(t, "d1")
	results, err := p.Process(context.Background(), doc)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 1 || results[0] != doc {
		t.Fatalf("expected exactly the input document, got %v", results)
	}
}

func TestFanOutRunsChildrenThroughRemainingStagesOnly(t *testing.T) {
	var secondStageSeen []string

	fanOut := &fnStage{
		name: "fan-out",
		fn: func(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
			if doc.ID() != "d1" {
				return nil, nil
			}
			c1 := mustDoc(t, "d1-c1")
			c2 := mustDoc(t, "d1-c2")
			return []*document.Document{c1, c2}, nil
		},
	}
	tag := &fnStage{
		name: "tag",
		fn: func(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
			secondStageSeen = append(secondStageSeen, doc.ID())
			return nil, nil
		},
	}

	p := pipeline.New("fanout", fanOut, tag)
	results, err := p.Process(context.Background(), mustDoc(t, "d1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected parent + 2 children, got %d: %v", len(results), resultIDs(results))
	}
	if results[0].ID() != "d1" {
		t.Fatalf("expected first result to be the (stage-processed) parent, got %s", results[0].ID())
	}

	// tag must have seen the parent (from the base stage loop) and both
	// children (from the remaining-stages recursion), but fan-out itself
	// must never have seen the children it produced.
	wantSeen := map[string]bool{"d1": true, "d1-c1": true, "d1-c2": true}
	if len(secondStageSeen) != 3 {
		t.Fatalf("expected tag to run on 3 documents, ran on %v", secondStageSeen)
	}
	for _, id := range secondStageSeen {
		if !wantSeen[id] {
			t.Fatalf("tag ran on unexpected document %s", id)
		}
	}
}

func TestStageFailureAbortsAsProcessingFailure(t *testing.T) {
	boom := errors.New("boom")
	failing := &fnStage{
		name: "failing",
		fn: func(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
			return nil, boom
		},
	}
	p := pipeline.New("fails", failing)
	_, err := p.Process(context.Background(), mustDoc(t, "bad"))
	if err == nil {
		t.Fatalf("expected an error")
	}
	var pf *pipelineerr.ProcessingFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected *pipelineerr.ProcessingFailure, got %T: %v", err, err)
	}
	if pf.DocID != "bad" || pf.Stage != "failing" {
		t.Fatalf("unexpected failure fields: %+v", pf)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause to be boom")
	}
}

func TestStartFailurePropagatesAsConfigViolationAndClosesStartedStages(t *testing.T) {
	first := &fnStage{name: "first"}
	second := &fnStage{name: "second", startFn: func(ctx context.Context) error {
		return errors.New("bad config")
	}}
	p := pipeline.New("bad-start", first, second)
	err := p.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start error")
	}
	var cv *pipelineerr.ConfigViolation
	if !errors.As(err, &cv) {
		t.Fatalf("expected *pipelineerr.ConfigViolation, got %T: %v", err, err)
	}
	if !first.closed {
		t.Fatalf("expected the already-started stage to be closed on rollback")
	}
}

func TestConditionalStageSkipsWhenPredicateFalse(t *testing.T) {
	calls := 0
	inner := &fnStage{
		name: "inner",
		fn: func(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
			calls++
			return nil, nil
		},
	}
	wrapped := pipeline.WithPredicate(inner, pipeline.FieldEquals("kind", "wanted"))
	p := pipeline.New("conditional", wrapped)

	doc := mustDoc(t, "d1")
	if _, err := p.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected the stage to be skipped, but it ran %d times", calls)
	}

	if err := doc.SetString("kind", "wanted"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if _, err := p.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the stage to run once the predicate matches, ran %d times", calls)
	}
}

func resultIDs(docs []*document.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	return ids
}
