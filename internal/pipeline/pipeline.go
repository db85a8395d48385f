package pipeline

import (
	"context"

	"github.com/ILLUVRSE/pipeline/internal/document"
	"github.com/ILLUVRSE/pipeline/internal/pipelineerr"
)

// Pipeline is an ordered, immutable sequence of stages.
type Pipeline struct {
	name   string
	stages []Stage
}

// New builds a Pipeline from stages in declared order. The slice is
// copied so later mutation of the caller's slice cannot change it.
func New(name string, stages ...Stage) *Pipeline {
	cp := make([]Stage, len(stages))
	copy(cp, stages)
	return &Pipeline{name: name, stages: cp}
}

func (p *Pipeline) Name() string { return p.name }

// Start invokes Start on every stage in order. If any stage fails to
// start, the stages already started are closed before the error is
// returned as a config-violation.
func (p *Pipeline) Start(ctx context.Context) error {
	started := make([]Stage, 0, len(p.stages))
	for _, s := range p.stages {
		if err := s.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Close()
			}
			return pipelineerr.NewConfigViolation(s.Name(), err)
		}
		started = append(started, s)
	}
	return nil
}

// Close releases every stage's resources, in reverse start order.
// Every stage is closed even if an earlier Close call errored; the
// first error encountered is returned.
func (p *Pipeline) Close() error {
	var firstErr error
	for i := len(p.stages) - 1; i >= 0; i-- {
		if err := p.stages[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Process applies stages in declared order to doc. After each stage,
// any additional documents it returned are collected and each is then
// run through the remaining stages only — a stage never reprocesses
// output it produced. The result is [input-after-all-stages,
// ...all-emitted-descendants]. A stage raising an error aborts
// processing for doc and is returned as a processing-failure.
func (p *Pipeline) Process(ctx context.Context, doc *document.Document) ([]*document.Document, error) {
	return p.processFrom(ctx, doc, 0)
}

func (p *Pipeline) processFrom(ctx context.Context, doc *document.Document, from int) ([]*document.Document, error) {
	current := doc
	var descendants []*document.Document

	for i := from; i < len(p.stages); i++ {
		stage := p.stages[i]
		emitted, err := stage.ProcessDocument(ctx, current)
		if err != nil {
			return nil, pipelineerr.NewProcessingFailure(stage.Name(), current.ID(), err)
		}
		for _, child := range emitted {
			childResults, err := p.processFrom(ctx, child, i+1)
			if err != nil {
				return nil, err
			}
			descendants = append(descendants, childResults...)
		}
	}

	return append([]*document.Document{current}, descendants...), nil
}

// Stages exposes the declared stage order, for diagnostics/tests only.
func (p *Pipeline) Stages() []Stage {
	cp := make([]Stage, len(p.stages))
	copy(cp, p.stages)
	return cp
}

