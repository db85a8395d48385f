package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ILLUVRSE/pipeline/internal/messenger"
	"github.com/ILLUVRSE/pipeline/internal/pipeline"
)

// Pool is a fixed set of Workers sharing one Messenger and Pipeline.
// Its size is the pipeline's configured parallelism (worker.threads).
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
	logger  *log.Logger
}

// NewPool builds a Pool of size workers, each with a distinct id
// derived from runID so log lines are attributable.
func NewPool(size int, runID string, m messenger.Messenger, p *pipeline.Pipeline, logger *log.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	workers := make([]*Worker, size)
	for i := 0; i < size; i++ {
		workers[i] = New(fmt.Sprintf("%s-w%d", runID, i), runID, m, p, logger)
	}
	return &Pool{workers: workers, logger: logger}
}

// Start launches every worker on its own goroutine.
func (pl *Pool) Start(ctx context.Context) {
	for _, w := range pl.workers {
		w := w
		pl.wg.Add(1)
		go func() {
			defer pl.wg.Done()
			w.Run(ctx)
		}()
	}
}

// Stop signals every worker to stop cooperatively and waits for the
// in-flight document each is processing to drain.
func (pl *Pool) Stop() {
	for _, w := range pl.workers {
		w.Stop()
	}
	pl.wg.Wait()
}
