// Package runner orchestrates a single run: it generates a fresh
// run-id, iterates connectors in declared order, starts the
// in-process Worker Pool and Indexer for each connector's pipeline,
// drives the Publisher's completion wait under a configured timeout,
// and enforces sequential-connector, abort-on-failure semantics.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/pipeline/internal/connector"
	"github.com/ILLUVRSE/pipeline/internal/indexer"
	"github.com/ILLUVRSE/pipeline/internal/messenger"
	"github.com/ILLUVRSE/pipeline/internal/pipeline"
	"github.com/ILLUVRSE/pipeline/internal/pipelineerr"
	"github.com/ILLUVRSE/pipeline/internal/publisher"
	"github.com/ILLUVRSE/pipeline/internal/worker"
)

// Status is the lifecycle state of one connector's execution, exposed
// through the Runner's in-memory run registry for the
// /runs/{runID} control-surface endpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Process exit codes returned by Run.
const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitRunAborted  = 2
)

// ConnectorEntry binds one Connector to the Messenger and Pipeline it
// runs against, plus the worker parallelism for its pool.
type ConnectorEntry struct {
	Connector   connector.Connector
	Messenger   messenger.Messenger
	Pipeline    *pipeline.Pipeline
	Indexer     *indexer.Indexer
	WorkerCount int
}

// ConnectorTiming records one connector's execution window and
// outcome for status reporting.
type ConnectorTiming struct {
	Name      string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Err       string
}

// RunStatus is the Runner's in-memory record of one run, read by the
// HTTP control surface.
type RunStatus struct {
	RunID      string
	Status     Status
	StartedAt  time.Time
	EndedAt    time.Time
	Connectors []ConnectorTiming
}

// Config configures the Runner.
type Config struct {
	ConnectorTimeout time.Duration
	Logger           *log.Logger
}

// Runner orchestrates one run across a declared sequence of
// connectors.
type Runner struct {
	cfg Config

	mu       sync.RWMutex
	statuses map[string]*RunStatus
}

// New builds a Runner.
func New(cfg Config) *Runner {
	if cfg.ConnectorTimeout <= 0 {
		cfg.ConnectorTimeout = 86400 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Runner{cfg: cfg, statuses: make(map[string]*RunStatus)}
}

// Status returns a copy of the recorded status for runID, or a zero
// RunStatus and false if unknown.
func (r *Runner) Status(runID string) (RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[runID]
	if !ok {
		return RunStatus{}, false
	}
	return *s, true
}

// Run generates a fresh run-id and executes entries in declared
// order. A connector failure (including a completion-wait timeout)
// aborts the run; subsequent connectors are skipped. It returns the
// process exit code and the run-id that was used.
func (r *Runner) Run(ctx context.Context, entries []ConnectorEntry) (exitCode int, runID string) {
	runID = uuid.NewString()
	status := &RunStatus{RunID: runID, Status: StatusRunning, StartedAt: time.Now().UTC()}
	r.mu.Lock()
	r.statuses[runID] = status
	r.mu.Unlock()

	defer func() {
		status.EndedAt = time.Now().UTC()
		r.mu.Lock()
		defer r.mu.Unlock()
	}()

	for _, e := range entries {
		timing := ConnectorTiming{Name: e.Connector.Name(), Status: StatusRunning, StartedAt: time.Now().UTC()}

		err := r.runOne(ctx, runID, e)

		timing.EndedAt = time.Now().UTC()
		if err != nil {
			timing.Status = errorStatus(err)
			timing.Err = err.Error()
			status.Connectors = append(status.Connectors, timing)
			status.Status = timing.Status
			return exitCodeFor(err), runID
		}

		timing.Status = StatusSucceeded
		status.Connectors = append(status.Connectors, timing)
	}

	status.Status = StatusSucceeded
	return ExitSuccess, runID
}

func errorStatus(err error) Status {
	if isTimeout(err) {
		return StatusTimedOut
	}
	return StatusFailed
}

// isTimeout/isConfigViolation walk an error's Unwrap chain looking for
// a pipelineerr kind, since the errors this package sees (connector
// errors, pipeline.Start errors) may arrive wrapped in a fmt.Errorf
// "...: %w" layer.
func isTimeout(err error) bool {
	for err != nil {
		if _, ok := err.(*pipelineerr.Timeout); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isConfigViolation(err error) bool {
	for err != nil {
		if _, ok := err.(*pipelineerr.ConfigViolation); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// exitCodeFor maps a run-aborting error to a process exit code: a
// pipeline config violation is a configuration error (1); everything
// else (connector failure, completion-wait timeout) aborts the run (2).
func exitCodeFor(err error) int {
	if isConfigViolation(err) {
		return ExitConfigError
	}
	return ExitRunAborted
}

// runOne drives a single connector: preExecute, start pool+indexer,
// execute on a dedicated goroutine, wait for completion, postExecute,
// stop pool+indexer. Resources are released on every exit path.
func (r *Runner) runOne(ctx context.Context, runID string, e ConnectorEntry) error {
	defer e.Connector.Close()

	if err := e.Pipeline.Start(ctx); err != nil {
		return err
	}
	defer e.Pipeline.Close()

	if err := e.Connector.PreExecute(ctx, runID); err != nil {
		return fmt.Errorf("connector %s preExecute: %w", e.Connector.Name(), err)
	}

	pub := publisher.New(runID, e.Messenger, r.cfg.Logger)
	defer pub.Close()

	workers := e.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	pool := worker.NewPool(workers, runID, e.Messenger, e.Pipeline, r.cfg.Logger)

	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	pool.Start(poolCtx)
	defer pool.Stop()

	var ixWG sync.WaitGroup
	if e.Indexer != nil {
		ixWG.Add(1)
		go func() {
			defer ixWG.Done()
			e.Indexer.Run(poolCtx)
		}()
		defer func() {
			e.Indexer.Stop()
			ixWG.Wait()
		}()
	}

	connectorDone := make(chan struct{})
	var connectorErr error
	go func() {
		defer close(connectorDone)
		connectorErr = e.Connector.Execute(ctx, pub)
	}()

	waitErr := pub.WaitForCompletion(ctx, connectorDone, func() error { return connectorErr }, r.cfg.ConnectorTimeout)
	if waitErr != nil {
		return waitErr
	}

	if err := e.Connector.PostExecute(ctx, runID); err != nil {
		return fmt.Errorf("connector %s postExecute: %w", e.Connector.Name(), err)
	}
	return nil
}
