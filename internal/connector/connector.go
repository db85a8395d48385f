// Package connector defines the Connector collaborator interface.
// Concrete connectors (JDBC, CSV, XML, cloud storage, Solr-source) are
// out of scope for this core — this package specifies only the
// lifecycle the Runner drives and the Publisher the connector is
// handed.
package connector

import (
	"context"

	"github.com/ILLUVRSE/pipeline/internal/publisher"
)

// Connector reads an external source, produces documents, and hands
// them to the Publisher it is given. Connectors do not own the
// Publisher.
type Connector interface {
	// Name identifies the connector in logs and run-status reporting.
	Name() string

	// PreExecute may issue target-system priming actions (creating an
	// index alias, truncating a staging table) before any document is
	// published for runID.
	PreExecute(ctx context.Context, runID string) error

	// Execute blocks until every source record has been published
	// through pub or a fatal error is raised. It must observe ctx
	// cancellation promptly.
	Execute(ctx context.Context, pub *publisher.Publisher) error

	// PostExecute runs cleanup/commit actions against the source after
	// Execute returns successfully. It is not called if Execute errors.
	PostExecute(ctx context.Context, runID string) error

	// Close releases any resources (connections, file handles)
	// regardless of how the run concluded.
	Close() error
}

// Func adapts a plain function to the Connector interface for
// connectors with no pre/post hooks or cleanup, mirroring the
// http.HandlerFunc adapter idiom.
type Func struct {
	FuncName string
	Run      func(ctx context.Context, pub *publisher.Publisher) error
}

func (f Func) Name() string { return f.FuncName }

func (f Func) PreExecute(ctx context.Context, runID string) error { return nil }

func (f Func) Execute(ctx context.Context, pub *publisher.Publisher) error {
	return f.Run(ctx, pub)
}

func (f Func) PostExecute(ctx context.Context, runID string) error { return nil }

func (f Func) Close() error { return nil }
