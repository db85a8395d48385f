// Command pipeline-runner is the bootstrap entry point for the
// run-coordination core. It wires configuration, the optional offset
// store, the Runner, and the read-only HTTP control surface together
// and serves that surface until SIGINT/SIGTERM. It builds no messenger
// and starts no run itself: runs are submitted to the Runner by an
// embedder with its own connectors/backends.
//
// Concrete connectors and indexer backends are out of scope for this
// core (spec.md §1) — wiring them in is left to the caller of
// internal/runner, internal/connector, and internal/indexer. This
// binary demonstrates the bootstrap shape the teacher's service
// binaries use (ai-infra/cmd/ai-infra-service,
// eval-engine/cmd/server) and starts the control surface so operators
// can observe run status even when no connector is configured.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/pipeline/internal/auth"
	"github.com/ILLUVRSE/pipeline/internal/config"
	"github.com/ILLUVRSE/pipeline/internal/httpserver"
	"github.com/ILLUVRSE/pipeline/internal/offsetstore"
	"github.com/ILLUVRSE/pipeline/internal/runner"
)

func main() {
	cfg := config.Load()

	var store offsetstore.Store = offsetstore.Noop{}
	if cfg.OffsetDSN != "" {
		db, err := sql.Open("postgres", cfg.OffsetDSN)
		if err != nil {
			log.Fatalf("offset store: open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = offsetstore.NewPGStore(db)
	}

	r := runner.New(runner.Config{ConnectorTimeout: cfg.RunnerConnectorTimeout})
	tokenIssuer := auth.NewTokenIssuer(cfg.ControlTokenSecret)

	server := httpserver.New(r, store, tokenIssuer)
	httpServer := &http.Server{
		Addr:    cfg.RunnerListenAddr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Printf("pipeline-runner control surface listening on %s", cfg.RunnerListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Runs are driven by an embedder that supplies runner.ConnectorEntry
	// values built from its own connectors and backend(s); this
	// bootstrap only keeps the control surface alive so operators can
	// poll /health and /ready while that embedding work happens out of
	// process scope for this core.
	_ = ctx

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
