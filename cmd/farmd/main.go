// Command farmd is the flag farm's server: it owns the single-writer flag
// store, the submission worker talking to the upstream game system, the
// artifact store, and the HTTP API that exploits and clients use to reach
// them. Process wiring uses stdlib flag parsing, a cancelable root context,
// and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/api"
	"github.com/ctfops/flagfarm/internal/config"
	"github.com/ctfops/flagfarm/internal/database"
	"github.com/ctfops/flagfarm/internal/flagstore"
	"github.com/ctfops/flagfarm/internal/hfi"
	"github.com/ctfops/flagfarm/internal/logging"
	"github.com/ctfops/flagfarm/internal/submit"
	"github.com/ctfops/flagfarm/internal/worker"
)

func main() {
	dev := flag.Bool("dev", false, "use a development logger (console encoding, debug level)")
	flag.Parse()

	logger, err := logging.New(*dev || os.Getenv("FARM_DEV") != "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "farmd: building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("farmd exiting", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(database.Config{Type: cfg.DatabaseType, URL: cfg.Database}, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	store := flagstore.New(db.Conn(), db.Postgres(), cfg.Lifetime(), logger)

	submitter, err := submit.New(cfg.SystemURL, cfg.TeamToken, cfg.SubmitTimeout)
	if err != nil {
		return fmt.Errorf("building submitter: %w", err)
	}

	var hfiStore *hfi.Store
	if cfg.HfiSource != "" {
		hfiStore, err = hfi.New(cfg.HfiSource, cfg.HfiCache, db.Conn(), db.Postgres(), logger)
		if err != nil {
			return fmt.Errorf("building artifact store: %w", err)
		}
	}

	w := worker.New(store, submitter, cfg.BatchLimit, cfg.SubmitPeriod, cfg.Lifetime(), logger)
	apiServer := api.New(cfg, store, hfiStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		store.Run(ctx)
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Run(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("API server exited with error", zap.Error(err))
		}
		cancel()
	case <-ctx.Done():
	}

	<-workerDone
	<-storeDone
	logger.Info("farmd stopped cleanly")
	return nil
}
