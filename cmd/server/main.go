package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/recall-comb/internal/api"
	"github.com/lysyi3m/recall-comb/internal/bootstrap"
	"github.com/lysyi3m/recall-comb/internal/cfg"
	"github.com/lysyi3m/recall-comb/internal/logging"
	"github.com/lysyi3m/recall-comb/internal/tasks"
)

func main() {
	appCfg, err := cfg.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	logging.Setup(appCfg.Debug)

	if err := run(appCfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	slog.Info("Starting Recall Comb server", "version", appCfg.Version)

	ctx := context.Background()
	app, err := bootstrap.New(ctx, appCfg, bootstrap.AllIntegrations)
	if err != nil {
		return err
	}
	defer app.Close()

	scheduler, err := tasks.NewScheduler(app.Runner, tasks.SchedulerConfig{
		WorkerCount:    appCfg.WorkerCount,
		IngestSchedule: appCfg.IngestSchedule,
		RunOnStart:     appCfg.IngestOnStart,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	deps := api.Deps{
		Searcher:      app.Search,
		Catalog:       app.Recalls,
		Agencies:      app.Agencies,
		Runs:          app.Runs,
		ConfigCache:   app.ConfigCache,
		Ingester:      app.Runner,
		Queue:         scheduler,
		DB:            app.DB,
		SearchTimeout: appCfg.SearchTimeout,
		BaseURL:       appCfg.BaseURL,
		Version:       appCfg.Version,
	}
	if app.Cache != nil {
		deps.Cache = app.Cache
	}
	server := api.NewServer(api.NewHandler(deps), appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		return err
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	return nil
}
