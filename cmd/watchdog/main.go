// File: cmd/watchdog/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ensemble-inference-scheduler/internal/app"
	"ensemble-inference-scheduler/internal/config"
	"ensemble-inference-scheduler/internal/infra/logging"
	"ensemble-inference-scheduler/internal/infra/metrics"
	"ensemble-inference-scheduler/internal/infra/sched"
	"ensemble-inference-scheduler/internal/infra/web"
	"ensemble-inference-scheduler/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no sampling)")
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	stores, err := app.BuildStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("store backend")
	}
	defer stores.Close()

	wd := sched.NewWatchdog(stores.Tasks, stores.Cells, cfg.Watchdog.StaleThreshold, cfg.Watchdog.MaxRetries, logger)

	if *once {
		wd.RunOnce(ctx)
		return
	}

	// ---- Reporting server ----
	reportUC := usecase.NewReportUseCase(stores.Datasets, stores.Cells, stores.Tasks, stores.Predictions, logger)
	auth := web.NewAuthManager(cfg.Web.JWTSecret, 30*time.Minute)
	srv := web.NewServer(reportUC, auth, logger)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Web.Port), Handler: srv.Router()}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("reporting server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info().Msg("shutdown requested")
		cancel()
	}()

	if err := wd.Run(ctx, cfg.Watchdog.Cron); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("watchdog exited")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
