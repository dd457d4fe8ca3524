// File: cmd/worker/main.go
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
	"ensemble-inference-scheduler/internal/domain/ports/adapter"
	"ensemble-inference-scheduler/internal/infra/adapters/ai"
	"ensemble-inference-scheduler/internal/infra/logging"
	"ensemble-inference-scheduler/internal/infra/metrics"
	red "ensemble-inference-scheduler/internal/infra/redis"
	"ensemble-inference-scheduler/internal/infra/web"
	"ensemble-inference-scheduler/internal/infra/worker"
	"ensemble-inference-scheduler/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no sampling)")
	drain := flag.Bool("drain", false, "exit once no eligible work cell remains")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *drain {
		cfg.Worker.Drain = true
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	// ---- Store backend ----
	stores, err := app.BuildStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("store backend")
	}
	defer stores.Close()

	// ---- Redis (shared predict rate limit; optional) ----
	var limiter *red.RateLimiter
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		limiter = red.NewRateLimiter(redisClient)
	}

	// ---- Predictor backends ----
	registry, err := buildRegistry(ctx, cfg, limiter)
	if err != nil {
		logger.Fatal().Err(err).Msg("predictor registry")
	}
	logger.Info().Strs("families", registry.Families()).Msg("predictors registered")

	// ---- Worker pool ----
	runner := worker.NewRunner(
		stores.Cells, stores.Tasks, stores.Predictions,
		stores.Models, stores.Prompts, stores.Datasets,
		stores.TM, registry,
		worker.Options{
			Families:       cfg.Worker.Families,
			BatchSize:      cfg.Worker.BatchSize,
			PredictTimeout: cfg.Worker.PredictTimeout,
			PollInterval:   cfg.Worker.PollInterval,
			MaxRetries:     cfg.Watchdog.MaxRetries,
			Drain:          cfg.Worker.Drain,
		},
		logger,
	)
	pool := worker.NewPool(runner, cfg.Worker.Loops, logger)

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

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigc:
			logger.Info().Msg("shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Blocks until every loop returns: on signal, or in drain mode once the
	// matrix is exhausted.
	pool.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildRegistry maps each served family to its predictor backend, wrapped with
// the in-process concurrency cap and, when Redis is configured, the shared
// per-family rate limit.
func buildRegistry(ctx context.Context, cfg *config.Config, limiter *red.RateLimiter) (*ai.Registry, error) {
	registry := ai.NewRegistry()
	for _, family := range cfg.Worker.Families {
		var (
			p   adapter.Predictor
			err error
		)
		switch family {
		case "openai":
			if cfg.AI.OpenAIKey == "" {
				return nil, fmt.Errorf("family %q requires ai.openai_key", family)
			}
			p, err = ai.NewOpenAIPredictor(cfg.AI.OpenAIKey)
		case "gemini":
			if cfg.AI.GeminiKey == "" {
				return nil, fmt.Errorf("family %q requires ai.gemini_key", family)
			}
			p, err = ai.NewGeminiPredictor(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL)
		case "local":
			if cfg.AI.LocalBaseURL == "" {
				return nil, fmt.Errorf("family %q requires ai.local_base_url", family)
			}
			p, err = ai.NewLocalPredictor(cfg.AI.LocalBaseURL)
		case "noop":
			p = ai.NewNoopPredictor(nil)
		default:
			return nil, fmt.Errorf("unknown model family %q", family)
		}
		if err != nil {
			return nil, fmt.Errorf("family %q: %w", family, err)
		}
		p = ai.NewLimitedPredictor(p, cfg.AI.ConcurrentLimit)
		p = ai.NewRateLimitedPredictor(p, limiter, family, cfg.AI.RateLimit)
		registry.Register(family, p)
	}
	return registry, nil
}
