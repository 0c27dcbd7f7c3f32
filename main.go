// Command runstream serves ordered, resumable run event streams over SSE
// and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/runstream/internal/adapter/llm"
	"github.com/xiaot623/gogo/runstream/internal/config"
	"github.com/xiaot623/gogo/runstream/internal/logging"
	"github.com/xiaot623/gogo/runstream/internal/metrics"
	"github.com/xiaot623/gogo/runstream/internal/pipeline"
	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/repository"
	"github.com/xiaot623/gogo/runstream/internal/service"
	transport "github.com/xiaot623/gogo/runstream/internal/transport/http"
)

const sweepInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	runLogs := logging.NewRunLogs(cfg.RunLogLines, cfg.RunLogRuns)
	logger := logging.New("runstream", cfg.LogLevel, cfg.LogFormat, runLogs)
	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Int("internal_port", cfg.InternalPort).
		Str("store_driver", cfg.StoreDriver).
		Str("llm_mode", cfg.LLMMode).
		Msg("starting runstream")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize store
	store, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize event store")
	}
	defer store.Close()

	// Initialize service
	m := metrics.New()
	svc := service.New(store, m, logger, service.Options{
		SubscriberBuffer: cfg.SubscriberBuffer,
		TombstoneTTL:     cfg.TombstoneTTL,
	})
	recovered, err := svc.Recover(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to recover runs")
	}
	logger.Info().Int("runs", recovered).Msg("recovered persisted runs")
	go svc.Run(ctx, sweepInterval)

	// Initialize pipeline
	chat := llm.NewChatClient(cfg.LLMMode, cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout, logger)
	stages, err := pipeline.ModelStages(cfg.PipelineStages, chat, cfg.LLMModel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline stages")
	}
	runner := pipeline.NewRunner(svc, stages, cfg.RunRetention, logger)
	for _, runID := range svc.Runs() {
		if events := svc.Events(runID, nil); len(events) > 0 {
			runner.Adopt(ctx, runID, events[len(events)-1])
		}
	}

	// Initialize policy engine
	policyEngine, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	// Create servers
	externalServer := transport.NewExternalServer(svc, runner, runLogs, cfg, m, logger)
	internalServer := transport.NewInternalServer(svc, policyEngine, m, logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start external server")
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start internal server")
		}
	}()
	logger.Info().Msg("runstream started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down runstream")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pipelines did not stop in time")
	}
	// ends open streams so the servers can drain
	svc.Close()
	stop()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown external server gracefully")
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to shutdown internal server gracefully")
	}

	logger.Info().Msg("runstream stopped")
}
