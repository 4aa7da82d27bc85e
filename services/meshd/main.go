package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trustmesh/ledger"
	"trustmesh/mesh"
	"trustmesh/observability/logging"
	"trustmesh/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("meshd", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdownTelemetry, err := otel.Init(ctx, otel.FromEnv("meshd", cfg.Environment))
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	mirror := ledger.NewHTTPMirrorClient(cfg.MirrorBaseURL, cfg.MirrorAPIKey)
	var topics ledger.TopicPublisher
	if cfg.LedgerNodeURL != "" {
		topics = ledger.NewHTTPNodeClient(cfg.LedgerNodeURL, cfg.MirrorAPIKey)
	} else {
		logger.Warn("no ledger node configured; audit events will dead-letter")
	}

	orch, err := mesh.NewOrchestrator(mesh.OrchestratorConfig{
		ID:            cfg.OrchestratorID,
		Mirror:        mirror,
		TopicClient:   topics,
		AuditTopicID:  cfg.AuditTopicID,
		ChannelSecret: cfg.ChannelSecret,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("build orchestrator: %v", err)
	}
	defer orch.Close()

	server := NewServer(orch, cfg.RequestsPerSecond, cfg.Burst, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "meshd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("orchestrator listening",
			"addr", cfg.ListenAddress,
			"orchestratorId", cfg.OrchestratorID,
			"auditTopic", cfg.AuditTopicID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down orchestrator")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
