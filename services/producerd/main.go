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

	"trustmesh/analytics"
	"trustmesh/ledger"
	"trustmesh/mesh"
	"trustmesh/observability"
	"trustmesh/observability/logging"
	"trustmesh/observability/otel"
	"trustmesh/trust"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("producerd", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdownTelemetry, err := otel.Init(ctx, otel.FromEnv("producerd", cfg.Environment))
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	provider := analytics.NewHTTPProvider(cfg.MirrorBaseURL, cfg.MirrorAPIKey)
	client, err := analytics.NewClient(provider,
		analytics.WithLogger(logger),
		analytics.WithAlerter(&observability.LogAlerter{Logger: logger}),
	)
	if err != nil {
		log.Fatalf("build analytics client: %v", err)
	}
	engine := trust.NewEngine(cfg.Trust)

	// The orchestrator is reached only through the mesh client. Without one
	// the producer still serves, verifying receipts against the mirror
	// directly and logging audit events locally.
	var (
		events   mesh.EventSink
		verifier mesh.ReceiptVerifier
	)
	if cfg.MeshURL != "" {
		meshClient := mesh.NewClient(cfg.MeshURL, logger)
		if _, err := meshClient.Register(ctx, cfg.AgentID, mesh.RoleProducer, cfg.Product.Capabilities); err != nil {
			logger.Warn("mesh registration failed", "error", err)
		}
		if err := meshClient.PublishProduct(ctx, cfg.product(time.Now())); err != nil {
			logger.Warn("product publication failed", "error", err)
		}
		events = meshClient
		verifier = meshClient
	} else {
		mirror := ledger.NewHTTPMirrorClient(cfg.MirrorBaseURL, cfg.MirrorAPIKey)
		verifier = mesh.NewVerifier(mirror, logger)
		events = mesh.EventSinkFunc(func(event mesh.AuditEvent) {
			logger.Info("audit event", "type", string(event.Type), "data", event.Data)
		})
	}

	server := NewServer(cfg, client, engine, events, verifier, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "producerd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("producer listening",
			"addr", cfg.ListenAddress,
			"productId", cfg.Product.ID,
			"price", cfg.Product.DefaultPrice)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down producer")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
