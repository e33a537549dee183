package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-gl-closing/internal/client"
	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/config"
	"github.com/pesio-ai/be-gl-closing/internal/database"
	"github.com/pesio-ai/be-gl-closing/internal/handler"
	"github.com/pesio-ai/be-gl-closing/internal/logger"
	"github.com/pesio-ai/be-gl-closing/internal/middleware"
	"github.com/pesio-ai/be-gl-closing/internal/repository"
	"github.com/pesio-ai/be-gl-closing/internal/service"
	"github.com/pesio-ai/be-gl-closing/internal/telemetry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting GL Closing Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Storage
	var (
		procedures repository.ProcedureStore
		auditStore repository.AuditStore
	)
	switch cfg.Database.Driver {
	case "memory":
		store := repository.NewMemoryStore()
		procedures, auditStore = store, store
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := repository.Migrate(ctx, db, log.Logger); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply migrations")
			}
		}
		procedures = repository.NewProcedureRepository(db)
		auditStore = repository.NewAuditRepository(db)
	}

	// Ledger clients
	resilience := client.ResilienceConfig{
		CallTimeout:      cfg.Ledger.CallTimeout,
		BreakerThreshold: cfg.Ledger.CircuitBreakerThreshold,
		BreakerTimeout:   cfg.Ledger.CircuitBreakerTimeout,
		ReadAttempts:     cfg.Ledger.ReadAttempts,
		RetryDelay:       cfg.Ledger.RetryDelay,
	}
	var generalLedger, analyticalLedger client.Ledger
	switch cfg.Ledger.Driver {
	case "memory":
		generalLedger, analyticalLedger = client.NewMemoryLedger(), client.NewMemoryLedger()
		log.Warn().Msg("Using in-memory ledgers")
	default:
		general, err := client.NewLedgerGRPCClient(cfg.Ledger.GeneralGRPCAddr, client.GeneralLedgerService)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create ledger gRPC client")
		}
		defer general.Close()

		analytical, err := client.NewLedgerGRPCClient(cfg.Ledger.AnalyticalGRPCAddr, client.AnalyticalLedgerService)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create analytical ledger gRPC client")
		}
		defer analytical.Close()

		generalLedger, analyticalLedger = general, analytical
		log.Info().
			Str("ledger_grpc", cfg.Ledger.GeneralGRPCAddr).
			Str("analytical_grpc", cfg.Ledger.AnalyticalGRPCAddr).
			Msg("Ledger clients initialized")
	}
	ledger := client.NewResilientLedger("general ledger", generalLedger, resilience)
	analytical := client.NewResilientLedger("analytical ledger", analyticalLedger, resilience)

	// Notifications
	var notifier service.Notifier
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer func() { _ = nc.Drain() }()
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("Notification publishing enabled")
	}

	// Closure types
	catalog := closing.NewDefaultCatalog()
	if cfg.Closing.ClosureTypesFile != "" {
		if err := catalog.LoadFile(cfg.Closing.ClosureTypesFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.Closing.ClosureTypesFile).Msg("Failed to load closure types")
		}
	}
	log.Info().Int("closure_types", len(catalog.List())).Msg("Closure type catalog loaded")

	// Initialize services
	audit := service.NewAuditLog(auditStore, log)
	executor := service.NewStepExecutor(ledger, analytical, audit, log)
	orchestrator := service.NewProcedureOrchestrator(procedures, audit, executor, catalog, notifier, log)
	orchestrator.SetAdvanceTimeout(cfg.Closing.AdvanceTimeout)

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(orchestrator, log).Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	handler.NewGRPCHandler(orchestrator, log.Logger).Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ClosingServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
