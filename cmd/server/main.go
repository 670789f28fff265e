// Package main is the entry point for the AidChain orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aidchain/orchestrator/internal/attest"
	"github.com/aidchain/orchestrator/internal/audit"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/consensus"
	"github.com/aidchain/orchestrator/internal/database"
	"github.com/aidchain/orchestrator/internal/fulfiller"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/handler"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/middleware"
	"github.com/aidchain/orchestrator/internal/pipeline"
	"github.com/aidchain/orchestrator/internal/pkg/response"
	"github.com/aidchain/orchestrator/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return 1
	}
	response.SetProduction(cfg.Server.Production())

	logger.Info("starting aidchain orchestrator",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
		slog.Int64("chain_id", cfg.Ledger.ChainID),
	)

	// Redis carries the poll cursor and rate-limit counters.
	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", slog.String("error", err.Error()))
		return 1
	}
	defer redis.Close()
	logger.Info("connected to redis")

	// The audit store is optional; without it artefacts are only logged.
	var recorder audit.Recorder = audit.NewNopRecorder(logger)
	var db *database.Postgres
	if cfg.Audit.Enabled {
		db, err = database.NewPostgres(cfg.Audit)
		if err != nil {
			logger.Error("failed to connect to audit database", slog.String("error", err.Error()))
			return 1
		}
		defer db.Close()
		if err := db.RunMigrations(cfg.Audit); err != nil {
			logger.Error("failed to run audit migrations", slog.String("error", err.Error()))
			return 1
		}
		recorder = audit.NewStore(db.Pool(), logger)
		logger.Info("audit store enabled")
	}

	// Ledger adapter and event poller share one RPC connection.
	dialCtx, cancelDial := context.WithTimeout(context.Background(), 30*time.Second)
	backend, err := ledger.DialBackend(dialCtx, cfg.Ledger)
	cancelDial()
	if err != nil {
		logger.Error("failed to connect to ledger", slog.String("error", err.Error()))
		return 1
	}
	adapter, err := ledger.New(backend, cfg.Ledger, logger)
	if err != nil {
		logger.Error("failed to create ledger adapter", slog.String("error", err.Error()))
		return 1
	}
	poller, err := ledger.NewPoller(backend, cfg.Ledger, ledger.NewRedisCursorStore(redis.Client()), logger)
	if err != nil {
		logger.Error("failed to create ledger poller", slog.String("error", err.Error()))
		return 1
	}

	// Pipeline collaborators.
	providers, err := attest.ProvidersFromConfig(cfg.Attest)
	if err != nil {
		logger.Error("invalid attestation config", slog.String("error", err.Error()))
		return 1
	}
	attestEngine := attest.NewEngine(providers, cfg.Attest, logger)
	consensusEngine := consensus.NewEngine(consensus.NodesFromConfig(cfg.Consensus), cfg.Consensus, logger)
	dispatcher, err := fulfiller.NewDispatcher(cfg.Fulfiller, logger)
	if err != nil {
		logger.Error("invalid fulfiller config", slog.String("error", err.Error()))
		return 1
	}

	eventBus := bus.New(bus.DefaultBufferSize)
	orchestrator := pipeline.New(cfg, pipeline.Deps{
		Ledger:     adapter,
		Gnss:       gnss.NewClient(cfg.Gnss, logger),
		Attest:     attestEngine,
		Consensus:  consensusEngine,
		Dispatcher: dispatcher,
		Verifier:   fulfiller.NewVerifier(cfg.Fulfiller.DropToleranceM, nil),
		Bus:        eventBus,
		Audit:      recorder,
		Logger:     logger,
	})

	pollCtx, stopPoller := context.WithCancel(context.Background())
	go poller.Run(pollCtx)
	orchestrator.ConsumeLedgerEvents(poller.Events())

	// Services and handlers.
	tokens := service.NewTokenService(cfg.Auth)
	authService := service.NewAuthService(tokens, adapter, logger)

	api := handler.API{
		Requests: handler.NewRequestHandler(orchestrator, adapter, attestEngine),
		Delivery: handler.NewDeliveryHandler(orchestrator, eventBus),
		Webhooks: handler.NewWebhookHandler(orchestrator, cfg.Fulfiller, logger),
		Auth:     handler.NewAuthHandler(authService),
		Tokens:   tokens,
	}
	wsHandler := handler.NewWSHandler(eventBus, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(redis, db))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		api.Register(r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", slog.String("error", err.Error()))
		return 1
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first so no new pipelines start, then the server, then
	// the poller (which persists the block cursor on exit).
	if err := orchestrator.Shutdown(ctx); err != nil {
		logger.Warn("pipelines did not drain in time", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
		return 1
	}
	stopPoller()
	<-poller.Done()
	eventBus.Close()

	logger.Info("server stopped gracefully")
	return 0
}

// healthHandler reports process liveness.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the dependencies the orchestrator cannot run
// without. The audit database is optional and only checked when enabled.
func readyHandler(redis *database.Redis, db *database.Postgres) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := redis.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"error","component":"audit_db"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}
