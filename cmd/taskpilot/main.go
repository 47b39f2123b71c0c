package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tphttp "github.com/taskpilot/taskpilot/internal/adapter/http"
	"github.com/taskpilot/taskpilot/internal/adapter/litellm"
	tpnats "github.com/taskpilot/taskpilot/internal/adapter/nats"
	tpotel "github.com/taskpilot/taskpilot/internal/adapter/otel"
	"github.com/taskpilot/taskpilot/internal/adapter/postgres"
	"github.com/taskpilot/taskpilot/internal/adapter/ristretto"
	"github.com/taskpilot/taskpilot/internal/adapter/ws"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/logger"
	"github.com/taskpilot/taskpilot/internal/resilience"
	"github.com/taskpilot/taskpilot/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_workers", cfg.Engine.MaxWorkers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	otelShutdown, err := tpotel.Setup(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := tpotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := tpnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	verdictCache, err := ristretto.New(cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer verdictCache.Close()

	llmClient := litellm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.Engine.PlannerModelTimeout)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	llmClient.SetBreaker(breaker)

	executor := tpnats.NewExecutor(queue, cfg.Engine.ToolExecTimeout)

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	gateSvc := service.NewGateService(store, hub)
	progressSvc := service.NewProgressService(llmClient, verdictCache)
	collabSvc := service.NewCollabService(queue, hub, gateSvc, cfg.Collab)
	collabSvc.SetMetrics(metrics)
	gateSvc.SetOnResolve(collabSvc.HandleGateResolved)

	engine := service.NewEngineService(store, executor, llmClient, progressSvc, gateSvc, queue, hub, metrics, cfg.Engine)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	defer engine.Shutdown()

	if err := collabSvc.Start(ctx); err != nil {
		return fmt.Errorf("collab subscribers: %w", err)
	}
	defer collabSvc.Stop()

	janitor := service.NewJanitor(engine, collabSvc, cfg.Engine)
	go janitor.Run(ctx)

	// --- HTTP ---
	handlers := &tphttp.Handlers{
		Engine: engine,
		Gates:  gateSvc,
		Collab: collabSvc,
	}

	r := chi.NewRouter()
	r.Use(tphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(tphttp.RequestID)
	r.Use(tphttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if cfg.Otel.Enabled {
		r.Use(tpotel.HTTPMiddleware(cfg.Logging.Service))
	}

	r.Get("/health", healthHandler(hub, breaker))
	r.Get("/ws", hub.HandleWS)
	tphttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports service liveness, the live WebSocket count and the
// LLM circuit state. An open breaker is worth surfacing here: tasks keep
// failing transiently until the proxy recovers.
func healthHandler(hub *ws.Hub, breaker *resilience.Breaker) http.HandlerFunc {
	type healthStatus struct {
		Status        string `json:"status"`
		WSConnections int    `json:"ws_connections"`
		LLMBreaker    string `json:"llm_breaker"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:        "ok",
			WSConnections: hub.ConnectionCount(),
			LLMBreaker:    breaker.State(),
		})
	}
}
