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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/auth"
	"github.com/agentfi/agentfi-runner/internal/decision"
	"github.com/agentfi/agentfi-runner/internal/engine"
	"github.com/agentfi/agentfi-runner/internal/exchange"
	"github.com/agentfi/agentfi-runner/internal/lifecycle"
	"github.com/agentfi/agentfi-runner/internal/llm"
	"github.com/agentfi/agentfi-runner/internal/market"
	"github.com/agentfi/agentfi-runner/internal/mcp"
	"github.com/agentfi/agentfi-runner/internal/notify"
	"github.com/agentfi/agentfi-runner/internal/risk"
	"github.com/agentfi/agentfi-runner/internal/store"
	"github.com/agentfi/agentfi-runner/pkg/clock"
	"github.com/agentfi/agentfi-runner/pkg/config"
)

func main() {
	// --- Config ---
	path := os.Getenv("AGENTFI_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port, "notify", cfg.Notify.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to create db pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	st := store.NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// --- Redis (only when it carries notifications) ---
	var rdb *redis.Client
	if cfg.Notify.Driver == "redis" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("failed to parse redis url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		slog.Info("redis connected")
	}

	publisher, err := notify.Open(cfg, rdb)
	if err != nil {
		slog.Error("failed to open notifier", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// --- Market data ---
	mcpMgr, err := mcp.NewManager(cfg.Market.Servers)
	if err != nil {
		slog.Error("failed to configure mcp servers", "error", err)
		os.Exit(1)
	}
	if err := mcpMgr.Discover(ctx); err != nil {
		slog.Warn("mcp discovery incomplete", "error", err)
	}
	mcpMgr.StartHealthChecks(ctx, 30*time.Second)
	defer mcpMgr.Stop()

	// --- Runner ---
	clk := clock.Real()
	agentSvc := agent.NewService(st)
	riskCtl := risk.NewController(st, clk)
	orders := exchange.NewExecutor(cfg.Exchange, riskCtl, clk)
	if orders.Paper() {
		slog.Warn("exchange base_url not set, orders are simulated")
	}
	decider := decision.NewDecider(llm.NewOpenAIClient(cfg.LLM), mcpMgr)

	rc := cfg.Runner
	states := engine.NewStateStore(rc.ErrorCap)
	executor := engine.NewExecutor(states, agentSvc, market.NewBuilder(mcpMgr, cfg.Market.Tools), decider, orders, st, publisher, clk,
		engine.ExecutorOptions{
			ConfidenceThreshold: rc.ConfidenceThreshold,
			TickTimeout:         time.Duration(rc.TickTimeoutSec) * time.Second,
		})
	sched := engine.NewScheduler(states, executor, clk, publisher, engine.SchedulerOptions{
		DefaultInterval: time.Duration(rc.DefaultIntervalMs) * time.Millisecond,
		MinInterval:     time.Duration(rc.MinIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(rc.MaxIntervalMs) * time.Millisecond,
		RunImmediately:  rc.RunImmediately,
	})
	health := engine.NewHealthMonitor(states, clk)
	orch := lifecycle.NewOrchestrator(agentSvc, sched, health, clk)

	if rc.RestoreOnStart {
		if _, err := orch.RestoreActive(ctx); err != nil {
			slog.Error("failed to restore some agents", "error", err)
		}
	}
	go orch.RunAutoHeal(ctx, time.Duration(rc.AutoHealIntervalSec)*time.Second)

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, sched, orch, mcpMgr),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(rc.TickTimeoutSec+30) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		orch.StopAllAgents(shutdownCtx)
		sched.Close()
		if err := sched.Wait(shutdownCtx); err != nil {
			slog.Warn("in-flight ticks did not finish", "error", err)
		}
		cancel()
	}()

	slog.Info("server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}

func newRouter(cfg *config.Config, sched *engine.Scheduler, orch *lifecycle.Orchestrator, mcpMgr *mcp.Manager) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	authSvc := auth.NewService(cfg.Auth)
	authHandler := auth.NewHandler(authSvc)
	tickHandler := engine.NewHandler(sched)
	lifecycleHandler := lifecycle.NewHandler(orch)
	mcpHandler := mcp.NewHandler(mcpMgr)

	r.Route("/api", func(r chi.Router) {
		// Scheduler trigger (cron secret)
		r.Group(func(r chi.Router) {
			r.Use(authSvc.CronMiddleware)
			r.Post("/agents/{id}/tick", tickHandler.HandleTick)
			r.Post("/auth/token", authHandler.HandleToken)
		})

		// Operator routes (cron secret or JWT)
		r.Group(func(r chi.Router) {
			r.Use(authSvc.OperatorMiddleware)
			r.Get("/agents/{id}", lifecycleHandler.HandleAgentDetail)
			r.Get("/agents/{id}/runner", tickHandler.HandleRunnerState)
			r.Post("/agents/{id}/lifecycle", lifecycleHandler.HandleLifecycle)
			r.Mount("/lifecycle", lifecycleHandler.Routes())
			r.Get("/mcp-servers", mcpHandler.HandleList)
		})
	})

	return r
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
