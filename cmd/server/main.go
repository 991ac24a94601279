package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/executor"
	"github.com/vaultpilot/vaultpilot/internal/handler"
	"github.com/vaultpilot/vaultpilot/internal/middleware"
	"github.com/vaultpilot/vaultpilot/internal/model"
	"github.com/vaultpilot/vaultpilot/internal/oracle"
	"github.com/vaultpilot/vaultpilot/internal/pkg/logger"
	"github.com/vaultpilot/vaultpilot/internal/repository"
	"github.com/vaultpilot/vaultpilot/internal/seal"
	"github.com/vaultpilot/vaultpilot/internal/service"
	"github.com/vaultpilot/vaultpilot/internal/vaultdata"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Log.Level)

	// 2. Initialize Persistence
	// Users, sessions and the action ledger are the system of record.
	// No fallback here: without Postgres there is nothing to orchestrate.
	db, err := repository.NewDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	logger.Info("✅ Connected to PostgreSQL")

	userRepo := repository.NewUserRepo(db)
	sessionRepo := repository.NewSessionRepo(db)
	ledger := repository.NewActionLedger(db)

	// Locks, budgets and revocations (Redis > Memory). Memory is fine
	// for a single instance; Redis is required once replicas share users.
	var (
		locker      service.UserLocker
		budget      service.OpBudget
		revocations service.RevocationList
	)
	if cfg.Redis.Addr != "" {
		redisClient, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			locker = repository.NewRedisLocker(redisClient)
			budget = repository.NewRedisBudget(redisClient, cfg.Orchestrator.DailyOpCeiling, cfg.Orchestrator.DailyOpReserve)
			revocations = repository.NewRedisRevocations(redisClient)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
		}
	}
	if locker == nil {
		locker = service.NewMemoryLocker()
		budget = service.NewMemoryBudget(cfg.Orchestrator.DailyOpCeiling, cfg.Orchestrator.DailyOpReserve)
		revocations = service.NewMemoryRevocations()
	}

	// 3. Initialize Core Services
	sealer, err := seal.NewSealer(cfg.Session.SealIdentity)
	if err != nil {
		log.Fatalf("Failed to load seal identity (generate one with `inspector keygen`): %v", err)
	}

	feed, err := oracle.NewChainlinkFeed(cfg.Chain.RPCURL, cfg.Chain.PriceFeed, cfg.Chain.OracleTimeout(), cfg.Chain.OracleRetries)
	if err != nil {
		log.Fatalf("Failed to initialize price feed: %v", err)
	}
	gate := service.NewSafetyGate(feed, cfg.Chain)

	vaultSource := vaultdata.NewClient(cfg.VaultData)
	execClient := executor.NewClient(cfg.Executor)

	engine := service.NewDecisionEngine(vaultSource, cfg.Orchestrator)
	sessionSvc := service.NewSessionService(sessionRepo, revocations, userRepo, sealer, ledger, cfg.Session)
	userSvc := service.NewUserService(userRepo)

	orch := service.NewOrchestrator(userRepo, vaultSource, engine, sessionSvc, gate, locker, budget, ledger, execClient, cfg.Orchestrator)

	// APY Watcher (optional): turns large vault moves into targeted cycles.
	var watcher *vaultdata.Watcher
	if cfg.Watcher.Enabled && cfg.Watcher.WSURL != "" {
		watcher = vaultdata.NewWatcher(cfg.Watcher, func(vaults []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := orch.RunCycle(ctx, model.RunCycleRequest{VaultAddresses: vaults}); err != nil {
				logger.Error("Watcher-triggered cycle failed", "error", err)
			}
		})
		watcher.Start()
		logger.Info("📡 APY watcher started", "ws_url", cfg.Watcher.WSURL)
	}

	// 4. Initialize Handlers
	cycleHandler := handler.NewCycleHandler(orch)
	userHandler := handler.NewUserHandler(userSvc)
	sessionHandler := handler.NewSessionHandler(sessionSvc)
	actionHandler := handler.NewActionHandler(ledger, cfg.Orchestrator.LedgerQueryMax)

	// 5. Setup Router
	r := gin.Default()

	// Global Middleware
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	// Health Check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "vaultpilot"})
	})

	// Metrics Endpoint
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// Cycle trigger: gated by the cron shared secret, not the API key,
	// so the scheduler credential cannot touch management endpoints.
	cron := r.Group("/v1")
	cron.Use(middleware.CronAuth(cfg))
	{
		cron.POST("/cycles", cycleHandler.Run)
	}

	// Management API
	v1 := r.Group("/v1")
	v1.Use(middleware.APIKeyAuth(cfg))
	{
		v1.POST("/users", userHandler.Register)
		v1.GET("/users/:address", userHandler.Get)
		v1.PUT("/users/:address/strategy", userHandler.UpdateStrategy)
		v1.GET("/users/:address/decision", cycleHandler.Preview)
		v1.GET("/users/:address/actions", actionHandler.List)
		v1.POST("/sessions", sessionHandler.Issue)
		v1.DELETE("/sessions/:address", sessionHandler.Revoke)
	}

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 VaultPilot started", "port", cfg.Server.Port, "dry_run", cfg.Orchestrator.DryRun)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}
