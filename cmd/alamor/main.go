package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"alamor/internal/bootstrap"
	"alamor/internal/config"
	cronpkg "alamor/internal/cron"
	"alamor/internal/panel"
	"alamor/internal/pkg/dedup"
	"alamor/internal/pkg/secret"
	"alamor/internal/pkg/telegram"
	"alamor/internal/provision"
	"alamor/internal/repository"
	"alamor/internal/router"
	"alamor/internal/service"
)

func main() {
	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// --- Field encryption (must precede the first gorm.Open) ---
	box, err := secret.NewBox(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal("Invalid encryption key", zap.Error(err))
	}
	secret.Register(box)

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := bootstrap.Migrate(db); err != nil {
		logger.Fatal("Failed to migrate database schema", zap.Error(err))
	}
	if hasArg("--migrate-only") {
		logger.Info("Schema migration completed")
		return
	}

	// --- Admin alerts ---
	var botAPI *telegram.BotAPI
	if cfg.Bot.Token != "" {
		botAPI = telegram.NewBotAPI(cfg.Bot.Token).WithLogger(logger.Sugar())
	}
	notifier := telegram.NewNotifier(botAPI, cfg.Bot.AdminIDs, logger)
	if !notifier.Enabled() {
		logger.Info("Admin alerts disabled (BOT_TOKEN or BOT_ADMIN_IDS not set)")
	}

	// --- Approval dedup (Redis with in-memory fallback) ---
	deduper, dedupErr := dedup.New(cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB, "alamor:purchase", cfg.Redis.DedupTTL)
	if dedupErr != nil {
		logger.Warn("Redis unavailable for approval dedup, using in-memory fallback", zap.Error(dedupErr))
	}

	// --- Provisioning ---
	panelOpts := provision.PanelOptions{
		Timeout:            cfg.Panel.Timeout,
		RetryCount:         cfg.Panel.RetryCount,
		RetryWait:          cfg.Panel.RetryWait,
		RetryMaxWait:       cfg.Panel.RetryMaxWait,
		InsecureSkipVerify: cfg.Panel.InsecureTLS,
	}
	openPanel := func(s *provision.Server) *panel.Client {
		return provision.OpenPanel(panelOpts, s, logger)
	}

	serverRepo := repository.NewServerRepository(db)
	inboundRepo := repository.NewInboundRepository(db)
	resolver := repository.NewResolver(serverRepo, inboundRepo)
	engine := provision.NewEngine(resolver, provision.NewPanelFactory(panelOpts, logger), logger, provision.Options{
		Parallelism: cfg.Provision.Parallelism,
		TokenLength: cfg.Provision.SubTokenLength,
		SubIDLength: cfg.Provision.SubIDLength,
	})

	planRepo := repository.NewPlanRepository(db)
	purchases := service.NewPurchaseService(repository.NewPurchaseRepository(db), planRepo, resolver, engine, deduper, notifier, openPanel, logger)
	catalog := service.NewCatalogService(serverRepo, inboundRepo, planRepo, openPanel, notifier, logger)
	trials := service.NewTrialService(repository.NewTrialRepository(db), purchases, cfg.FreeTest.VolumeGB, cfg.FreeTest.Days, logger)

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	router.Setup(e, &router.Services{Purchases: purchases, Catalog: catalog, Trials: trials}, logger, cfg.API.Key)

	// --- Cron Scheduler ---
	scheduler := cronpkg.New(cronpkg.Specs{
		Health:   cfg.Cron.Health,
		Expire:   cfg.Cron.Expire,
		Depleted: cfg.Cron.Depleted,
	}, catalog, purchases, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start cron scheduler", zap.Error(err))
	}

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting Alamor server", zap.String("addr", addr), zap.String("db_driver", cfg.Database.Driver))
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Stop cron
	ctx := scheduler.Stop()
	<-ctx.Done()

	// Stop HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}
