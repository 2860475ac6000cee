// Harvest - tax-loss harvesting and wash-sale compliance engine
// Entry point for the API server
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

	"github.com/findosh/harvest/internal/config"
	"github.com/findosh/harvest/internal/handlers"
	"github.com/findosh/harvest/internal/logger"
	"github.com/findosh/harvest/internal/middleware"
	"github.com/findosh/harvest/internal/models"
	"github.com/findosh/harvest/internal/services/audit"
	"github.com/findosh/harvest/internal/services/auth"
	"github.com/findosh/harvest/internal/services/events"
	"github.com/findosh/harvest/internal/services/feed"
	"github.com/findosh/harvest/internal/services/harvest"
	"github.com/findosh/harvest/internal/services/marketdata"
	"github.com/findosh/harvest/internal/services/notify"
	"github.com/findosh/harvest/internal/services/positions"
	"github.com/findosh/harvest/internal/services/replacement"
	"github.com/findosh/harvest/internal/services/settings"
	"github.com/findosh/harvest/internal/storage"
	"github.com/go-redis/redis/v8"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.L.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize database
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize repositories
	oppRepo := storage.NewOpportunityRepository(db)
	washRepo := storage.NewWashSaleRepository(db)
	settingsRepo := storage.NewSettingsRepository(db)
	auditRepo := storage.NewAuditRepository(db)
	clientRepo := storage.NewClientRepository(db)

	// Initialize services
	settingsStore := settings.NewStore(settingsRepo)
	settingsStore.SetDefaultTTL(cfg.OpportunityTTL)

	dataset := replacement.Builtin()
	if cfg.ReplacementsFile != "" {
		dataset, err = replacement.LoadFile(cfg.ReplacementsFile)
		if err != nil {
			return fmt.Errorf("failed to load replacements: %w", err)
		}
	}

	prices := marketdata.NewService(marketdata.Config{
		Provider: marketdata.Provider(cfg.PriceProvider),
		APIKey:   cfg.PriceAPIKey,
		CacheTTL: cfg.PriceCacheTTL,
	})

	hub := events.NewHub()
	go hub.Run(ctx)
	publishers := events.Multi{hub}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.EventStream))
	}

	var sender notify.Sender = notify.LogSender{}
	if cfg.MailgunDomain != "" {
		sender = notify.NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailSender)
	}
	dispatcher := notify.NewDispatcher(settingsStore, sender, 0)
	go dispatcher.Run(ctx)
	publishers = append(publishers, dispatcher)

	engine := harvest.New(harvest.Config{
		Positions:            positions.NewCSVProvider(cfg.PositionsDir),
		Prices:               prices,
		Settings:             settingsStore,
		Recommender:          replacement.NewRecommender(dataset),
		Audit:                audit.NewLog(nil, auditRepo),
		Publisher:            publishers,
		Scope:                models.ParseWashSaleScope(cfg.WashSaleScope),
		OpportunityPersister: oppRepo,
		WindowPersister:      washRepo,
	})

	if err := restore(ctx, engine, oppRepo, washRepo, auditRepo); err != nil {
		return err
	}

	authService := auth.NewService(cfg.SecretKey, cfg.TokenTTL, clientRepo)
	if cfg.BootstrapClient != "" && cfg.BootstrapClientSecret != "" {
		_, err := authService.RegisterClient(ctx, cfg.BootstrapClient, cfg.BootstrapClientSecret)
		if err != nil && !errors.Is(err, auth.ErrClientExists) {
			return fmt.Errorf("failed to register bootstrap client: %w", err)
		}
	}

	if rdb != nil {
		host, _ := os.Hostname()
		consumer := feed.NewConsumer(rdb, cfg.TransactionStream, cfg.ConsumerGroup, host, engine)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Error("transaction feed stopped", "error", err)
			}
		}()
	}

	go engine.RunScheduler(ctx, cfg.ScanInterval)

	// Setup routes
	h := handlers.New(engine, authService, hub)
	router := h.Routes(middleware.NewAuth(authService))

	// Apply global middleware
	handler := middleware.Chain(
		router,
		middleware.Recover,
		middleware.SecurityHeaders,
		middleware.Logger,
		middleware.NewRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst).Handler,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("harvest server starting",
			"addr", srv.Addr,
			"environment", cfg.Environment,
			"scope", engine.Scope(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// restore loads persisted state into the engine. Purchases older than two
// full windows can no longer taint anything and are left on disk.
func restore(ctx context.Context, engine *harvest.Engine, opps *storage.OpportunityRepository,
	wash *storage.WashSaleRepository, auditRepo *storage.AuditRepository) error {
	var snap harvest.Snapshot
	var err error

	if snap.Opportunities, err = opps.LoadOpportunities(ctx); err != nil {
		return err
	}
	if snap.Windows, err = wash.LoadWindows(ctx); err != nil {
		return err
	}
	since := time.Now().AddDate(0, 0, -2*models.WashSaleWindowDays)
	if snap.Purchases, err = wash.LoadPurchases(ctx, since); err != nil {
		return err
	}
	if snap.AuditEntries, err = auditRepo.LoadAuditEntries(ctx); err != nil {
		return err
	}
	return engine.Restore(ctx, snap)
}
