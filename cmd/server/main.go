package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/T-SLP/fub-analytics/internal/fub"
	"github.com/T-SLP/fub-analytics/internal/intake"
	"github.com/T-SLP/fub-analytics/internal/ledger"
	"github.com/T-SLP/fub-analytics/internal/scheduler"
	"github.com/T-SLP/fub-analytics/platform/config"
	"github.com/T-SLP/fub-analytics/platform/db"
	"github.com/T-SLP/fub-analytics/platform/httpkit"
	"github.com/T-SLP/fub-analytics/platform/logger"
	"github.com/T-SLP/fub-analytics/platform/validator"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting webhook server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	crm := fub.NewClient(cfg, log)
	repo := ledger.NewRepository(pool, cfg.DuplicateWindow, log)
	val := validator.New()

	trigger, closeTrigger := initReconcileTrigger(cfg, log)
	if closeTrigger != nil {
		defer closeTrigger()
	}

	module := intake.NewModule(cfg, crm, repo, trigger, val, log)

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpkit.RequestLogger(log))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	webhookLimiter := httpkit.NewIPRateLimiter(rate.Limit(10), 20, log)
	module.RegisterRoutes(engine, webhookLimiter)
	log.Info("module registered", "module", module.Name())

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// initReconcileTrigger wires the on-demand reconcile endpoint to the task
// queue. Without redis the endpoint reports unavailable and everything else
// runs normally.
func initReconcileTrigger(cfg *config.Config, log *logger.Logger) (intake.ReconcileTrigger, func()) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not configured; on-demand reconciliation disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
