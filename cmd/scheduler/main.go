package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/T-SLP/fub-analytics/internal/alert"
	"github.com/T-SLP/fub-analytics/internal/backfill"
	"github.com/T-SLP/fub-analytics/internal/fub"
	"github.com/T-SLP/fub-analytics/internal/ledger"
	"github.com/T-SLP/fub-analytics/internal/pipeline"
	"github.com/T-SLP/fub-analytics/internal/scheduler"
	"github.com/T-SLP/fub-analytics/platform/config"
	"github.com/T-SLP/fub-analytics/platform/db"
	"github.com/T-SLP/fub-analytics/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env, "cron", cfg.ReconcileCron)

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

	crm := fub.NewClient(cfg, log)
	repo := ledger.NewRepository(pool, cfg.DuplicateWindow, log)
	agents := pipeline.AgentPolicy{
		DefaultName: cfg.DefaultAgentName,
		LegacyName:  cfg.LegacyAgentName,
		Cutover:     cfg.LegacyAgentCutover,
	}
	reconciler := backfill.NewReconciler(crm, repo, agents, log)
	notifier := alert.NewNotifier(cfg.SlackWebhookURL, log)

	worker, err := scheduler.NewWorker(cfg, reconciler, notifier, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	log.Info("scheduler worker running", "queue", cfg.AsynqQueue)
	worker.Run(ctx)
	log.Info("scheduler stopped")
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
