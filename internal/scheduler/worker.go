package scheduler

import (
	"context"
	"fmt"

	"github.com/T-SLP/fub-analytics/internal/alert"
	"github.com/T-SLP/fub-analytics/internal/backfill"
	"github.com/T-SLP/fub-analytics/platform/config"
	"github.com/T-SLP/fub-analytics/platform/logger"

	"github.com/hibiken/asynq"
)

// Worker consumes reconciliation tasks and registers the daily periodic pass.
type Worker struct {
	server     *asynq.Server
	periodic   *asynq.Scheduler
	mux        *asynq.ServeMux
	reconciler *backfill.Reconciler
	notifier   *alert.Notifier
	cfg        *config.Config
	log        *logger.Logger
}

// NewWorker creates the consume-side worker. The periodic reconcile pass is
// registered on the configured cron expression.
func NewWorker(cfg *config.Config, reconciler *backfill.Reconciler, notifier *alert.Notifier, log *logger.Logger) (*Worker, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(cfg.RedisURL, cfg.RedisTLSInsecure)
	if err != nil {
		return nil, err
	}

	queue := cfg.AsynqQueue
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.AsynqConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	periodic := asynq.NewScheduler(opt, nil)
	task, err := NewPeriodicReconcileTask()
	if err != nil {
		return nil, err
	}
	if _, err := periodic.Register(cfg.ReconcileCron, task, asynq.Queue(queue)); err != nil {
		return nil, err
	}

	mux := asynq.NewServeMux()
	w := &Worker{
		server:     server,
		periodic:   periodic,
		mux:        mux,
		reconciler: reconciler,
		notifier:   notifier,
		cfg:        cfg,
		log:        log,
	}

	mux.HandleFunc(TaskReconcile, w.handleReconcile)

	return w, nil
}

func (w *Worker) handleReconcile(ctx context.Context, task *asynq.Task) error {
	start, end, err := ParseReconcilePayload(task, w.cfg.ReconcileLookback)
	if err != nil {
		return err
	}

	w.log.Info("reconcile pass starting", "window_start", start, "window_end", end)

	written, err := w.reconciler.Reconcile(ctx, start, end)
	if err != nil {
		return err
	}
	if written > 0 {
		w.notifier.BackfillGap(ctx, written, start, end)
	}
	return nil
}

// Run starts the periodic scheduler and the task server, blocking until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.periodic.Shutdown()
		w.server.Shutdown()
	}()

	go func() {
		if err := w.periodic.Run(); err != nil {
			w.log.Error("periodic scheduler stopped", "error", err)
		}
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
