package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatrelay/internal/config"
	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
	"github.com/xiaot623/gogo/chatrelay/internal/policy"
	"github.com/xiaot623/gogo/chatrelay/internal/queue"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
	"github.com/xiaot623/gogo/chatrelay/internal/service"
	"github.com/xiaot623/gogo/chatrelay/internal/storage"
)

// app holds the long-lived dependencies shared by the serve and worker commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *repository.SQLiteStore
	blobs    storage.Storage
	queue    queue.Queue
	registry *queue.Registry
	metrics  *metrics.Metrics
	service  *service.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		store.Close()
		return nil, err
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		store.Close()
		return nil, err
	}

	q, err := queue.New(ctx, cfg.Queue, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	m := metrics.New()
	llmClient := llm.NewLLMClient(cfg.Mode, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout, logger)
	svc := service.New(store, llmClient, blobs, queue.NewDispatcher(q, cfg.Queue.MaxAttempts), policyEngine, cfg, logger, m)

	registry := queue.NewRegistry()
	svc.RegisterJobs(registry)

	logger.Info("chatrelay initialized",
		zap.String("database", cfg.DatabaseURL),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("mode", cfg.Mode))

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		blobs:    blobs,
		queue:    q,
		registry: registry,
		metrics:  m,
		service:  svc,
	}, nil
}

// runWorker consumes jobs until ctx is done. Jobs held by other workers are
// left alone; recovering jobs of a crashed worker is a separate step.
func (a *app) runWorker(ctx context.Context) error {
	worker := queue.NewWorker(a.queue, a.registry, a.cfg.Queue.RetryBackoff, a.cfg.Queue.Concurrency, a.logger, a.metrics)
	a.logger.Info("worker started", zap.Int("concurrency", a.cfg.Queue.Concurrency))
	return worker.Run(ctx)
}

// requeueJobs moves unacknowledged Redis jobs back to the ready list. It must
// only run while no worker is consuming the queue.
func (a *app) requeueJobs(ctx context.Context) (int, error) {
	r, ok := a.queue.(*queue.Redis)
	if !ok {
		return 0, errors.Errorf("queue driver %q does not need a requeue", a.cfg.Queue.Driver)
	}
	moved, err := r.Requeue(ctx)
	if err != nil {
		return moved, err
	}
	a.logger.Info("requeued unacknowledged jobs", zap.Int("count", moved))
	return moved, nil
}

// Close releases the queue and database connections.
func (a *app) Close() {
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("failed to close queue", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
}
