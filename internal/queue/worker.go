package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
)

const dequeueWait = time.Second

// Worker consumes jobs, retries failures with linear backoff and rescues jobs
// whose attempts are exhausted.
type Worker struct {
	queue       Queue
	registry    *Registry
	backoff     time.Duration
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewWorker creates a worker.
func NewWorker(q Queue, registry *Registry, backoff time.Duration, concurrency int, logger *zap.Logger, m *metrics.Metrics) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		registry:    registry,
		backoff:     backoff,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		delivery, err := w.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueWait):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		w.Process(ctx, delivery)
	}
}

// Process runs one delivery to completion: success, retry or rescue. The
// delivery is acknowledged unless ctx ends while the handler runs; such a job
// stays with the broker for redelivery or requeue.
func (w *Worker) Process(ctx context.Context, delivery *Delivery) {
	job := delivery.Job
	logger := w.logger.With(zap.String("job", job.Name), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	handler, ok := w.registry.Lookup(job.Name)
	if !ok {
		logger.Error("no handler registered")
		w.metrics.ObserveJob(job.Name, metrics.OutcomeFailure)
		w.ack(ctx, delivery, logger)
		return
	}

	err := w.handle(ctx, handler, job)
	if err != nil && ctx.Err() != nil {
		logger.Warn("job interrupted by shutdown", zap.Error(err))
		return
	}
	defer w.ack(ctx, delivery, logger)

	if err == nil {
		logger.Info("job completed")
		w.metrics.ObserveJob(job.Name, metrics.OutcomeSuccess)
		return
	}

	if !IsPermanent(err) && job.Attempt < job.MaxAttempts {
		next := *job
		next.Attempt++
		delay := w.backoff * time.Duration(job.Attempt)
		qerr := w.queue.Enqueue(ctx, &next, delay)
		if qerr == nil {
			logger.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
			w.metrics.ObserveJob(job.Name, metrics.OutcomeRetry)
			return
		}
		logger.Error("failed to requeue job", zap.Error(qerr))
	}

	logger.Error("job failed permanently", zap.Error(err))
	w.metrics.ObserveJob(job.Name, metrics.OutcomeFailure)
	if handler.Rescue == nil {
		return
	}
	if rerr := handler.Rescue(ctx, job.Payload, err); rerr != nil {
		logger.Error("job rescue failed", zap.Error(rerr))
		return
	}
	w.metrics.ObserveJob(job.Name, metrics.OutcomeRescued)
}

func (w *Worker) ack(ctx context.Context, delivery *Delivery, logger *zap.Logger) {
	if err := delivery.Ack(ctx); err != nil {
		logger.Warn("failed to ack job", zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, job.Payload)
}
