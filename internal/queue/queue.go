// Package queue provides a durable job queue with retry and rescue semantics.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/config"
)

// Job is a unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Delivery is a dequeued job that must be acknowledged once handled.
type Delivery struct {
	Job *Job
	ack func(ctx context.Context) error
}

// Ack removes the job from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue is a job queue backend.
type Queue interface {
	// Enqueue makes job visible after delay.
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error
	// Dequeue waits up to wait for a job. It returns (nil, nil) on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Close() error
}

// Dispatcher enqueues named jobs with the configured attempt limit.
type Dispatcher struct {
	queue       Queue
	maxAttempts int
}

// NewDispatcher creates a dispatcher on q.
func NewDispatcher(q Queue, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{queue: q, maxAttempts: maxAttempts}
}

// Dispatch enqueues a job named name carrying payload.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job payload")
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: d.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	return errors.Wrapf(d.queue.Enqueue(ctx, job, 0), "failed to dispatch %s", name)
}

// New creates the queue backend selected by cfg.Driver.
func New(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (Queue, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisFromURL(ctx, cfg.RedisURL, cfg.Name)
	case "amqp":
		return NewAMQP(cfg.AMQPURL, cfg.Name, logger)
	default:
		return nil, errors.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The worker rescues the job
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
