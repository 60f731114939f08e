package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedis(client, "jobs")
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t)

	d := NewDispatcher(q, 3)
	require.NoError(t, d.Dispatch(ctx, "generate_image", map[string]int{"message_id": 9}))

	delivery, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "generate_image", delivery.Job.Name)
	assert.Equal(t, 1, delivery.Job.Attempt)
	assert.Equal(t, 3, delivery.Job.MaxAttempts)
	assert.JSONEq(t, `{"message_id":9}`, string(delivery.Job.Payload))

	processing, err := mr.List("jobs:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	require.NoError(t, delivery.Ack(ctx))
	assert.False(t, mr.Exists("jobs:processing"))
}

func TestRedisDelayedJobsArePromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t)

	now := time.Now()
	q.now = func() time.Time { return now }
	require.NoError(t, q.Enqueue(ctx, &Job{ID: "j1", Name: "x"}, time.Minute))

	require.NoError(t, q.promoteDue(ctx))
	assert.False(t, mr.Exists("jobs"))

	q.now = func() time.Time { return now.Add(2 * time.Minute) }
	require.NoError(t, q.promoteDue(ctx))
	ready, err := mr.List("jobs")
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestRedisRequeueRecoversProcessingJobs(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedis(t)

	require.NoError(t, q.Enqueue(ctx, &Job{ID: "j1", Name: "x"}, 0))
	delivery, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	moved, err := q.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	ready, err := mr.List("jobs")
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	h := Handler{Handle: func(context.Context, json.RawMessage) error { return nil }}
	require.NoError(t, r.Register("a", h))
	assert.Error(t, r.Register("a", h))
	assert.Error(t, r.Register("", h))
	assert.Error(t, r.Register("b", Handler{}))
}

type recordingHandler struct {
	errs      []error
	calls     int
	rescued   int
	lastCause error
}

func (h *recordingHandler) handler() Handler {
	return Handler{
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			defer func() { h.calls++ }()
			if h.calls < len(h.errs) {
				return h.errs[h.calls]
			}
			return nil
		},
		Rescue: func(ctx context.Context, payload json.RawMessage, cause error) error {
			h.rescued++
			h.lastCause = cause
			return nil
		},
	}
}

func drain(t *testing.T, ctx context.Context, q *Redis, w *Worker) {
	t.Helper()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.promoteDue(ctx))
		delivery, err := q.Dequeue(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		if delivery == nil {
			return
		}
		w.Process(ctx, delivery)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t)

	h := &recordingHandler{errs: []error{errors.New("transient")}}
	registry := NewRegistry()
	registry.MustRegister("job", h.handler())
	w := NewWorker(q, registry, 0, 1, zap.NewNop(), metrics.New())

	require.NoError(t, NewDispatcher(q, 3).Dispatch(ctx, "job", struct{}{}))
	drain(t, ctx, q, w)

	assert.Equal(t, 2, h.calls)
	assert.Equal(t, 0, h.rescued)
}

func TestWorkerRescuesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t)

	boom := errors.New("boom")
	h := &recordingHandler{errs: []error{boom, boom, boom, boom}}
	registry := NewRegistry()
	registry.MustRegister("job", h.handler())
	w := NewWorker(q, registry, 0, 1, zap.NewNop(), nil)

	require.NoError(t, NewDispatcher(q, 3).Dispatch(ctx, "job", struct{}{}))
	drain(t, ctx, q, w)

	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 1, h.rescued)
	assert.ErrorIs(t, h.lastCause, boom)
}

func TestWorkerRescuesPermanentErrorsImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t)

	h := &recordingHandler{errs: []error{Permanent(errors.New("bad input"))}}
	registry := NewRegistry()
	registry.MustRegister("job", h.handler())
	w := NewWorker(q, registry, 0, 1, zap.NewNop(), nil)

	require.NoError(t, NewDispatcher(q, 5).Dispatch(ctx, "job", struct{}{}))
	drain(t, ctx, q, w)

	assert.Equal(t, 1, h.calls)
	assert.Equal(t, 1, h.rescued)
	assert.True(t, IsPermanent(h.lastCause))
}

func TestWorkerRecoversPanics(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedis(t)

	rescued := false
	registry := NewRegistry()
	registry.MustRegister("job", Handler{
		Handle: func(context.Context, json.RawMessage) error { panic("oops") },
		Rescue: func(context.Context, json.RawMessage, error) error { rescued = true; return nil },
	})
	w := NewWorker(q, registry, 0, 1, zap.NewNop(), nil)

	require.NoError(t, NewDispatcher(q, 1).Dispatch(ctx, "job", struct{}{}))
	drain(t, ctx, q, w)
	assert.True(t, rescued)
}

func TestWorkerLeavesJobInterruptedByShutdown(t *testing.T) {
	q, mr := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &recordingHandler{}
	registry := NewRegistry()
	registry.MustRegister("job", Handler{
		Handle: func(ctx context.Context, payload json.RawMessage) error {
			h.calls++
			cancel()
			return ctx.Err()
		},
		Rescue: h.handler().Rescue,
	})
	w := NewWorker(q, registry, 0, 1, zap.NewNop(), nil)

	require.NoError(t, NewDispatcher(q, 1).Dispatch(context.Background(), "job", struct{}{}))
	delivery, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	w.Process(ctx, delivery)

	assert.Equal(t, 1, h.calls)
	assert.Equal(t, 0, h.rescued)
	processing, err := mr.List("jobs:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)
	assert.False(t, mr.Exists("jobs"))

	moved, err := q.Requeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}
