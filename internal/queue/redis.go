package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a queue backed by a ready list, a processing list and a delayed
// sorted set scored by due time in milliseconds.
type Redis struct {
	client     *redis.Client
	ready      string
	processing string
	delayed    string
	now        func() time.Time
}

// NewRedisFromURL connects to the Redis server at url.
func NewRedisFromURL(ctx context.Context, url, name string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	return NewRedis(client, name), nil
}

// NewRedis creates a queue on an existing client.
func NewRedis(client *redis.Client, name string) *Redis {
	return &Redis{
		client:     client,
		ready:      name,
		processing: name + ":processing",
		delayed:    name + ":delayed",
		now:        time.Now,
	}
}

// Enqueue pushes the job onto the ready list, or the delayed set when delay > 0.
func (q *Redis) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	if delay > 0 {
		due := q.now().Add(delay).UnixMilli()
		return q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: raw}).Err()
	}
	return q.client.LPush(ctx, q.ready, raw).Err()
}

// promoteDue moves delayed jobs whose due time passed onto the ready list.
func (q *Redis) promoteDue(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "failed to read delayed jobs")
	}
	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, raw).Result()
		if err != nil {
			return errors.Wrap(err, "failed to claim delayed job")
		}
		// Another consumer promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
			return errors.Wrap(err, "failed to promote delayed job")
		}
	}
	return nil
}

// Dequeue moves the oldest ready job to the processing list.
func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BRPopLPush(ctx, q.ready, q.processing, wait).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue job")
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Drop payloads that can never be decoded.
		q.client.LRem(ctx, q.processing, 1, raw)
		return nil, errors.Wrap(err, "failed to unmarshal job")
	}
	return &Delivery{
		Job: &job,
		ack: func(ctx context.Context) error {
			return q.client.LRem(ctx, q.processing, 1, raw).Err()
		},
	}, nil
}

// Requeue moves jobs left in the processing list by a crashed worker back to
// the ready list. It returns the number of jobs moved.
func (q *Redis) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processing, q.ready).Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, errors.Wrap(err, "failed to requeue job")
		}
		moved++
	}
}

// Close closes the client.
func (q *Redis) Close() error {
	return q.client.Close()
}
