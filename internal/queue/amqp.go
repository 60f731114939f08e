package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const amqpPollInterval = 200 * time.Millisecond

// AMQP is a queue on a durable RabbitMQ queue. Delayed jobs wait in a
// sibling queue whose expired messages dead-letter into the main queue.
type AMQP struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	name   string
	delay  string
	logger *zap.Logger
}

// NewAMQP connects to the broker and declares the queues.
func NewAMQP(url, name string, logger *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to amqp broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open amqp channel")
	}

	q := &AMQP{conn: conn, ch: ch, name: name, delay: name + ".delay", logger: logger}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		q.Close()
		return nil, errors.Wrap(err, "failed to declare queue")
	}
	if _, err := ch.QueueDeclare(q.delay, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}); err != nil {
		q.Close()
		return nil, errors.Wrap(err, "failed to declare delay queue")
	}
	return q, nil
}

// Enqueue publishes a persistent message.
func (q *AMQP) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	key := q.name
	if delay > 0 {
		key = q.delay
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return errors.Wrap(q.ch.PublishWithContext(ctx, "", key, false, false, msg), "failed to publish job")
}

// Dequeue polls the queue until a message arrives or wait elapses.
func (q *AMQP) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		d, ok, err := q.ch.Get(q.name, false)
		q.mu.Unlock()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get message")
		}
		if ok {
			var job Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				_ = d.Reject(false)
				return nil, errors.Wrap(err, "failed to unmarshal job")
			}
			tag := d.DeliveryTag
			return &Delivery{
				Job: &job,
				ack: func(context.Context) error {
					q.mu.Lock()
					defer q.mu.Unlock()
					return q.ch.Ack(tag, false)
				},
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpPollInterval):
		}
	}
}

// Close closes the channel and connection.
func (q *AMQP) Close() error {
	if q.ch != nil {
		if err := q.ch.Close(); err != nil {
			q.logger.Warn("failed to close amqp channel", zap.Error(err))
		}
	}
	return q.conn.Close()
}
