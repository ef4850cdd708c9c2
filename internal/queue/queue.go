// Package queue consumes synthesis units from a JetStream work-queue stream
// through a durable pull consumer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/stream-worker/internal/core"
	"github.com/book-expert/stream-worker/internal/job"
	"github.com/nats-io/nats.go/jetstream"
)

// Defaults for Config.
const (
	DefaultAckWait    = 30 * time.Second
	DefaultMaxDeliver = 10
)

// ErrConfig indicates an incomplete queue configuration.
var ErrConfig = errors.New("invalid queue configuration")

// Config names the stream and consumer.
type Config struct {
	Stream     string
	Subject    string
	Consumer   string
	AckWait    time.Duration
	MaxDeliver int
}

// Consumer is a core.JobSource backed by a durable pull consumer.
type Consumer struct {
	js jetstream.JetStream

	mu       sync.Mutex
	cfg      Config
	consumer jetstream.Consumer
}

// New creates or updates the stream and the durable consumer.
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Subject == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("%w: stream, subject and consumer are required", ErrConfig)
	}

	if cfg.AckWait <= 0 {
		cfg.AckWait = DefaultAckWait
	}

	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Synthesis units awaiting rendering.",
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.Stream, err)
	}

	c := &Consumer{js: js, cfg: cfg}

	err = c.SetLeaseTimeout(ctx, cfg.AckWait)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// SetLeaseTimeout updates the consumer's ack wait.
func (c *Consumer) SetLeaseTimeout(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Consumer,
		Description:   "Stream worker pull consumer.",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       timeout,
		MaxDeliver:    c.cfg.MaxDeliver,
		FilterSubject: c.cfg.Subject,
	})
	if err != nil {
		return fmt.Errorf("failed to update consumer '%s' ack wait to %s: %w", c.cfg.Consumer, timeout, err)
	}

	c.consumer = consumer
	c.cfg.AckWait = timeout

	return nil
}

// LeaseTimeout is the ack wait currently configured.
func (c *Consumer) LeaseTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg.AckWait
}

// Fetch waits up to wait for at most maxMessages deliveries. An empty result
// is not an error.
func (c *Consumer) Fetch(ctx context.Context, maxMessages int, wait time.Duration) ([]core.Delivery, error) {
	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()

	batch, err := consumer.Fetch(maxMessages, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from consumer '%s': %w", c.cfg.Consumer, err)
	}

	deliveries := make([]core.Delivery, 0, maxMessages)

	for {
		select {
		case <-ctx.Done():
			// Unacknowledged messages are redelivered after the ack wait.
			return deliveries, nil
		case msg, ok := <-batch.Messages():
			if !ok {
				batchErr := batch.Error()
				if batchErr != nil {
					return deliveries, fmt.Errorf("failed to receive batch: %w", batchErr)
				}

				return deliveries, nil
			}

			deliveries = append(deliveries, delivery{msg: msg})
		}
	}
}

type delivery struct {
	msg jetstream.Msg
}

func (d delivery) Data() []byte { return d.msg.Data() }

func (d delivery) Ack() error {
	err := d.msg.Ack()
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}

	return nil
}

func (d delivery) Nak(delay time.Duration) error {
	err := d.msg.NakWithDelay(delay)
	if err != nil {
		return fmt.Errorf("failed to nak: %w", err)
	}

	return nil
}

func (d delivery) Term() error {
	err := d.msg.Term()
	if err != nil {
		return fmt.Errorf("failed to term: %w", err)
	}

	return nil
}

func (d delivery) InProgress() error {
	err := d.msg.InProgress()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}

	return nil
}

func (d delivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 0
	}

	return meta.NumDelivered
}

// Publish enqueues a unit and waits for the stream to store it.
func Publish(ctx context.Context, js jetstream.JetStream, subject string, msg job.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal unit: %w", err)
	}

	_, err = js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish unit to %s: %w", subject, err)
	}

	return nil
}
