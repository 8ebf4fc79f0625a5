package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acknowledges on success and rejects on handler error
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual requires manual acknowledgment in handler
	AckManual
)

func (s AcknowledgmentStrategy) String() string {
	switch s {
	case AckOnSuccess:
		return "ack-on-success"
	case AckAlways:
		return "ack-always"
	case AckManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Consumer consumes one queue on a channel it does not own
type Consumer struct {
	prefetchCount    int
	autoAck          bool
	exclusive        bool
	consumerTag      string
	strategy         AcknowledgmentStrategy
	requeueOnFailure bool
	logger           *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithAckStrategy sets how deliveries are settled after the handler returns
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithRequeueOnFailure makes AckOnSuccess requeue rejected messages
func WithRequeueOnFailure(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnFailure = requeue
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		prefetchCount: 1,
		autoAck:       false,
		exclusive:     false,
		strategy:      AckOnSuccess,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.consumerTag == "" {
		c.consumerTag = "ctag-" + uuid.NewString()
	}

	return c
}

// Tag returns the consumer tag used with the broker
func (c *Consumer) Tag() string {
	return c.consumerTag
}

// Start sets QoS and begins consuming queue on ch.
func (c *Consumer) Start(ch Channel, queue string) (<-chan amqp.Delivery, error) {
	if !c.autoAck && c.prefetchCount > 0 {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			return nil, &ConsumerError{
				Queue:       queue,
				ConsumerTag: c.consumerTag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		c.autoAck,
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.logger.Debug("consuming queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
		"autoAck", c.autoAck,
	)

	return deliveries, nil
}

// Process handles deliveries one at a time until ctx is done or the
// delivery stream closes. A closed stream is reported as ErrConsumerCancelled.
func (c *Consumer) Process(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("delivery channel closed", "queue", queue)
				return &ConsumerError{
					Queue:       queue,
					ConsumerTag: c.consumerTag,
					Op:          "receive",
					Err:         ErrConsumerCancelled,
					Timestamp:   time.Now(),
				}
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", queue,
					"messageId", delivery.MessageId,
					"correlationId", delivery.CorrelationId,
				)
			}
		}
	}
}

// handleMessage runs the handler and settles the delivery
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	err := invoke(ctx, delivery, handler)

	if c.autoAck {
		return err
	}

	switch c.strategy {
	case AckAlways:
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}

	case AckOnSuccess:
		if err != nil {
			if nackErr := delivery.Nack(false, c.requeueOnFailure); nackErr != nil {
				c.logger.Error("failed to nack message",
					"error", nackErr,
					"originalError", err,
				)
			}
		} else if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}

	case AckManual:
	}

	return err
}

// invoke keeps a panicking handler from taking down the consume loop
func invoke(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, delivery)
}
