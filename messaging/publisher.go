package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

// Publisher delivers fire-and-forget messages to durable queues
type Publisher struct {
	conns   *rabbitmq.ConnectionManager
	codec   *Codec
	logger  *slog.Logger
	metrics MetricsCollector
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// WithPublisherCodec replaces the default codec
func WithPublisherCodec(codec *Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// NewPublisher creates a publisher that opens a connection per message
func NewPublisher(conns *rabbitmq.ConnectionManager, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conns:   conns,
		codec:   NewCodec(),
		logger:  slog.Default(),
		metrics: &NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish sends payload to queue as a persistent message. The queue is
// declared first so the message is retained even without a listener.
// Failures are returned as-is; Publish never retries.
func (p *Publisher) Publish(ctx context.Context, queue string, payload any) (err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordPublish(queue, time.Since(start), err == nil)
	}()

	if queue == "" {
		return ErrEmptyQueueName
	}

	body, err := p.codec.Encode(payload)
	if err != nil {
		return err
	}

	sess, err := p.conns.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := rabbitmq.EnsureQueue(sess.Channel, queue); err != nil {
		p.logger.Error("failed to ensure queue", "queue", queue, "error", err)
		return err
	}

	msg := amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := rabbitmq.SendToQueue(ctx, sess.Channel, queue, msg); err != nil {
		p.logger.Error("failed to publish message", "queue", queue, "error", err)
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	p.logger.Debug("message published",
		"queue", queue,
		"messageId", msg.MessageId,
		"size", len(body),
	)
	return nil
}

// PublishMessage sends an OutboundMessage
func (p *Publisher) PublishMessage(ctx context.Context, msg OutboundMessage) error {
	return p.Publish(ctx, msg.Queue, msg.Payload)
}
