package messaging

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

// Subscriber consumes fire-and-forget messages from queues
type Subscriber struct {
	conns    *rabbitmq.ConnectionManager
	codec    *Codec
	logger   *slog.Logger
	prefetch int
}

// SubscriberOption configures a Subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithSubscriberCodec replaces the default codec
func WithSubscriberCodec(codec *Codec) SubscriberOption {
	return func(s *Subscriber) {
		s.codec = codec
	}
}

// WithSubscriberPrefetch sets the listener prefetch count
func WithSubscriberPrefetch(prefetch int) SubscriberOption {
	return func(s *Subscriber) {
		s.prefetch = prefetch
	}
}

// NewSubscriber creates a new subscriber
func NewSubscriber(conns *rabbitmq.ConnectionManager, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		conns:    conns,
		codec:    NewCodec(),
		logger:   slog.Default(),
		prefetch: DefaultPrefetch,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Listen starts delivering messages from queue to handler. A message is
// acknowledged when the handler succeeds and dropped without requeue when
// it fails.
func (s *Subscriber) Listen(ctx context.Context, queue string, handler MessageHandler) (*Listener, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	l, err := startListener(ctx, s.conns, queue, s.logger,
		func(ctx context.Context, d amqp.Delivery) error {
			req := s.codec.DecodeRequest(d.Body)
			req.Queue = queue
			req.CorrelationID = d.CorrelationId
			req.ReplyTo = d.ReplyTo
			req.MessageID = d.MessageId
			return callMessageHandler(ctx, handler, req)
		},
		rabbitmq.WithPrefetchCount(s.prefetch),
		rabbitmq.WithAckStrategy(rabbitmq.AckOnSuccess),
		rabbitmq.WithRequeueOnFailure(false),
	)
	if err != nil {
		s.logger.Error("failed to start subscriber", "queue", queue, "error", err)
		return nil, err
	}

	s.logger.Info("waiting for messages", "queue", queue)
	return l, nil
}
