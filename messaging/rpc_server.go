package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

// DefaultPrefetch is the number of unacknowledged deliveries a listener
// accepts. One means requests on a listener are handled strictly in order.
const DefaultPrefetch = 1

// RPCServer consumes requests from a queue and replies to each caller's
// reply queue with the caller's correlation id.
type RPCServer struct {
	conns        *rabbitmq.ConnectionManager
	codec        *Codec
	logger       *slog.Logger
	metrics      MetricsCollector
	prefetch     int
	replyTimeout time.Duration
}

// RPCServerOption configures an RPCServer
type RPCServerOption func(*RPCServer)

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) RPCServerOption {
	return func(s *RPCServer) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics collector
func WithServerMetrics(metrics MetricsCollector) RPCServerOption {
	return func(s *RPCServer) {
		s.metrics = metrics
	}
}

// WithServerCodec replaces the default codec
func WithServerCodec(codec *Codec) RPCServerOption {
	return func(s *RPCServer) {
		s.codec = codec
	}
}

// WithServerPrefetch sets the listener prefetch count
func WithServerPrefetch(prefetch int) RPCServerOption {
	return func(s *RPCServer) {
		s.prefetch = prefetch
	}
}

// WithReplyTimeout bounds how long publishing a reply may take
func WithReplyTimeout(timeout time.Duration) RPCServerOption {
	return func(s *RPCServer) {
		s.replyTimeout = timeout
	}
}

// NewRPCServer creates a new RPC server
func NewRPCServer(conns *rabbitmq.ConnectionManager, opts ...RPCServerOption) *RPCServer {
	s := &RPCServer{
		conns:        conns,
		codec:        NewCodec(),
		logger:       slog.Default(),
		metrics:      &NoOpMetricsCollector{},
		prefetch:     DefaultPrefetch,
		replyTimeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Listen starts answering requests on queue with handler. It returns once
// the subscription is active; the loop runs until ctx is cancelled, the
// listener is closed or the broker cancels the consumer.
//
// Every request is acknowledged after its reply has been attempted, whether
// the handler succeeded or not.
func (s *RPCServer) Listen(ctx context.Context, queue string, handler RequestHandler) (*Listener, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	l, err := startListener(ctx, s.conns, queue, s.logger,
		s.deliveryHandler(queue, handler),
		rabbitmq.WithPrefetchCount(s.prefetch),
		rabbitmq.WithAckStrategy(rabbitmq.AckAlways),
	)
	if err != nil {
		s.logger.Error("failed to start rpc listener", "queue", queue, "error", err)
		return nil, err
	}

	s.logger.Info("waiting for rpc requests", "queue", queue, "prefetch", s.prefetch)
	return l, nil
}

func (s *RPCServer) deliveryHandler(queue string, handler RequestHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		start := time.Now()

		req := s.codec.DecodeRequest(d.Body)
		req.Queue = queue
		req.CorrelationID = d.CorrelationId
		req.ReplyTo = d.ReplyTo
		req.MessageID = d.MessageId

		resp, err := callRequestHandler(ctx, handler, req)
		if err != nil {
			s.logger.Error("failed to process rpc request",
				"queue", queue,
				"correlationId", d.CorrelationId,
				"error", err,
			)
			resp = ResponseFromError(err)
		}

		s.reply(ctx, queue, d, resp)

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		s.metrics.RecordRequest(queue, time.Since(start), statusCode)
		return nil
	}
}

// reply sends resp to the request's reply-to queue over a connection of its
// own, so a failed reply never disturbs the listener's channel. Failures are
// logged and counted; the caller observes them only as a timeout.
func (s *RPCServer) reply(ctx context.Context, queue string, d amqp.Delivery, resp *ResponseEnvelope) {
	logger := s.logger.With("queue", queue, "correlationId", d.CorrelationId, "replyTo", d.ReplyTo)

	if d.ReplyTo == "" || d.CorrelationId == "" {
		logger.Warn("request has no reply-to or correlation id, not replying")
		s.metrics.RecordDropped(queue, DropNoReplyTarget)
		return
	}
	if resp == nil {
		logger.Warn("handler returned no response, not replying")
		s.metrics.RecordDropped(queue, DropNilResponse)
		return
	}

	body, err := s.codec.Encode(resp)
	if err != nil {
		// the caller is still waiting; answer with a 500 instead
		logger.Error("failed to encode rpc reply", "statusCode", resp.StatusCode, "error", err)
		resp = RespondMessage(http.StatusInternalServerError, InternalErrorMessage)
		if body, err = s.codec.Encode(resp); err != nil {
			s.metrics.RecordDropped(queue, DropReplyFailed)
			return
		}
	}

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.replyTimeout)
	defer cancel()

	sess, err := s.conns.Acquire(replyCtx)
	if err != nil {
		logger.Error("failed to connect for rpc reply", "error", err)
		s.metrics.RecordDropped(queue, DropReplyFailed)
		return
	}
	defer sess.Close()

	err = rabbitmq.SendToQueue(replyCtx, sess.Channel, d.ReplyTo, amqp.Publishing{
		ContentType:   ContentTypeJSON,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		logger.Error("failed to send rpc reply", "error", err)
		s.metrics.RecordDropped(queue, DropReplyFailed)
		return
	}

	logger.Debug("rpc reply sent", "statusCode", resp.StatusCode)
}
