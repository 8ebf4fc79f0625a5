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

// DefaultCallTimeout bounds a call when the caller gives no timeout
const DefaultCallTimeout = 5 * time.Second

// RPCClient sends requests to a queue and waits for the correlated reply.
//
// Every call is isolated: it dials its own connection, declares its own
// exclusive reply queue and tears both down when it completes. No state is
// shared between concurrent calls.
type RPCClient struct {
	conns          *rabbitmq.ConnectionManager
	codec          *Codec
	logger         *slog.Logger
	metrics        MetricsCollector
	defaultTimeout time.Duration
	teardownDelay  time.Duration
}

// RPCClientOption configures an RPCClient
type RPCClientOption func(*RPCClient)

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// WithClientMetrics sets the metrics collector
func WithClientMetrics(metrics MetricsCollector) RPCClientOption {
	return func(c *RPCClient) {
		c.metrics = metrics
	}
}

// WithClientCodec replaces the default codec
func WithClientCodec(codec *Codec) RPCClientOption {
	return func(c *RPCClient) {
		c.codec = codec
	}
}

// WithDefaultTimeout sets the timeout used when Call gets none
func WithDefaultTimeout(timeout time.Duration) RPCClientOption {
	return func(c *RPCClient) {
		c.defaultTimeout = timeout
	}
}

// WithTeardownDelay delays closing the connection after a reply arrives
func WithTeardownDelay(delay time.Duration) RPCClientOption {
	return func(c *RPCClient) {
		c.teardownDelay = delay
	}
}

// NewRPCClient creates a new RPC client
func NewRPCClient(conns *rabbitmq.ConnectionManager, opts ...RPCClientOption) *RPCClient {
	c := &RPCClient{
		conns:          conns,
		codec:          NewCodec(),
		logger:         slog.Default(),
		metrics:        &NoOpMetricsCollector{},
		defaultTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Call sends payload to queue and waits up to timeout for the reply; a
// timeout of zero or less uses the client default.
//
// A missing reply is not an error: the call resolves with a 408 envelope.
// Errors are returned only for encoding, connection, declaration, publish
// and context failures.
func (c *RPCClient) Call(ctx context.Context, queue string, payload any, timeout time.Duration) (*ResponseEnvelope, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if queue == "" {
		return nil, ErrEmptyQueueName
	}

	body, err := c.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	call := newPendingCall(uuid.NewString(), timeout)
	logger := c.logger.With("queue", queue, "correlationId", call.correlationID)

	resp, err := c.do(ctx, call, queue, body, logger)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordCall(queue, time.Since(start), statusCode)

	if err != nil {
		return nil, fmt.Errorf("rpc call to %s: %w", queue, err)
	}
	return resp, nil
}

// CallMessage sends an OutboundMessage with the default timeout
func (c *RPCClient) CallMessage(ctx context.Context, msg OutboundMessage) (*ResponseEnvelope, error) {
	return c.Call(ctx, msg.Queue, msg.Payload, 0)
}

func (c *RPCClient) do(ctx context.Context, call *pendingCall, queue string, body []byte, logger *slog.Logger) (*ResponseEnvelope, error) {
	sess, err := c.conns.Acquire(ctx)
	if err != nil {
		call.fail(err)
		return nil, err
	}
	call.advance(CallStateConnected)

	if _, err := rabbitmq.EnsureQueue(sess.Channel, queue); err != nil {
		return c.abort(sess, call, err, logger)
	}
	call.advance(CallStateQueueReady)

	replyQueue, err := rabbitmq.DeclareReplyQueue(sess.Channel)
	if err != nil {
		return c.abort(sess, call, err, logger)
	}

	consumer := rabbitmq.NewConsumer(
		rabbitmq.WithAutoAck(true),
		rabbitmq.WithExclusive(true),
		rabbitmq.WithConsumerTag(call.consumerTag),
		rabbitmq.WithConsumerLogger(c.logger),
	)
	replies, err := consumer.Start(sess.Channel, replyQueue.Name)
	if err != nil {
		return c.abort(sess, call, err, logger)
	}
	call.advance(CallStateAwaitingReply)

	timeout := time.Until(call.deadline)
	timer := time.AfterFunc(timeout, func() {
		if call.timeout() {
			logger.Warn("rpc call timed out", "timeout", timeout)
		}
	})
	defer timer.Stop()

	go c.awaitReply(call, replies, queue, logger)

	msg := amqp.Publishing{
		ContentType:   ContentTypeJSON,
		CorrelationId: call.correlationID,
		ReplyTo:       replyQueue.Name,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Body:          body,
	}
	if err := rabbitmq.SendToQueue(ctx, sess.Channel, queue, msg); err != nil {
		call.fail(err)
	} else {
		logger.Debug("rpc request sent", "replyTo", replyQueue.Name)
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		call.fail(ctx.Err())
	}
	timer.Stop()

	resp, err := call.result()
	if call.Outcome() == CallStateResolved {
		// the reply is already in hand; release the connection off the
		// caller's path
		time.AfterFunc(c.teardownDelay, func() {
			sess.Close()
			call.close()
		})
		return resp, nil
	}

	if cancelErr := sess.Channel.Cancel(call.consumerTag, false); cancelErr != nil {
		logger.Debug("failed to cancel reply consumer", "error", cancelErr)
	}
	sess.Close()
	call.close()

	if err != nil {
		logger.Error("rpc call failed", "error", err)
	}
	return resp, err
}

// abort fails a call whose setup did not complete
func (c *RPCClient) abort(sess *rabbitmq.Session, call *pendingCall, err error, logger *slog.Logger) (*ResponseEnvelope, error) {
	call.fail(err)
	sess.Close()
	call.close()
	logger.Error("rpc call setup failed", "error", err)
	return nil, err
}

// awaitReply reads the reply queue until the consumer is cancelled. Only a
// reply with the call's correlation id can complete it.
func (c *RPCClient) awaitReply(call *pendingCall, replies <-chan amqp.Delivery, queue string, logger *slog.Logger) {
	for d := range replies {
		if d.CorrelationId != call.correlationID {
			logger.Debug("dropping reply with unknown correlation id", "replyCorrelationId", d.CorrelationId)
			c.metrics.RecordDropped(queue, DropUncorrelatedReply)
			continue
		}

		resp := c.codec.DecodeResponse(d.Body)
		if !call.resolve(resp) {
			logger.Debug("dropping reply for completed call", "outcome", call.Outcome())
			c.metrics.RecordDropped(queue, DropLateReply)
			continue
		}
		logger.Debug("rpc reply received", "statusCode", resp.StatusCode)
	}

	call.fail(&rabbitmq.ConsumerError{
		Queue:       queue,
		ConsumerTag: call.consumerTag,
		Op:          "await reply",
		Err:         ErrReplyStreamClosed,
		Timestamp:   time.Now(),
	})
}
