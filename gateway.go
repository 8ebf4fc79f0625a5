// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/interceptors"
	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/glimte/mmate-gateway/messaging"
)

// ErrClosed is returned by operations on a closed Gateway
var ErrClosed = errors.New("gateway: closed")

// Gateway is the main entry point: publish, call, and listen on named
// queues of one broker.
type Gateway struct {
	conns      *rabbitmq.ConnectionManager
	publisher  *messaging.Publisher
	client     *messaging.RPCClient
	server     *messaging.RPCServer
	subscriber *messaging.Subscriber
	chain      *interceptors.InterceptorChain
	logger     *slog.Logger

	mu        sync.Mutex
	listeners []*messaging.Listener
	closed    bool
}

// New creates a gateway for the broker at url. No connection is opened
// until the first operation.
func New(url string, options ...Option) *Gateway {
	cfg := &gatewayConfig{
		logger:      slog.Default(),
		callTimeout: messaging.DefaultCallTimeout,
		prefetch:    messaging.DefaultPrefetch,
		metrics:     &messaging.NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	conns := rabbitmq.NewConnectionManager(url, connOpts...)

	chain := interceptors.NewInterceptorChain(cfg.logger)
	for _, i := range cfg.interceptors {
		chain.Add(i)
	}

	return &Gateway{
		conns: conns,
		publisher: messaging.NewPublisher(conns,
			messaging.WithPublisherLogger(cfg.logger),
			messaging.WithPublisherMetrics(cfg.metrics),
		),
		client: messaging.NewRPCClient(conns,
			messaging.WithClientLogger(cfg.logger),
			messaging.WithClientMetrics(cfg.metrics),
			messaging.WithDefaultTimeout(cfg.callTimeout),
		),
		server: messaging.NewRPCServer(conns,
			messaging.WithServerLogger(cfg.logger),
			messaging.WithServerMetrics(cfg.metrics),
			messaging.WithServerPrefetch(cfg.prefetch),
		),
		subscriber: messaging.NewSubscriber(conns,
			messaging.WithSubscriberLogger(cfg.logger),
			messaging.WithSubscriberPrefetch(cfg.prefetch),
		),
		chain:  chain,
		logger: cfg.logger,
	}
}

// Publish sends payload to queue as a persistent fire-and-forget message
func (g *Gateway) Publish(ctx context.Context, queue string, payload any) error {
	if g.isClosed() {
		return ErrClosed
	}
	return g.publisher.Publish(ctx, queue, payload)
}

// Call sends payload to queue and waits for the reply. A timeout of zero
// uses the gateway's call timeout. A missing reply resolves to a 408
// envelope, not an error.
func (g *Gateway) Call(ctx context.Context, queue string, payload any, timeout time.Duration) (*messaging.ResponseEnvelope, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	return g.client.Call(ctx, queue, payload, timeout)
}

// ListenRPC answers requests on queue with handler, wrapped in the
// gateway's interceptors. The listener is stopped by Close.
func (g *Gateway) ListenRPC(ctx context.Context, queue string, handler messaging.RequestHandler) (*messaging.Listener, error) {
	if handler == nil {
		return nil, messaging.ErrNilHandler
	}
	return g.track(func() (*messaging.Listener, error) {
		return g.server.Listen(ctx, queue, g.chain.Wrap(handler))
	})
}

// ListenPubSub delivers messages on queue to handler. The listener is
// stopped by Close.
func (g *Gateway) ListenPubSub(ctx context.Context, queue string, handler messaging.MessageHandler) (*messaging.Listener, error) {
	return g.track(func() (*messaging.Listener, error) {
		return g.subscriber.Listen(ctx, queue, handler)
	})
}

// Publisher returns the underlying publisher
func (g *Gateway) Publisher() *messaging.Publisher {
	return g.publisher
}

// Connections returns the connection manager shared by every component
func (g *Gateway) Connections() *rabbitmq.ConnectionManager {
	return g.conns
}

// Close stops every listener started through the gateway. Calls and
// publishes already in flight finish on their own connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	listeners := g.listeners
	g.listeners = nil
	g.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	g.logger.Info("gateway closed", "listeners", len(listeners))
	return errors.Join(errs...)
}

func (g *Gateway) track(start func() (*messaging.Listener, error)) (*messaging.Listener, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}

	l, err := start()
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		l.Close()
		return nil, ErrClosed
	}
	g.listeners = append(g.listeners, l)
	g.mu.Unlock()

	return l, nil
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// gatewayConfig holds gateway configuration
type gatewayConfig struct {
	logger       *slog.Logger
	callTimeout  time.Duration
	prefetch     int
	metrics      messaging.MetricsCollector
	dialer       rabbitmq.Dialer
	interceptors []interceptors.Interceptor
}

// Option configures the gateway
type Option func(*gatewayConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *gatewayConfig) {
		cfg.logger = logger
	}
}

// WithCallTimeout sets the timeout used by Call when none is given
func WithCallTimeout(timeout time.Duration) Option {
	return func(cfg *gatewayConfig) {
		cfg.callTimeout = timeout
	}
}

// WithPrefetch sets the prefetch count of every listener
func WithPrefetch(prefetch int) Option {
	return func(cfg *gatewayConfig) {
		cfg.prefetch = prefetch
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(cfg *gatewayConfig) {
		cfg.metrics = metrics
	}
}

// WithDialer replaces the AMQP dialer, mainly for tests
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(cfg *gatewayConfig) {
		cfg.dialer = dialer
	}
}

// WithInterceptors wraps every RPC handler registered with ListenRPC
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(cfg *gatewayConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}
