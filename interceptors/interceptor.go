package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
)

// Interceptor processes requests before they reach the final handler
type Interceptor interface {
	// Intercept processes a request and calls the next handler in the chain
	Intercept(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors. The first interceptor
// added is the outermost.
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs req through the chain and finally through finalHandler
func (c *InterceptorChain) Execute(ctx context.Context, req *messaging.InboundRequest, finalHandler messaging.RequestHandler) (*messaging.ResponseEnvelope, error) {
	return c.Wrap(finalHandler).HandleRequest(ctx, req)
}

// Wrap returns finalHandler decorated with every interceptor in the chain,
// ready to be passed to RPCServer.Listen.
func (c *InterceptorChain) Wrap(finalHandler messaging.RequestHandler) messaging.RequestHandler {
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = messaging.RequestHandlerFunc(func(ctx context.Context, req *messaging.InboundRequest) (*messaging.ResponseEnvelope, error) {
			return interceptor.Intercept(ctx, req, currentHandler)
		})
	}

	c.logger.Debug("interceptor chain built", "interceptors", c.Names())
	return handler
}

// Built-in interceptors

// LoggingInterceptor logs request processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error) {
	start := time.Now()

	i.logger.Info("processing request",
		"queue", req.Queue,
		"messageId", req.MessageID,
		"correlationId", req.CorrelationID,
	)

	resp, err := next.HandleRequest(ctx, req)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("request processing failed",
			"queue", req.Queue,
			"correlationId", req.CorrelationID,
			"duration", duration,
			"error", err,
		)
		return resp, err
	}

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	i.logger.Info("request processed",
		"queue", req.Queue,
		"correlationId", req.CorrelationID,
		"statusCode", statusCode,
		"duration", duration,
	)

	return resp, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds handler execution. A handler that overruns is
// answered with a 504 application error and its result is discarded. The
// interceptor still waits for the handler to return, so a listener never
// runs two handler bodies at once; handlers should honor ctx to release
// the listener promptly.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handlerResult struct {
	resp *messaging.ResponseEnvelope
	err  error
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("request handler panic: %v", r)}
			}
		}()
		resp, err := next.HandleRequest(timeoutCtx, req)
		done <- handlerResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timeoutCtx.Done():
		<-done
		return nil, messaging.NewAppError(http.StatusGatewayTimeout,
			fmt.Sprintf("request processing timeout after %v", i.timeout))
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RateLimitingInterceptor rejects requests over the limiter's budget with a
// 429 application error.
type RateLimitingInterceptor struct {
	limiter RateLimiter
}

// NewRateLimitingInterceptor creates a new rate limiting interceptor
func NewRateLimitingInterceptor(limiter RateLimiter) *RateLimitingInterceptor {
	return &RateLimitingInterceptor{limiter: limiter}
}

// Intercept implements Interceptor
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, req *messaging.InboundRequest, next messaging.RequestHandler) (*messaging.ResponseEnvelope, error) {
	// Use queue name as rate limiting key
	if err := i.limiter.Allow(ctx, req.Queue); err != nil {
		return nil, messaging.NewAppError(http.StatusTooManyRequests, err.Error())
	}

	return next.HandleRequest(ctx, req)
}

// Name implements Interceptor
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}
