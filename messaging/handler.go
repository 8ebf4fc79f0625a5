package messaging

import (
	"context"
	"fmt"
)

// RequestHandler answers RPC requests. Returning an *AppError sends its code
// and message to the caller; any other error becomes a 500.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error)

// HandleRequest implements RequestHandler
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
	return f(ctx, req)
}

// MessageHandler consumes fire-and-forget messages. A nil error acknowledges
// the message; an error drops it without redelivery.
type MessageHandler interface {
	HandleMessage(ctx context.Context, req *InboundRequest) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, req *InboundRequest) error

// HandleMessage implements MessageHandler
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, req *InboundRequest) error {
	return f(ctx, req)
}

// callRequestHandler runs h and turns a panic into an error
func callRequestHandler(ctx context.Context, h RequestHandler, req *InboundRequest) (resp *ResponseEnvelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("request handler panic: %v", r)
		}
	}()
	return h.HandleRequest(ctx, req)
}

// callMessageHandler runs h and turns a panic into an error
func callMessageHandler(ctx context.Context, h MessageHandler, req *InboundRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message handler panic: %v", r)
		}
	}()
	return h.HandleMessage(ctx, req)
}
