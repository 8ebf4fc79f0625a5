package messaging

import (
	"encoding/json"
	"net/http"
)

const (
	// DefaultResponseMessage is the body message of an envelope with no
	// explicit content
	DefaultResponseMessage = "Ok"

	// TimeoutMessage is the body message of a 408 produced by a local timeout
	TimeoutMessage = "request timed out"

	// InternalErrorMessage is returned for handler failures that carry no
	// application error
	InternalErrorMessage = "internal server error"
)

// OutboundMessage is a payload addressed to a queue
type OutboundMessage struct {
	Queue   string
	Payload any
}

// InboundRequest is a delivered message prepared for a handler
type InboundRequest struct {
	// Body is the parsed JSON payload, or {"rawMessage": Raw} when the
	// delivery was not valid JSON.
	Body json.RawMessage
	// Raw is the delivery body as text
	Raw string

	Queue         string
	CorrelationID string
	ReplyTo       string
	MessageID     string
}

// Bind unmarshals the request body into v
func (r *InboundRequest) Bind(v any) error {
	if len(r.Body) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Body, v)
}

// ResponseEnvelope is the reply of an RPC call
type ResponseEnvelope struct {
	StatusCode int             `json:"code"`
	Body       json.RawMessage `json:"response"`
}

// MessageBody is the {"message": ...} body used by status-only responses
type MessageBody struct {
	Message string `json:"message"`
}

// Respond builds an envelope with the JSON encoding of body. Handlers can
// return it directly.
func Respond(statusCode int, body any) (*ResponseEnvelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &EncodeError{Value: body, Err: err}
	}
	return &ResponseEnvelope{StatusCode: statusCode, Body: raw}, nil
}

// RespondMessage builds an envelope whose body is {"message": message}
func RespondMessage(statusCode int, message string) *ResponseEnvelope {
	raw, _ := json.Marshal(MessageBody{Message: message})
	return &ResponseEnvelope{StatusCode: statusCode, Body: raw}
}

// OK returns the default 200 envelope
func OK() *ResponseEnvelope {
	return RespondMessage(http.StatusOK, DefaultResponseMessage)
}

// TimeoutResponse is what Call returns when no reply arrives in time
func TimeoutResponse() *ResponseEnvelope {
	return RespondMessage(http.StatusRequestTimeout, TimeoutMessage)
}

// Decode unmarshals the envelope body into v
func (e *ResponseEnvelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Body, v)
}

// Message returns the "message" field of the body, if it has one
func (e *ResponseEnvelope) Message() string {
	var body MessageBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	return body.Message
}

// IsSuccess reports a 2xx status code
func (e *ResponseEnvelope) IsSuccess() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}
