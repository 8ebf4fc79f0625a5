package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

const (
	// DefaultAppErrorMessage is used when an application error has no text
	DefaultAppErrorMessage = "Erro"

	// AppErrorParseMessage is returned when an application error payload is
	// not a valid error envelope
	AppErrorParseMessage = "failed to parse application error"
)

var (
	// ErrEmptyQueueName is returned when no target queue is given
	ErrEmptyQueueName = errors.New("messaging: queue name is required")

	// ErrNilHandler is returned when a listener is started without a handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrReplyStreamClosed is returned when the reply consumer goes away
	// before the call completes
	ErrReplyStreamClosed = errors.New("messaging: reply stream closed before a reply arrived")
)

// EncodeError is returned when a payload cannot be serialized
type EncodeError struct {
	Value any
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("messaging: cannot encode %T: %v", e.Value, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// ErrorEnvelope is the wire shape of an application error
type ErrorEnvelope struct {
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// AppError is an error raised by a handler that should reach the caller
// with its own status code. Its text is the JSON of an ErrorEnvelope.
type AppError struct {
	payload string
}

// NewAppError creates an application error with a status code and message
func NewAppError(code int, message string) *AppError {
	raw, _ := json.Marshal(ErrorEnvelope{Code: code, Error: message})
	return &AppError{payload: string(raw)}
}

// AppErrorFromPayload wraps an already serialized error envelope
func AppErrorFromPayload(payload string) *AppError {
	return &AppError{payload: payload}
}

func (e *AppError) Error() string {
	return e.payload
}

// Envelope parses the error payload
func (e *AppError) Envelope() (ErrorEnvelope, error) {
	var env ErrorEnvelope
	if err := json.Unmarshal([]byte(e.payload), &env); err != nil {
		return ErrorEnvelope{}, err
	}
	return env, nil
}

// ResponseFromError converts a handler failure into the envelope sent back
// to the caller.
func ResponseFromError(err error) *ResponseEnvelope {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return RespondMessage(http.StatusInternalServerError, InternalErrorMessage)
	}

	env, parseErr := appErr.Envelope()
	if parseErr != nil {
		return RespondMessage(http.StatusInternalServerError, AppErrorParseMessage)
	}

	code := env.Code
	if code == 0 {
		code = http.StatusBadRequest
	}
	message := env.Error
	if message == "" {
		message = DefaultAppErrorMessage
	}
	return RespondMessage(code, message)
}
