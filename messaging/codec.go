package messaging

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
)

const (
	// ContentTypeJSON is stamped on every message the gateway sends
	ContentTypeJSON = "application/json"

	responseParseMessage = "failed to parse response"
)

// Codec converts between payloads and message bodies. The zero value is
// ready to use.
type Codec struct{}

// NewCodec creates a JSON codec
func NewCodec() *Codec {
	return &Codec{}
}

// Encode serializes v as UTF-8 JSON
func (c *Codec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Value: v, Err: err}
	}
	return raw, nil
}

// wireResponse is the strict shape of a reply: a numeric code and a
// response member that is present, even when null.
type wireResponse struct {
	Code     *float64        `json:"code"`
	Response json.RawMessage `json:"response"`
}

// DecodeResponse parses a reply body. It never fails: bodies in the
// {code, response} shape map onto the envelope, any other JSON becomes the
// body of a 200, and bytes that are not JSON yield a 500 carrying the text.
func (c *Codec) DecodeResponse(body []byte) *ResponseEnvelope {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		raw, _ := json.Marshal(struct {
			Message string `json:"message"`
			Raw     string `json:"raw"`
		}{
			Message: responseParseMessage,
			Raw:     string(body),
		})
		return &ResponseEnvelope{StatusCode: http.StatusInternalServerError, Body: raw}
	}

	if env, ok := decodeStrictResponse(trimmed); ok {
		return env
	}

	return &ResponseEnvelope{StatusCode: http.StatusOK, Body: json.RawMessage(trimmed)}
}

func decodeStrictResponse(body []byte) (*ResponseEnvelope, bool) {
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, false
	}
	if wire.Code == nil || wire.Response == nil {
		return nil, false
	}
	code := *wire.Code
	if code != math.Trunc(code) || code < math.MinInt32 || code > math.MaxInt32 {
		return nil, false
	}

	return &ResponseEnvelope{StatusCode: int(code), Body: wire.Response}, true
}

// DecodeRequest parses a request body. Bodies that are not JSON are wrapped
// as {"rawMessage": text} so handlers always receive structured data.
func (c *Codec) DecodeRequest(body []byte) *InboundRequest {
	req := &InboundRequest{Raw: string(body)}

	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) {
		req.Body = json.RawMessage(trimmed)
		return req
	}

	req.Body, _ = json.Marshal(struct {
		RawMessage string `json:"rawMessage"`
	}{RawMessage: req.Raw})
	return req
}
