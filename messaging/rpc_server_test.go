package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

func listenRPC(t *testing.T, server *RPCServer, queue string, handler RequestHandlerFunc) *Listener {
	t.Helper()
	l, err := server.Listen(context.Background(), queue, handler)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRPCServerReplies(t *testing.T) {
	conns, broker := newTestConns(t)
	metrics := NewSimpleMetricsCollector()
	server := NewRPCServer(conns, WithServerMetrics(metrics))

	listenRPC(t, server, "users.get", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		var in struct {
			Case string `json:"case"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		switch in.Case {
		case "ok":
			return Respond(http.StatusOK, map[string]string{"queue": req.Queue, "correlationId": req.CorrelationID})
		case "app":
			return nil, NewAppError(http.StatusNotFound, "user not found")
		case "app-empty":
			return nil, NewAppError(0, "")
		case "panic":
			panic("handler bug")
		default:
			return nil, errors.New("database unavailable")
		}
	})

	tests := []struct {
		body    string
		code    int
		message string
	}{
		{`{"case":"app"}`, http.StatusNotFound, "user not found"},
		{`{"case":"app-empty"}`, http.StatusBadRequest, DefaultAppErrorMessage},
		{`{"case":"fail"}`, http.StatusInternalServerError, InternalErrorMessage},
		{`{"case":"panic"}`, http.StatusInternalServerError, InternalErrorMessage},
	}

	c := newCaller(t, conns)
	for i, tt := range tests {
		correlationID := "corr-" + string(rune('a'+i))
		c.request(t, "users.get", correlationID, tt.body)

		d, resp := c.next(t)
		assert.Equal(t, correlationID, d.CorrelationId)
		assert.Equal(t, ContentTypeJSON, d.ContentType)
		assert.Equal(t, tt.code, resp.StatusCode, tt.body)
		assert.Equal(t, tt.message, resp.Message(), tt.body)
	}

	c.request(t, "users.get", "corr-ok", `{"case":"ok"}`)
	_, resp := c.next(t)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"queue":"users.get","correlationId":"corr-ok"}`, string(resp.Body))

	// every request is acknowledged, failures included
	assert.Eventually(t, settled(broker, "users.get"), time.Second, 5*time.Millisecond)
	stats := metrics.Stats()
	assert.Equal(t, int64(5), stats.Requests)
	assert.Equal(t, int64(2), stats.RequestErrors)
}

func TestRPCServerWithoutReplyTarget(t *testing.T) {
	conns, broker := newTestConns(t)
	metrics := NewSimpleMetricsCollector()
	server := NewRPCServer(conns, WithServerMetrics(metrics))

	var handled atomic.Int32
	listenRPC(t, server, "jobs", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		handled.Add(1)
		return OK(), nil
	})

	c := newCaller(t, conns)
	c.send(t, "jobs", amqp.Publishing{Body: []byte(`{}`), CorrelationId: "corr-1"})
	c.send(t, "jobs", amqp.Publishing{Body: []byte(`{}`), ReplyTo: c.replyTo})

	assert.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, settled(broker, "jobs"), time.Second, 5*time.Millisecond)
	c.none(t, 50*time.Millisecond)
	assert.Equal(t, int64(2), metrics.Stats().Dropped[DropNoReplyTarget])
}

func TestRPCServerNilResponse(t *testing.T) {
	conns, broker := newTestConns(t)
	metrics := NewSimpleMetricsCollector()
	listenRPC(t, NewRPCServer(conns, WithServerMetrics(metrics)), "jobs", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		return nil, nil
	})

	c := newCaller(t, conns)
	c.request(t, "jobs", "corr-1", `{}`)

	assert.Eventually(t, settled(broker, "jobs"), time.Second, 5*time.Millisecond)
	c.none(t, 50*time.Millisecond)
	assert.Equal(t, int64(1), metrics.Stats().Dropped[DropNilResponse])
}

func TestRPCServerUnencodableResponse(t *testing.T) {
	conns, broker := newTestConns(t)
	listenRPC(t, NewRPCServer(conns), "jobs", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: http.StatusOK, Body: json.RawMessage("hello")}, nil
	})

	c := newCaller(t, conns)
	c.request(t, "jobs", "corr-1", `{}`)

	d, resp := c.next(t)
	assert.Equal(t, "corr-1", d.CorrelationId)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, InternalErrorMessage, resp.Message())
	assert.Eventually(t, settled(broker, "jobs"), time.Second, 5*time.Millisecond)
}

func TestRPCServerReplyFailureIsSwallowed(t *testing.T) {
	conns, broker := newTestConns(t)
	metrics := NewSimpleMetricsCollector()
	l := listenRPC(t, NewRPCServer(conns, WithServerMetrics(metrics)), "jobs", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		return OK(), nil
	})

	broker.FailPublish("broken-reply", errors.New("connection blocked"))
	c := newCaller(t, conns)
	c.send(t, "jobs", amqp.Publishing{Body: []byte(`{}`), CorrelationId: "corr-1", ReplyTo: "broken-reply"})
	c.request(t, "jobs", "corr-2", `{}`)

	d, resp := c.next(t)
	assert.Equal(t, "corr-2", d.CorrelationId)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, settled(broker, "jobs"), time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), metrics.Stats().Dropped[DropReplyFailed])
	assert.NoError(t, l.Err())
}

func TestRPCServerHandlesOneRequestAtATime(t *testing.T) {
	conns, _ := newTestConns(t)

	var inFlight, maxInFlight atomic.Int32
	listenRPC(t, NewRPCServer(conns), "serial", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		return OK(), nil
	})

	// a second listener on the same queue shares the work
	listenRPC(t, NewRPCServer(conns), "serial", func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
		return OK(), nil
	})

	c := newCaller(t, conns)
	for i := 0; i < 6; i++ {
		c.request(t, "serial", "corr", `{}`)
	}
	for i := 0; i < 6; i++ {
		c.next(t)
	}
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRPCServerListenErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("nil handler", func(t *testing.T) {
		conns, broker := newTestConns(t)
		_, err := NewRPCServer(conns).Listen(ctx, "q", nil)
		assert.ErrorIs(t, err, ErrNilHandler)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("empty queue", func(t *testing.T) {
		conns, broker := newTestConns(t)
		_, err := NewRPCServer(conns).Listen(ctx, "", RequestHandlerFunc(func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
			return OK(), nil
		}))
		assert.ErrorIs(t, err, ErrEmptyQueueName)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("connection refused", func(t *testing.T) {
		conns, broker := newTestConns(t)
		broker.FailDial(errors.New("connection refused"))
		_, err := NewRPCServer(conns).Listen(ctx, "q", RequestHandlerFunc(func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
			return OK(), nil
		}))
		var connErr *rabbitmq.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("conflicting queue releases the connection", func(t *testing.T) {
		conns, broker := newTestConns(t)
		sess := openSession(t, conns)
		_, err := rabbitmq.DeclareQueue(sess.Channel, rabbitmq.QueueDeclaration{Name: "q"})
		require.NoError(t, err)
		require.NoError(t, sess.Close())

		_, err = NewRPCServer(conns).Listen(ctx, "q", RequestHandlerFunc(func(ctx context.Context, req *InboundRequest) (*ResponseEnvelope, error) {
			return OK(), nil
		}))
		var topoErr *rabbitmq.TopologyError
		assert.ErrorAs(t, err, &topoErr)
		assert.Equal(t, 0, broker.OpenConnections())
	})
}
