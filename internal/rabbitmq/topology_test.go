package rabbitmq_test

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/glimte/mmate-gateway/internal/rabbitmq/rabbitmqtest"
)

func newSession(t *testing.T, broker *rabbitmqtest.Broker) *rabbitmq.Session {
	t.Helper()
	manager := rabbitmq.NewConnectionManager("amqp://localhost:5672/", rabbitmq.WithDialer(broker.Dial))
	sess, err := manager.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestEnsureQueue(t *testing.T) {
	t.Run("declares a durable queue", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)

		q, err := rabbitmq.EnsureQueue(sess.Channel, "orders")
		require.NoError(t, err)
		assert.Equal(t, "orders", q.Name)

		info, ok := broker.Queue("orders")
		require.True(t, ok)
		assert.True(t, info.Durable)
		assert.False(t, info.Exclusive)
		assert.False(t, info.AutoDelete)
	})

	t.Run("is idempotent", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)

		_, err := rabbitmq.EnsureQueue(sess.Channel, "orders")
		require.NoError(t, err)
		_, err = rabbitmq.EnsureQueue(sess.Channel, "orders")
		assert.NoError(t, err)
	})

	t.Run("empty name is rejected before reaching the broker", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)

		_, err := rabbitmq.EnsureQueue(sess.Channel, "")
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidQueueName)
	})

	t.Run("conflicting declaration is a TopologyError", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)

		_, err := rabbitmq.DeclareQueue(sess.Channel, rabbitmq.QueueDeclaration{Name: "orders", Durable: false})
		require.NoError(t, err)

		_, err = rabbitmq.EnsureQueue(sess.Channel, "orders")
		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "orders", topoErr.Name)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	})
}

func TestDeclareReplyQueue(t *testing.T) {
	broker := rabbitmqtest.New()
	sess := newSession(t, broker)

	q, err := rabbitmq.DeclareReplyQueue(sess.Channel)
	require.NoError(t, err)
	assert.NotEmpty(t, q.Name)

	info, ok := broker.Queue(q.Name)
	require.True(t, ok)
	assert.True(t, info.Exclusive)
	assert.True(t, info.AutoDelete)
	assert.False(t, info.Durable)

	// the queue belongs to the declaring connection
	other := newSession(t, broker)
	_, err = other.Channel.Consume(q.Name, "", true, false, false, false, nil)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.ResourceLocked, amqpErr.Code)

	// and disappears with it
	require.NoError(t, sess.Close())
	_, ok = broker.Queue(q.Name)
	assert.False(t, ok)
}
