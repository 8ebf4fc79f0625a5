package rabbitmq_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/glimte/mmate-gateway/internal/rabbitmq/rabbitmqtest"
)

func TestAcknowledgmentStrategyString(t *testing.T) {
	assert.Equal(t, "ack-on-success", rabbitmq.AckOnSuccess.String())
	assert.Equal(t, "ack-always", rabbitmq.AckAlways.String())
	assert.Equal(t, "manual", rabbitmq.AckManual.String())
}

func TestNewConsumer(t *testing.T) {
	t.Run("generates a tag", func(t *testing.T) {
		c := rabbitmq.NewConsumer()
		assert.Contains(t, c.Tag(), "ctag-")
		assert.NotEqual(t, c.Tag(), rabbitmq.NewConsumer().Tag())
	})

	t.Run("keeps an explicit tag", func(t *testing.T) {
		c := rabbitmq.NewConsumer(rabbitmq.WithConsumerTag("rpc-1"), rabbitmq.WithConsumerLogger(slog.Default()))
		assert.Equal(t, "rpc-1", c.Tag())
	})
}

// consume starts c on a fresh durable queue and runs Process in the
// background until the test ends.
func consume(t *testing.T, broker *rabbitmqtest.Broker, queue string, c *rabbitmq.Consumer, handler rabbitmq.MessageHandler) <-chan error {
	t.Helper()
	sess := newSession(t, broker)
	_, err := rabbitmq.EnsureQueue(sess.Channel, queue)
	require.NoError(t, err)

	deliveries, err := c.Start(sess.Channel, queue)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Process(ctx, queue, deliveries, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func queueSettled(broker *rabbitmqtest.Broker, queue string) func() bool {
	return func() bool {
		info, _ := broker.Queue(queue)
		return info.Ready == 0 && info.Unacked == 0
	}
}

func TestConsumerProcess(t *testing.T) {
	t.Run("successful handler acks", func(t *testing.T) {
		broker := rabbitmqtest.New()
		var handled atomic.Int32
		consume(t, broker, "jobs", rabbitmq.NewConsumer(), func(ctx context.Context, d amqp.Delivery) error {
			handled.Add(1)
			return nil
		})

		broker.Inject("jobs", amqp.Publishing{Body: []byte("1")})
		assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, queueSettled(broker, "jobs"), time.Second, 5*time.Millisecond)
	})

	t.Run("failed handler is nacked without requeue", func(t *testing.T) {
		broker := rabbitmqtest.New()
		var handled atomic.Int32
		consume(t, broker, "jobs", rabbitmq.NewConsumer(rabbitmq.WithRequeueOnFailure(false)), func(ctx context.Context, d amqp.Delivery) error {
			handled.Add(1)
			return errors.New("cannot process")
		})

		broker.Inject("jobs", amqp.Publishing{Body: []byte("1")})
		assert.Eventually(t, queueSettled(broker, "jobs"), time.Second, 5*time.Millisecond)
		assert.Never(t, func() bool { return handled.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("failed handler is requeued when asked", func(t *testing.T) {
		broker := rabbitmqtest.New()
		var attempts atomic.Int32
		consume(t, broker, "jobs", rabbitmq.NewConsumer(rabbitmq.WithRequeueOnFailure(true)), func(ctx context.Context, d amqp.Delivery) error {
			if attempts.Add(1) == 1 {
				assert.False(t, d.Redelivered)
				return errors.New("transient")
			}
			assert.True(t, d.Redelivered)
			return nil
		})

		broker.Inject("jobs", amqp.Publishing{Body: []byte("1")})
		assert.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, queueSettled(broker, "jobs"), time.Second, 5*time.Millisecond)
	})

	t.Run("ack always settles failures and panics", func(t *testing.T) {
		broker := rabbitmqtest.New()
		var handled atomic.Int32
		consume(t, broker, "jobs", rabbitmq.NewConsumer(rabbitmq.WithAckStrategy(rabbitmq.AckAlways)), func(ctx context.Context, d amqp.Delivery) error {
			if handled.Add(1) == 1 {
				panic("handler bug")
			}
			return errors.New("failed")
		})

		broker.Inject("jobs", amqp.Publishing{Body: []byte("1")})
		broker.Inject("jobs", amqp.Publishing{Body: []byte("2")})
		assert.Eventually(t, func() bool { return handled.Load() == 2 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, queueSettled(broker, "jobs"), time.Second, 5*time.Millisecond)
	})

	t.Run("prefetch one handles messages strictly in sequence", func(t *testing.T) {
		broker := rabbitmqtest.New()
		var inFlight, maxInFlight atomic.Int32
		var order []string
		done := make(chan struct{})

		consume(t, broker, "jobs", rabbitmq.NewConsumer(rabbitmq.WithPrefetchCount(1)), func(ctx context.Context, d amqp.Delivery) error {
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			order = append(order, string(d.Body))
			inFlight.Add(-1)
			if len(order) == 3 {
				close(done)
			}
			return nil
		})

		for _, body := range []string{"a", "b", "c"} {
			broker.Inject("jobs", amqp.Publishing{Body: []byte(body)})
		}

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("messages were not handled")
		}
		assert.Equal(t, int32(1), maxInFlight.Load())
		assert.Equal(t, []string{"a", "b", "c"}, order)
	})

	t.Run("broker cancelling the consumer ends Process with ErrConsumerCancelled", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)
		_, err := rabbitmq.EnsureQueue(sess.Channel, "jobs")
		require.NoError(t, err)

		c := rabbitmq.NewConsumer(rabbitmq.WithConsumerTag("jobs-1"))
		deliveries, err := c.Start(sess.Channel, "jobs")
		require.NoError(t, err)

		require.NoError(t, sess.Channel.Cancel("jobs-1", false))
		err = c.Process(context.Background(), "jobs", deliveries, func(ctx context.Context, d amqp.Delivery) error { return nil })
		assert.ErrorIs(t, err, rabbitmq.ErrConsumerCancelled)
	})

	t.Run("cancelled context ends Process cleanly", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)
		_, err := rabbitmq.EnsureQueue(sess.Channel, "jobs")
		require.NoError(t, err)

		c := rabbitmq.NewConsumer()
		deliveries, err := c.Start(sess.Channel, "jobs")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- c.Process(ctx, "jobs", deliveries, func(ctx context.Context, d amqp.Delivery) error { return nil })
		}()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Process did not stop")
		}
	})
}

func TestConsumerStartErrors(t *testing.T) {
	t.Run("missing queue", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)

		_, err := rabbitmq.NewConsumer().Start(sess.Channel, "nope")
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
	})

	t.Run("closed channel fails qos", func(t *testing.T) {
		broker := rabbitmqtest.New()
		sess := newSession(t, broker)
		require.NoError(t, sess.Channel.Close())

		_, err := rabbitmq.NewConsumer().Start(sess.Channel, "jobs")
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "qos", consumerErr.Op)
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})
}
