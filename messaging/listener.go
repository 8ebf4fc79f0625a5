package messaging

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

// Listener is a running consume loop bound to one queue. It owns its
// connection and channel until it stops.
type Listener struct {
	queue  string
	sess   *rabbitmq.Session
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Queue returns the consumed queue name
func (l *Listener) Queue() string {
	return l.queue
}

// Done is closed when the consume loop has stopped
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns why the loop stopped. It is nil after a normal shutdown.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close stops the loop after the in-flight message, then releases the
// channel and connection.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.cancel()
	})
	<-l.done
	return nil
}

// startListener acquires a session, ensures queue, starts consuming and
// runs the delivery loop in its own goroutine. Setup errors are returned
// before any goroutine is started.
func startListener(ctx context.Context, conns *rabbitmq.ConnectionManager, queue string, logger *slog.Logger, handler rabbitmq.MessageHandler, opts ...rabbitmq.ConsumerOption) (*Listener, error) {
	if queue == "" {
		return nil, ErrEmptyQueueName
	}

	sess, err := conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := rabbitmq.EnsureQueue(sess.Channel, queue); err != nil {
		sess.Close()
		return nil, err
	}

	consumer := rabbitmq.NewConsumer(append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(logger),
	}, opts...)...)

	deliveries, err := consumer.Start(sess.Channel, queue)
	if err != nil {
		sess.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &Listener{
		queue:  queue,
		sess:   sess,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go l.run(loopCtx, consumer, deliveries, handler, logger)

	return l, nil
}

func (l *Listener) run(ctx context.Context, consumer *rabbitmq.Consumer, deliveries <-chan amqp.Delivery, handler rabbitmq.MessageHandler, logger *slog.Logger) {
	defer close(l.done)

	err := consumer.Process(ctx, l.queue, deliveries, handler)

	l.mu.Lock()
	l.err = err
	l.mu.Unlock()

	l.cancel()
	l.sess.Close()

	if err != nil {
		logger.Error("listener stopped", "queue", l.queue, "error", err)
		return
	}
	logger.Info("listener stopped", "queue", l.queue)
}
