package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SendToQueue publishes msg on the default exchange so the broker routes it
// straight to the queue with that name.
func SendToQueue(ctx context.Context, ch Channel, queue string, msg amqp.Publishing) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := ch.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return &PublishError{
			Queue:     queue,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
