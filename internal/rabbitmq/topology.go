package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// ApplicationQueue describes a durable queue shared by all consumers
func ApplicationQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// ReplyQueue describes a server-named queue owned by one connection and
// removed by the broker when that connection goes away.
func ReplyQueue() QueueDeclaration {
	return QueueDeclaration{
		Name:       "",
		Durable:    false,
		AutoDelete: true,
		Exclusive:  true,
	}
}

// EnsureQueue declares name as a durable application queue. Declaring an
// existing queue with the same properties is a no-op on the broker.
func EnsureQueue(ch Channel, name string) (amqp.Queue, error) {
	if name == "" {
		return amqp.Queue{}, &TopologyError{
			Name:      name,
			Op:        "declare",
			Err:       ErrInvalidQueueName,
			Timestamp: time.Now(),
		}
	}
	return DeclareQueue(ch, ApplicationQueue(name))
}

// DeclareReplyQueue declares a private exclusive auto-delete reply queue and
// returns it with the broker-generated name.
func DeclareReplyQueue(ch Channel) (amqp.Queue, error) {
	return DeclareQueue(ch, ReplyQueue())
}

// DeclareQueue declares a queue on the given channel
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}
