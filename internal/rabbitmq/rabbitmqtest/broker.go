// Package rabbitmqtest provides an in-memory broker that implements the
// rabbitmq.Connection and rabbitmq.Channel interfaces for tests.
//
// It models the parts of AMQP 0-9-1 the gateway relies on: default-exchange
// routing, durable and exclusive/auto-delete queues, per-channel prefetch,
// manual and automatic acknowledgment, consumer cancellation and the
// channel-closing errors a real broker raises on bad declarations.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

const deliveryBuffer = 512

// Published records a message accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
	Routed     bool
}

// QueueInfo describes a declared queue
type QueueInfo struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Ready      int
	Unacked    int
	Consumers  int
}

// Broker is an in-memory message broker
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	conns      []*connection
	published  []Published
	dials      int
	dialErr    error
	channelErr error
	publishErr map[string]error
	nextConnID int
}

type message struct {
	pub         amqp.Publishing
	routingKey  string
	redelivered bool
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	owner       *connection
	messages    []message
	consumers   []*consumer
	next        int
	hadConsumer bool
}

type consumer struct {
	tag        string
	ch         *channel
	q          *queue
	autoAck    bool
	deliveries chan amqp.Delivery
}

type pending struct {
	q   *queue
	msg message
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		queues:     make(map[string]*queue),
		publishErr: make(map[string]error),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	b.nextConnID++
	conn := &connection{broker: b, id: b.nextConnID}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailDial makes every following Dial return err. Pass nil to clear.
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailChannel makes every following channel open return err. Pass nil to clear.
func (b *Broker) FailChannel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// FailPublish makes publishes routed with key return err. Pass nil to clear.
func (b *Broker) FailPublish(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.publishErr, key)
		return
	}
	b.publishErr[key] = err
}

// Dials returns how many connections were attempted
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns how many connections are still open
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := 0
	for _, c := range b.conns {
		if !c.closed {
			open++
		}
	}
	return open
}

// Published returns every message accepted by the broker, in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns accepted messages whose routing key is key
func (b *Broker) PublishedTo(key string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.RoutingKey == key {
			out = append(out, p)
		}
	}
	return out
}

// Queue reports the state of a declared queue
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return QueueInfo{
		Name:       q.name,
		Durable:    q.durable,
		AutoDelete: q.autoDelete,
		Exclusive:  q.exclusive,
		Ready:      len(q.messages),
		Unacked:    b.unackedLocked(q),
		Consumers:  len(q.consumers),
	}, true
}

// Inject enqueues msg directly on queue, declaring it durable if needed
func (b *Broker) Inject(name string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: true}
		b.queues[name] = q
	}
	q.messages = append(q.messages, message{pub: msg, routingKey: name})
	b.dispatchLocked(q)
}

func (b *Broker) unackedLocked(q *queue) int {
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.chans {
			for _, p := range ch.unacked {
				if p.q == q {
					n++
				}
			}
		}
	}
	return n
}

// dispatchLocked hands ready messages to consumers that have capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.hasCapacity() {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.messages[0]
		ch := target.ch
		ch.nextTag++
		tag := ch.nextTag

		body := make([]byte, len(msg.pub.Body))
		copy(body, msg.pub.Body)

		delivery := amqp.Delivery{
			Acknowledger:    ch,
			Headers:         msg.pub.Headers,
			ContentType:     msg.pub.ContentType,
			ContentEncoding: msg.pub.ContentEncoding,
			DeliveryMode:    msg.pub.DeliveryMode,
			Priority:        msg.pub.Priority,
			CorrelationId:   msg.pub.CorrelationId,
			ReplyTo:         msg.pub.ReplyTo,
			Expiration:      msg.pub.Expiration,
			MessageId:       msg.pub.MessageId,
			Timestamp:       msg.pub.Timestamp,
			Type:            msg.pub.Type,
			UserId:          msg.pub.UserId,
			AppId:           msg.pub.AppId,
			ConsumerTag:     target.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.redelivered,
			Exchange:        "",
			RoutingKey:      msg.routingKey,
			Body:            body,
		}

		select {
		case target.deliveries <- delivery:
		default:
			// consumer is not draining; leave the message queued
			ch.nextTag--
			return
		}

		q.messages = q.messages[1:]
		if !target.autoAck {
			ch.unacked[tag] = &pending{q: q, msg: msg}
		}
	}
}

func (b *Broker) maybeAutoDeleteLocked(q *queue) {
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		delete(b.queues, q.name)
	}
}

func (c *consumer) hasCapacity() bool {
	if c.autoAck || c.ch.prefetch == 0 {
		return true
	}
	return len(c.ch.unacked) < c.ch.prefetch
}

type connection struct {
	broker *Broker
	id     int
	closed bool
	chans  []*channel
}

func (c *connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}

	ch := &channel{
		conn:      c,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.chans = append(c.chans, ch)
	return ch, nil
}

func (c *connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true

	for _, ch := range c.chans {
		if !ch.closed {
			ch.closeLocked()
		}
	}

	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			delete(b.queues, name)
		}
	}
	return nil
}

type channel struct {
	conn      *connection
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
}

func channelError(code int, format string, args ...any) *amqp.Error {
	return &amqp.Error{
		Code:   code,
		Reason: fmt.Sprintf(format, args...),
		Server: true,
	}
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	q, exists := b.queues[name]
	if exists {
		if q.exclusive && q.owner != ch.conn {
			ch.closeLocked()
			return amqp.Queue{}, channelError(amqp.ResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
		}
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive {
			ch.closeLocked()
			return amqp.Queue{}, channelError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)
		}
	} else {
		q = &queue{
			name:       name,
			durable:    durable,
			autoDelete: autoDelete,
			exclusive:  exclusive,
		}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}

	return amqp.Queue{
		Name:      q.name,
		Messages:  len(q.messages),
		Consumers: len(q.consumers),
	}, nil
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) Consume(name, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		ch.closeLocked()
		return nil, channelError(amqp.NotFound, "NOT_FOUND - no queue '%s'", name)
	}
	if q.exclusive && q.owner != ch.conn {
		ch.closeLocked()
		return nil, channelError(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
	}
	if exclusive && len(q.consumers) > 0 {
		ch.closeLocked()
		return nil, channelError(amqp.AccessRefused,
			"ACCESS_REFUSED - queue '%s' in exclusive use", name)
	}
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		ch.closeLocked()
		return nil, channelError(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
	}

	c := &consumer{
		tag:        tag,
		ch:         ch,
		q:          q,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true

	b.dispatchLocked(q)
	return c.deliveries, nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.publishErr[key]; err != nil {
		return err
	}
	if exchange != "" {
		ch.closeLocked()
		return channelError(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchange)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	q, routed := b.queues[key]
	b.published = append(b.published, Published{
		Exchange:   exchange,
		RoutingKey: key,
		Message:    msg,
		Routed:     routed,
	})
	if !routed {
		// unroutable messages are silently dropped without mandatory
		return nil
	}

	q.messages = append(q.messages, message{pub: msg, routingKey: key})
	b.dispatchLocked(q)
	return nil
}

func (ch *channel) Cancel(tag string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	ch.removeConsumerLocked(c)
	return nil
}

func (ch *channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *channel) removeConsumerLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.deliveries)
	ch.conn.broker.maybeAutoDeleteLocked(q)
}

// closeLocked closes the channel, cancels its consumers and returns its
// unacknowledged messages to their queues.
func (ch *channel) closeLocked() {
	b := ch.conn.broker
	ch.closed = true

	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c)
	}

	touched := make(map[*queue]bool)
	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		if _, alive := b.queues[p.q.name]; !alive {
			continue
		}
		p.msg.redelivered = true
		p.q.messages = append([]message{p.msg}, p.q.messages...)
		touched[p.q] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
}

// Ack implements amqp.Acknowledger
func (ch *channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p *pending) {})
}

// Nack implements amqp.Acknowledger
func (ch *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p *pending) {
		if !requeue {
			return
		}
		if _, alive := b.queues[p.q.name]; alive {
			p.msg.redelivered = true
			p.q.messages = append([]message{p.msg}, p.q.messages...)
		}
	})
}

// Reject implements amqp.Acknowledger
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *channel) settle(tag uint64, multiple bool, fn func(*Broker, *pending)) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	var settled []*pending
	if multiple {
		for t, p := range ch.unacked {
			if t <= tag {
				settled = append(settled, p)
				delete(ch.unacked, t)
			}
		}
	} else if p, ok := ch.unacked[tag]; ok {
		settled = append(settled, p)
		delete(ch.unacked, tag)
	}

	if len(settled) == 0 {
		ch.closeLocked()
		return channelError(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}

	touched := make(map[*queue]bool)
	for _, p := range settled {
		fn(b, p)
		touched[p.q] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	// a consumer freed by this settlement may also be waiting on other queues
	for _, c := range ch.consumers {
		if !touched[c.q] {
			b.dispatchLocked(c.q)
		}
	}
	return nil
}
