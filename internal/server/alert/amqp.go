package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type connection interface {
	Channel() (channel, error)
	Close() error
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (channel, error) { return c.Connection.Channel() }

// dial is a seam for tests.
var dial = func(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// AMQPNotifier publishes alerts as persistent JSON messages to a durable
// queue. The connection is opened lazily and reopened after a failure.
type AMQPNotifier struct {
	url   string
	queue string

	mu   sync.Mutex
	conn connection
	ch   channel
}

func NewAMQPNotifier(url, queue string) *AMQPNotifier {
	return &AMQPNotifier{url: url, queue: queue}
}

func (n *AMQPNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert marshal: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureChannel(); err != nil {
		return err
	}

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	err = n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    at.UTC(),
		Body:         body,
	})
	if err != nil {
		n.reset()
		return fmt.Errorf("alert publish: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) ensureChannel() error {
	if n.ch != nil {
		return nil
	}
	conn, err := dial(n.url)
	if err != nil {
		return fmt.Errorf("alert dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("alert channel: %w", err)
	}
	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("alert queue declare: %w", err)
	}
	n.conn, n.ch = conn, ch
	return nil
}

func (n *AMQPNotifier) reset() {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.conn, n.ch = nil, nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reset()
	return nil
}
