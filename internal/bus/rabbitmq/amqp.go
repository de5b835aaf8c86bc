package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the supervisor drives.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel narrows *amqp.Channel to the calls this package makes, with the
// durable/manual-ack flags fixed.
type Channel interface {
	ExchangeDeclare(name, kind string) error
	QueueDeclare(name string, args amqp.Table) error
	QueueBind(queue, key, exchange string) error
	QueueDepth(queue string) (int, error)
	Qos(prefetch int) error
	Confirm() error
	Consume(queue, tag string) (<-chan amqp.Delivery, error)
	Cancel(tag string) error
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Get(queue string) (amqp.Delivery, bool, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Dialer func(url string) (Connection, error)

var errNacked = errors.New("broker did not confirm message")

func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) ExchangeDeclare(name, kind string) error {
	return c.ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

func (c *amqpChannel) QueueDeclare(name string, args amqp.Table) error {
	_, err := c.ch.QueueDeclare(name, true, false, false, false, args)
	return err
}

func (c *amqpChannel) QueueBind(queue, key, exchange string) error {
	return c.ch.QueueBind(queue, key, exchange, false, nil)
}

func (c *amqpChannel) QueueDepth(queue string) (int, error) {
	q, err := c.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

func (c *amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *amqpChannel) Confirm() error {
	return c.ch.Confirm(false)
}

func (c *amqpChannel) Consume(queue, tag string) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, tag, false, false, false, false, nil)
}

func (c *amqpChannel) Cancel(tag string) error {
	return c.ch.Cancel(tag, false)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	confirmation, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if confirmation == nil {
		return nil
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}

func (c *amqpChannel) Get(queue string) (amqp.Delivery, bool, error) {
	return c.ch.Get(queue, false)
}

func (c *amqpChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(receiver)
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
