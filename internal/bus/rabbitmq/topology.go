package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/crmpipe/crmpipe/internal/bus"
)

// DeclareTopology declares the dead-letter exchange and queue, then every
// work queue wired to it. All declarations are idempotent.
func DeclareTopology(ch Channel) error {
	if err := ch.ExchangeDeclare(bus.DeadLetterExchange, amqp.ExchangeDirect); err != nil {
		return fmt.Errorf("declare exchange %s: %w", bus.DeadLetterExchange, err)
	}
	if err := ch.QueueDeclare(bus.DeadLetterQueue, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", bus.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(bus.DeadLetterQueue, bus.DeadLetterRoutingKey, bus.DeadLetterExchange); err != nil {
		return fmt.Errorf("bind queue %s: %w", bus.DeadLetterQueue, err)
	}
	for _, queue := range bus.WorkQueues() {
		if err := ch.QueueDeclare(queue, workQueueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	return nil
}

func workQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    bus.DeadLetterExchange,
		"x-dead-letter-routing-key": bus.DeadLetterRoutingKey,
	}
}
