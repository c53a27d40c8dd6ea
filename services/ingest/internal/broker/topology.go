// Package broker declares the BrokerTopology (§4.8, §6): the bit-exact
// exchange/queue/binding layout shared by the producer, consumer, and
// DLQ replayer. No other example repo in the retrieval pack imports an
// AMQP client; amqp091-go is the standard idiomatic choice for this
// topology, named (not grounded) per DESIGN.md.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	PrimaryExchange = "iot.xray"
	DLXExchange     = "iot.xray.dlx"

	PrimaryQueue = "xray.raw.v1"
	RetryQueue   = "xray.raw.v1.retry"
	DLQQueue     = "xray.raw.v1.dlq"

	RoutingKeyPrimary      = "xray.raw.v1"
	RoutingKeyRetry        = "xray.raw.v1.retry"
	RoutingKeyDLQ          = "xray.raw.v1.dlq"
	RoutingKeyDeviceStatus = "device.status.v1"

	PrimaryQueueTTLMs = 3_600_000 // 1h, per §6
)

// Declare asserts the full topology on ch: the primary topic exchange
// and its durable queue (DLX-bound), the dead-letter exchange, and the
// retry/DLQ queues bound to it. Idempotent — safe to call on every
// process start.
func Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(PrimaryExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare primary exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(DLXExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx exchange: %w", err)
	}

	primaryArgs := amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": RoutingKeyDLQ,
		"x-message-ttl":             int32(PrimaryQueueTTLMs),
	}
	if _, err := ch.QueueDeclare(PrimaryQueue, true, false, false, false, primaryArgs); err != nil {
		return fmt.Errorf("broker: declare primary queue: %w", err)
	}
	if err := ch.QueueBind(PrimaryQueue, RoutingKeyPrimary, PrimaryExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind primary queue: %w", err)
	}

	// The retry queue re-routes to the primary exchange on expiry: each
	// message's own per-message TTL (x-retry-delay, set at publish time)
	// governs how long it waits here before that happens.
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    PrimaryExchange,
		"x-dead-letter-routing-key": RoutingKeyPrimary,
	}
	if _, err := ch.QueueDeclare(RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("broker: declare retry queue: %w", err)
	}
	if err := ch.QueueBind(RetryQueue, RoutingKeyRetry, DLXExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind retry queue: %w", err)
	}

	if _, err := ch.QueueDeclare(DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(DLQQueue, RoutingKeyDLQ, DLXExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind dlq queue: %w", err)
	}

	return nil
}
