package broker

import (
	"context"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPublisher adapts an amqp091-go channel to producer.Publisher,
// the transport abstraction the producer package depends on.
type ChannelPublisher struct {
	ch *amqp.Channel
}

func NewChannelPublisher(ch *amqp.Channel) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

func (p *ChannelPublisher) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error {
	return publish(ctx, p.ch, exchange, routingKey, headers, body, 0)
}

// ChannelRepublisher adapts the same channel to consumer.Republisher,
// whose Publish signature additionally carries a per-message
// expiration (§4.8's retry-delay mechanism).
type ChannelRepublisher struct {
	ch *amqp.Channel
}

func NewChannelRepublisher(ch *amqp.Channel) *ChannelRepublisher {
	return &ChannelRepublisher{ch: ch}
}

// Publish implements consumer.Republisher. expirationMs <= 0 omits the
// AMQP Expiration property entirely (the terminal DLQ hand-off must
// persist, not expire).
func (p *ChannelRepublisher) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte, expirationMs int64) error {
	return publish(ctx, p.ch, exchange, routingKey, headers, body, expirationMs)
}

func publish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, headers map[string]any, body []byte, expirationMs int64) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Headers:      amqp.Table(headers),
		DeliveryMode: amqp.Persistent,
	}
	if expirationMs > 0 {
		msg.Expiration = strconv.FormatInt(expirationMs, 10)
	}
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("broker: publish %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}
