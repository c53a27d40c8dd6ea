package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery adapts an amqp091-go Delivery to the narrow Body/Headers/
// Ack/Nack contract shared by consumer.Message and dlq.Message.
type Delivery struct {
	d amqp.Delivery
}

func NewDelivery(d amqp.Delivery) *Delivery { return &Delivery{d: d} }

func (d *Delivery) Body() []byte            { return d.d.Body }
func (d *Delivery) Headers() map[string]any { return d.d.Headers }
func (d *Delivery) Ack() error               { return d.d.Ack(false) }
func (d *Delivery) Nack(requeue bool) error  { return d.d.Nack(false, requeue) }

// QueueSource adapts an amqp091-go channel's basic.get + queue-inspect
// operations to the dlq.Source contract, used to peek the DLQ queue
// without subscribing a consumer to it.
type QueueSource struct {
	ch    *amqp.Channel
	queue string
}

func NewQueueSource(ch *amqp.Channel, queue string) *QueueSource {
	return &QueueSource{ch: ch, queue: queue}
}

func (s *QueueSource) Get(ctx context.Context) (interface {
	Body() []byte
	Headers() map[string]any
	Ack() error
	Nack(requeue bool) error
}, bool, error) {
	d, ok, err := s.ch.Get(s.queue, false)
	if err != nil {
		return nil, false, fmt.Errorf("broker: get %s: %w", s.queue, err)
	}
	if !ok {
		return nil, false, nil
	}
	return NewDelivery(d), true, nil
}

func (s *QueueSource) Len(ctx context.Context) (int64, error) {
	q, err := s.ch.QueueInspect(s.queue)
	if err != nil {
		return 0, fmt.Errorf("broker: inspect %s: %w", s.queue, err)
	}
	return int64(q.Messages), nil
}
