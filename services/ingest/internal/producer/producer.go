// Package producer implements Producer (§4.9): validate → sign →
// publish, with correlation headers, concurrency safety, and
// all-or-nothing batch semantics. Shaped after the teacher's
// orchestrator Publisher/Envelope pattern, adapted to the domain's
// HMAC-signed transport envelope.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/codec"
	signerpkg "github.com/SinaVosooghi/xrayiot/services/ingest/internal/hmac"
)

// ErrPublish surfaces as the consumer-facing TransportError kind (§4.9,
// §7): a publish failure is always retryable.
var ErrPublish = errors.New("producer: publish failed")

// Publisher is the minimal transport abstraction a Producer depends on,
// satisfied by an amqp091-go channel wrapper (see broker.ChannelPublisher
// in the broker package's connection helpers) or a test double.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error
}

// NonceGenerator yields fresh hex nonces of the configured length.
type NonceGenerator func(length int) (string, error)

const SchemaVersion = "v1"
const ServiceName = "xrayiot-ingest"

type Options struct {
	NonceLength int
	Algorithm   signerpkg.Algorithm
}

// Producer validates, signs, and publishes device payloads.
type Producer struct {
	pub      Publisher
	signer   *signerpkg.Signer
	nonceGen NonceGenerator
	opts     Options
	now      func() time.Time
}

func New(pub Publisher, signer *signerpkg.Signer, nonceGen NonceGenerator, opts Options) *Producer {
	if opts.NonceLength <= 0 {
		opts.NonceLength = 16
	}
	if opts.Algorithm == "" {
		opts.Algorithm = signerpkg.SHA256
	}
	return &Producer{pub: pub, signer: signer, nonceGen: nonceGen, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Publish validates, signs, and publishes a single RawSignal to the
// primary exchange. Safe to call concurrently; each call generates an
// independent correlation id.
func (p *Producer) Publish(ctx context.Context, raw codec.RawSignal) error {
	return p.publishOne(ctx, raw)
}

// PublishBatch validates every signal before publishing any of them: if
// any fails validation, the whole batch is rejected (all-or-nothing).
func (p *Producer) PublishBatch(ctx context.Context, list []codec.RawSignal) error {
	for i, raw := range list {
		if err := codec.Validate(raw); err != nil {
			return fmt.Errorf("producer: batch item %d invalid: %w", i, err)
		}
	}
	for _, raw := range list {
		if err := p.publishOne(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) publishOne(ctx context.Context, raw codec.RawSignal) error {
	if err := codec.Validate(raw); err != nil {
		return err
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("producer: marshal body: %w", err)
	}

	nonce, err := p.nonceGen(p.opts.NonceLength)
	if err != nil {
		return fmt.Errorf("producer: nonce: %w", err)
	}
	now := p.now()
	sig, err := p.signer.Sign(raw.DeviceID, body, now, nonce)
	if err != nil {
		return fmt.Errorf("producer: sign: %w", err)
	}

	env := broker.Envelope{
		CorrelationID: uuid.NewString(),
		Timestamp:     now,
		Service:       ServiceName,
		SchemaVersion: SchemaVersion,
		DeviceID:      raw.DeviceID,
		HMACSignature: sig,
		TimestampAuth: now,
		Nonce:         nonce,
		Algorithm:     string(p.opts.Algorithm),
		RetryCount:    0,
	}

	if err := p.pub.Publish(ctx, broker.PrimaryExchange, broker.RoutingKeyPrimary, env.ToTable(), body); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// DeviceStatus is published on a separate routing key (§4.9), reusing
// the same signing scheme as signal payloads.
type DeviceStatus struct {
	DeviceID string         `json:"deviceId"`
	Status   string         `json:"status"`
	Health   map[string]any `json:"health,omitempty"`
}

func (p *Producer) PublishStatus(ctx context.Context, deviceID, status string, health map[string]any) error {
	ds := DeviceStatus{DeviceID: deviceID, Status: status, Health: health}
	body, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("producer: marshal status: %w", err)
	}
	nonce, err := p.nonceGen(p.opts.NonceLength)
	if err != nil {
		return fmt.Errorf("producer: nonce: %w", err)
	}
	now := p.now()
	sig, err := p.signer.Sign(deviceID, body, now, nonce)
	if err != nil {
		return fmt.Errorf("producer: sign status: %w", err)
	}
	env := broker.Envelope{
		CorrelationID: uuid.NewString(),
		Timestamp:     now,
		Service:       ServiceName,
		SchemaVersion: SchemaVersion,
		DeviceID:      deviceID,
		HMACSignature: sig,
		TimestampAuth: now,
		Nonce:         nonce,
		Algorithm:     string(p.opts.Algorithm),
	}
	if err := p.pub.Publish(ctx, broker.PrimaryExchange, broker.RoutingKeyDeviceStatus, env.ToTable(), body); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}
