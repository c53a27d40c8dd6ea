// Package consumer implements Consumer (§4.10): the nine-step hot path
// that turns a delivered, HMAC-signed message into either a persisted
// ProcessedSignal, an acknowledged duplicate, a header-driven retry
// republish, or a DLQ hand-off. Broker-native redelivery is replaced
// throughout by the explicit retry-via-header strategy described in
// §4.8/§6, grounded in the teacher's worker-pool/queue shape adapted to
// this domain's signing and idempotency requirements.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errorspkg "github.com/SinaVosooghi/xrayiot/pkg/errors"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/breaker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/codec"
	signerpkg "github.com/SinaVosooghi/xrayiot/services/ingest/internal/hmac"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/nonce"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/rawstore"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/repository"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/retry"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/stats"
)

// Message is the minimal broker-delivery contract a Consumer depends
// on, satisfied by an amqp091-go delivery wrapper or a test double.
type Message interface {
	Body() []byte
	Headers() map[string]any
	Ack() error
	Nack(requeue bool) error
}

// Republisher sends a message to the retry or DLQ routing key with an
// explicit per-message expiration, the mechanism §4.8's "per-message
// delay header" relies on (the retry queue has no queue-level TTL of
// its own; see broker.Declare). expirationMs <= 0 means no expiration
// property should be set at all (used for the terminal DLQ hand-off,
// where the message must persist, not expire).
type Republisher interface {
	Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte, expirationMs int64) error
}

// Repository is the narrow slice of SignalRepository the hot path
// needs, satisfied by *repository.Repository or a test double.
type Repository interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*repository.ProcessedSignal, error)
	Insert(ctx context.Context, record repository.ProcessedSignal) (string, error)
}

// Outcome classifies how HandleMessage disposed of a single delivery,
// useful for metrics and tests.
type Outcome string

const (
	OutcomeStored        Outcome = "stored"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomePoisoned      Outcome = "poisoned"
	OutcomeReplayedNonce Outcome = "replayed_nonce"
	OutcomeRetried       Outcome = "retried"
	OutcomeDLQ           Outcome = "dlq"
)

// Settings configures nonce TTL and retry/backoff behavior.
type Settings struct {
	NonceTTL    time.Duration
	RetryPolicy retry.Policy
}

func DefaultSettings() Settings {
	return Settings{NonceTTL: 5 * time.Minute, RetryPolicy: retry.DefaultPolicy()}
}

// Consumer wires together every ingestion component named in §4.10.
type Consumer struct {
	verifier  *signerpkg.Verifier
	nonces    nonce.Store
	raw       rawstore.Store
	repo      Repository
	breakers  *breaker.Registry
	republish Republisher
	settings  Settings
	now       func() time.Time
}

func New(verifier *signerpkg.Verifier, nonces nonce.Store, raw rawstore.Store, repo Repository, breakers *breaker.Registry, republish Republisher, settings Settings) *Consumer {
	if settings.NonceTTL <= 0 {
		settings.NonceTTL = DefaultSettings().NonceTTL
	}
	return &Consumer{
		verifier:  verifier,
		nonces:    nonces,
		raw:       raw,
		repo:      repo,
		breakers:  breakers,
		republish: republish,
		settings:  settings,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleMessage runs the nine-step hot path. It never returns a
// terminal processing error to the caller: every outcome (success,
// duplicate, poison, retry, DLQ) is resolved to an Ack/Nack/republish
// call on msg itself, matching the at-least-once, explicit-retry model
// of §4.10. The returned error, when non-nil, indicates a failure to
// even acknowledge/republish (a broker-channel failure), which the
// caller should treat as fatal to the current connection.
func (c *Consumer) HandleMessage(ctx context.Context, msg Message) (Outcome, error) {
	// Step 1: extract envelope/headers.
	env, ok := broker.FromTable(msg.Headers())
	if !ok {
		return OutcomePoisoned, msg.Ack()
	}
	body := msg.Body()

	algorithm := signerpkg.Algorithm(env.Algorithm)

	// Step 2: verify HMAC.
	payloadHash, err := c.verifier.PayloadHash(body, algorithm)
	if err == nil {
		err = c.verifier.Verify(env.DeviceID, payloadHash, env.HMACSignature, env.TimestampAuth, env.Nonce, algorithm)
	}
	if err != nil {
		return c.disposeAuthFailure(ctx, msg, env, body, err)
	}

	// Step 3: claim nonce.
	var claimOutcome nonce.Outcome
	cbErr := c.breakers.Execute(ctx, "nonce.claim", func(ctx context.Context) error {
		o, err := c.nonces.Claim(ctx, env.DeviceID, env.Nonce, c.settings.NonceTTL)
		claimOutcome = o
		return err
	})
	if cbErr != nil {
		return c.retryOrDLQ(ctx, msg, env, body, errorspkg.NonceUnavail, cbErr)
	}
	if claimOutcome == nonce.Replayed {
		return OutcomeReplayedNonce, msg.Ack()
	}

	// Step 4: validate body. A body that fails to decode or validate is
	// non-retryable and goes to the DLQ.
	raw, err := decodeRawSignal(body)
	if err == nil {
		err = codec.Validate(raw)
	}
	if err != nil {
		return c.retryOrDLQ(ctx, msg, env, body, errorspkg.ValidationInvalid, err)
	}

	// Step 5: fingerprint + idempotency lookup.
	fingerprint, err := codec.Fingerprint(raw)
	if err != nil {
		return OutcomePoisoned, msg.Ack()
	}
	existing, err := c.repo.FindByIdempotencyKey(ctx, fingerprint)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return c.retryOrDLQ(ctx, msg, env, body, errorspkg.TransportError, err)
	}
	if existing != nil {
		return OutcomeDuplicate, msg.Ack()
	}

	// Step 6: store raw bytes.
	var handle rawstore.Handle
	storeErr := c.breakers.Execute(ctx, "rawstore.put", func(ctx context.Context) error {
		h, err := c.raw.Put(ctx, body)
		handle = h
		return err
	})
	if storeErr != nil {
		return c.retryOrDLQ(ctx, msg, env, body, errorspkg.StorageUnavailable, storeErr)
	}

	// Step 7: compute stats.
	computed := stats.Compute(raw.Data)

	// Step 8: insert ProcessedSignal.
	record := repository.ProcessedSignal{
		DeviceID:       raw.DeviceID,
		Time:           raw.Time,
		DataLength:     len(raw.Data),
		DataVolume:     int64(len(body)),
		Stats:          computed,
		RawRef:         string(handle),
		IdempotencyKey: fingerprint,
	}
	if len(raw.Data) > 0 {
		// location is the representative point (§3): the first data
		// point, stored longitude-first per GeoJSON convention.
		record.Location = repository.Location{Lat: raw.Data[0].Lat, Lon: raw.Data[0].Lon}
	}

	var insertErr error
	cbErr = c.breakers.Execute(ctx, "repository.insert", func(ctx context.Context) error {
		_, err := c.repo.Insert(ctx, record)
		insertErr = err
		return err
	})
	if cbErr != nil {
		if errors.Is(insertErr, repository.ErrDuplicateKey) {
			// Step 9 (duplicate branch): another consumer already won the race.
			return OutcomeDuplicate, msg.Ack()
		}
		return c.retryOrDLQ(ctx, msg, env, body, errorspkg.TransportError, cbErr)
	}

	// Step 9: ack.
	return OutcomeStored, msg.Ack()
}

func decodeRawSignal(body []byte) (codec.RawSignal, error) {
	var raw codec.RawSignal
	if err := json.Unmarshal(body, &raw); err != nil {
		return codec.RawSignal{}, err
	}
	return raw, nil
}

// disposeAuthFailure handles a failed HMAC verification. Auth failures
// are never retryable (§7: auth.* kinds carry Retryable=false) — the
// message is routed straight to the DLQ with the verification reason
// recorded, without consuming a retry attempt.
func (c *Consumer) disposeAuthFailure(ctx context.Context, msg Message, env broker.Envelope, body []byte, err error) (Outcome, error) {
	reason := "auth_failed"
	var ve *signerpkg.VerifyError
	if errors.As(err, &ve) {
		reason = string(ve.Reason)
	}
	if pubErr := c.publishToDLQ(ctx, env, body, reason); pubErr != nil {
		return OutcomePoisoned, msg.Nack(false)
	}
	return OutcomeDLQ, msg.Ack()
}

// retryOrDLQ decides, based on the message's current retry count and
// the configured policy, whether to republish to the retry exchange
// (incrementing x-retry-count and setting a per-message expiration) or
// park the message in the DLQ as exhausted (§4.7, §4.8, §4.10).
func (c *Consumer) retryOrDLQ(ctx context.Context, msg Message, env broker.Envelope, body []byte, code errorspkg.Code, cause error) (Outcome, error) {
	meta, known := errorspkg.Meta(code)
	if known && !meta.Retryable {
		if pubErr := c.publishToDLQ(ctx, env, body, string(code)); pubErr != nil {
			return OutcomePoisoned, msg.Nack(false)
		}
		return OutcomeDLQ, msg.Ack()
	}

	attempt := env.RetryCount
	if !c.settings.RetryPolicy.ShouldRetry(attempt) {
		if pubErr := c.publishToDLQ(ctx, env, body, fmt.Sprintf("%s: %v", code, cause)); pubErr != nil {
			return OutcomePoisoned, msg.Nack(false)
		}
		return OutcomeDLQ, msg.Ack()
	}

	delay := c.settings.RetryPolicy.Next(env.DeviceID+":"+env.CorrelationID, attempt)
	next := env
	next.RetryCount = attempt + 1
	next.RetryDelayMs = delay.Milliseconds()

	if err := c.republish.Publish(ctx, broker.DLXExchange, broker.RoutingKeyRetry, next.ToTable(), body, delay.Milliseconds()); err != nil {
		return OutcomePoisoned, msg.Nack(true)
	}
	return OutcomeRetried, msg.Ack()
}

func (c *Consumer) publishToDLQ(ctx context.Context, env broker.Envelope, body []byte, reason string) error {
	final := env
	final.Error = reason
	final.FinalRetry = true
	return c.republish.Publish(ctx, broker.DLXExchange, broker.RoutingKeyDLQ, final.ToTable(), body, 0)
}
