// Package dlq implements DLQReplayer (§4.11): pulls parked messages off
// the dead-letter queue, recomputes a fresh backoff delay from the
// message's own retry count, and republishes them to the retry
// exchange — or leaves them parked when replay itself fails. A single
// replay runs at a time; a concurrent call observes ErrBusy rather than
// racing the first.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
)

// ErrBusy surfaces as the consumer-facing DLQBusy condition (§7): a
// replay is already in flight.
var ErrBusy = errors.New("dlq: replay already running")

const (
	baseDelayMs = 60_000
	maxDelayMs  = 300_000
)

// Message is the minimal broker-delivery contract the replayer needs,
// identical in shape to consumer.Message so both can share a single
// amqp091-go delivery adapter.
type Message interface {
	Body() []byte
	Headers() map[string]any
	Ack() error
	Nack(requeue bool) error
}

// Source peeks messages off the DLQ queue and reports its depth. Get
// removes the message from the queue; callers must Nack(true) to put it
// back if they decide not to consume it.
type Source interface {
	Get(ctx context.Context) (msg Message, ok bool, err error)
	Len(ctx context.Context) (int64, error)
}

// Republisher sends a message to the retry exchange with a per-message
// expiration. Identical contract to consumer.Republisher.
type Republisher interface {
	Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte, expirationMs int64) error
}

// Result is the outcome of a single Replay call.
type Result struct {
	Replayed int `json:"replayed"`
	Parked   int `json:"parked"`
}

// Stats summarizes the current DLQ depth.
type Stats struct {
	Count                int64      `json:"count"`
	OldestMessageTimestamp *time.Time `json:"oldestMessageTimestamp,omitempty"`
}

// Replayer is the DLQReplayer component.
type Replayer struct {
	source      Source
	republish   Republisher
	maxAttempts int

	mu      sync.Mutex
	running bool
}

// defaultMaxAttempts mirrors retry.DefaultPolicy().MaxAttempts; callers
// that care about a specific limit should pass it explicitly via
// NewWithMaxAttempts, wired from pkg/config.Settings.Broker.RetryMax.
const defaultMaxAttempts = 5

func New(source Source, republish Republisher) *Replayer {
	return NewWithMaxAttempts(source, republish, defaultMaxAttempts)
}

// NewWithMaxAttempts constructs a Replayer whose permanent-park decision
// (§4.11) uses maxAttempts instead of the default. maxAttempts <= 0 falls
// back to defaultMaxAttempts.
func NewWithMaxAttempts(source Source, republish Republisher, maxAttempts int) *Replayer {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Replayer{source: source, republish: republish, maxAttempts: maxAttempts}
}

// Replay pops up to limit messages from the DLQ. A message whose
// x-retry-count is already >= maxAttempts is permanently parked
// (nacked without requeue, per §4.11) rather than replayed again.
// Otherwise its delay is recomputed per §4.11's formula
// (delay = min(60_000 * 2^retryCount, 300_000)) and it is republished to
// the retry exchange. A message that fails to republish is nacked back
// onto the DLQ and counted as parked rather than lost.
func (r *Replayer) Replay(ctx context.Context, limit int) (Result, error) {
	if limit <= 0 {
		limit = 1
	}
	if !r.tryLock() {
		return Result{}, ErrBusy
	}
	defer r.unlock()

	var res Result
	for i := 0; i < limit; i++ {
		msg, ok, err := r.source.Get(ctx)
		if err != nil {
			return res, fmt.Errorf("dlq: get: %w", err)
		}
		if !ok {
			break
		}

		env, headersOK := broker.FromTable(msg.Headers())
		if !headersOK {
			// Poisoned beyond recovery: drop rather than loop forever.
			_ = msg.Ack()
			res.Parked++
			continue
		}

		if env.RetryCount >= r.maxAttempts {
			// Exhausted: remains permanently parked in the DLQ.
			_ = msg.Nack(false)
			res.Parked++
			continue
		}

		delay := delayFor(env.RetryCount)
		next := env
		next.RetryCount = env.RetryCount + 1
		next.RetryDelayMs = delay.Milliseconds()
		next.Error = ""
		next.FinalRetry = false

		if err := r.republish.Publish(ctx, broker.DLXExchange, broker.RoutingKeyRetry, next.ToTable(), msg.Body(), delay.Milliseconds()); err != nil {
			_ = msg.Nack(true)
			res.Parked++
			continue
		}
		_ = msg.Ack()
		res.Replayed++
	}
	return res, nil
}

// Stats reports the DLQ's current depth and the age of its oldest
// message, peeking the head without permanently consuming it.
func (r *Replayer) Stats(ctx context.Context) (Stats, error) {
	count, err := r.source.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dlq: len: %w", err)
	}
	out := Stats{Count: count}
	if count == 0 {
		return out, nil
	}

	msg, ok, err := r.source.Get(ctx)
	if err != nil {
		return out, fmt.Errorf("dlq: peek: %w", err)
	}
	if !ok {
		return out, nil
	}
	defer func() { _ = msg.Nack(true) }()

	if env, headersOK := broker.FromTable(msg.Headers()); headersOK {
		ts := env.Timestamp
		out.OldestMessageTimestamp = &ts
	}
	return out, nil
}

func delayFor(retryCount int) time.Duration {
	shift := retryCount
	if shift < 0 {
		shift = 0
	}
	if shift > 12 { // 60_000 << 12 already far exceeds maxDelayMs; avoids a huge/overflowing shift
		shift = 12
	}
	ms := baseDelayMs << uint(shift) // 60_000 * 2^retryCount
	if ms > maxDelayMs {
		ms = maxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Replayer) tryLock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Replayer) unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}
