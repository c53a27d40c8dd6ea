// Package retry implements the RetryPolicy half of §4.7: exponential
// backoff with deterministic jitter, keyed by message identity so the
// same (message, attempt) pair always yields the same delay.
package retry

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

const floorDelay = 100 * time.Millisecond

// Policy holds the backoff parameters named in §6's configuration keys.
type Policy struct {
	MaxAttempts    int
	InitialDelayMs int64
	MaxDelayMs     int64
	Multiplier     float64
	Jitter         bool
}

// DefaultPolicy mirrors the scenario-6 defaults from §8 (maxAttempts=3 is
// scenario-specific; the package default here is a more conservative
// general-purpose setting, overridden by services/ingest's Settings).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelayMs: 1000,
		MaxDelayMs:     60_000,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Next computes the delay for attempt a (0-indexed, per §4.7):
//
//	min(initialDelayMs * multiplier^a, maxDelayMs)
//
// bounded below by 100ms; jitter, when enabled, is a deterministic
// ±20% uniform perturbation keyed by messageKey+attempt so that replays
// in tests are reproducible.
func (p Policy) Next(messageKey string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := p.InitialDelayMs
	if initial <= 0 {
		initial = 1000
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 2.0
	}
	maxDelay := p.MaxDelayMs
	if maxDelay <= 0 {
		maxDelay = 60_000
	}

	raw := float64(initial) * math.Pow(mult, float64(attempt))
	if raw > float64(maxDelay) {
		raw = float64(maxDelay)
	}

	delay := time.Duration(raw) * time.Millisecond
	if delay < floorDelay {
		delay = floorDelay
	}

	if !p.Jitter {
		return delay
	}

	x := deterministicUnitInterval(messageKey, attempt)*2.0 - 1.0 // map [0,1) -> [-1,1)
	jittered := time.Duration(float64(delay) * (1.0 + x*0.20))
	if jittered < floorDelay {
		jittered = floorDelay
	}
	maxD := time.Duration(maxDelay) * time.Millisecond
	if jittered > maxD {
		jittered = maxD
	}
	return jittered
}

// ShouldRetry reports whether attempt (0-indexed, the attempt about to be
// made) is still within MaxAttempts.
func (p Policy) ShouldRetry(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt < p.MaxAttempts
}

func deterministicUnitInterval(key string, attempt int) float64 {
	k := strings.TrimSpace(key)
	if k == "" {
		k = "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(k))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d", attempt)))
	sum := h.Sum64()
	return float64(sum%1_000_000) / 1_000_000.0
}
