// Package nonce implements NonceStore (§4.3): a bounded-lifetime set of
// (deviceId, nonce) pairs with an atomic claim-if-absent operation,
// backed by Redis so claims survive process restarts.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome is the result of a Claim call.
type Outcome int

const (
	Fresh Outcome = iota
	Replayed
)

// ErrUnavailable surfaces as the consumer's retryable
// nonce_check_unavailable condition (§4.3, §7).
var ErrUnavailable = errors.New("nonce: store unavailable")

// Store is the NonceStore contract.
type Store interface {
	Claim(ctx context.Context, deviceID, nonceHex string, ttl time.Duration) (Outcome, error)
}

// RedisStore backs Claim with Redis SETNX, which is atomic server-side:
// two concurrent calls for the same key race on a single SET...NX and
// exactly one observes "set", satisfying P5.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "xrayiot:nonce"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(deviceID, nonceHex string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, deviceID, nonceHex)
}

func (s *RedisStore) Claim(ctx context.Context, deviceID, nonceHex string, ttl time.Duration) (Outcome, error) {
	ok, err := s.client.SetNX(ctx, s.key(deviceID, nonceHex), "1", ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return Fresh, nil
	}
	return Replayed, nil
}

// InMemoryStore is an in-process implementation acceptable only for
// tests, per §4.3's explicit carve-out.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]time.Time), now: func() time.Time { return time.Now().UTC() }}
}

func (s *InMemoryStore) Claim(ctx context.Context, deviceID, nonceHex string, ttl time.Duration) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceID + ":" + nonceHex
	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return Replayed, nil
	}
	s.entries[key] = now.Add(ttl)
	return Fresh, nil
}
