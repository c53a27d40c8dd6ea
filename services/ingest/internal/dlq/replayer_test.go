package dlq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
)

type fakeDLQMessage struct {
	body    []byte
	headers map[string]any
	acked   bool
	nacked  bool
}

func (m *fakeDLQMessage) Body() []byte            { return m.body }
func (m *fakeDLQMessage) Headers() map[string]any { return m.headers }
func (m *fakeDLQMessage) Ack() error               { m.acked = true; return nil }
func (m *fakeDLQMessage) Nack(requeue bool) error  { m.nacked = true; return nil }

type fakeSource struct {
	mu    sync.Mutex
	queue []*fakeDLQMessage
}

func (s *fakeSource) Get(ctx context.Context) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false, nil
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true, nil
}

func (s *fakeSource) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

type fakeRepublisher struct {
	mu    sync.Mutex
	calls []map[string]any
	err   error
}

func (r *fakeRepublisher) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte, expirationMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, headers)
	return nil
}

func messageWithRetryCount(retryCount int) *fakeDLQMessage {
	env := broker.Envelope{
		CorrelationID: "corr-1",
		Timestamp:     time.Unix(1_700_000_000, 0).UTC(),
		Service:       "ingest",
		SchemaVersion: "v1",
		DeviceID:      "d-01",
		HMACSignature: "sig",
		TimestampAuth: time.Unix(1_700_000_000, 0).UTC(),
		Nonce:         "aabb",
		Algorithm:     "sha256",
		RetryCount:    retryCount,
		Error:         "transport.error",
		FinalRetry:    true,
	}
	return &fakeDLQMessage{body: []byte(`{"deviceId":"d-01"}`), headers: env.ToTable()}
}

func TestReplayRecomputesDelayFromRetryCount(t *testing.T) {
	src := &fakeSource{queue: []*fakeDLQMessage{messageWithRetryCount(2)}}
	pub := &fakeRepublisher{}
	r := New(src, pub)

	res, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replayed != 1 || res.Parked != 0 {
		t.Fatalf("expected {replayed:1 parked:0}, got %+v", res)
	}
	env, ok := broker.FromTable(pub.calls[0])
	if !ok {
		t.Fatalf("expected valid headers on republish")
	}
	if env.RetryCount != 3 {
		t.Fatalf("expected x-retry-count=3, got %d", env.RetryCount)
	}
	if env.RetryDelayMs != 240_000 {
		t.Fatalf("expected x-retry-delay=240000 (60000*2^2), got %d", env.RetryDelayMs)
	}
}

func TestReplayRespectsLimit(t *testing.T) {
	src := &fakeSource{queue: []*fakeDLQMessage{messageWithRetryCount(0), messageWithRetryCount(0), messageWithRetryCount(0)}}
	pub := &fakeRepublisher{}
	r := New(src, pub)

	res, err := r.Replay(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replayed != 2 {
		t.Fatalf("expected 2 replayed, got %d", res.Replayed)
	}
	remaining, _ := src.Len(context.Background())
	if remaining != 1 {
		t.Fatalf("expected 1 message left parked in queue, got %d", remaining)
	}
}

func TestReplayParksMessageOnRepublishFailure(t *testing.T) {
	src := &fakeSource{queue: []*fakeDLQMessage{messageWithRetryCount(0)}}
	pub := &fakeRepublisher{err: errors.New("broker unavailable")}
	r := New(src, pub)

	res, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replayed != 0 || res.Parked != 1 {
		t.Fatalf("expected {replayed:0 parked:1}, got %+v", res)
	}
}

func TestReplayParksMessagePermanentlyWhenRetryCountExhausted(t *testing.T) {
	msg := messageWithRetryCount(3)
	src := &fakeSource{queue: []*fakeDLQMessage{msg}}
	pub := &fakeRepublisher{}
	r := NewWithMaxAttempts(src, pub, 3)

	res, err := r.Replay(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replayed != 0 || res.Parked != 1 {
		t.Fatalf("expected {replayed:0 parked:1}, got %+v", res)
	}
	if len(pub.calls) != 0 {
		t.Fatalf("expected no republish once retry count reaches maxAttempts")
	}
	if !msg.nacked {
		t.Fatalf("expected message nacked without requeue")
	}
}

func TestReplayRejectsConcurrentRun(t *testing.T) {
	src := &fakeSource{queue: []*fakeDLQMessage{}}
	pub := &fakeRepublisher{}
	r := New(src, pub)
	if !r.tryLock() {
		t.Fatalf("expected initial lock to succeed")
	}
	defer r.unlock()

	_, err := r.Replay(context.Background(), 1)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestStatsReportsCountAndOldestTimestampWithoutConsuming(t *testing.T) {
	msg := messageWithRetryCount(1)
	src := &fakeSource{queue: []*fakeDLQMessage{msg}}
	pub := &fakeRepublisher{}
	r := New(src, pub)

	stats, err := r.Stats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("expected count=1, got %d", stats.Count)
	}
	if stats.OldestMessageTimestamp == nil {
		t.Fatalf("expected oldest timestamp to be set")
	}
	if !msg.nacked {
		t.Fatalf("expected peeked message nacked back onto the queue (peek, not consume)")
	}
}
