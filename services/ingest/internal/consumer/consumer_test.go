package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/breaker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/broker"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/codec"
	signerpkg "github.com/SinaVosooghi/xrayiot/services/ingest/internal/hmac"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/nonce"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/rawstore"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/repository"
	"github.com/SinaVosooghi/xrayiot/services/ingest/internal/retry"
)

type fakeMessage struct {
	body    []byte
	headers map[string]any

	mu       sync.Mutex
	acked    bool
	nacked   bool
	requeued bool
}

func (m *fakeMessage) Body() []byte            { return m.body }
func (m *fakeMessage) Headers() map[string]any { return m.headers }
func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}
func (m *fakeMessage) Nack(requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = true
	m.requeued = requeue
	return nil
}

type fakeRepublisher struct {
	mu    sync.Mutex
	calls []publishedCall
}

type publishedCall struct {
	exchange, routingKey string
	headers              map[string]any
	expirationMs         int64
}

func (r *fakeRepublisher) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte, expirationMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, publishedCall{exchange: exchange, routingKey: routingKey, headers: headers, expirationMs: expirationMs})
	return nil
}

type fakeRepo struct {
	mu        sync.Mutex
	byKey     map[string]repository.ProcessedSignal
	insertErr error
}

func newFakeRepo() *fakeRepo { return &fakeRepo{byKey: make(map[string]repository.ProcessedSignal)} }

func (r *fakeRepo) FindByIdempotencyKey(ctx context.Context, key string) (*repository.ProcessedSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byKey[key]; ok {
		return &s, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeRepo) Insert(ctx context.Context, record repository.ProcessedSignal) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return "", r.insertErr
	}
	if _, exists := r.byKey[record.IdempotencyKey]; exists {
		return "", repository.ErrDuplicateKey
	}
	r.byKey[record.IdempotencyKey] = record
	return "1", nil
}

const testSecret = "s3cr3t"

func signedMessage(t *testing.T, raw codec.RawSignal, deviceID, nonceHex string, retryCount int) *fakeMessage {
	t.Helper()
	body, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal raw: %v", err)
	}
	signer := signerpkg.NewSigner(testSecret, signerpkg.SHA256)
	now := time.Now().UTC()
	sig, err := signer.Sign(deviceID, body, now, nonceHex)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env := broker.Envelope{
		CorrelationID: "corr-1",
		Timestamp:     now,
		Service:       "ingest",
		SchemaVersion: "v1",
		DeviceID:      deviceID,
		HMACSignature: sig,
		TimestampAuth: now,
		Nonce:         nonceHex,
		Algorithm:     string(signerpkg.SHA256),
		RetryCount:    retryCount,
	}
	return &fakeMessage{body: body, headers: env.ToTable()}
}

func newTestConsumer(repo *fakeRepo, republish *fakeRepublisher, nonces nonce.Store) *Consumer {
	verifier := signerpkg.NewVerifier(testSecret, 300)
	raw := newFakeRawStore()
	breakers := breaker.NewRegistry(breaker.DefaultSettings())
	settings := Settings{NonceTTL: time.Minute, RetryPolicy: retry.Policy{MaxAttempts: 3, InitialDelayMs: 1000, MaxDelayMs: 60_000, Multiplier: 2, Jitter: false}}
	return New(verifier, nonces, raw, repo, breakers, republish, settings)
}

type fakeRawStore struct {
	mu    sync.Mutex
	blobs map[rawstore.Handle][]byte
}

func newFakeRawStore() *fakeRawStore { return &fakeRawStore{blobs: make(map[rawstore.Handle][]byte)} }

func (s *fakeRawStore) Put(ctx context.Context, raw []byte) (rawstore.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := rawstore.Handle("deadbeef")
	s.blobs[h] = raw
	return h, nil
}
func (s *fakeRawStore) OpenRead(ctx context.Context, h rawstore.Handle) (io.ReadCloser, error) {
	return nil, nil
}
func (s *fakeRawStore) Metadata(ctx context.Context, h rawstore.Handle) (rawstore.Metadata, error) {
	return rawstore.Metadata{}, nil
}
func (s *fakeRawStore) Delete(ctx context.Context, h rawstore.Handle) (bool, error) { return true, nil }
func (s *fakeRawStore) Exists(ctx context.Context, h rawstore.Handle) (bool, error) { return true, nil }
func (s *fakeRawStore) Stats(ctx context.Context) (rawstore.Stats, error)           { return rawstore.Stats{}, nil }

func validRaw(deviceID string) codec.RawSignal {
	return codec.RawSignal{
		DeviceID: deviceID,
		Time:     1735683480000,
		Data: []codec.DataPoint{
			{Timestamp: 762, Lat: 51.339764, Lon: 12.339223, Speed: 1.2},
			{Timestamp: 1766, Lat: 51.339777, Lon: 12.339212, Speed: 1.53},
		},
	}
}

func TestHandleMessageHappyPathStoresAndAcks(t *testing.T) {
	repo := newFakeRepo()
	republish := &fakeRepublisher{}
	c := newTestConsumer(repo, republish, nonce.NewInMemoryStore())
	msg := signedMessage(t, validRaw("d-01"), "d-01", "aabbccdd", 0)

	outcome, err := c.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeStored {
		t.Fatalf("expected stored, got %v", outcome)
	}
	if !msg.acked {
		t.Fatalf("expected message acked")
	}
	if len(repo.byKey) != 1 {
		t.Fatalf("expected one persisted record, got %d", len(repo.byKey))
	}
}

func TestHandleMessageDuplicateFingerprintAcksWithoutReinsert(t *testing.T) {
	repo := newFakeRepo()
	republish := &fakeRepublisher{}
	nonces := nonce.NewInMemoryStore()
	c := newTestConsumer(repo, republish, nonces)

	raw := validRaw("d-01")
	fp, err := codec.Fingerprint(raw)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	repo.byKey[fp] = repository.ProcessedSignal{IdempotencyKey: fp}

	msg := signedMessage(t, raw, "d-01", "1122aabb", 0)
	outcome, err := c.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %v", outcome)
	}
	if !msg.acked {
		t.Fatalf("expected duplicate message acked")
	}
}

func TestHandleMessageMissingHeadersIsPoisonedAndAcked(t *testing.T) {
	repo := newFakeRepo()
	republish := &fakeRepublisher{}
	c := newTestConsumer(repo, republish, nonce.NewInMemoryStore())
	msg := &fakeMessage{body: []byte(`{}`), headers: map[string]any{}}

	outcome, err := c.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomePoisoned {
		t.Fatalf("expected poisoned, got %v", outcome)
	}
	if !msg.acked {
		t.Fatalf("expected poisoned message acked (not requeued)")
	}
}

func TestHandleMessageTamperedSignatureRoutesToDLQ(t *testing.T) {
	repo := newFakeRepo()
	republish := &fakeRepublisher{}
	c := newTestConsumer(repo, republish, nonce.NewInMemoryStore())
	msg := signedMessage(t, validRaw("d-01"), "d-01", "aabbccdd", 0)
	msg.headers[broker.HeaderHMACSignature] = "00"

	outcome, err := c.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDLQ {
		t.Fatalf("expected dlq, got %v", outcome)
	}
	if len(republish.calls) != 1 || republish.calls[0].routingKey != broker.RoutingKeyDLQ {
		t.Fatalf("expected one publish to dlq routing key, got %+v", republish.calls)
	}
}

func TestHandleMessageReplayedNonceAcksWithoutProcessing(t *testing.T) {
	repo := newFakeRepo()
	republish := &fakeRepublisher{}
	nonces := nonce.NewInMemoryStore()
	raw := validRaw("d-01")

	c := newTestConsumer(repo, republish, nonces)
	first := signedMessage(t, raw, "d-01", "cafe1234", 0)
	if _, err := c.HandleMessage(context.Background(), first); err != nil {
		t.Fatalf("first message: %v", err)
	}

	second := signedMessage(t, raw, "d-01", "cafe1234", 0)
	outcome, err := c.HandleMessage(context.Background(), second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeReplayedNonce {
		t.Fatalf("expected replayed_nonce, got %v", outcome)
	}
	if !second.acked {
		t.Fatalf("expected replayed message acked")
	}
}

func TestHandleMessageTransientRepositoryFailureRepublishesWithIncrementedRetryCount(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErr = errors.New("connection reset")
	republish := &fakeRepublisher{}
	c := newTestConsumer(repo, republish, nonce.NewInMemoryStore())
	msg := signedMessage(t, validRaw("d-01"), "d-01", "deadbeef", 2)

	outcome, err := c.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeRetried {
		t.Fatalf("expected retried, got %v", outcome)
	}
	if len(republish.calls) != 1 || republish.calls[0].routingKey != broker.RoutingKeyRetry {
		t.Fatalf("expected one publish to retry routing key, got %+v", republish.calls)
	}
	env, ok := broker.FromTable(republish.calls[0].headers)
	if !ok || env.RetryCount != 3 {
		t.Fatalf("expected x-retry-count=3, got %+v ok=%v", env, ok)
	}
	if !msg.acked {
		t.Fatalf("expected original message acked after republish")
	}
}

func TestHandleMessageExhaustedRetriesRoutesToDLQWithFinalRetryFlag(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErr = errors.New("connection reset")
	republish := &fakeRepublisher{}
	c := newTestConsumer(repo, republish, nonce.NewInMemoryStore())
	// MaxAttempts=3: an incoming x-retry-count of 3 has exhausted its budget.
	msg := signedMessage(t, validRaw("d-01"), "d-01", "deadbeef", 3)

	outcome, err := c.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDLQ {
		t.Fatalf("expected dlq, got %v", outcome)
	}
	if len(republish.calls) != 1 || republish.calls[0].routingKey != broker.RoutingKeyDLQ {
		t.Fatalf("expected one publish to dlq routing key, got %+v", republish.calls)
	}
	env, ok := broker.FromTable(republish.calls[0].headers)
	if !ok || !env.FinalRetry {
		t.Fatalf("expected x-final-retry=true, got %+v ok=%v", env, ok)
	}
}
