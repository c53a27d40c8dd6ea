package nonce

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInMemoryStoreFirstClaimFresh(t *testing.T) {
	s := NewInMemoryStore()
	o, err := s.Claim(context.Background(), "d-01", "aabb", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if o != Fresh {
		t.Fatalf("expected Fresh on first claim, got %v", o)
	}
}

func TestInMemoryStoreSecondClaimReplayed(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_, _ = s.Claim(ctx, "d-01", "aabb", time.Minute)
	o, err := s.Claim(ctx, "d-01", "aabb", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if o != Replayed {
		t.Fatalf("expected Replayed on second claim, got %v", o)
	}
}

func TestInMemoryStoreExpiresAfterTTL(t *testing.T) {
	s := NewInMemoryStore()
	fakeNow := time.Unix(1_700_000_000, 0).UTC()
	s.now = func() time.Time { return fakeNow }

	ctx := context.Background()
	_, _ = s.Claim(ctx, "d-01", "aabb", time.Second)

	fakeNow = fakeNow.Add(2 * time.Second)
	o, err := s.Claim(ctx, "d-01", "aabb", time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if o != Fresh {
		t.Fatalf("expected Fresh after TTL expiry, got %v", o)
	}
}

// TestInMemoryStoreExactlyOneFreshUnderConcurrency exercises P5:
// concurrent claims with identical arguments must yield exactly one
// Fresh outcome.
func TestInMemoryStoreExactlyOneFreshUnderConcurrency(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	freshCount := 0

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			o, err := s.Claim(ctx, "d-01", "race", time.Minute)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if o == Fresh {
				mu.Lock()
				freshCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if freshCount != 1 {
		t.Fatalf("expected exactly 1 fresh claim, got %d", freshCount)
	}
}
