package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteTripsAfterThreshold(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 2, OpenTimeout: 50 * time.Millisecond})
	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	_ = r.Execute(context.Background(), "op", fail)
	_ = r.Execute(context.Background(), "op", fail)

	err := r.Execute(context.Background(), "op", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after threshold failures, got %v", err)
	}
}

func TestExecuteHalfOpenRecoversToClosed(t *testing.T) {
	r := NewRegistry(Settings{Threshold: 1, OpenTimeout: 10 * time.Millisecond})
	boom := errors.New("boom")
	_ = r.Execute(context.Background(), "op", func(ctx context.Context) error { return boom })

	time.Sleep(20 * time.Millisecond)

	if err := r.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected half-open trial to succeed, got %v", err)
	}
	if err := r.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected closed state to allow calls, got %v", err)
	}
}
