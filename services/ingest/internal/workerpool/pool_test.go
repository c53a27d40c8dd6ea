package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(2, 8, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(context.Background(), "t", func(ctx context.Context) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for count.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count.Load() != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", count.Load())
	}
	if err := p.Stop(context.Background(), true); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestCancelingStartContextStopsWorkersWithoutExplicitStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(1, 4, nil)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := make(chan struct{})
	blocked := make(chan struct{})
	if err := p.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(blocked)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	cancel()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatalf("expected worker context to be canceled when the Start context is canceled")
	}
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	p := NewPool(1, 2, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(context.Background(), false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected submit after stop to be rejected")
	}
}
