package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePool struct {
	stopCalled bool
	drainArg   bool
	err        error
}

func (p *fakePool) Stop(ctx context.Context, drain bool) error {
	p.stopCalled = true
	p.drainArg = drain
	return p.err
}

type fakeCloser struct {
	closed bool
	err    error
}

func (c *fakeCloser) Close() error {
	c.closed = true
	return c.err
}

func TestShutdownCancelsIntakeBeforeDraining(t *testing.T) {
	pool := &fakePool{}
	canceled := false
	cancel := func() { canceled = true }
	c := New(pool, cancel, nil, Options{GracePeriod: time.Second})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canceled {
		t.Fatalf("expected intake cancel to be called")
	}
	if !pool.stopCalled || !pool.drainArg {
		t.Fatalf("expected pool.Stop called with drain=true")
	}
}

func TestShutdownClosesAllHandlesEvenIfOneFails(t *testing.T) {
	pool := &fakePool{}
	closerA := &fakeCloser{err: errors.New("close failed")}
	closerB := &fakeCloser{}
	c := New(pool, nil, []Closer{closerA, closerB}, Options{GracePeriod: time.Second})

	err := c.Shutdown(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error from failed closer")
	}
	if !closerA.closed || !closerB.closed {
		t.Fatalf("expected both closers invoked regardless of the first's error")
	}
}

func TestShutdownSurfacesPoolDrainTimeout(t *testing.T) {
	pool := &fakePool{err: context.DeadlineExceeded}
	c := New(pool, nil, nil, Options{GracePeriod: time.Millisecond})

	err := c.Shutdown(context.Background())
	if err == nil {
		t.Fatalf("expected error when pool drain reports a timeout")
	}
}
