package retry

import "testing"

func TestNextFloorsAt100ms(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelayMs: 1, MaxDelayMs: 60_000, Multiplier: 1.0, Jitter: false}
	if d := p.Next("msg-1", 0); d.Milliseconds() < 100 {
		t.Fatalf("expected floor of 100ms, got %v", d)
	}
}

func TestNextBoundedAboveByMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialDelayMs: 1000, MaxDelayMs: 5000, Multiplier: 10.0, Jitter: false}
	if d := p.Next("msg-1", 5); d.Milliseconds() > 5000 {
		t.Fatalf("expected delay capped at maxDelayMs, got %v", d)
	}
}

func TestNextDeterministicForSameKeyAndAttempt(t *testing.T) {
	p := DefaultPolicy()
	a := p.Next("msg-x", 2)
	b := p.Next("msg-x", 2)
	if a != b {
		t.Fatalf("expected deterministic delay, got %v vs %v", a, b)
	}
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if !p.ShouldRetry(0) || !p.ShouldRetry(2) {
		t.Fatalf("expected retry allowed below max attempts")
	}
	if p.ShouldRetry(3) {
		t.Fatalf("expected no retry at attempt == maxAttempts")
	}
}
