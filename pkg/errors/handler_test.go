package errors

import "testing"

func TestNewEnvelopeUnknownCodeFallsBackToInternal(t *testing.T) {
	env := NewEnvelope(Code("bogus.code"), "boom", "req-1", "trace-1", nil)
	if env.Error.Code != Internal {
		t.Fatalf("expected fallback to Internal, got %s", env.Error.Code)
	}
	if !env.Error.Retryable {
		t.Fatalf("expected Internal to be retryable")
	}
}

func TestNewEnvelopeDetailsSortedAndBounded(t *testing.T) {
	details := map[string]any{"b": 1, "a": 2}
	env := NewEnvelope(ValidationInvalid, "bad payload", "", "", details)
	if len(env.Error.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(env.Error.Details))
	}
	if env.Error.Details[0].K != "a" || env.Error.Details[1].K != "b" {
		t.Fatalf("expected sorted detail keys, got %+v", env.Error.Details)
	}
}

func TestHTTPStatusForKnownAndUnknown(t *testing.T) {
	if HTTPStatusFor(SignalNotFound) != 404 {
		t.Fatalf("expected 404 for SignalNotFound")
	}
	if HTTPStatusFor(Code("nope")) != 500 {
		t.Fatalf("expected 500 fallback for unknown code")
	}
}
