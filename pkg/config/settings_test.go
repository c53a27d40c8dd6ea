package config

import "testing"

func TestBindSettingsAppliesDefaults(t *testing.T) {
	s := BindSettings(map[string]any{})
	if s.Broker.Prefetch != 16 {
		t.Fatalf("expected default prefetch 16, got %d", s.Broker.Prefetch)
	}
	if s.Store.Backend != "postgres" {
		t.Fatalf("expected default backend postgres, got %s", s.Store.Backend)
	}
}

func TestBindSettingsOverridesFromMerged(t *testing.T) {
	merged := map[string]any{
		"broker": map[string]any{"uri": "amqp://guest@broker", "prefetch": 32},
		"hmac":   map[string]any{"secret": "topsecret"},
		"repo":   map[string]any{"uri": "postgres://db"},
	}
	s := BindSettings(merged)
	if s.Broker.URI != "amqp://guest@broker" || s.Broker.Prefetch != 32 {
		t.Fatalf("unexpected broker settings: %+v", s.Broker)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid settings, got %v", err)
	}
}

func TestSettingsValidateRejectsMissingRequired(t *testing.T) {
	s := BindSettings(map[string]any{})
	if err := s.Validate(); err == nil {
		t.Fatalf("expected validation error for empty settings")
	}
}
