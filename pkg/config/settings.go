package config

import (
	"fmt"
	"strings"
)

// Settings is the strongly-typed view of a service's merged configuration
// bundle, binding the keys every xrayiot service agrees on.
type Settings struct {
	Broker BrokerSettings `json:"broker"`
	Store  StoreSettings  `json:"store"`
	Repo   RepoSettings   `json:"repo"`
	Nonce  NonceSettings  `json:"nonce"`
	HMAC   HMACSettings   `json:"hmac"`
	Log    LogSettings    `json:"log"`
}

type BrokerSettings struct {
	URI          string `json:"uri"`
	Prefetch     int    `json:"prefetch"`
	HeartbeatSec int    `json:"heartbeatSec"`
	RetryMax     int    `json:"retryMax"`
}

type StoreSettings struct {
	Backend       string `json:"backend"` // "postgres" | "s3"
	PresignTTLSec int    `json:"presignTtlSec"`
}

type RepoSettings struct {
	URI string `json:"uri"`
	DB  string `json:"db"`
}

type NonceSettings struct {
	TTLSec int `json:"ttlSec"`
	Length int `json:"length"`
}

type HMACSettings struct {
	Algorithm             string `json:"algorithm"`
	TimestampToleranceSec int    `json:"timestampToleranceSec"`
	Secret                string `json:"secret"`
}

type LogSettings struct {
	Level string `json:"level"`
}

// BindSettings extracts a Settings struct from a merged config bundle,
// applying defaults for anything left unset. It never fails on missing
// keys -- callers validate with Validate() once bound.
func BindSettings(merged map[string]any) Settings {
	s := Settings{
		Broker: BrokerSettings{Prefetch: 16, HeartbeatSec: 10, RetryMax: 5},
		Store:  StoreSettings{Backend: "postgres", PresignTTLSec: 900},
		Nonce:  NonceSettings{TTLSec: 300, Length: 16},
		HMAC:   HMACSettings{Algorithm: "HMAC-SHA256", TimestampToleranceSec: 300},
		Log:    LogSettings{Level: "info"},
	}

	if b, ok := subMap(merged, "broker"); ok {
		s.Broker.URI = strOr(b, "uri", s.Broker.URI)
		s.Broker.Prefetch = intOr(b, "prefetch", s.Broker.Prefetch)
		s.Broker.HeartbeatSec = intOr(b, "heartbeatSec", s.Broker.HeartbeatSec)
		s.Broker.RetryMax = intOr(b, "retryMax", s.Broker.RetryMax)
	}
	if st, ok := subMap(merged, "store"); ok {
		s.Store.Backend = strOr(st, "backend", s.Store.Backend)
		s.Store.PresignTTLSec = intOr(st, "presignTtlSec", s.Store.PresignTTLSec)
	}
	if r, ok := subMap(merged, "repo"); ok {
		s.Repo.URI = strOr(r, "uri", s.Repo.URI)
		s.Repo.DB = strOr(r, "db", s.Repo.DB)
	}
	if n, ok := subMap(merged, "nonce"); ok {
		s.Nonce.TTLSec = intOr(n, "ttlSec", s.Nonce.TTLSec)
		s.Nonce.Length = intOr(n, "length", s.Nonce.Length)
	}
	if h, ok := subMap(merged, "hmac"); ok {
		s.HMAC.Algorithm = strOr(h, "algorithm", s.HMAC.Algorithm)
		s.HMAC.TimestampToleranceSec = intOr(h, "timestampToleranceSec", s.HMAC.TimestampToleranceSec)
		s.HMAC.Secret = strOr(h, "secret", s.HMAC.Secret)
	}
	if l, ok := subMap(merged, "log"); ok {
		s.Log.Level = strOr(l, "level", s.Log.Level)
	}

	return s
}

// Validate reports the first missing/invalid required field, if any.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Broker.URI) == "" {
		return fmt.Errorf("config: broker.uri is required")
	}
	if s.Broker.Prefetch <= 0 {
		return fmt.Errorf("config: broker.prefetch must be positive")
	}
	if strings.TrimSpace(s.Repo.URI) == "" {
		return fmt.Errorf("config: repo.uri is required")
	}
	if strings.TrimSpace(s.HMAC.Secret) == "" {
		return fmt.Errorf("config: hmac.secret is required")
	}
	switch s.Store.Backend {
	case "postgres", "s3":
	default:
		return fmt.Errorf("config: store.backend must be postgres or s3, got %q", s.Store.Backend)
	}
	if s.Nonce.TTLSec <= 0 {
		return fmt.Errorf("config: nonce.ttlSec must be positive")
	}
	return nil
}

func subMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[string]any)
	return sub, ok
}

func strOr(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func intOr(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
