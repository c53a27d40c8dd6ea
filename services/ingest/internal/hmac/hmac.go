// Package hmac implements HmacSigner / HmacVerifier: deterministic
// signatures over (deviceId, timestamp, nonce, payload-hash) with
// constant-time verification (§4.2).
package hmac

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Algorithm is one of the two supported HMAC digests.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) newHash() (func() hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrAlgorithmMismatch, a)
	}
}

// Reason identifies why HmacVerifier.Verify failed.
type Reason string

const (
	ReasonAlgorithmMismatch Reason = "algorithm_mismatch"
	ReasonTimestampSkew     Reason = "timestamp_skew"
	ReasonNonceFormat       Reason = "nonce_format"
	ReasonSignatureMismatch Reason = "signature_mismatch"
)

var (
	ErrAlgorithmMismatch = errors.New("hmac: unsupported algorithm")
	ErrTimestampSkew     = errors.New("hmac: timestamp skew exceeds tolerance")
	ErrNonceFormat       = errors.New("hmac: malformed nonce")
	ErrSignatureMismatch = errors.New("hmac: signature mismatch")
)

// VerifyError wraps the specific reason for a failed verification.
type VerifyError struct {
	Reason Reason
	Err    error
}

func (e *VerifyError) Error() string { return e.Err.Error() }
func (e *VerifyError) Unwrap() error { return e.Err }

var hexNoncePattern = regexp.MustCompile(`^[0-9a-f]+$`)

// Signer computes signatures over a fixed secret.
type Signer struct {
	secret    []byte
	algorithm Algorithm
}

func NewSigner(secret string, algorithm Algorithm) *Signer {
	return &Signer{secret: []byte(secret), algorithm: algorithm}
}

// Sign computes HMAC(secret, canonicalParams) where canonicalParams is
// the sorted "key=value" concatenation joined by "&":
//
//	algorithm=…&deviceId=…&nonce=…&payload=<hashHex>&timestamp=…
//
// payload is the raw payload bytes; Sign first HMACs them under the same
// secret and uses that hex digest as the payload field, so the base string
// is fixed-length.
func (s *Signer) Sign(deviceID string, payload []byte, timestamp time.Time, nonce string) (string, error) {
	newHash, err := s.algorithm.newHash()
	if err != nil {
		return "", err
	}
	payloadHashHex, err := hmacHashHex(newHash, s.secret, payload)
	if err != nil {
		return "", err
	}
	base := canonicalParams(s.algorithm, deviceID, nonce, payloadHashHex, timestamp)
	mac := hmac.New(newHash, s.secret)
	_, _ = mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// PayloadHash returns HMAC(secret, rawBytes) hex-encoded, the "payload"
// term fed into Sign/Verify's canonical base string.
func (s *Signer) PayloadHash(raw []byte) (string, error) {
	newHash, err := s.algorithm.newHash()
	if err != nil {
		return "", err
	}
	return hmacHashHex(newHash, s.secret, raw)
}

// Verifier checks signatures against a clock-tolerance window.
type Verifier struct {
	secret               []byte
	timestampToleranceSec int64
	now                  func() time.Time
}

func NewVerifier(secret string, timestampToleranceSec int64) *Verifier {
	return &Verifier{secret: []byte(secret), timestampToleranceSec: timestampToleranceSec, now: func() time.Time { return time.Now().UTC() }}
}

// PayloadHash returns HMAC(secret, rawBytes) hex-encoded under the given
// algorithm, mirroring Signer.PayloadHash so a Verifier can derive the
// "payload" term itself without holding a separate Signer.
func (v *Verifier) PayloadHash(raw []byte, algorithm Algorithm) (string, error) {
	newHash, err := algorithm.newHash()
	if err != nil {
		return "", err
	}
	return hmacHashHex(newHash, v.secret, raw)
}

// Verify recomputes the signature for the given inputs and constant-time
// compares it against signature. rawPayloadHash must already be the
// payload field (HMAC of the raw bytes, hex) as produced by
// Signer.PayloadHash.
func (v *Verifier) Verify(deviceID string, rawPayloadHashHex string, signature string, timestamp time.Time, nonce string, algorithm Algorithm) error {
	if algorithm != SHA256 && algorithm != SHA512 {
		return &VerifyError{Reason: ReasonAlgorithmMismatch, Err: fmt.Errorf("%w: %q", ErrAlgorithmMismatch, algorithm)}
	}
	if !hexNoncePattern.MatchString(strings.ToLower(nonce)) || nonce == "" {
		return &VerifyError{Reason: ReasonNonceFormat, Err: ErrNonceFormat}
	}
	delta := v.now().Sub(timestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta.Seconds() > float64(v.timestampToleranceSec) {
		return &VerifyError{Reason: ReasonTimestampSkew, Err: ErrTimestampSkew}
	}

	newHash, err := algorithm.newHash()
	if err != nil {
		return &VerifyError{Reason: ReasonAlgorithmMismatch, Err: err}
	}
	base := canonicalParams(algorithm, deviceID, nonce, rawPayloadHashHex, timestamp)
	mac := hmac.New(newHash, v.secret)
	_, _ = mac.Write([]byte(base))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil || subtle.ConstantTimeCompare(expected, got) != 1 {
		return &VerifyError{Reason: ReasonSignatureMismatch, Err: ErrSignatureMismatch}
	}
	return nil
}

func hmacHashHex(newHash func() hash.Hash, secret, data []byte) (string, error) {
	mac := hmac.New(newHash, secret)
	if _, err := mac.Write(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func canonicalParams(algorithm Algorithm, deviceID, nonce, payloadHashHex string, timestamp time.Time) string {
	params := map[string]string{
		"algorithm": string(algorithm),
		"deviceId":  deviceID,
		"nonce":     nonce,
		"payload":   payloadHashHex,
		"timestamp": strconv.FormatInt(timestamp.UTC().Unix(), 10),
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
