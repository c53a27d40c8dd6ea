// Package codec implements the MessageCodec component: structural
// validation, canonical-form normalization, and fingerprint derivation
// for inbound RawSignal payloads.
//
// The idempotency contract (§4.1 of the spec) holds only if two
// logically identical payloads produce the same fingerprint; canonical
// encoding therefore lives here, not as an optional optimization bolted
// on later.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/SinaVosooghi/xrayiot/pkg/canonical"
)

const (
	MaxDeviceIDLen = 100
	MinDeviceIDLen = 1
	MaxDataPoints  = 100_000

	minLat, maxLat     = -90, 90
	minLon, maxLon     = -180, 180
	minSpeed, maxSpeed = 0, 1000
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DataPoint is a single telemetry sample.
type DataPoint struct {
	Timestamp int64   `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Speed     float64 `json:"speed"`
}

// UnmarshalJSON accepts both the canonical object form
// {timestamp,lat,lon,speed} and the legacy tuple form
// [timestamp, [lat, lon, speed]], per the spec's Open Question on
// DataPoint encoding: the tuple form is accepted for backward
// compatibility but is never re-emitted.
func (d *DataPoint) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		var tuple [2]json.RawMessage
		if err := json.Unmarshal(b, &tuple); err != nil {
			return fmt.Errorf("codec: malformed data point tuple: %w", err)
		}
		var ts int64
		if err := json.Unmarshal(tuple[0], &ts); err != nil {
			return fmt.Errorf("codec: malformed data point timestamp: %w", err)
		}
		var latLonSpeed [3]float64
		if err := json.Unmarshal(tuple[1], &latLonSpeed); err != nil {
			return fmt.Errorf("codec: malformed data point lat/lon/speed: %w", err)
		}
		d.Timestamp = ts
		d.Lat = latLonSpeed[0]
		d.Lon = latLonSpeed[1]
		d.Speed = latLonSpeed[2]
		return nil
	}
	type alias DataPoint
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*d = DataPoint(a)
	return nil
}

// RawSignal is the inbound device payload.
type RawSignal struct {
	DeviceID string      `json:"deviceId"`
	Time     int64       `json:"time"`
	Data     []DataPoint `json:"data"`
}

// Issue is a single validation failure.
type Issue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries one or more structural/range issues.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "codec: validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", iss.Field, iss.Reason))
	}
	return "codec: validation failed: " + strings.Join(parts, "; ")
}

// Now is overridable for deterministic tests.
var Now = func() time.Time { return time.Now().UTC() }

// Validate performs structural and range checks per §3 of the spec.
// Every distinct problem is reported as a separate Issue rather than
// failing fast on the first one, so callers can surface a complete
// picture in logs or DLQ headers.
func Validate(raw RawSignal) error {
	var issues []Issue

	id := raw.DeviceID
	switch {
	case len(id) < MinDeviceIDLen || len(id) > MaxDeviceIDLen:
		issues = append(issues, Issue{Field: "deviceId", Reason: "length must be 1..100"})
	case !deviceIDPattern.MatchString(id):
		issues = append(issues, Issue{Field: "deviceId", Reason: "must match [A-Za-z0-9_-]+"})
	}

	nowMs := Now().UnixMilli()
	oneYearMs := int64(365 * 24 * time.Hour / time.Millisecond)
	if raw.Time < 0 || raw.Time > nowMs+oneYearMs {
		issues = append(issues, Issue{Field: "time", Reason: "must be within [0, now+1y] ms"})
	}

	if len(raw.Data) == 0 {
		issues = append(issues, Issue{Field: "data", Reason: "must not be empty"})
	}
	if len(raw.Data) > MaxDataPoints {
		issues = append(issues, Issue{Field: "data", Reason: "exceeds max data point count"})
	}

	for i, p := range raw.Data {
		if !finite(p.Timestamp) {
			issues = append(issues, Issue{Field: fmt.Sprintf("data[%d].timestamp", i), Reason: "must be finite"})
		}
		if !isFiniteFloat(p.Lat) || p.Lat < minLat || p.Lat > maxLat {
			issues = append(issues, Issue{Field: fmt.Sprintf("data[%d].lat", i), Reason: "must be finite within -90..90"})
		}
		if !isFiniteFloat(p.Lon) || p.Lon < minLon || p.Lon > maxLon {
			issues = append(issues, Issue{Field: fmt.Sprintf("data[%d].lon", i), Reason: "must be finite within -180..180"})
		}
		if !isFiniteFloat(p.Speed) || p.Speed < minSpeed || p.Speed > maxSpeed {
			issues = append(issues, Issue{Field: fmt.Sprintf("data[%d].speed", i), Reason: "must be finite within 0..1000"})
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func finite(i int64) bool { return true } // int64 is always finite; kept for symmetry with the float checks

func isFiniteFloat(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// dataPointsToAny converts the ordered DataPoint slice into the
// canonical-encoder's accepted universe while preserving array order.
func dataPointsToAny(points []DataPoint) []any {
	out := make([]any, 0, len(points))
	for _, p := range points {
		out = append(out, map[string]any{
			"timestamp": p.Timestamp,
			"lat":       p.Lat,
			"lon":       p.Lon,
			"speed":     p.Speed,
		})
	}
	return out
}

// Normalize returns the deterministic canonical-form bytes of raw. Any
// insertion order of the original JSON object's keys yields
// byte-identical output; DataPoint order within data is preserved.
func Normalize(raw RawSignal) ([]byte, error) {
	return canonical.Bytes(map[string]any{
		"deviceId": raw.DeviceID,
		"time":     raw.Time,
		"data":     dataPointsToAny(raw.Data),
	})
}

// Fingerprint returns the sha256 hex digest over the canonical form of
// {deviceId, time, data}. This is the idempotency key (§4.1, §4.5).
func Fingerprint(raw RawSignal) (string, error) {
	return canonical.SHA256Hex(map[string]any{
		"deviceId": raw.DeviceID,
		"time":     raw.Time,
		"data":     dataPointsToAny(raw.Data),
	})
}
