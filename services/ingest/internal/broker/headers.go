package broker

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names, bit-exact per §4.8.
const (
	HeaderCorrelationID  = "x-correlation-id"
	HeaderTimestamp      = "x-timestamp"
	HeaderService        = "x-service"
	HeaderSchemaVersion  = "x-schema-version"
	HeaderDeviceID       = "x-device-id"
	HeaderHMACSignature  = "x-hmac-signature"
	HeaderTimestampAuth  = "x-timestamp-auth"
	HeaderNonce          = "x-nonce"
	HeaderAlgorithm      = "x-algorithm"
	HeaderRetryCount     = "x-retry-count"
	HeaderRetryDelay     = "x-retry-delay"
	HeaderError          = "x-error"
	HeaderFinalRetry     = "x-final-retry"
)

// Envelope is the set of headers attached to every publish (§4.8).
type Envelope struct {
	CorrelationID string
	Timestamp     time.Time
	Service       string
	SchemaVersion string
	DeviceID      string
	HMACSignature string
	TimestampAuth time.Time
	Nonce         string
	Algorithm     string
	RetryCount    int
	RetryDelayMs  int64
	Error         string
	FinalRetry    bool
}

// ToTable renders e as an amqp.Table. RetryDelay/Error/FinalRetry are
// included only when non-zero, per §4.8 ("set only on DLQ hand-off").
func (e Envelope) ToTable() amqp.Table {
	t := amqp.Table{
		HeaderCorrelationID: e.CorrelationID,
		HeaderTimestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		HeaderService:       e.Service,
		HeaderSchemaVersion: e.SchemaVersion,
		HeaderDeviceID:      e.DeviceID,
		HeaderHMACSignature: e.HMACSignature,
		HeaderTimestampAuth: e.TimestampAuth.UTC().Format(time.RFC3339Nano),
		HeaderNonce:         e.Nonce,
		HeaderAlgorithm:     e.Algorithm,
		HeaderRetryCount:    int32(e.RetryCount),
	}
	if e.RetryDelayMs > 0 {
		t[HeaderRetryDelay] = e.RetryDelayMs
	}
	if e.Error != "" {
		t[HeaderError] = e.Error
	}
	if e.FinalRetry {
		t[HeaderFinalRetry] = true
	}
	return t
}

// FromTable extracts an Envelope from delivered amqp headers. Missing
// required fields are reported via ok=false so the consumer can treat
// the message as poisoned (§4.10 step 1).
func FromTable(t amqp.Table) (env Envelope, ok bool) {
	str := func(k string) (string, bool) {
		v, present := t[k]
		if !present {
			return "", false
		}
		s, isStr := v.(string)
		return s, isStr
	}

	var missing bool
	get := func(k string) string {
		v, present := str(k)
		if !present {
			missing = true
		}
		return v
	}

	env.CorrelationID = get(HeaderCorrelationID)
	env.Service = get(HeaderService)
	env.SchemaVersion = get(HeaderSchemaVersion)
	env.DeviceID = get(HeaderDeviceID)
	env.HMACSignature = get(HeaderHMACSignature)
	env.Nonce = get(HeaderNonce)
	env.Algorithm = get(HeaderAlgorithm)

	if ts, present := str(HeaderTimestamp); present {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.Timestamp = parsed
		}
	}
	if ts, present := str(HeaderTimestampAuth); present {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			env.TimestampAuth = parsed
		} else {
			missing = true
		}
	} else {
		missing = true
	}

	env.RetryCount = int(toInt64(t[HeaderRetryCount]))
	env.RetryDelayMs = toInt64(t[HeaderRetryDelay])
	if e, present := str(HeaderError); present {
		env.Error = e
	}
	if fr, present := t[HeaderFinalRetry].(bool); present {
		env.FinalRetry = fr
	}

	return env, !missing
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
