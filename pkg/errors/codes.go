package errors

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Code is a stable error code shared across all xrayiot services.
// Once published, codes should be treated as API-stable.
type Code string

// CodeMeta provides metadata useful for HTTP mapping, retry decisions, and documentation.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|server|security|dependency
	Description string `json:"description"`
}

// ---- VALIDATION / AUTH (ingestion taxonomy, §7) ----
const (
	ValidationInvalid    Code = "validation.invalid"
	AuthSignatureInvalid Code = "auth.signature_invalid"
	AuthTimestampSkew    Code = "auth.timestamp_skew"
	AuthAlgorithmInvalid Code = "auth.algorithm_invalid"
	AuthNonceFormat      Code = "auth.nonce_format"
)

// ---- QUEUE / TRANSPORT ----
const (
	QueueEmpty      Code = "queue.empty"
	QueueClosed     Code = "queue.closed"
	QueueTimeout    Code = "queue.timeout"
	QueueOversize   Code = "queue.oversize"
	QueueConflict   Code = "queue.conflict"
	TransportError  Code = "transport.error"
	CircuitOpen     Code = "circuit.open"
	NonceUnavail    Code = "nonce.unavailable"
	DLQBusy         Code = "dlq.busy"
	ConfigInvalid   Code = "config.invalid"
	ConfigNotFound  Code = "config.not_found"
)

// ---- STORAGE / REPOSITORY ----
const (
	StorageNotFound    Code = "storage.not_found"
	StorageConflict    Code = "storage.conflict"
	StorageOversize    Code = "storage.oversize"
	StorageUnavailable Code = "storage.unavailable"
	SignalNotFound     Code = "signal.not_found"
	SignalInvalidQuery Code = "signal.invalid_query"
	SignalDuplicateKey Code = "signal.duplicate_key"
)

// ---- INTERNAL ----
const (
	Internal        Code = "internal"
	InternalTimeout Code = "internal.timeout"
	DependencyDown  Code = "dependency.down"
)

var registry = map[Code]CodeMeta{
	ValidationInvalid:    {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "payload failed structural or range validation"},
	AuthSignatureInvalid: {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "hmac signature mismatch"},
	AuthTimestampSkew:    {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "auth timestamp outside tolerance"},
	AuthAlgorithmInvalid: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "unsupported hmac algorithm"},
	AuthNonceFormat:      {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "nonce malformed"},

	QueueEmpty:    {HTTPStatus: 204, Retryable: true, Kind: "dependency", Description: "queue empty"},
	QueueClosed:   {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "queue closed"},
	QueueTimeout:  {HTTPStatus: 504, Retryable: true, Kind: "dependency", Description: "queue timeout"},
	QueueOversize: {HTTPStatus: 413, Retryable: false, Kind: "client", Description: "message too large"},
	QueueConflict: {HTTPStatus: 409, Retryable: true, Kind: "dependency", Description: "message lease conflict"},
	TransportError: {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "broker/store/repo transport failure"},
	CircuitOpen:    {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "circuit breaker open"},
	NonceUnavail:   {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "nonce store unreachable"},
	DLQBusy:        {HTTPStatus: 409, Retryable: true, Kind: "dependency", Description: "dlq replay already running"},
	ConfigInvalid:  {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "config invalid"},
	ConfigNotFound: {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "config not found"},

	StorageNotFound:    {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "object not found"},
	StorageConflict:    {HTTPStatus: 409, Retryable: true, Kind: "dependency", Description: "write conflict"},
	StorageOversize:    {HTTPStatus: 413, Retryable: false, Kind: "client", Description: "object too large"},
	StorageUnavailable: {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "storage unavailable"},
	SignalNotFound:     {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "signal not found"},
	SignalInvalidQuery: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "invalid query parameters"},
	SignalDuplicateKey: {HTTPStatus: 200, Retryable: false, Kind: "client", Description: "idempotency key already present"},

	Internal:        {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
	InternalTimeout:  {HTTPStatus: 504, Retryable: true, Kind: "server", Description: "internal timeout"},
	DependencyDown:   {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "dependency unavailable"},
}

func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes + meta.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	var buf bytes.Buffer
	_, _ = buf.Write(b)
	return buf.Bytes()
}
