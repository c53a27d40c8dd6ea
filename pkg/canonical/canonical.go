// Package canonical provides deterministic byte encodings used for
// fingerprinting and content-addressing across the ingestion pipeline.
//
// The encoder sorts object keys, fixes numeric formatting, and never
// depends on map iteration order, so that two logically identical values
// always produce byte-identical output regardless of how they were
// constructed or re-encoded.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
)

var ErrUnsupportedType = errors.New("canonical: unsupported value type")

// Bytes returns the canonical encoding of v. v must be built from the
// JSON-decodable universe: nil, bool, string, float64/int/int64, []any,
// map[string]any, or a type implementing json.Marshaler whose output is
// itself one of those shapes.
func Bytes(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, normalizeJSONValue(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex sha256 digest of the canonical
// encoding of v.
func SHA256Hex(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeJSONValue round-trips v through encoding/json when it is not
// already one of the plain decoded shapes, so that struct values and
// json.Marshaler implementations canonicalize the same way maps do.
func normalizeJSONValue(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, []any, map[string]any:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case json.Number:
		buf.WriteString(formatNumberToken(x.String()))
		return nil
	case float64:
		buf.WriteString(formatNumberToken(strconv.FormatFloat(x, 'g', -1, 64)))
		return nil
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return ErrUnsupportedType
	}
}

// formatNumberToken re-renders a decimal token with no trailing zeros and
// no exponent for integral values within the long (int64) range, per the
// codec's numeric formatting rule. Other values use the shortest 'g'
// rendering, which may carry an exponent; a token that does not parse as
// a float is kept as is (still bit-stable, since json.Number preserves
// the source text).
func formatNumberToken(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f >= -(1<<63) && f < 1<<63 && f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return s
}
