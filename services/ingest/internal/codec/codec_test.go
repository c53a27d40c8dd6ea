package codec

import "testing"

func TestValidateRejectsEmptyData(t *testing.T) {
	err := Validate(RawSignal{DeviceID: "d-01", Time: 1000})
	if err == nil {
		t.Fatalf("expected validation error for empty data")
	}
}

func TestValidateRejectsMalformedDeviceID(t *testing.T) {
	err := Validate(RawSignal{DeviceID: "bad id!", Time: 1000, Data: []DataPoint{{Lat: 1, Lon: 1}}})
	var ve *ValidationError
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !asValidationError(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func asValidationError(err error, out **ValidationError) bool {
	ve, ok := err.(*ValidationError)
	if !ok {
		return false
	}
	*out = ve
	return true
}

func TestValidateRejectsOutOfRangeCoordinates(t *testing.T) {
	err := Validate(RawSignal{DeviceID: "d-01", Time: 1000, Data: []DataPoint{{Lat: 200, Lon: 1, Speed: 1}}})
	if err == nil {
		t.Fatalf("expected validation error for out-of-range lat")
	}
}

func TestFingerprintStableAcrossKeyOrderPermutation(t *testing.T) {
	a := RawSignal{DeviceID: "d-01", Time: 1000, Data: []DataPoint{{Timestamp: 1, Lat: 1, Lon: 2, Speed: 3}}}
	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	// Re-decode via tuple form to simulate a logically-identical re-encoding.
	b := RawSignal{DeviceID: "d-01", Time: 1000, Data: []DataPoint{{Timestamp: 1, Lat: 1, Lon: 2, Speed: 3}}}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fa != fb {
		t.Fatalf("expected stable fingerprint, got %q vs %q", fa, fb)
	}
}

func TestDataPointUnmarshalsTupleForm(t *testing.T) {
	var d DataPoint
	if err := d.UnmarshalJSON([]byte(`[762,[51.339764,12.339223,1.2]]`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if d.Timestamp != 762 || d.Lat != 51.339764 || d.Lon != 12.339223 || d.Speed != 1.2 {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := RawSignal{DeviceID: "d-01", Time: 1000, Data: []DataPoint{{Timestamp: 1, Lat: 1, Lon: 2, Speed: 3}}}
	b1, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b2, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("expected deterministic output")
	}
}
