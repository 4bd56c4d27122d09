package codec

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/domain"
)

func propertyType(datatype domain.DataType) domain.PropertyType {
	return domain.PropertyType{
		ID:       uuid.New(),
		Type:     domain.FQN{Namespace: "test", Name: string(datatype)},
		Datatype: datatype,
	}
}

func TestNormalizeValue_Boolean(t *testing.T) {
	pt := propertyType(domain.DataTypeBoolean)

	v, err := NormalizeValue(pt, "true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != true {
		t.Fatalf("expected true, got %v", v)
	}

	v, err = NormalizeValue(pt, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != false {
		t.Fatalf("expected false, got %v", v)
	}

	if _, err := NormalizeValue(pt, "maybe"); err == nil {
		t.Fatalf("expected error for non-boolean string")
	}
}

func TestNormalizeValue_FixedWidthIntegers(t *testing.T) {
	cases := []struct {
		datatype domain.DataType
		raw      any
		want     any
	}{
		{domain.DataTypeInt16, "42", int16(42)},
		{domain.DataTypeInt32, "30", int32(30)},
		{domain.DataTypeInt32, float64(30), int32(30)},
		{domain.DataTypeInt64, "9000000000", int64(9000000000)},
		{domain.DataTypeByte, "200", uint8(200)},
		{domain.DataTypeSByte, "-12", int8(-12)},
	}

	for _, tc := range cases {
		got, err := NormalizeValue(propertyType(tc.datatype), tc.raw)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.datatype, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v (%T), got %v (%T)", tc.datatype, tc.want, tc.want, got, got)
		}
	}

	if _, err := NormalizeValue(propertyType(domain.DataTypeInt16), "70000"); err == nil {
		t.Fatalf("expected overflow error for int16")
	}
}

func TestNormalizeValue_GeographyPoint(t *testing.T) {
	pt := propertyType(domain.DataTypeGeographyPoint)

	v, err := NormalizeValue(pt, "40.7,-74.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "40.7,-74.0" {
		t.Fatalf("expected canonical point, got %v", v)
	}

	v, err = NormalizeValue(pt, map[string]any{"lat": 40.7, "lon": -74.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "40.7,-74" {
		t.Fatalf("expected formatted point, got %v", v)
	}

	if _, err := NormalizeValue(pt, "somewhere"); err == nil {
		t.Fatalf("expected error for malformed point")
	}
}

func TestNormalizeValue_Binary(t *testing.T) {
	pt := propertyType(domain.DataTypeBinary)

	payload := []byte("hello")
	v, err := NormalizeValue(pt, map[string]any{
		"content-type": "text/plain",
		"data":         base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, ok := v.(Binary)
	if !ok {
		t.Fatalf("expected Binary, got %T", v)
	}
	if b.ContentType != "text/plain" || string(b.Data) != "hello" {
		t.Fatalf("unexpected binary record: %+v", b)
	}

	if _, err := NormalizeValue(pt, "just a string"); err == nil {
		t.Fatalf("expected error for malformed binary record")
	}
	if _, err := NormalizeValue(pt, map[string]any{"data": "aGk="}); err == nil {
		t.Fatalf("expected error for missing content-type")
	}
}

func TestNormalize_EnumEnforcement(t *testing.T) {
	pt := propertyType(domain.DataTypeString)
	pt.EnumValues = []string{"A", "B"}
	schema := domain.PropertyTypeMap{pt.ID: pt}

	if _, err := Normalize(domain.PropertyValues{pt.ID: {"C"}}, schema); err == nil {
		t.Fatalf("expected enum violation for value C")
	}

	normalized, err := Normalize(domain.PropertyValues{pt.ID: {"A"}}, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(normalized[pt.ID]) != 1 || normalized[pt.ID][0] != "A" {
		t.Fatalf("expected [A], got %v", normalized[pt.ID])
	}
}

func TestNormalize_DropsNullValues(t *testing.T) {
	pt := propertyType(domain.DataTypeString)
	schema := domain.PropertyTypeMap{pt.ID: pt}

	normalized, err := Normalize(domain.PropertyValues{pt.ID: {nil, "kept"}}, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(normalized[pt.ID]) != 1 || normalized[pt.ID][0] != "kept" {
		t.Fatalf("expected null to be dropped, got %v", normalized[pt.ID])
	}
}

func TestNormalize_UnknownPropertyForbidden(t *testing.T) {
	pt := propertyType(domain.DataTypeString)
	schema := domain.PropertyTypeMap{pt.ID: pt}

	_, err := Normalize(domain.PropertyValues{uuid.New(): {"x"}}, schema)
	if err == nil {
		t.Fatalf("expected error for property outside schema")
	}
}

func TestRoundTrip_AllDatatypes(t *testing.T) {
	cases := []struct {
		datatype domain.DataType
		raw      any
	}{
		{domain.DataTypeBoolean, "true"},
		{domain.DataTypeString, "bob"},
		{domain.DataTypeInt32, "30"},
		{domain.DataTypeInt64, "1234567890123"},
		{domain.DataTypeDouble, "3.25"},
		{domain.DataTypeDate, "2024-01-15"},
		{domain.DataTypeTimeOfDay, "13:30:00"},
		{domain.DataTypeDateTimeOffset, "2024-01-15T13:30:00Z"},
		{domain.DataTypeDuration, "PT1H30M"},
		{domain.DataTypeGuid, "0d9b2d2a-6c84-4b78-a9a4-e67b2a0a6a3f"},
		{domain.DataTypeGeographyPoint, "40.7,-74.0"},
		{domain.DataTypeBinary, map[string]any{"content-type": "text/plain", "data": "aGVsbG8="}},
	}

	for _, tc := range cases {
		pt := propertyType(tc.datatype)

		normalized, err := NormalizeValue(pt, tc.raw)
		if err != nil {
			t.Fatalf("%s: normalize failed: %v", tc.datatype, err)
		}

		encoded, hash, err := Encode(pt, normalized)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", tc.datatype, err)
		}
		if hash == "" {
			t.Fatalf("%s: empty value hash", tc.datatype)
		}

		decoded, err := Decode(pt, encoded)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.datatype, err)
		}

		if !valuesEqual(normalized, decoded) {
			t.Fatalf("%s: round trip mismatch: %v != %v", tc.datatype, normalized, decoded)
		}

		// The same value must hash identically when re-encoded.
		_, rehash, err := Encode(pt, decoded)
		if err != nil {
			t.Fatalf("%s: re-encode failed: %v", tc.datatype, err)
		}
		if rehash != hash {
			t.Fatalf("%s: hash not stable across round trip", tc.datatype)
		}
	}
}

func valuesEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if ab, ok := a.(Binary); ok {
		bb, ok := b.(Binary)
		return ok && ab.ContentType == bb.ContentType && string(ab.Data) == string(bb.Data)
	}
	return a == b
}
