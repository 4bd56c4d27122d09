package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sosodev/duration"

	"github.com/rpattn/engraph/internal/domain"
)

// Encode serializes a normalized value into its canonical storage encoding
// and returns the content hash that identifies the value within its row.
func Encode(pt domain.PropertyType, value any) ([]byte, string, error) {
	raw, err := encodeCanonical(pt.Datatype, value)
	if err != nil {
		return nil, "", &domain.ValidationError{
			PropertyType: pt.Type.String(),
			Value:        value,
			Reason:       err.Error(),
		}
	}
	return raw, hashEncoded(pt.Datatype, raw), nil
}

// Hash returns the content hash for a normalized value without keeping the
// encoding. Callers use it to name an existing value in value-level replaces.
func Hash(pt domain.PropertyType, value any) (string, error) {
	_, hash, err := Encode(pt, value)
	return hash, err
}

// Decode converts a stored canonical encoding back into the typed in-memory
// representation for the declared datatype.
func Decode(pt domain.PropertyType, raw []byte) (any, error) {
	var wire any
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode stored value for %s: %w", pt.Type, err)
	}
	return NormalizeValue(pt, wire)
}

func encodeCanonical(datatype domain.DataType, value any) ([]byte, error) {
	switch datatype {
	case domain.DataTypeDate:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected time.Time, got %T", value)
		}
		return json.Marshal(t.Format(dateLayout))

	case domain.DataTypeTimeOfDay:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected time.Time, got %T", value)
		}
		return json.Marshal(t.Format(timeOfDayLayout))

	case domain.DataTypeDateTimeOffset:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected time.Time, got %T", value)
		}
		return json.Marshal(t.Format(time.RFC3339Nano))

	case domain.DataTypeDuration:
		d, ok := value.(time.Duration)
		if !ok {
			return nil, fmt.Errorf("expected time.Duration, got %T", value)
		}
		return json.Marshal(duration.FromTimeDuration(d).String())

	case domain.DataTypeGuid:
		id, ok := value.(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("expected uuid.UUID, got %T", value)
		}
		return json.Marshal(id.String())

	case domain.DataTypeBinary:
		b, ok := value.(Binary)
		if !ok {
			return nil, fmt.Errorf("expected binary record, got %T", value)
		}
		// Field order is fixed so the encoding stays canonical for hashing.
		return []byte(fmt.Sprintf(
			`{"content-type":%q,"data":%q}`,
			b.ContentType,
			base64.StdEncoding.EncodeToString(b.Data),
		)), nil

	default:
		return json.Marshal(value)
	}
}

func hashEncoded(datatype domain.DataType, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(datatype))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}
