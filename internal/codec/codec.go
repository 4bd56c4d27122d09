package codec

import (
	"encoding/base64"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sosodev/duration"

	"github.com/rpattn/engraph/internal/domain"
)

// Binary is the decoded form of a Binary property value: a raw payload tagged
// with its content type.
type Binary struct {
	ContentType string
	Data        []byte
}

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04:05"
)

var (
	timeOfDayLayouts = []string{
		"15:04:05.999999999",
		"15:04:05",
		"15:04",
	}

	dateTimeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}

	geoPointPattern = regexp.MustCompile(`^-?\d+(\.\d+)?,-?\d+(\.\d+)?$`)
)

// Normalize coerces every raw wire value into its declared datatype's typed
// representation and enforces enum constraints. The input is never mutated.
// Null values are dropped with a log entry rather than stored. Any value that
// does not match its declared datatype's expected shape fails the whole call
// with a ValidationError.
func Normalize(raw domain.PropertyValues, schema domain.PropertyTypeMap) (domain.PropertyValues, error) {
	normalized := make(domain.PropertyValues, len(raw))
	for propertyTypeID, values := range raw {
		pt, ok := schema[propertyTypeID]
		if !ok {
			return nil, &domain.ForbiddenError{PropertyTypeIDs: []uuid.UUID{propertyTypeID}}
		}

		out := make([]any, 0, len(values))
		for _, value := range values {
			if value == nil {
				log.Printf("[CODEC] dropping null value for property %s", pt.Type)
				continue
			}
			if !pt.AllowsValue(value) {
				return nil, &domain.ValidationError{
					PropertyType: pt.Type.String(),
					Value:        value,
					Reason:       fmt.Sprintf("not in allowed values %v", pt.EnumValues),
				}
			}
			typed, err := NormalizeValue(pt, value)
			if err != nil {
				return nil, err
			}
			out = append(out, typed)
		}
		if len(out) > 0 {
			normalized[propertyTypeID] = out
		}
	}
	return normalized, nil
}

// NormalizeValue coerces a single raw value per the property's datatype.
func NormalizeValue(pt domain.PropertyType, value any) (any, error) {
	typed, err := coerceValue(pt.Datatype, value)
	if err != nil {
		return nil, &domain.ValidationError{
			PropertyType: pt.Type.String(),
			Value:        value,
			Reason:       err.Error(),
		}
	}
	return typed, nil
}

func coerceValue(datatype domain.DataType, value any) (any, error) {
	switch datatype {
	case domain.DataTypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("unable to coerce %q to boolean", v)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("unexpected boolean representation %T", value)

	case domain.DataTypeBinary:
		return coerceBinary(value)

	case domain.DataTypeDate:
		if t, ok := value.(time.Time); ok {
			return t, nil
		}
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected date representation %T", value)
		}
		t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to date: %w", raw, err)
		}
		return t, nil

	case domain.DataTypeTimeOfDay:
		if t, ok := value.(time.Time); ok {
			return t, nil
		}
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected time representation %T", value)
		}
		trimmed := strings.TrimSpace(raw)
		for _, layout := range timeOfDayLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("unable to coerce %q to time of day", raw)

	case domain.DataTypeDateTimeOffset:
		if t, ok := value.(time.Time); ok {
			return t, nil
		}
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected datetime representation %T", value)
		}
		trimmed := strings.TrimSpace(raw)
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("unable to coerce %q to datetime", raw)

	case domain.DataTypeDuration:
		if d, ok := value.(time.Duration); ok {
			return d, nil
		}
		raw, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected duration representation %T", value)
		}
		parsed, err := duration.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to duration: %w", raw, err)
		}
		return parsed.ToTimeDuration(), nil

	case domain.DataTypeGuid:
		switch v := value.(type) {
		case uuid.UUID:
			return v, nil
		case string:
			id, err := uuid.Parse(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("unable to coerce %q to guid: %w", v, err)
			}
			return id, nil
		}
		return nil, fmt.Errorf("unexpected guid representation %T", value)

	case domain.DataTypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("unexpected string representation %T", value)

	case domain.DataTypeDecimal, domain.DataTypeDouble, domain.DataTypeSingle:
		if f, ok := value.(float64); ok {
			return f, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(value)), 64)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %v to float", value)
		}
		return f, nil

	case domain.DataTypeByte:
		raw := strings.TrimSpace(fmt.Sprint(value))
		if u, err := strconv.ParseUint(raw, 10, 8); err == nil {
			return uint8(u), nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 && f >= 0 && f <= math.MaxUint8 {
			return uint8(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %v to byte", value)

	case domain.DataTypeSByte:
		n, err := coerceInt(value, 8)
		if err != nil {
			return nil, err
		}
		return int8(n), nil

	case domain.DataTypeInt16:
		n, err := coerceInt(value, 16)
		if err != nil {
			return nil, err
		}
		return int16(n), nil

	case domain.DataTypeInt32:
		n, err := coerceInt(value, 32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil

	case domain.DataTypeInt64:
		return coerceInt(value, 64)

	case domain.DataTypeGeographyPoint:
		return coerceGeographyPoint(value)

	default:
		// Unknown datatypes pass through unchanged.
		return value, nil
	}
}

func coerceInt(value any, bits int) (int64, error) {
	raw := strings.TrimSpace(fmt.Sprint(value))
	if i, err := strconv.ParseInt(raw, 10, bits); err == nil {
		return i, nil
	}
	// JSON numbers arrive as float64; accept them when integral and in range.
	if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
		min := int64(-1) << (bits - 1)
		max := int64(1)<<(bits-1) - 1
		n := int64(f)
		if n >= min && n <= max {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unable to coerce %v to int%d", value, bits)
}

func coerceBinary(value any) (any, error) {
	if b, ok := value.(Binary); ok {
		return b, nil
	}
	record, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected binary representation %T", value)
	}
	contentType, ok := record["content-type"].(string)
	if !ok {
		return nil, fmt.Errorf("binary value missing content-type")
	}
	encoded, ok := record["data"].(string)
	if !ok {
		return nil, fmt.Errorf("binary value missing base64 data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("unable to decode binary payload: %w", err)
	}
	return Binary{ContentType: contentType, Data: data}, nil
}

func coerceGeographyPoint(value any) (any, error) {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if !geoPointPattern.MatchString(trimmed) {
			return nil, fmt.Errorf("unable to coerce %q to geography point", v)
		}
		return trimmed, nil
	case map[string]any:
		lat, latOK := pointCoordinate(v, "lat", "latitude")
		lon, lonOK := pointCoordinate(v, "lon", "longitude")
		if !latOK || !lonOK {
			return nil, fmt.Errorf("geography point missing lat/lon coordinates")
		}
		return formatGeoPoint(lat, lon), nil
	}
	return nil, fmt.Errorf("unexpected geography point representation %T", value)
}

func pointCoordinate(record map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		raw, ok := record[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func formatGeoPoint(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}
