package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DataType enumerates the primitive datatypes a property may declare.
type DataType string

const (
	DataTypeBoolean        DataType = "Boolean"
	DataTypeBinary         DataType = "Binary"
	DataTypeByte           DataType = "Byte"
	DataTypeSByte          DataType = "SByte"
	DataTypeDate           DataType = "Date"
	DataTypeDateTimeOffset DataType = "DateTimeOffset"
	DataTypeTimeOfDay      DataType = "TimeOfDay"
	DataTypeDuration       DataType = "Duration"
	DataTypeDecimal        DataType = "Decimal"
	DataTypeDouble         DataType = "Double"
	DataTypeSingle         DataType = "Single"
	DataTypeGuid           DataType = "Guid"
	DataTypeInt16          DataType = "Int16"
	DataTypeInt32          DataType = "Int32"
	DataTypeInt64          DataType = "Int64"
	DataTypeString         DataType = "String"
	DataTypeGeographyPoint DataType = "GeographyPoint"
)

// FQN is the fully qualified name of a property type: namespace plus name.
type FQN struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// ParseFQN splits a "namespace.name" string into an FQN.
func ParseFQN(value string) (FQN, error) {
	idx := strings.Index(value, ".")
	if idx <= 0 || idx == len(value)-1 {
		return FQN{}, fmt.Errorf("invalid fully qualified name %q", value)
	}
	return FQN{Namespace: value[:idx], Name: value[idx+1:]}, nil
}

func (f FQN) String() string {
	return f.Namespace + "." + f.Name
}

// PropertyType describes one typed column of an entity type. Instances are
// created by the EDM collaborator and are read-only to this engine.
type PropertyType struct {
	ID         uuid.UUID `json:"id"`
	Type       FQN       `json:"type"`
	Datatype   DataType  `json:"datatype"`
	EnumValues []string  `json:"enum_values,omitempty"`
	PII        bool      `json:"pii,omitempty"`
	Analyzer   string    `json:"analyzer,omitempty"`
}

// AllowsValue reports whether the raw value satisfies the declared enum
// constraint. Property types without enum values allow everything.
func (pt PropertyType) AllowsValue(value any) bool {
	if len(pt.EnumValues) == 0 {
		return true
	}
	candidate := fmt.Sprint(value)
	for _, allowed := range pt.EnumValues {
		if candidate == allowed {
			return true
		}
	}
	return false
}

// PropertyTypeMap is the resolved, authorization-filtered schema supplied by
// the caller on every operation. Property types absent from the map are never
// read or written.
type PropertyTypeMap map[uuid.UUID]PropertyType

// IDs returns the property type ids in the map.
func (m PropertyTypeMap) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// ByFQN indexes the map by fully qualified name.
func (m PropertyTypeMap) ByFQN() map[string]PropertyType {
	out := make(map[string]PropertyType, len(m))
	for _, pt := range m {
		out[pt.Type.String()] = pt
	}
	return out
}
