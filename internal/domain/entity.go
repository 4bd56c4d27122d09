package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityKey is the caller-visible logical identity of an entity. EntityID is
// caller supplied and unique only within its entity set.
type EntityKey struct {
	EntitySetID uuid.UUID `json:"entity_set_id"`
	EntityID    string    `json:"entity_id"`
}

// PropertyValues maps a property type id to the set of values an entity holds
// for that property. Values within one property form a set: writing the same
// value twice must not duplicate it.
type PropertyValues map[uuid.UUID][]any

// Clone returns a shallow copy safe for the caller to mutate key-wise.
func (pv PropertyValues) Clone() PropertyValues {
	out := make(PropertyValues, len(pv))
	for id, values := range pv {
		copied := make([]any, len(values))
		copy(copied, values)
		out[id] = copied
	}
	return out
}

// Projection selects how read results key their property values.
type Projection int

const (
	// ProjectByID keys properties by property type id.
	ProjectByID Projection = iota
	// ProjectByFQN keys properties by fully qualified name.
	ProjectByFQN
)

// MetadataOption requests an extra metadata column on reads.
type MetadataOption int

const (
	MetadataLastWrite MetadataOption = iota
	MetadataLastIndex
	MetadataVersion
)

// MetadataOptions is the set of metadata columns a read should include.
type MetadataOptions map[MetadataOption]struct{}

// WithMetadata builds an option set from the given options.
func WithMetadata(opts ...MetadataOption) MetadataOptions {
	set := make(MetadataOptions, len(opts))
	for _, opt := range opts {
		set[opt] = struct{}{}
	}
	return set
}

// Has reports whether the option was requested.
func (m MetadataOptions) Has(opt MetadataOption) bool {
	_, ok := m[opt]
	return ok
}

// EntityMetadata carries the optional per-entity metadata columns.
type EntityMetadata struct {
	LastWrite time.Time `json:"last_write,omitempty"`
	LastIndex time.Time `json:"last_index,omitempty"`
	Version   int64     `json:"version,omitempty"`
}

// Entity is the logical read/write unit: a stable key id plus a multi-valued
// property map. PropertiesByName is populated instead of Properties when the
// read requested ProjectByFQN.
type Entity struct {
	KeyID            uuid.UUID        `json:"key_id"`
	Properties       PropertyValues   `json:"properties,omitempty"`
	PropertiesByName map[string][]any `json:"properties_by_name,omitempty"`
	Metadata         *EntityMetadata  `json:"metadata,omitempty"`
}

// ValueCount returns the total number of values across all properties.
func (e Entity) ValueCount() int {
	n := 0
	for _, values := range e.Properties {
		n += len(values)
	}
	for _, values := range e.PropertiesByName {
		n += len(values)
	}
	return n
}

// EdgeKey identifies one edge by its three vertex key ids.
type EdgeKey struct {
	SrcKeyID  uuid.UUID `json:"src_key_id"`
	DstKeyID  uuid.UUID `json:"dst_key_id"`
	EdgeKeyID uuid.UUID `json:"edge_key_id"`
}

// Edge is a directed association between two entities, itself backed by an
// entity carrying the association's property data.
type Edge struct {
	Key       EdgeKey   `json:"key"`
	SrcTypeID uuid.UUID `json:"src_type_id"`
	SrcSetID  uuid.UUID `json:"src_set_id"`
	DstTypeID uuid.UUID `json:"dst_type_id"`
	DstSetID  uuid.UUID `json:"dst_set_id"`
	EdgeTypeID uuid.UUID `json:"edge_type_id"`
	EdgeSetID  uuid.UUID `json:"edge_set_id"`
}

// NeighborSets is one (source set, edge set, destination set) triplet
// reachable from an entity set in the graph.
type NeighborSets struct {
	SrcSetID  uuid.UUID `json:"src_set_id"`
	EdgeSetID uuid.UUID `json:"edge_set_id"`
	DstSetID  uuid.UUID `json:"dst_set_id"`
}
