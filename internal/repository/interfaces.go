package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/domain"
)

// EntityBatch maps entity key ids to the property payload for each entity.
type EntityBatch map[uuid.UUID]domain.PropertyValues

// ValueReplacements names, per entity and property, an existing value by its
// content hash and the value that should overwrite it in place.
type ValueReplacements map[uuid.UUID]map[uuid.UUID]map[string]any

// ReadOptions controls the projection and metadata columns of a read.
type ReadOptions struct {
	Projection domain.Projection
	Metadata   domain.MetadataOptions
}

// EntityKeyRepository is the single source of truth mapping logical entity
// keys to stable internal key ids.
type EntityKeyRepository interface {
	// Reserve returns the key id for the given entity key, atomically
	// assigning one on first sight. Concurrent first-time callers for the
	// same key converge on one id.
	Reserve(ctx context.Context, key domain.EntityKey) (uuid.UUID, error)
	// ReserveBatch reserves ids for all keys in one round trip.
	ReserveBatch(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error)
	// GetID resolves an existing key without reserving; missing keys fail
	// with a NotFoundError.
	GetID(ctx context.Context, key domain.EntityKey) (uuid.UUID, error)
	// GetIDs batch-resolves existing keys, omitting misses.
	GetIDs(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error)
	// GetKey reverse-resolves a key id; unknown ids fail with NotFoundError.
	GetKey(ctx context.Context, id uuid.UUID) (domain.EntityKey, error)
	// GetKeys batch reverse-resolves, omitting unknown ids.
	GetKeys(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.EntityKey, error)
}

// PropertyRepository is the versioned, column-per-property storage engine.
// Every operation is scoped to one entity set and to the authorized property
// types supplied by the caller; properties outside that map are never read or
// written.
type PropertyRepository interface {
	UpsertEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error)
	ReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error)
	PartialReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error)
	ReplacePropertiesInEntities(ctx context.Context, entitySetID uuid.UUID, replacements ValueReplacements, authorized domain.PropertyTypeMap) (int, error)
	MergeIntoEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error)

	ClearEntitySet(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int64, error)
	ClearEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error)
	DeleteEntitySetData(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int64, error)
	DeleteEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error)

	// GetEntities reads live values for the given key ids, or the whole set
	// when keyIDs is empty.
	GetEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap, opts ReadOptions) ([]domain.Entity, error)
	// StreamEntities is the lazy read path: fn is invoked once per entity in
	// key-id order. Calling it again restarts the sequence.
	StreamEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap, opts ReadOptions, fn func(domain.Entity) error) error
}

// NeighborFilter weights one association type and the neighbor entity types
// reachable through it for top-utilizer aggregation.
type NeighborFilter struct {
	AssociationTypeID uuid.UUID
	NeighborTypeIDs   []uuid.UUID
	Weight            float64
}

// WeightedID is one aggregation result row.
type WeightedID struct {
	KeyID  uuid.UUID
	Weight float64
}

// Graph is the edge-store collaborator contract consumed by the data-graph
// service.
type Graph interface {
	AddEdge(ctx context.Context, edge domain.Edge) error
	DeleteVertex(ctx context.Context, keyID uuid.UUID) (int64, error)
	DeleteEdge(ctx context.Context, key domain.EdgeKey) error
	ComputeGraphAggregation(ctx context.Context, numResults int, entitySetID uuid.UUID, srcFilters, dstFilters []NeighborFilter) ([]WeightedID, error)
	GetNeighborEntitySets(ctx context.Context, entitySetID uuid.UUID) ([]domain.NeighborSets, error)
}

// SchemaReader is the read-only view of the EDM collaborator's schema. This
// engine never mutates schema.
type SchemaReader interface {
	AuthorizedPropertyTypes(ctx context.Context, entitySetID uuid.UUID) (domain.PropertyTypeMap, error)
	EntityTypeID(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error)
}
