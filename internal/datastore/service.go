// Package datastore exposes the entity-shaped API over the value codec and
// the property store. It owns the translation between natural entity keys and
// internal key ids, and is the publish point for change events: the raw
// property store never talks to the bus.
package datastore

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/events"
	"github.com/rpattn/engraph/internal/repository"
)

// Service composes the identity service, the property store, and the event
// bus into entity-shaped operations.
type Service struct {
	props repository.PropertyRepository
	keys  repository.EntityKeyRepository
	bus   *events.Bus
}

// NewService creates the datastore façade.
func NewService(props repository.PropertyRepository, keys repository.EntityKeyRepository, bus *events.Bus) *Service {
	return &Service{props: props, keys: keys, bus: bus}
}

// Keys exposes the identity service for collaborators that resolve entity
// keys themselves.
func (s *Service) Keys() repository.EntityKeyRepository {
	return s.keys
}

// GetEntity reads one entity by its internal key id. Entities with no live
// values are reported as missing.
func (s *Service) GetEntity(ctx context.Context, entitySetID, keyID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) (domain.Entity, error) {
	entities, err := s.props.GetEntities(ctx, entitySetID, []uuid.UUID{keyID}, authorized, opts)
	if err != nil {
		return domain.Entity{}, err
	}
	if len(entities) == 0 {
		return domain.Entity{}, &domain.NotFoundError{Kind: "entity", ID: keyID.String()}
	}
	return entities[0], nil
}

// GetEntityByKey is the legacy read path: resolve the natural entity key
// through the identity service, then read by key id.
func (s *Service) GetEntityByKey(ctx context.Context, key domain.EntityKey, authorized domain.PropertyTypeMap, opts repository.ReadOptions) (domain.Entity, error) {
	keyID, err := s.keys.GetID(ctx, key)
	if err != nil {
		return domain.Entity{}, err
	}
	return s.GetEntity(ctx, key.EntitySetID, keyID, authorized, opts)
}

// GetEntities bulk-reads the named entities, or the whole set when keyIDs is
// empty.
func (s *Service) GetEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) ([]domain.Entity, error) {
	return s.props.GetEntities(ctx, entitySetID, keyIDs, authorized, opts)
}

// StreamEntitySet is the lazy whole-set read path.
func (s *Service) StreamEntitySet(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions, fn func(domain.Entity) error) error {
	return s.props.StreamEntities(ctx, entitySetID, nil, authorized, opts, fn)
}

// CreateEntities writes new entity data and announces the creation.
func (s *Service) CreateEntities(ctx context.Context, entitySetID uuid.UUID, entities repository.EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	written, err := s.props.UpsertEntities(ctx, entitySetID, entities, authorized)
	if err != nil {
		return written, err
	}
	s.bus.Publish(ctx, domain.EntitiesCreated{EntitySetID: entitySetID, KeyIDs: batchKeyIDs(entities)})
	return written, nil
}

// ReplaceEntities totally replaces the named entities' authorized properties.
func (s *Service) ReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities repository.EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	written, err := s.props.ReplaceEntities(ctx, entitySetID, entities, authorized)
	if err != nil {
		return written, err
	}
	s.bus.Publish(ctx, domain.EntitiesUpdated{EntitySetID: entitySetID, KeyIDs: batchKeyIDs(entities)})
	return written, nil
}

// PartialReplaceEntities replaces only the properties present in each
// entity's payload.
func (s *Service) PartialReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities repository.EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	written, err := s.props.PartialReplaceEntities(ctx, entitySetID, entities, authorized)
	if err != nil {
		return written, err
	}
	s.bus.Publish(ctx, domain.EntitiesUpdated{EntitySetID: entitySetID, KeyIDs: batchKeyIDs(entities)})
	return written, nil
}

// ReplacePropertyValues overwrites known values named by content hash.
func (s *Service) ReplacePropertyValues(ctx context.Context, entitySetID uuid.UUID, replacements repository.ValueReplacements, authorized domain.PropertyTypeMap) (int, error) {
	written, err := s.props.ReplacePropertiesInEntities(ctx, entitySetID, replacements, authorized)
	if err != nil {
		return written, err
	}
	keyIDs := make([]uuid.UUID, 0, len(replacements))
	for keyID := range replacements {
		keyIDs = append(keyIDs, keyID)
	}
	s.bus.Publish(ctx, domain.EntitiesUpdated{EntitySetID: entitySetID, KeyIDs: keyIDs})
	return written, nil
}

// MergeEntities adds the given values without touching existing ones.
func (s *Service) MergeEntities(ctx context.Context, entitySetID uuid.UUID, entities repository.EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	written, err := s.props.MergeIntoEntities(ctx, entitySetID, entities, authorized)
	if err != nil {
		return written, err
	}
	s.bus.Publish(ctx, domain.EntitiesUpdated{EntitySetID: entitySetID, KeyIDs: batchKeyIDs(entities)})
	return written, nil
}

// ClearEntities tombstones the named entities. Reads stop returning them but
// their version history remains.
func (s *Service) ClearEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	affected, err := s.props.ClearEntities(ctx, entitySetID, keyIDs, authorized)
	if err != nil {
		return affected, err
	}
	s.bus.Publish(ctx, domain.EntitiesDeleted{EntitySetID: entitySetID, KeyIDs: keyIDs})
	return affected, nil
}

// ClearEntitySet tombstones every entity in the set.
func (s *Service) ClearEntitySet(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	affected, err := s.props.ClearEntitySet(ctx, entitySetID, authorized)
	if err != nil {
		return affected, err
	}
	s.bus.Publish(ctx, domain.EntitySetCleared{EntitySetID: entitySetID})
	return affected, nil
}

// DeleteEntities irreversibly purges the named entities' rows.
func (s *Service) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	affected, err := s.props.DeleteEntities(ctx, entitySetID, keyIDs, authorized)
	if err != nil {
		return affected, err
	}
	s.bus.Publish(ctx, domain.EntitiesDeleted{EntitySetID: entitySetID, KeyIDs: keyIDs, Hard: true})
	return affected, nil
}

// DeleteEntitySetData irreversibly purges the whole set's rows. Used only as
// part of entity-set teardown.
func (s *Service) DeleteEntitySetData(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	affected, err := s.props.DeleteEntitySetData(ctx, entitySetID, authorized)
	if err != nil {
		return affected, err
	}
	s.bus.Publish(ctx, domain.EntitySetDeleted{EntitySetID: entitySetID})
	return affected, nil
}

func batchKeyIDs(entities repository.EntityBatch) []uuid.UUID {
	keyIDs := make([]uuid.UUID, 0, len(entities))
	for keyID := range entities {
		keyIDs = append(keyIDs, keyID)
	}
	return keyIDs
}
