package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/repository"
)

// Hydrator batches point reads for one entity set behind a dataloader, so
// fan-out callers (top-utilizer hydration, association resolution) coalesce
// into few storage round trips. Scope one Hydrator to one request.
type Hydrator struct {
	loader *dataloader.Loader
}

// NewHydrator builds a request-scoped hydrator for the given set and schema.
func (s *Service) NewHydrator(entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) *Hydrator {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				results := make([]*dataloader.Result, len(keys))
				for j := range results {
					results[j] = &dataloader.Result{Error: fmt.Errorf("invalid key id: %w", err)}
				}
				return results
			}
			ids[i] = id
		}

		entities, err := s.props.GetEntities(ctx, entitySetID, ids, authorized, opts)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		byID := make(map[uuid.UUID]domain.Entity, len(entities))
		for _, entity := range entities {
			byID[entity.KeyID] = entity
		}

		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if entity, ok := byID[id]; ok {
				results[i] = &dataloader.Result{Data: entity}
			} else {
				results[i] = &dataloader.Result{Error: &domain.NotFoundError{Kind: "entity", ID: id.String()}}
			}
		}
		return results
	}

	return &Hydrator{
		loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond)),
	}
}

// Load reads one entity through the batch window.
func (h *Hydrator) Load(ctx context.Context, keyID uuid.UUID) (domain.Entity, error) {
	value, err := h.loader.Load(ctx, dataloader.StringKey(keyID.String()))()
	if err != nil {
		return domain.Entity{}, err
	}
	entity, ok := value.(domain.Entity)
	if !ok {
		return domain.Entity{}, fmt.Errorf("unexpected hydration result %T", value)
	}
	return entity, nil
}

// LoadMany reads entities through the batch window, preserving input order
// and skipping ids with no live data.
func (h *Hydrator) LoadMany(ctx context.Context, keyIDs []uuid.UUID) ([]domain.Entity, error) {
	keys := make(dataloader.Keys, len(keyIDs))
	for i, id := range keyIDs {
		keys[i] = dataloader.StringKey(id.String())
	}

	values, errs := h.loader.LoadMany(ctx, keys)()
	entities := make([]domain.Entity, 0, len(values))
	for i, value := range values {
		if len(errs) > i && errs[i] != nil {
			var notFound *domain.NotFoundError
			if errors.As(errs[i], &notFound) {
				continue
			}
			return nil, errs[i]
		}
		if entity, ok := value.(domain.Entity); ok {
			entities = append(entities, entity)
		}
	}
	return entities, nil
}
