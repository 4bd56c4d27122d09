package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/engraph/internal/codec"
	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/metrics"
)

// writeConcurrency bounds the per-entity fan-out of batch writes. The pool is
// the hard bound; this keeps one batch from monopolizing it.
const writeConcurrency = 8

// propertyRepository implements PropertyRepository over the property_values
// table. Each write stamps a version from the monotonic clock; tombstones
// carry the negated stamp so magnitude keeps historical order while the sign
// encodes liveness.
type propertyRepository struct {
	pool  *pgxpool.Pool
	clock *VersionClock
}

// NewPropertyRepository creates a new property repository.
func NewPropertyRepository(pool *pgxpool.Pool, clock *VersionClock) PropertyRepository {
	if clock == nil {
		clock = NewVersionClock()
	}
	return &propertyRepository{pool: pool, clock: clock}
}

// authorize fails closed: any payload property outside the authorized map
// aborts the whole operation before a single row is written.
func authorize(entities EntityBatch, authorized domain.PropertyTypeMap) error {
	var unauthorized []uuid.UUID
	for _, properties := range entities {
		for propertyTypeID := range properties {
			if _, ok := authorized[propertyTypeID]; !ok {
				unauthorized = append(unauthorized, propertyTypeID)
			}
		}
	}
	if len(unauthorized) > 0 {
		return &domain.ForbiddenError{PropertyTypeIDs: unauthorized}
	}
	return nil
}

const upsertValueSQL = `
INSERT INTO property_values
    (entity_set_id, entity_key_id, property_type_id, value_hash, value, version, versions, last_write)
VALUES ($1, $2, $3, $4, $5, $6, ARRAY[$6]::bigint[], now())
ON CONFLICT (entity_set_id, entity_key_id, property_type_id, value_hash)
DO UPDATE SET
    version = EXCLUDED.version,
    versions = array_append(property_values.versions, EXCLUDED.version),
    last_write = now()`

func (r *propertyRepository) UpsertEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	return r.writeBatch(ctx, "upsert", entitySetID, entities, authorized, r.upsertEntity)
}

// MergeIntoEntities is a pure additive upsert; callers use it to express
// "leave existing values alone, add these".
func (r *propertyRepository) MergeIntoEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	return r.writeBatch(ctx, "merge", entitySetID, entities, authorized, r.upsertEntity)
}

func (r *propertyRepository) ReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	return r.writeBatch(ctx, "replace", entitySetID, entities, authorized,
		func(ctx context.Context, entitySetID, keyID uuid.UUID, normalized domain.PropertyValues, authorized domain.PropertyTypeMap) error {
			return r.replaceEntity(ctx, entitySetID, keyID, normalized, authorized, authorized.IDs())
		})
}

// PartialReplaceEntities replaces only the property types present in each
// entity's payload; other properties are left untouched.
func (r *propertyRepository) PartialReplaceEntities(ctx context.Context, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap) (int, error) {
	return r.writeBatch(ctx, "partial_replace", entitySetID, entities, authorized,
		func(ctx context.Context, entitySetID, keyID uuid.UUID, normalized domain.PropertyValues, authorized domain.PropertyTypeMap) error {
			present := make([]uuid.UUID, 0, len(normalized))
			for propertyTypeID := range normalized {
				present = append(present, propertyTypeID)
			}
			return r.replaceEntity(ctx, entitySetID, keyID, normalized, authorized, present)
		})
}

type entityWriter func(ctx context.Context, entitySetID, keyID uuid.UUID, normalized domain.PropertyValues, authorized domain.PropertyTypeMap) error

// writeBatch fans the batch out per entity. Normalization failures skip that
// entity with a logged error; storage failures abort the batch.
func (r *propertyRepository) writeBatch(ctx context.Context, operation string, entitySetID uuid.UUID, entities EntityBatch, authorized domain.PropertyTypeMap, write entityWriter) (int, error) {
	if err := authorize(entities, authorized); err != nil {
		return 0, err
	}

	var mu sync.Mutex
	written := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(writeConcurrency)
	for keyID, properties := range entities {
		g.Go(func() error {
			normalized, err := codec.Normalize(properties, authorized)
			if err != nil {
				var validation *domain.ValidationError
				if errors.As(err, &validation) {
					log.Printf("[STORE] skipping entity %s in %s: %v", keyID, operation, err)
					metrics.EntitiesSkipped.Inc()
					return nil
				}
				return err
			}
			if err := write(gctx, entitySetID, keyID, normalized, authorized); err != nil {
				return fmt.Errorf("failed to %s entity %s: %w", operation, keyID, err)
			}
			mu.Lock()
			written++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return written, err
	}
	metrics.EntitiesWritten.WithLabelValues(operation).Add(float64(written))
	return written, nil
}

// upsertEntity writes one version entry per (property, value) triple.
// Re-writing an existing value appends a version to the same logical row, so
// retries are idempotent at the row level.
func (r *propertyRepository) upsertEntity(ctx context.Context, entitySetID, keyID uuid.UUID, normalized domain.PropertyValues, authorized domain.PropertyTypeMap) error {
	stamp := r.clock.Next()
	for propertyTypeID, values := range normalized {
		pt := authorized[propertyTypeID]
		for _, value := range values {
			encoded, hash, err := codec.Encode(pt, value)
			if err != nil {
				return err
			}
			if _, err := r.pool.Exec(ctx, upsertValueSQL,
				entitySetID, keyID, propertyTypeID, hash, encoded, stamp,
			); err != nil {
				return fmt.Errorf("failed to write property %s: %w", pt.Type, err)
			}
		}
	}
	return nil
}

const tombstoneEntitySQL = `
UPDATE property_values
SET version = $4,
    versions = array_append(versions, $4),
    last_write = now()
WHERE entity_set_id = $1 AND entity_key_id = $2 AND property_type_id = ANY($3) AND version > 0`

// replaceEntity tombstones the named properties' live rows and writes the new
// values under a strictly larger stamp, inside one transaction per entity so
// a reader never observes the entity half-replaced.
func (r *propertyRepository) replaceEntity(ctx context.Context, entitySetID, keyID uuid.UUID, normalized domain.PropertyValues, authorized domain.PropertyTypeMap, propertyTypeIDs []uuid.UUID) error {
	tombstone := -r.clock.Next()
	stamp := r.clock.Next()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, tombstoneEntitySQL, entitySetID, keyID, propertyTypeIDs, tombstone); err != nil {
		return fmt.Errorf("failed to tombstone existing values: %w", err)
	}

	for propertyTypeID, values := range normalized {
		pt := authorized[propertyTypeID]
		for _, value := range values {
			encoded, hash, err := codec.Encode(pt, value)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, upsertValueSQL,
				entitySetID, keyID, propertyTypeID, hash, encoded, stamp,
			); err != nil {
				return fmt.Errorf("failed to write property %s: %w", pt.Type, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	return nil
}

const replaceValueSQL = `
UPDATE property_values
SET value = $5,
    value_hash = $6,
    version = $7,
    versions = array_append(versions, $7),
    last_write = now()
WHERE entity_set_id = $1 AND entity_key_id = $2 AND property_type_id = $3 AND value_hash = $4`

// ReplacePropertiesInEntities overwrites previously known values, named by
// content hash, in place. The row keeps its version history; only the value
// and its hash move.
func (r *propertyRepository) ReplacePropertiesInEntities(ctx context.Context, entitySetID uuid.UUID, replacements ValueReplacements, authorized domain.PropertyTypeMap) (int, error) {
	batch := make(EntityBatch, len(replacements))
	for keyID, byProperty := range replacements {
		payload := make(domain.PropertyValues, len(byProperty))
		for propertyTypeID, byHash := range byProperty {
			for _, value := range byHash {
				payload[propertyTypeID] = append(payload[propertyTypeID], value)
			}
		}
		batch[keyID] = payload
	}
	if err := authorize(batch, authorized); err != nil {
		return 0, err
	}

	written := 0
	for keyID, byProperty := range replacements {
		touched := false
		for propertyTypeID, byHash := range byProperty {
			pt := authorized[propertyTypeID]
			for existingHash, newValue := range byHash {
				normalized, err := codec.NormalizeValue(pt, newValue)
				if err != nil {
					log.Printf("[STORE] skipping value replacement for entity %s: %v", keyID, err)
					metrics.EntitiesSkipped.Inc()
					continue
				}
				encoded, newHash, err := codec.Encode(pt, normalized)
				if err != nil {
					return written, err
				}
				replaced, err := r.replaceValue(ctx, entitySetID, keyID, propertyTypeID, existingHash, encoded, newHash)
				if err != nil {
					return written, fmt.Errorf("failed to replace value for property %s: %w", pt.Type, err)
				}
				if replaced {
					touched = true
				}
			}
		}
		if touched {
			written++
		}
	}
	metrics.EntitiesWritten.WithLabelValues("replace_values").Add(float64(written))
	return written, nil
}

const foldReplacedValueSQL = `
UPDATE property_values AS dst
SET version = $6,
    versions = array_append(dst.versions || src.versions, $6::bigint),
    last_write = now()
FROM property_values AS src
WHERE dst.entity_set_id = $1 AND dst.entity_key_id = $2 AND dst.property_type_id = $3
  AND dst.value_hash = $5
  AND src.entity_set_id = $1 AND src.entity_key_id = $2 AND src.property_type_id = $3
  AND src.value_hash = $4`

const dropReplacedValueSQL = `
DELETE FROM property_values
WHERE entity_set_id = $1 AND entity_key_id = $2 AND property_type_id = $3 AND value_hash = $4`

// replaceValue moves one row's value to a new content hash. When the new hash
// already has a row for the same (set, key, property) the in-place update
// trips the primary key; both histories are then folded into the surviving
// row and the superseded row removed, inside one transaction.
func (r *propertyRepository) replaceValue(ctx context.Context, entitySetID, keyID, propertyTypeID uuid.UUID, existingHash string, encoded []byte, newHash string) (bool, error) {
	stamp := r.clock.Next()
	tag, err := r.pool.Exec(ctx, replaceValueSQL,
		entitySetID, keyID, propertyTypeID, existingHash, encoded, newHash, stamp,
	)
	if err == nil {
		return tag.RowsAffected() > 0, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	fold, err := tx.Exec(ctx, foldReplacedValueSQL,
		entitySetID, keyID, propertyTypeID, existingHash, newHash, stamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to fold value histories: %w", err)
	}
	if fold.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, dropReplacedValueSQL,
		entitySetID, keyID, propertyTypeID, existingHash,
	); err != nil {
		return false, fmt.Errorf("failed to drop superseded value: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit value fold: %w", err)
	}
	return true, nil
}

const clearSetSQL = `
UPDATE property_values
SET version = $3,
    versions = array_append(versions, $3),
    last_write = now()
WHERE entity_set_id = $1 AND property_type_id = ANY($2) AND version > 0`

// ClearEntitySet soft-deletes every live row in the set. Rows remain for
// audit and point-in-time reads.
func (r *propertyRepository) ClearEntitySet(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	tombstone := -r.clock.Next()
	tag, err := r.pool.Exec(ctx, clearSetSQL, entitySetID, authorized.IDs(), tombstone)
	if err != nil {
		return 0, fmt.Errorf("failed to clear entity set %s: %w", entitySetID, err)
	}
	metrics.TombstonesWritten.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

const clearEntitiesSQL = `
UPDATE property_values
SET version = $4,
    versions = array_append(versions, $4),
    last_write = now()
WHERE entity_set_id = $1 AND entity_key_id = ANY($2) AND property_type_id = ANY($3) AND version > 0`

// ClearEntities soft-deletes the named entities' live rows.
func (r *propertyRepository) ClearEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	if len(keyIDs) == 0 {
		return 0, nil
	}
	tombstone := -r.clock.Next()
	tag, err := r.pool.Exec(ctx, clearEntitiesSQL, entitySetID, keyIDs, authorized.IDs(), tombstone)
	if err != nil {
		return 0, fmt.Errorf("failed to clear entities in %s: %w", entitySetID, err)
	}
	metrics.TombstonesWritten.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// DeleteEntitySetData physically removes every row for the set. Irreversible;
// used only when the entity set itself is being destroyed.
func (r *propertyRepository) DeleteEntitySetData(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM property_values WHERE entity_set_id = $1 AND property_type_id = ANY($2)`,
		entitySetID, authorized.IDs(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entity set data for %s: %w", entitySetID, err)
	}
	metrics.RowsPurged.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// DeleteEntities physically removes the named entities' rows.
func (r *propertyRepository) DeleteEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error) {
	if len(keyIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM property_values WHERE entity_set_id = $1 AND entity_key_id = ANY($2) AND property_type_id = ANY($3)`,
		entitySetID, keyIDs, authorized.IDs(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entities in %s: %w", entitySetID, err)
	}
	metrics.RowsPurged.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

func (r *propertyRepository) GetEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap, opts ReadOptions) ([]domain.Entity, error) {
	var entities []domain.Entity
	err := r.StreamEntities(ctx, entitySetID, keyIDs, authorized, opts, func(entity domain.Entity) error {
		entities = append(entities, entity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

const streamEntitiesSQL = `
SELECT entity_key_id, property_type_id, value, version, last_write, last_index
FROM property_values
WHERE entity_set_id = $1
  AND property_type_id = ANY($2)
  AND version > 0
  AND (cardinality($3::uuid[]) = 0 OR entity_key_id = ANY($3))
ORDER BY entity_key_id`

// StreamEntities reads live rows in key-id order and assembles one entity per
// key. The sequence restarts from the beginning on every call.
func (r *propertyRepository) StreamEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap, opts ReadOptions, fn func(domain.Entity) error) error {
	if keyIDs == nil {
		keyIDs = []uuid.UUID{}
	}
	rows, err := r.pool.Query(ctx, streamEntitiesSQL, entitySetID, authorized.IDs(), keyIDs)
	if err != nil {
		return fmt.Errorf("failed to read entities from %s: %w", entitySetID, err)
	}
	defer rows.Close()

	assembler := newEntityAssembler(authorized, opts, fn)
	for rows.Next() {
		var row propertyRow
		if err := rows.Scan(&row.keyID, &row.propertyTypeID, &row.value, &row.version, &row.lastWrite, &row.lastIndex); err != nil {
			return fmt.Errorf("failed to scan property row: %w", err)
		}
		if err := assembler.add(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read property rows: %w", err)
	}
	return assembler.flush()
}
