package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/engraph/internal/domain"
)

// entityKeyRepository implements EntityKeyRepository over the entity_keys
// table. Reservation relies on the table's primary key: the insert-or-return
// upsert is atomic, so concurrent first writers of the same key observe one
// id.
type entityKeyRepository struct {
	pool *pgxpool.Pool
}

// NewEntityKeyRepository creates a new entity key repository.
func NewEntityKeyRepository(pool *pgxpool.Pool) EntityKeyRepository {
	return &entityKeyRepository{pool: pool}
}

const reserveKeySQL = `
INSERT INTO entity_keys (entity_set_id, entity_id, key_id)
VALUES ($1, $2, $3)
ON CONFLICT (entity_set_id, entity_id) DO UPDATE SET entity_id = EXCLUDED.entity_id
RETURNING key_id`

func (r *entityKeyRepository) Reserve(ctx context.Context, key domain.EntityKey) (uuid.UUID, error) {
	candidate := uuid.New()
	var keyID uuid.UUID
	err := r.pool.QueryRow(ctx, reserveKeySQL, key.EntitySetID, key.EntityID, candidate).Scan(&keyID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reserve entity key id: %w", err)
	}
	if keyID == uuid.Nil {
		return uuid.Nil, &domain.IllegalStateError{
			Message: fmt.Sprintf("entity key reservation for %s/%s returned no id", key.EntitySetID, key.EntityID),
		}
	}
	return keyID, nil
}

const reserveKeyBatchSQL = `
INSERT INTO entity_keys (entity_set_id, entity_id, key_id)
SELECT * FROM unnest($1::uuid[], $2::text[], $3::uuid[])
ON CONFLICT (entity_set_id, entity_id) DO UPDATE SET entity_id = EXCLUDED.entity_id
RETURNING entity_set_id, entity_id, key_id`

func (r *entityKeyRepository) ReserveBatch(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error) {
	if len(keys) == 0 {
		return map[domain.EntityKey]uuid.UUID{}, nil
	}

	setIDs := make([]uuid.UUID, 0, len(keys))
	entityIDs := make([]string, 0, len(keys))
	candidates := make([]uuid.UUID, 0, len(keys))
	seen := make(map[domain.EntityKey]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		setIDs = append(setIDs, key.EntitySetID)
		entityIDs = append(entityIDs, key.EntityID)
		candidates = append(candidates, uuid.New())
	}

	rows, err := r.pool.Query(ctx, reserveKeyBatchSQL, setIDs, entityIDs, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve entity key ids: %w", err)
	}
	defer rows.Close()

	resolved := make(map[domain.EntityKey]uuid.UUID, len(seen))
	for rows.Next() {
		var key domain.EntityKey
		var keyID uuid.UUID
		if err := rows.Scan(&key.EntitySetID, &key.EntityID, &keyID); err != nil {
			return nil, fmt.Errorf("failed to scan reserved key: %w", err)
		}
		resolved[key] = keyID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reserved keys: %w", err)
	}

	if len(resolved) != len(seen) {
		return nil, &domain.IllegalStateError{
			Message: fmt.Sprintf("reserved %d of %d entity keys", len(resolved), len(seen)),
		}
	}
	return resolved, nil
}

func (r *entityKeyRepository) GetID(ctx context.Context, key domain.EntityKey) (uuid.UUID, error) {
	var keyID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT key_id FROM entity_keys WHERE entity_set_id = $1 AND entity_id = $2`,
		key.EntitySetID, key.EntityID,
	).Scan(&keyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, &domain.NotFoundError{Kind: "entity key", ID: key.EntitySetID.String() + "/" + key.EntityID}
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve entity key: %w", err)
	}
	return keyID, nil
}

func (r *entityKeyRepository) GetIDs(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error) {
	if len(keys) == 0 {
		return map[domain.EntityKey]uuid.UUID{}, nil
	}

	setIDs := make([]uuid.UUID, len(keys))
	entityIDs := make([]string, len(keys))
	for i, key := range keys {
		setIDs[i] = key.EntitySetID
		entityIDs[i] = key.EntityID
	}

	rows, err := r.pool.Query(ctx, `
SELECT ek.entity_set_id, ek.entity_id, ek.key_id
FROM entity_keys ek
JOIN unnest($1::uuid[], $2::text[]) AS wanted (entity_set_id, entity_id)
  ON ek.entity_set_id = wanted.entity_set_id AND ek.entity_id = wanted.entity_id`,
		setIDs, entityIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entity keys: %w", err)
	}
	defer rows.Close()

	resolved := make(map[domain.EntityKey]uuid.UUID)
	for rows.Next() {
		var key domain.EntityKey
		var keyID uuid.UUID
		if err := rows.Scan(&key.EntitySetID, &key.EntityID, &keyID); err != nil {
			return nil, fmt.Errorf("failed to scan entity key: %w", err)
		}
		resolved[key] = keyID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity keys: %w", err)
	}
	return resolved, nil
}

func (r *entityKeyRepository) GetKey(ctx context.Context, id uuid.UUID) (domain.EntityKey, error) {
	var key domain.EntityKey
	err := r.pool.QueryRow(ctx,
		`SELECT entity_set_id, entity_id FROM entity_keys WHERE key_id = $1`, id,
	).Scan(&key.EntitySetID, &key.EntityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EntityKey{}, &domain.NotFoundError{Kind: "entity key id", ID: id.String()}
	}
	if err != nil {
		return domain.EntityKey{}, fmt.Errorf("failed to reverse-resolve key id: %w", err)
	}
	return key, nil
}

func (r *entityKeyRepository) GetKeys(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.EntityKey, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]domain.EntityKey{}, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT key_id, entity_set_id, entity_id FROM entity_keys WHERE key_id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reverse-resolve key ids: %w", err)
	}
	defer rows.Close()

	resolved := make(map[uuid.UUID]domain.EntityKey)
	for rows.Next() {
		var keyID uuid.UUID
		var key domain.EntityKey
		if err := rows.Scan(&keyID, &key.EntitySetID, &key.EntityID); err != nil {
			return nil, fmt.Errorf("failed to scan key id: %w", err)
		}
		resolved[keyID] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read key ids: %w", err)
	}
	return resolved, nil
}
