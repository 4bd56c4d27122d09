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

// schemaRepository implements SchemaReader over the EDM read model. The EDM
// collaborator owns these tables; this side only reads.
type schemaRepository struct {
	pool *pgxpool.Pool
}

// NewSchemaRepository creates a read-only schema repository.
func NewSchemaRepository(pool *pgxpool.Pool) SchemaReader {
	return &schemaRepository{pool: pool}
}

const propertyTypesForSetSQL = `
SELECT pt.id, pt.namespace, pt.name, pt.datatype, pt.enum_values, pt.pii, pt.analyzer
FROM entity_sets es
JOIN entity_type_property_types etpt ON etpt.entity_type_id = es.entity_type_id
JOIN property_types pt ON pt.id = etpt.property_type_id
WHERE es.id = $1`

func (r *schemaRepository) AuthorizedPropertyTypes(ctx context.Context, entitySetID uuid.UUID) (domain.PropertyTypeMap, error) {
	rows, err := r.pool.Query(ctx, propertyTypesForSetSQL, entitySetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load property types for %s: %w", entitySetID, err)
	}
	defer rows.Close()

	schema := make(domain.PropertyTypeMap)
	for rows.Next() {
		var pt domain.PropertyType
		var enumValues []string
		var analyzer *string
		if err := rows.Scan(&pt.ID, &pt.Type.Namespace, &pt.Type.Name, &pt.Datatype, &enumValues, &pt.PII, &analyzer); err != nil {
			return nil, fmt.Errorf("failed to scan property type: %w", err)
		}
		pt.EnumValues = enumValues
		if analyzer != nil {
			pt.Analyzer = *analyzer
		}
		schema[pt.ID] = pt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read property types: %w", err)
	}
	if len(schema) == 0 {
		return nil, &domain.NotFoundError{Kind: "entity set", ID: entitySetID.String()}
	}
	return schema, nil
}

func (r *schemaRepository) EntityTypeID(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error) {
	var typeID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT entity_type_id FROM entity_sets WHERE id = $1`, entitySetID,
	).Scan(&typeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, &domain.NotFoundError{Kind: "entity set", ID: entitySetID.String()}
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve entity type for %s: %w", entitySetID, err)
	}
	return typeID, nil
}
