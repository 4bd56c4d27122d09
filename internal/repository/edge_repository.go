package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/engraph/internal/domain"
)

// edgeRepository implements the Graph contract over the edges table.
type edgeRepository struct {
	pool *pgxpool.Pool
}

// NewEdgeRepository creates a new edge repository.
func NewEdgeRepository(pool *pgxpool.Pool) Graph {
	return &edgeRepository{pool: pool}
}

const addEdgeSQL = `
INSERT INTO edges
    (src_key_id, dst_key_id, edge_key_id,
     src_type_id, src_set_id, dst_type_id, dst_set_id, edge_type_id, edge_set_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (src_key_id, dst_key_id, edge_key_id) DO NOTHING`

func (r *edgeRepository) AddEdge(ctx context.Context, edge domain.Edge) error {
	_, err := r.pool.Exec(ctx, addEdgeSQL,
		edge.Key.SrcKeyID, edge.Key.DstKeyID, edge.Key.EdgeKeyID,
		edge.SrcTypeID, edge.SrcSetID, edge.DstTypeID, edge.DstSetID,
		edge.EdgeTypeID, edge.EdgeSetID,
	)
	if err != nil {
		return fmt.Errorf("failed to add edge: %w", err)
	}
	return nil
}

// DeleteVertex removes every edge touching the key id, in either direction or
// as the edge entity itself. Returns the number of edges removed.
func (r *edgeRepository) DeleteVertex(ctx context.Context, keyID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM edges WHERE src_key_id = $1 OR dst_key_id = $1 OR edge_key_id = $1`, keyID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete vertex %s: %w", keyID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *edgeRepository) DeleteEdge(ctx context.Context, key domain.EdgeKey) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM edges WHERE src_key_id = $1 AND dst_key_id = $2 AND edge_key_id = $3`,
		key.SrcKeyID, key.DstKeyID, key.EdgeKeyID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Kind: "edge", ID: key.EdgeKeyID.String()}
	}
	return nil
}

const outgoingAggregationSQL = `
SELECT src_key_id, count(*)
FROM edges
WHERE src_set_id = $1 AND edge_type_id = $2 AND dst_type_id = ANY($3)
GROUP BY src_key_id`

const incomingAggregationSQL = `
SELECT dst_key_id, count(*)
FROM edges
WHERE dst_set_id = $1 AND edge_type_id = $2 AND src_type_id = ANY($3)
GROUP BY dst_key_id`

// ComputeGraphAggregation scores every entity in the set by the weighted
// count of its matching neighbors and returns the top numResults, heaviest
// first.
func (r *edgeRepository) ComputeGraphAggregation(ctx context.Context, numResults int, entitySetID uuid.UUID, srcFilters, dstFilters []NeighborFilter) ([]WeightedID, error) {
	weights := make(map[uuid.UUID]float64)

	if err := r.accumulate(ctx, outgoingAggregationSQL, entitySetID, srcFilters, weights); err != nil {
		return nil, err
	}
	if err := r.accumulate(ctx, incomingAggregationSQL, entitySetID, dstFilters, weights); err != nil {
		return nil, err
	}

	ranked := make([]WeightedID, 0, len(weights))
	for keyID, weight := range weights {
		ranked = append(ranked, WeightedID{KeyID: keyID, Weight: weight})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].KeyID.String() < ranked[j].KeyID.String()
	})
	if numResults > 0 && len(ranked) > numResults {
		ranked = ranked[:numResults]
	}
	return ranked, nil
}

func (r *edgeRepository) accumulate(ctx context.Context, query string, entitySetID uuid.UUID, filters []NeighborFilter, weights map[uuid.UUID]float64) error {
	for _, filter := range filters {
		rows, err := r.pool.Query(ctx, query, entitySetID, filter.AssociationTypeID, filter.NeighborTypeIDs)
		if err != nil {
			return fmt.Errorf("failed to aggregate edges: %w", err)
		}
		for rows.Next() {
			var keyID uuid.UUID
			var count int64
			if err := rows.Scan(&keyID, &count); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan aggregation row: %w", err)
			}
			weights[keyID] += filter.Weight * float64(count)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("failed to read aggregation rows: %w", err)
		}
	}
	return nil
}

const neighborSetsSQL = `
SELECT DISTINCT src_set_id, edge_set_id, dst_set_id
FROM edges
WHERE src_set_id = $1 OR dst_set_id = $1`

func (r *edgeRepository) GetNeighborEntitySets(ctx context.Context, entitySetID uuid.UUID) ([]domain.NeighborSets, error) {
	rows, err := r.pool.Query(ctx, neighborSetsSQL, entitySetID)
	if err != nil {
		return nil, fmt.Errorf("failed to read neighbor entity sets: %w", err)
	}
	defer rows.Close()

	var triplets []domain.NeighborSets
	for rows.Next() {
		var t domain.NeighborSets
		if err := rows.Scan(&t.SrcSetID, &t.EdgeSetID, &t.DstSetID); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor triplet: %w", err)
		}
		triplets = append(triplets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read neighbor triplets: %w", err)
	}
	return triplets, nil
}
