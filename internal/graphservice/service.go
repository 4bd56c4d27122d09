// Package graphservice orchestrates entity writes and graph-edge writes into
// composite operations. There is no transaction spanning the entity store and
// the edge store: a crash between the two leaves the entity durable and the
// edge absent, and callers are expected to tolerate that.
package graphservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/metrics"
	"github.com/rpattn/engraph/internal/repository"
)

// Datastore is the slice of the entity datastore this service consumes.
type Datastore interface {
	CreateEntities(ctx context.Context, entitySetID uuid.UUID, entities repository.EntityBatch, authorized domain.PropertyTypeMap) (int, error)
	GetEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions) ([]domain.Entity, error)
	DeleteEntities(ctx context.Context, entitySetID uuid.UUID, keyIDs []uuid.UUID, authorized domain.PropertyTypeMap) (int64, error)
}

// EntityData is one entity to create, addressed by its natural key.
type EntityData struct {
	Key        domain.EntityKey
	Properties domain.PropertyValues
}

// Association is one edge to create. Src and Dst must already exist; the edge
// itself is a new entity carrying the association's property data.
type Association struct {
	Src        domain.EntityKey
	Dst        domain.EntityKey
	Edge       domain.EntityKey
	Properties domain.PropertyValues
}

// CreateResult reports a batch create: the ids reserved for each input key
// and how many entities the store accepted.
type CreateResult struct {
	KeyIDs  map[domain.EntityKey]uuid.UUID
	Written int
}

// RankedEntity is one hydrated top-utilizer row.
type RankedEntity struct {
	Entity domain.Entity `json:"entity"`
	Weight float64       `json:"weight"`
}

// CacheConfig bounds the two service-owned caches. Both are read-through and
// never authoritative past their TTL.
type CacheConfig struct {
	EntityTypeIDSize int
	EntityTypeIDTTL  time.Duration
	TopUtilizersSize int
	TopUtilizersTTL  time.Duration
}

// DefaultCacheConfig returns the standing cache bounds.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		EntityTypeIDSize: 1024,
		EntityTypeIDTTL:  5 * time.Minute,
		TopUtilizersSize: 256,
		TopUtilizersTTL:  30 * time.Second,
	}
}

// Service implements the composite data-graph operations.
type Service struct {
	data   Datastore
	keys   repository.EntityKeyRepository
	graph  repository.Graph
	schema repository.SchemaReader

	typeIDs  *expirable.LRU[uuid.UUID, uuid.UUID]
	topCache *expirable.LRU[string, []RankedEntity]
}

// NewService wires the data-graph service.
func NewService(data Datastore, keys repository.EntityKeyRepository, graph repository.Graph, schema repository.SchemaReader, cfg CacheConfig) *Service {
	return &Service{
		data:     data,
		keys:     keys,
		graph:    graph,
		schema:   schema,
		typeIDs:  expirable.NewLRU[uuid.UUID, uuid.UUID](cfg.EntityTypeIDSize, nil, cfg.EntityTypeIDTTL),
		topCache: expirable.NewLRU[string, []RankedEntity](cfg.TopUtilizersSize, nil, cfg.TopUtilizersTTL),
	}
}

// CreateEntity reserves an id for the key and writes the entity's properties.
func (s *Service) CreateEntity(ctx context.Context, entity EntityData, authorized domain.PropertyTypeMap) (uuid.UUID, error) {
	keyID, err := s.keys.Reserve(ctx, entity.Key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reserve entity key: %w", err)
	}
	batch := repository.EntityBatch{keyID: entity.Properties}
	if _, err := s.data.CreateEntities(ctx, entity.Key.EntitySetID, batch, authorized); err != nil {
		return uuid.Nil, err
	}
	return keyID, nil
}

// CreateEntities reserves ids for the whole batch in one round trip and
// writes all property data. All keys must belong to the given entity set.
func (s *Service) CreateEntities(ctx context.Context, entitySetID uuid.UUID, entities []EntityData, authorized domain.PropertyTypeMap) (CreateResult, error) {
	keys := make([]domain.EntityKey, 0, len(entities))
	for _, entity := range entities {
		keys = append(keys, entity.Key)
	}
	keyIDs, err := s.keys.ReserveBatch(ctx, keys)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to reserve entity keys: %w", err)
	}

	batch := make(repository.EntityBatch, len(entities))
	for _, entity := range entities {
		batch[keyIDs[entity.Key]] = entity.Properties
	}
	written, err := s.data.CreateEntities(ctx, entitySetID, batch, authorized)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{KeyIDs: keyIDs, Written: written}, nil
}

// CreateAssociations creates edges between existing entities. Each
// association fails independently: an unresolvable src or dst skips that
// association with a logged NotFoundError while its siblings proceed. Returns
// the number of edges actually created.
func (s *Service) CreateAssociations(ctx context.Context, associations []Association) (int, error) {
	if len(associations) == 0 {
		return 0, nil
	}

	endpointKeys := make([]domain.EntityKey, 0, 2*len(associations))
	for _, assoc := range associations {
		endpointKeys = append(endpointKeys, assoc.Src, assoc.Dst)
	}
	endpointIDs, err := s.keys.GetIDs(ctx, endpointKeys)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve association endpoints: %w", err)
	}

	// Only associations with both endpoints resolvable get an edge entity.
	viable := make([]Association, 0, len(associations))
	for _, assoc := range associations {
		if _, ok := endpointIDs[assoc.Src]; !ok {
			s.skipAssociation(assoc, assoc.Src)
			continue
		}
		if _, ok := endpointIDs[assoc.Dst]; !ok {
			s.skipAssociation(assoc, assoc.Dst)
			continue
		}
		viable = append(viable, assoc)
	}
	if len(viable) == 0 {
		return 0, nil
	}

	edgeKeys := make([]domain.EntityKey, 0, len(viable))
	for _, assoc := range viable {
		edgeKeys = append(edgeKeys, assoc.Edge)
	}
	edgeIDs, err := s.keys.ReserveBatch(ctx, edgeKeys)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve edge keys: %w", err)
	}

	viable = s.writeEdgeData(ctx, viable, edgeIDs)
	if len(viable) == 0 {
		return 0, nil
	}

	var (
		group, groupCtx = errgroup.WithContext(ctx)
		created         = make([]bool, len(viable))
	)
	group.SetLimit(8)
	for i, assoc := range viable {
		i, assoc := i, assoc
		group.Go(func() error {
			edge, err := s.buildEdge(groupCtx, assoc, endpointIDs, edgeIDs)
			if err != nil {
				log.Printf("[GRAPH] failed to build edge %s: %v", assoc.Edge.EntityID, err)
				return nil
			}
			if err := s.graph.AddEdge(groupCtx, edge); err != nil {
				log.Printf("[GRAPH] failed to add edge %s: %v", assoc.Edge.EntityID, err)
				return nil
			}
			created[i] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	count := 0
	for _, ok := range created {
		if ok {
			count++
		}
	}
	return count, nil
}

// CreateEntitiesAndAssociations writes the entities first so that
// associations between them resolve, then creates the associations.
func (s *Service) CreateEntitiesAndAssociations(ctx context.Context, entities map[uuid.UUID][]EntityData, associations []Association) (int, int, error) {
	entityCount, err := s.BulkCreateEntityData(ctx, entities)
	if err != nil {
		return entityCount, 0, err
	}
	assocCount, err := s.CreateAssociations(ctx, associations)
	return entityCount, assocCount, err
}

// BulkCreateEntityData creates entities across many sets concurrently. A
// failing set is logged and does not abort its siblings; the aggregate error
// is returned alongside the count of entities actually written.
func (s *Service) BulkCreateEntityData(ctx context.Context, batch map[uuid.UUID][]EntityData) (int, error) {
	type setResult struct {
		setID uuid.UUID
		count int
		err   error
	}
	var (
		group, groupCtx = errgroup.WithContext(ctx)
		results         = make(chan setResult, len(batch))
	)
	for entitySetID, entities := range batch {
		entitySetID, entities := entitySetID, entities
		group.Go(func() error {
			authorized, err := s.schema.AuthorizedPropertyTypes(groupCtx, entitySetID)
			if err != nil {
				results <- setResult{setID: entitySetID, err: err}
				return nil
			}
			result, err := s.CreateEntities(groupCtx, entitySetID, entities, authorized)
			results <- setResult{setID: entitySetID, count: result.Written, err: err}
			return nil
		})
	}
	_ = group.Wait()
	close(results)

	total := 0
	var failures []error
	for result := range results {
		if result.err != nil {
			log.Printf("[GRAPH] bulk create failed for entity set %s: %v", result.setID, result.err)
			failures = append(failures, fmt.Errorf("entity set %s: %w", result.setID, result.err))
			continue
		}
		total += result.count
	}
	return total, errors.Join(failures...)
}

// DeleteEntity purges the entity's property data and removes it from the
// graph, including edges it participates in as an endpoint or as the edge
// entity itself. Both deletions run; the first failure of each is reported.
func (s *Service) DeleteEntity(ctx context.Context, entitySetID, keyID uuid.UUID, authorized domain.PropertyTypeMap) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if _, err := s.data.DeleteEntities(groupCtx, entitySetID, []uuid.UUID{keyID}, authorized); err != nil {
			return fmt.Errorf("failed to delete entity data: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if _, err := s.graph.DeleteVertex(groupCtx, keyID); err != nil {
			return fmt.Errorf("failed to delete graph vertex: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// DeleteAssociation removes one edge from the graph.
func (s *Service) DeleteAssociation(ctx context.Context, key domain.EdgeKey) error {
	return s.graph.DeleteEdge(ctx, key)
}

// NeighborEntitySets lists the (src, edge, dst) set triplets reachable from
// an entity set.
func (s *Service) NeighborEntitySets(ctx context.Context, entitySetID uuid.UUID) ([]domain.NeighborSets, error) {
	return s.graph.GetNeighborEntitySets(ctx, entitySetID)
}

// TopUtilizers ranks the heaviest-connected entities of a set under the
// given weighted filters and hydrates them into full entities. Results are
// served from a short-lived cache; entries past their TTL are recomputed.
func (s *Service) TopUtilizers(ctx context.Context, entitySetID uuid.UUID, numResults int, srcFilters, dstFilters []repository.NeighborFilter, authorized domain.PropertyTypeMap, opts repository.ReadOptions) ([]RankedEntity, error) {
	cacheKey := topUtilizersKey(entitySetID, numResults, srcFilters, dstFilters)
	if ranked, ok := s.topCache.Get(cacheKey); ok {
		return ranked, nil
	}

	weighted, err := s.graph.ComputeGraphAggregation(ctx, numResults, entitySetID, srcFilters, dstFilters)
	if err != nil {
		return nil, fmt.Errorf("failed to compute graph aggregation: %w", err)
	}

	keyIDs := make([]uuid.UUID, len(weighted))
	for i, row := range weighted {
		keyIDs[i] = row.KeyID
	}
	entities, err := s.data.GetEntities(ctx, entitySetID, keyIDs, authorized, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate top utilizers: %w", err)
	}
	byID := make(map[uuid.UUID]domain.Entity, len(entities))
	for _, entity := range entities {
		byID[entity.KeyID] = entity
	}

	ranked := make([]RankedEntity, 0, len(weighted))
	for _, row := range weighted {
		entity, ok := byID[row.KeyID]
		if !ok {
			// Edges can outlive their entity data across the non-atomic
			// entity/edge boundary.
			log.Printf("[GRAPH] top utilizer %s has no live entity data", row.KeyID)
			continue
		}
		ranked = append(ranked, RankedEntity{Entity: entity, Weight: row.Weight})
	}

	s.topCache.Add(cacheKey, ranked)
	return ranked, nil
}

// EntityTypeID resolves the entity type backing an entity set through the
// bounded read-through cache.
func (s *Service) EntityTypeID(ctx context.Context, entitySetID uuid.UUID) (uuid.UUID, error) {
	if typeID, ok := s.typeIDs.Get(entitySetID); ok {
		return typeID, nil
	}
	typeID, err := s.schema.EntityTypeID(ctx, entitySetID)
	if err != nil {
		return uuid.Nil, err
	}
	s.typeIDs.Add(entitySetID, typeID)
	return typeID, nil
}

func (s *Service) skipAssociation(assoc Association, missing domain.EntityKey) {
	err := &domain.NotFoundError{Kind: "association endpoint", ID: missing.EntityID}
	log.Printf("[GRAPH] skipping association %s: %v", assoc.Edge.EntityID, err)
	metrics.AssociationsSkipped.Inc()
}

// writeEdgeData persists the associations' own property payloads, grouped by
// edge entity set. A failing edge set is logged and its associations dropped;
// associations in healthy sets survive and still get their edges.
func (s *Service) writeEdgeData(ctx context.Context, associations []Association, edgeIDs map[domain.EntityKey]uuid.UUID) []Association {
	bySet := make(map[uuid.UUID]repository.EntityBatch)
	for _, assoc := range associations {
		setID := assoc.Edge.EntitySetID
		if bySet[setID] == nil {
			bySet[setID] = repository.EntityBatch{}
		}
		properties := assoc.Properties
		if properties == nil {
			properties = domain.PropertyValues{}
		}
		bySet[setID][edgeIDs[assoc.Edge]] = properties
	}

	failedSets := make(map[uuid.UUID]struct{})
	for setID, batch := range bySet {
		authorized, err := s.schema.AuthorizedPropertyTypes(ctx, setID)
		if err == nil {
			_, err = s.data.CreateEntities(ctx, setID, batch, authorized)
		}
		if err != nil {
			log.Printf("[GRAPH] failed to write edge data for set %s: %v", setID, err)
			failedSets[setID] = struct{}{}
		}
	}
	if len(failedSets) == 0 {
		return associations
	}

	surviving := make([]Association, 0, len(associations))
	for _, assoc := range associations {
		if _, failed := failedSets[assoc.Edge.EntitySetID]; failed {
			metrics.AssociationsSkipped.Inc()
			continue
		}
		surviving = append(surviving, assoc)
	}
	return surviving
}

func (s *Service) buildEdge(ctx context.Context, assoc Association, endpointIDs, edgeIDs map[domain.EntityKey]uuid.UUID) (domain.Edge, error) {
	srcTypeID, err := s.EntityTypeID(ctx, assoc.Src.EntitySetID)
	if err != nil {
		return domain.Edge{}, err
	}
	dstTypeID, err := s.EntityTypeID(ctx, assoc.Dst.EntitySetID)
	if err != nil {
		return domain.Edge{}, err
	}
	edgeTypeID, err := s.EntityTypeID(ctx, assoc.Edge.EntitySetID)
	if err != nil {
		return domain.Edge{}, err
	}
	return domain.Edge{
		Key: domain.EdgeKey{
			SrcKeyID:  endpointIDs[assoc.Src],
			DstKeyID:  endpointIDs[assoc.Dst],
			EdgeKeyID: edgeIDs[assoc.Edge],
		},
		SrcTypeID:  srcTypeID,
		SrcSetID:   assoc.Src.EntitySetID,
		DstTypeID:  dstTypeID,
		DstSetID:   assoc.Dst.EntitySetID,
		EdgeTypeID: edgeTypeID,
		EdgeSetID:  assoc.Edge.EntitySetID,
	}, nil
}

// topUtilizersKey derives a deterministic cache key from the set, the result
// bound, and the filter lists. Filter order within each list is normalized so
// equivalent queries share an entry.
func topUtilizersKey(entitySetID uuid.UUID, numResults int, srcFilters, dstFilters []repository.NeighborFilter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d", entitySetID, numResults)
	for _, filters := range [][]repository.NeighborFilter{srcFilters, dstFilters} {
		parts := make([]string, 0, len(filters))
		for _, filter := range filters {
			neighbors := make([]string, 0, len(filter.NeighborTypeIDs))
			for _, id := range filter.NeighborTypeIDs {
				neighbors = append(neighbors, id.String())
			}
			sort.Strings(neighbors)
			parts = append(parts, fmt.Sprintf("%s:%g:%s", filter.AssociationTypeID, filter.Weight, strings.Join(neighbors, ",")))
		}
		sort.Strings(parts)
		b.WriteString("|" + strings.Join(parts, ";"))
	}
	return b.String()
}
