package graphservice

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/repository"
)

type fakeDatastore struct {
	created map[uuid.UUID]repository.EntityBatch
	deleted []uuid.UUID
	served  map[uuid.UUID]domain.Entity
	failSet uuid.UUID
}

func newFakeDatastore() *fakeDatastore {
	return &fakeDatastore{
		created: map[uuid.UUID]repository.EntityBatch{},
		served:  map[uuid.UUID]domain.Entity{},
	}
}

func (f *fakeDatastore) CreateEntities(_ context.Context, entitySetID uuid.UUID, entities repository.EntityBatch, _ domain.PropertyTypeMap) (int, error) {
	if entitySetID == f.failSet {
		return 0, errors.New("store unavailable")
	}
	if f.created[entitySetID] == nil {
		f.created[entitySetID] = repository.EntityBatch{}
	}
	for keyID, properties := range entities {
		f.created[entitySetID][keyID] = properties
	}
	return len(entities), nil
}

func (f *fakeDatastore) GetEntities(_ context.Context, _ uuid.UUID, keyIDs []uuid.UUID, _ domain.PropertyTypeMap, _ repository.ReadOptions) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, keyID := range keyIDs {
		if entity, ok := f.served[keyID]; ok {
			out = append(out, entity)
		}
	}
	return out, nil
}

func (f *fakeDatastore) DeleteEntities(_ context.Context, _ uuid.UUID, keyIDs []uuid.UUID, _ domain.PropertyTypeMap) (int64, error) {
	f.deleted = append(f.deleted, keyIDs...)
	return int64(len(keyIDs)), nil
}

type fakeKeys struct {
	ids map[domain.EntityKey]uuid.UUID
}

func (f *fakeKeys) Reserve(_ context.Context, key domain.EntityKey) (uuid.UUID, error) {
	if id, ok := f.ids[key]; ok {
		return id, nil
	}
	id := uuid.New()
	f.ids[key] = id
	return id, nil
}

func (f *fakeKeys) ReserveBatch(ctx context.Context, keys []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error) {
	out := make(map[domain.EntityKey]uuid.UUID, len(keys))
	for _, key := range keys {
		id, _ := f.Reserve(ctx, key)
		out[key] = id
	}
	return out, nil
}

func (f *fakeKeys) GetID(_ context.Context, key domain.EntityKey) (uuid.UUID, error) {
	if id, ok := f.ids[key]; ok {
		return id, nil
	}
	return uuid.Nil, &domain.NotFoundError{Kind: "entity key", ID: key.EntityID}
}

func (f *fakeKeys) GetIDs(_ context.Context, keys []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error) {
	out := make(map[domain.EntityKey]uuid.UUID)
	for _, key := range keys {
		if id, ok := f.ids[key]; ok {
			out[key] = id
		}
	}
	return out, nil
}

func (f *fakeKeys) GetKey(_ context.Context, id uuid.UUID) (domain.EntityKey, error) {
	for key, candidate := range f.ids {
		if candidate == id {
			return key, nil
		}
	}
	return domain.EntityKey{}, &domain.NotFoundError{Kind: "entity key id", ID: id.String()}
}

func (f *fakeKeys) GetKeys(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.EntityKey, error) {
	out := make(map[uuid.UUID]domain.EntityKey)
	for key, id := range f.ids {
		for _, wanted := range ids {
			if id == wanted {
				out[id] = key
			}
		}
	}
	return out, nil
}

type fakeGraph struct {
	edges           []domain.Edge
	deletedVertices []uuid.UUID
	aggregation     []repository.WeightedID
	aggregateCalls  int
}

func (f *fakeGraph) AddEdge(_ context.Context, edge domain.Edge) error {
	f.edges = append(f.edges, edge)
	return nil
}

func (f *fakeGraph) DeleteVertex(_ context.Context, keyID uuid.UUID) (int64, error) {
	f.deletedVertices = append(f.deletedVertices, keyID)
	return 1, nil
}

func (f *fakeGraph) DeleteEdge(_ context.Context, _ domain.EdgeKey) error { return nil }

func (f *fakeGraph) ComputeGraphAggregation(_ context.Context, _ int, _ uuid.UUID, _, _ []repository.NeighborFilter) ([]repository.WeightedID, error) {
	f.aggregateCalls++
	return f.aggregation, nil
}

func (f *fakeGraph) GetNeighborEntitySets(_ context.Context, _ uuid.UUID) ([]domain.NeighborSets, error) {
	return nil, nil
}

type fakeSchema struct {
	typeIDs     map[uuid.UUID]uuid.UUID
	typeIDCalls int
}

func (f *fakeSchema) AuthorizedPropertyTypes(_ context.Context, _ uuid.UUID) (domain.PropertyTypeMap, error) {
	return domain.PropertyTypeMap{}, nil
}

func (f *fakeSchema) EntityTypeID(_ context.Context, entitySetID uuid.UUID) (uuid.UUID, error) {
	f.typeIDCalls++
	if typeID, ok := f.typeIDs[entitySetID]; ok {
		return typeID, nil
	}
	return uuid.Nil, &domain.NotFoundError{Kind: "entity set", ID: entitySetID.String()}
}

func newTestService() (*Service, *fakeDatastore, *fakeKeys, *fakeGraph, *fakeSchema) {
	data := newFakeDatastore()
	keys := &fakeKeys{ids: map[domain.EntityKey]uuid.UUID{}}
	graph := &fakeGraph{}
	schema := &fakeSchema{typeIDs: map[uuid.UUID]uuid.UUID{}}
	return NewService(data, keys, graph, schema, DefaultCacheConfig()), data, keys, graph, schema
}

func TestCreateEntities_ReservesAndWrites(t *testing.T) {
	svc, data, keys, _, _ := newTestService()
	setID := uuid.New()
	entities := []EntityData{
		{Key: domain.EntityKey{EntitySetID: setID, EntityID: "a"}, Properties: domain.PropertyValues{}},
		{Key: domain.EntityKey{EntitySetID: setID, EntityID: "b"}, Properties: domain.PropertyValues{}},
	}

	result, err := svc.CreateEntities(context.Background(), setID, entities, domain.PropertyTypeMap{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Written != 2 || len(result.KeyIDs) != 2 {
		t.Fatalf("expected 2 entities written with 2 key ids, got %+v", result)
	}
	for _, entity := range entities {
		keyID, ok := keys.ids[entity.Key]
		if !ok {
			t.Fatalf("key %s was not reserved", entity.Key.EntityID)
		}
		if _, ok := data.created[setID][keyID]; !ok {
			t.Fatalf("entity %s was not written", entity.Key.EntityID)
		}
	}
}

func TestCreateAssociations_IndependentFailure(t *testing.T) {
	svc, data, keys, graph, schema := newTestService()
	ctx := context.Background()

	peopleSet := uuid.New()
	edgeSet := uuid.New()
	schema.typeIDs[peopleSet] = uuid.New()
	schema.typeIDs[edgeSet] = uuid.New()

	alice := domain.EntityKey{EntitySetID: peopleSet, EntityID: "alice"}
	bob := domain.EntityKey{EntitySetID: peopleSet, EntityID: "bob"}
	carol := domain.EntityKey{EntitySetID: peopleSet, EntityID: "carol"}
	ghost := domain.EntityKey{EntitySetID: peopleSet, EntityID: "ghost"}
	for _, key := range []domain.EntityKey{alice, bob, carol} {
		if _, err := keys.Reserve(ctx, key); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	associations := []Association{
		{Src: alice, Dst: bob, Edge: domain.EntityKey{EntitySetID: edgeSet, EntityID: "e1"}},
		{Src: ghost, Dst: bob, Edge: domain.EntityKey{EntitySetID: edgeSet, EntityID: "e2"}},
		{Src: bob, Dst: carol, Edge: domain.EntityKey{EntitySetID: edgeSet, EntityID: "e3"}},
	}

	created, err := svc.CreateAssociations(ctx, associations)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 associations created, got %d", created)
	}
	if len(graph.edges) != 2 {
		t.Fatalf("expected exactly 2 graph edges, got %d", len(graph.edges))
	}
	if len(data.created[edgeSet]) != 2 {
		t.Fatalf("expected 2 edge entities written, got %d", len(data.created[edgeSet]))
	}
	for _, edge := range graph.edges {
		if edge.Key.SrcKeyID == uuid.Nil || edge.Key.DstKeyID == uuid.Nil || edge.Key.EdgeKeyID == uuid.Nil {
			t.Fatalf("edge with unresolved ids reached the graph: %+v", edge)
		}
		if edge.EdgeSetID != edgeSet {
			t.Fatalf("unexpected edge set %s", edge.EdgeSetID)
		}
	}
}

func TestCreateAssociations_FailingEdgeSetDoesNotAbortSiblings(t *testing.T) {
	svc, data, keys, graph, schema := newTestService()
	ctx := context.Background()

	peopleSet := uuid.New()
	healthyEdgeSet := uuid.New()
	brokenEdgeSet := uuid.New()
	schema.typeIDs[peopleSet] = uuid.New()
	schema.typeIDs[healthyEdgeSet] = uuid.New()
	schema.typeIDs[brokenEdgeSet] = uuid.New()
	data.failSet = brokenEdgeSet

	alice := domain.EntityKey{EntitySetID: peopleSet, EntityID: "alice"}
	bob := domain.EntityKey{EntitySetID: peopleSet, EntityID: "bob"}
	for _, key := range []domain.EntityKey{alice, bob} {
		if _, err := keys.Reserve(ctx, key); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	associations := []Association{
		{Src: alice, Dst: bob, Edge: domain.EntityKey{EntitySetID: healthyEdgeSet, EntityID: "e1"}},
		{Src: bob, Dst: alice, Edge: domain.EntityKey{EntitySetID: brokenEdgeSet, EntityID: "e2"}},
	}

	created, err := svc.CreateAssociations(ctx, associations)
	if err != nil {
		t.Fatalf("a failing edge set must not fail the call: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected the healthy sibling to be created, got %d", created)
	}
	if len(graph.edges) != 1 || graph.edges[0].EdgeSetID != healthyEdgeSet {
		t.Fatalf("expected exactly the healthy set's edge, got %+v", graph.edges)
	}
	if len(data.created[healthyEdgeSet]) != 1 {
		t.Fatalf("healthy edge entity should have been written")
	}
}

func TestBulkCreateEntityData_FailingSetDoesNotAbortSiblings(t *testing.T) {
	svc, data, _, _, _ := newTestService()
	healthySet := uuid.New()
	brokenSet := uuid.New()
	data.failSet = brokenSet

	batch := map[uuid.UUID][]EntityData{
		healthySet: {
			{Key: domain.EntityKey{EntitySetID: healthySet, EntityID: "x"}, Properties: domain.PropertyValues{}},
			{Key: domain.EntityKey{EntitySetID: healthySet, EntityID: "y"}, Properties: domain.PropertyValues{}},
		},
		brokenSet: {
			{Key: domain.EntityKey{EntitySetID: brokenSet, EntityID: "z"}, Properties: domain.PropertyValues{}},
		},
	}

	written, err := svc.BulkCreateEntityData(context.Background(), batch)
	if err == nil {
		t.Fatalf("expected the failing set to surface an error")
	}
	if written != 2 {
		t.Fatalf("expected 2 entities written despite the failure, got %d", written)
	}
	if len(data.created[healthySet]) != 2 {
		t.Fatalf("healthy set should have been written")
	}
}

func TestDeleteEntity_RemovesDataAndVertex(t *testing.T) {
	svc, data, _, graph, _ := newTestService()
	setID := uuid.New()
	keyID := uuid.New()

	if err := svc.DeleteEntity(context.Background(), setID, keyID, domain.PropertyTypeMap{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data.deleted) != 1 || data.deleted[0] != keyID {
		t.Fatalf("entity data was not deleted")
	}
	if len(graph.deletedVertices) != 1 || graph.deletedVertices[0] != keyID {
		t.Fatalf("graph vertex was not deleted")
	}
}

func TestTopUtilizers_HydratesAndCaches(t *testing.T) {
	svc, data, _, graph, _ := newTestService()
	setID := uuid.New()

	first := uuid.New()
	second := uuid.New()
	missing := uuid.New()
	graph.aggregation = []repository.WeightedID{
		{KeyID: first, Weight: 10},
		{KeyID: missing, Weight: 7},
		{KeyID: second, Weight: 3},
	}
	data.served[first] = domain.Entity{KeyID: first}
	data.served[second] = domain.Entity{KeyID: second}

	filters := []repository.NeighborFilter{{AssociationTypeID: uuid.New(), Weight: 1}}
	ranked, err := svc.TopUtilizers(context.Background(), setID, 10, filters, nil, domain.PropertyTypeMap{}, repository.ReadOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 hydrated rows (one id has no live data), got %d", len(ranked))
	}
	if ranked[0].Entity.KeyID != first || ranked[0].Weight != 10 {
		t.Fatalf("rows must keep aggregation order: %+v", ranked[0])
	}
	if ranked[1].Entity.KeyID != second || ranked[1].Weight != 3 {
		t.Fatalf("unexpected second row: %+v", ranked[1])
	}

	if _, err := svc.TopUtilizers(context.Background(), setID, 10, filters, nil, domain.PropertyTypeMap{}, repository.ReadOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if graph.aggregateCalls != 1 {
		t.Fatalf("second identical query must be served from cache, saw %d aggregation calls", graph.aggregateCalls)
	}

	if _, err := svc.TopUtilizers(context.Background(), setID, 5, filters, nil, domain.PropertyTypeMap{}, repository.ReadOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if graph.aggregateCalls != 2 {
		t.Fatalf("different result bound must miss the cache")
	}
}

func TestEntityTypeID_CachesLookups(t *testing.T) {
	svc, _, _, _, schema := newTestService()
	setID := uuid.New()
	typeID := uuid.New()
	schema.typeIDs[setID] = typeID

	for i := 0; i < 3; i++ {
		got, err := svc.EntityTypeID(context.Background(), setID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != typeID {
			t.Fatalf("expected %s, got %s", typeID, got)
		}
	}
	if schema.typeIDCalls != 1 {
		t.Fatalf("expected a single schema lookup, got %d", schema.typeIDCalls)
	}
}
