package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/repository"
)

type fakeStream struct {
	entities []domain.Entity
}

func (f *fakeStream) StreamEntitySet(_ context.Context, _ uuid.UUID, _ domain.PropertyTypeMap, _ repository.ReadOptions, fn func(domain.Entity) error) error {
	for _, entity := range f.entities {
		if err := fn(entity); err != nil {
			return err
		}
	}
	return nil
}

type fakeKeys struct {
	keys map[uuid.UUID]domain.EntityKey
}

func (f *fakeKeys) Reserve(_ context.Context, _ domain.EntityKey) (uuid.UUID, error) {
	return uuid.Nil, nil
}

func (f *fakeKeys) ReserveBatch(_ context.Context, _ []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeKeys) GetID(_ context.Context, key domain.EntityKey) (uuid.UUID, error) {
	for id, candidate := range f.keys {
		if candidate == key {
			return id, nil
		}
	}
	return uuid.Nil, domain.ErrNotFound
}

func (f *fakeKeys) GetIDs(_ context.Context, _ []domain.EntityKey) (map[domain.EntityKey]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeKeys) GetKey(_ context.Context, id uuid.UUID) (domain.EntityKey, error) {
	key, ok := f.keys[id]
	if !ok {
		return domain.EntityKey{}, domain.ErrNotFound
	}
	return key, nil
}

func (f *fakeKeys) GetKeys(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.EntityKey, error) {
	resolved := make(map[uuid.UUID]domain.EntityKey)
	for _, id := range ids {
		if key, ok := f.keys[id]; ok {
			resolved[id] = key
		}
	}
	return resolved, nil
}

func exportSchema() domain.PropertyTypeMap {
	name := domain.PropertyType{ID: uuid.New(), Type: domain.FQN{Namespace: "person", Name: "name"}, Datatype: domain.DataTypeString}
	age := domain.PropertyType{ID: uuid.New(), Type: domain.FQN{Namespace: "person", Name: "age"}, Datatype: domain.DataTypeInt32}
	return domain.PropertyTypeMap{name.ID: name, age.ID: age}
}

func exportFixture(entitySetID uuid.UUID) ([]domain.Entity, *fakeKeys) {
	aliceID := uuid.New()
	bobID := uuid.New()
	entities := []domain.Entity{
		{
			KeyID: aliceID,
			PropertiesByName: map[string][]any{
				"person.name": {"alice"},
				"person.age":  {int32(30)},
			},
		},
		{
			KeyID: bobID,
			PropertiesByName: map[string][]any{
				"person.name": {"bob", "robert"},
			},
		},
	}
	keys := &fakeKeys{keys: map[uuid.UUID]domain.EntityKey{
		aliceID: {EntitySetID: entitySetID, EntityID: "alice-1"},
		bobID:   {EntitySetID: entitySetID, EntityID: "bob-2"},
	}}
	return entities, keys
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatCSV {
		t.Fatalf("empty format should default to csv, got %q (%v)", f, err)
	}
	if f, err := ParseFormat("XLSX"); err != nil || f != FormatXLSX {
		t.Fatalf("expected xlsx, got %q (%v)", f, err)
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("unsupported format must fail")
	}
}

func TestExportCSV(t *testing.T) {
	entitySetID := uuid.New()
	entities, keys := exportFixture(entitySetID)
	exporter := NewExporter(&fakeStream{entities: entities}, keys)

	var buf bytes.Buffer
	rows, err := exporter.Export(context.Background(), &buf, FormatCSV, entitySetID, exportSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 rows, got %d", rows)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d records", len(records))
	}
	if records[0][0] != "entity_id" || records[0][1] != "person.age" || records[0][2] != "person.name" {
		t.Fatalf("expected entity_id then sorted fully qualified names, got %v", records[0])
	}
	if records[1][0] != "alice-1" || records[2][0] != "bob-2" {
		t.Fatalf("entity ids must round-trip into the first column, got %v / %v", records[1], records[2])
	}
	if records[1][1] != "30" || records[1][2] != "alice" {
		t.Fatalf("unexpected first row %v", records[1])
	}
	if records[2][1] != "" {
		t.Fatalf("missing property must render empty, got %q", records[2][1])
	}
	if !strings.Contains(records[2][2], "bob") || !strings.Contains(records[2][2], "robert") {
		t.Fatalf("multi-valued property must keep all values, got %q", records[2][2])
	}
}

func TestExportCSV_UnresolvableKeyLeavesIDEmpty(t *testing.T) {
	entitySetID := uuid.New()
	entities, keys := exportFixture(entitySetID)
	for id := range keys.keys {
		delete(keys.keys, id)
	}
	exporter := NewExporter(&fakeStream{entities: entities}, keys)

	var buf bytes.Buffer
	rows, err := exporter.Export(context.Background(), &buf, FormatCSV, entitySetID, exportSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 rows, got %d", rows)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	for _, record := range records[1:] {
		if record[0] != "" {
			t.Fatalf("unresolvable key must export an empty entity_id, got %q", record[0])
		}
	}
}

func TestExportXLSX(t *testing.T) {
	entitySetID := uuid.New()
	entities, keys := exportFixture(entitySetID)
	exporter := NewExporter(&fakeStream{entities: entities}, keys)

	var buf bytes.Buffer
	rows, err := exporter.Export(context.Background(), &buf, FormatXLSX, entitySetID, exportSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected 2 rows, got %d", rows)
	}

	workbook, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("failed to reopen workbook: %v", err)
	}
	defer workbook.Close()

	sheetRows, err := workbook.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("failed to read sheet: %v", err)
	}
	if len(sheetRows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(sheetRows))
	}
	if sheetRows[0][0] != "entity_id" || sheetRows[0][1] != "person.age" || sheetRows[0][2] != "person.name" {
		t.Fatalf("unexpected headers %v", sheetRows[0])
	}
	if sheetRows[1][0] != "alice-1" || sheetRows[1][2] != "alice" {
		t.Fatalf("unexpected first row %v", sheetRows[1])
	}
}
