// Package ingestion loads tabular files into an entity set. It is the inverse
// of export: one row per entity, one column per property, headed by fully
// qualified property names.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/graphservice"
)

// ErrUnsupportedFormat is returned when an uploaded file is not supported.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// entityIDColumn is the required first column naming each row's natural id.
const entityIDColumn = "entity_id"

// Creator is the write surface the importer feeds.
type Creator interface {
	CreateEntities(ctx context.Context, entitySetID uuid.UUID, entities []graphservice.EntityData, authorized domain.PropertyTypeMap) (graphservice.CreateResult, error)
}

// Importer parses uploads and writes them through the data-graph service.
type Importer struct {
	creator Creator
}

// NewImporter creates an importer over the given write surface.
func NewImporter(creator Creator) *Importer {
	return &Importer{creator: creator}
}

// Result summarizes one import.
type Result struct {
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
	Written int `json:"written"`
}

// Import reads the file, resolves its columns against the authorized property
// types, and creates one entity per row. Rows with no entity id are skipped
// with a log entry; an unknown column header fails the whole import before
// any write.
func (i *Importer) Import(ctx context.Context, entitySetID uuid.UUID, fileName string, data io.Reader, authorized domain.PropertyTypeMap) (Result, error) {
	rows, err := readRows(fileName, data)
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{}, errors.New("file has no header row")
	}

	columns, err := resolveColumns(rows[0], authorized)
	if err != nil {
		return Result{}, err
	}

	result := Result{}
	entities := make([]graphservice.EntityData, 0, len(rows)-1)
	for rowIdx, row := range rows[1:] {
		result.Rows++
		entityID := ""
		properties := domain.PropertyValues{}
		for colIdx, column := range columns {
			if colIdx >= len(row) {
				break
			}
			cell := strings.TrimSpace(row[colIdx])
			if cell == "" {
				continue
			}
			if column.isEntityID {
				entityID = cell
				continue
			}
			properties[column.propertyTypeID] = append(properties[column.propertyTypeID], cellValues(cell)...)
		}
		if entityID == "" {
			log.Printf("[INGEST] skipping row %d: missing %s", rowIdx+2, entityIDColumn)
			result.Skipped++
			continue
		}
		entities = append(entities, graphservice.EntityData{
			Key:        domain.EntityKey{EntitySetID: entitySetID, EntityID: entityID},
			Properties: properties,
		})
	}

	if len(entities) == 0 {
		return result, nil
	}
	created, err := i.creator.CreateEntities(ctx, entitySetID, entities, authorized)
	if err != nil {
		return result, err
	}
	result.Written = created.Written
	log.Printf("[INGEST] imported %s into entity set %s (rows=%d written=%d skipped=%d)",
		fileName, entitySetID, result.Rows, result.Written, result.Skipped)
	return result, nil
}

type column struct {
	isEntityID     bool
	propertyTypeID uuid.UUID
}

func resolveColumns(header []string, authorized domain.PropertyTypeMap) ([]column, error) {
	byFQN := authorized.ByFQN()
	columns := make([]column, len(header))
	sawEntityID := false
	for idx, raw := range header {
		name := strings.TrimSpace(raw)
		if strings.EqualFold(name, entityIDColumn) {
			columns[idx] = column{isEntityID: true}
			sawEntityID = true
			continue
		}
		pt, ok := byFQN[name]
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		columns[idx] = column{propertyTypeID: pt.ID}
	}
	if !sawEntityID {
		return nil, fmt.Errorf("missing required column %q", entityIDColumn)
	}
	return columns, nil
}

// cellValues splits a cell into property values. A JSON array cell carries
// multiple values, anything else is one value.
func cellValues(cell string) []any {
	if strings.HasPrefix(cell, "[") {
		var values []any
		if err := json.Unmarshal([]byte(cell), &values); err == nil {
			return values
		}
	}
	return []any{cell}
}

func readRows(fileName string, data io.Reader) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return readCSV(data)
	case ".xlsx":
		return readXLSX(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fileName)
	}
}

func readCSV(data io.Reader) ([][]string, error) {
	buffered := bufio.NewReader(data)
	if bom, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(bom, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}
	reader := csv.NewReader(buffered)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return rows, nil
}

func readXLSX(data io.Reader) ([][]string, error) {
	workbook, err := excelize.OpenReader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer func() {
		if err := workbook.Close(); err != nil {
			log.Printf("[INGEST] failed to close workbook: %v", err)
		}
	}()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}
