// Package export streams an entity set into a downloadable file. Rows are
// produced lazily from the datastore's streaming read path, so a large set
// never has to fit in memory.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/repository"
)

// Format selects the output file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a request parameter to a Format, defaulting to CSV.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// FileName builds the attachment name for an export of the given set.
func (f Format) FileName(entitySetID uuid.UUID) string {
	return fmt.Sprintf("entity-set-%s.%s", entitySetID, f)
}

// Datastore is the read surface the exporter consumes.
type Datastore interface {
	StreamEntitySet(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions, fn func(domain.Entity) error) error
}

// entityIDHeader is the identity column every export carries, matching what
// the import side expects, so an exported file can be imported back.
const entityIDHeader = "entity_id"

// resolveBatchSize bounds how many key ids one reverse-resolution query
// carries while streaming rows.
const resolveBatchSize = 500

// Exporter streams entity sets to CSV or XLSX.
type Exporter struct {
	data Datastore
	keys repository.EntityKeyRepository
}

// NewExporter creates an exporter over the datastore and key repository.
func NewExporter(data Datastore, keys repository.EntityKeyRepository) *Exporter {
	return &Exporter{data: data, keys: keys}
}

// Export writes the whole entity set to w in the given format and returns the
// number of entity rows written. The first column is the caller-supplied
// entity id; the remaining columns are the authorized property types, headed
// by their fully qualified names in lexicographic order.
func (e *Exporter) Export(ctx context.Context, w io.Writer, format Format, entitySetID uuid.UUID, authorized domain.PropertyTypeMap) (int, error) {
	headers := columnHeaders(authorized)
	opts := repository.ReadOptions{Projection: domain.ProjectByFQN}

	var (
		rows int
		err  error
	)
	switch format {
	case FormatXLSX:
		rows, err = e.exportXLSX(ctx, w, entitySetID, headers, authorized, opts)
	default:
		rows, err = e.exportCSV(ctx, w, entitySetID, headers, authorized, opts)
	}
	if err != nil {
		return rows, err
	}
	log.Printf("[EXPORT] entity set %s exported (rows=%d format=%s)", entitySetID, rows, format)
	return rows, nil
}

func (e *Exporter) exportCSV(ctx context.Context, w io.Writer, entitySetID uuid.UUID, headers []string, authorized domain.PropertyTypeMap, opts repository.ReadOptions) (int, error) {
	buffered := bufio.NewWriterSize(w, 1<<20)
	csvWriter := csv.NewWriter(buffered)

	if err := csvWriter.Write(headers); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, len(headers))
	rows, err := e.forEachRow(ctx, entitySetID, authorized, opts, func(entityID string, entity domain.Entity) error {
		row[0] = entityID
		for i, header := range headers[1:] {
			row[i+1] = formatValues(entity.PropertiesByName[header])
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	if err != nil {
		return rows, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return rows, fmt.Errorf("failed to flush export: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return rows, fmt.Errorf("failed to flush export: %w", err)
	}
	return rows, nil
}

func (e *Exporter) exportXLSX(ctx context.Context, w io.Writer, entitySetID uuid.UUID, headers []string, authorized domain.PropertyTypeMap, opts repository.ReadOptions) (int, error) {
	file := excelize.NewFile()
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("[EXPORT] failed to close workbook: %v", err)
		}
	}()

	stream, err := file.NewStreamWriter("Sheet1")
	if err != nil {
		return 0, fmt.Errorf("failed to open stream writer: %w", err)
	}

	headerRow := make([]any, len(headers))
	for i, header := range headers {
		headerRow[i] = header
	}
	if err := stream.SetRow("A1", headerRow); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	written := 0
	row := make([]any, len(headers))
	rows, err := e.forEachRow(ctx, entitySetID, authorized, opts, func(entityID string, entity domain.Entity) error {
		row[0] = entityID
		for i, header := range headers[1:] {
			row[i+1] = formatValues(entity.PropertiesByName[header])
		}
		cell, err := excelize.CoordinatesToCellName(1, written+2)
		if err != nil {
			return fmt.Errorf("failed to address row: %w", err)
		}
		if err := stream.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		written++
		return nil
	})
	if err != nil {
		return rows, err
	}

	if err := stream.Flush(); err != nil {
		return rows, fmt.Errorf("failed to flush workbook: %w", err)
	}
	if err := file.Write(w); err != nil {
		return rows, fmt.Errorf("failed to write workbook: %w", err)
	}
	return rows, nil
}

// forEachRow streams the set and hands each entity to fn together with its
// caller-supplied entity id, reverse-resolving key ids in batches. An entity
// with no surviving key row is exported with an empty id.
func (e *Exporter) forEachRow(ctx context.Context, entitySetID uuid.UUID, authorized domain.PropertyTypeMap, opts repository.ReadOptions, fn func(entityID string, entity domain.Entity) error) (int, error) {
	rows := 0
	batch := make([]domain.Entity, 0, resolveBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(batch))
		for i, entity := range batch {
			ids[i] = entity.KeyID
		}
		resolved, err := e.keys.GetKeys(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to resolve entity ids: %w", err)
		}
		for _, entity := range batch {
			key, ok := resolved[entity.KeyID]
			if !ok {
				log.Printf("[EXPORT] no entity key for %s, leaving entity_id empty", entity.KeyID)
			}
			if err := fn(key.EntityID, entity); err != nil {
				return err
			}
			rows++
		}
		batch = batch[:0]
		return nil
	}

	err := e.data.StreamEntitySet(ctx, entitySetID, authorized, opts, func(entity domain.Entity) error {
		batch = append(batch, entity)
		if len(batch) == resolveBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return rows, err
	}
	if err := flush(); err != nil {
		return rows, err
	}
	return rows, nil
}

func columnHeaders(authorized domain.PropertyTypeMap) []string {
	headers := make([]string, 1, len(authorized)+1)
	headers[0] = entityIDHeader
	for _, pt := range authorized {
		headers = append(headers, pt.Type.String())
	}
	sort.Strings(headers[1:])
	return headers
}

// formatValues renders a multi-valued property for a single cell: one value
// renders plainly, several render as a JSON array.
func formatValues(values []any) string {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return formatValue(values[0])
	default:
		rendered := make([]string, len(values))
		for i, value := range values {
			rendered[i] = formatValue(value)
		}
		encoded, err := json.Marshal(rendered)
		if err != nil {
			return strings.Join(rendered, ";")
		}
		return string(encoded)
	}
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case fmt.Stringer:
		return v.String()
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
