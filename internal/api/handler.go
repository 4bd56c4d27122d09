// Package api is the HTTP/JSON surface over the datastore and the data-graph
// service. Handlers stay thin: parse, authorize through the schema reader,
// delegate, encode.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/datastore"
	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/export"
	"github.com/rpattn/engraph/internal/graphservice"
	"github.com/rpattn/engraph/internal/ingestion"
	"github.com/rpattn/engraph/internal/middleware"
	"github.com/rpattn/engraph/internal/repository"
)

// Handler serves the entity and graph endpoints.
type Handler struct {
	data     *datastore.Service
	graph    *graphservice.Service
	exporter *export.Exporter
	importer *ingestion.Importer
	schema   repository.SchemaReader
}

// NewHandler wires the HTTP surface.
func NewHandler(data *datastore.Service, graph *graphservice.Service, exporter *export.Exporter, importer *ingestion.Importer, schema repository.SchemaReader) *Handler {
	return &Handler{data: data, graph: graph, exporter: exporter, importer: importer, schema: schema}
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /entity-sets/{setID}/entities", h.createEntities)
	mux.HandleFunc("GET /entity-sets/{setID}/entities", h.listEntities)
	mux.HandleFunc("PUT /entity-sets/{setID}/entities", h.updateEntities)
	mux.HandleFunc("DELETE /entity-sets/{setID}/entities", h.removeEntities)
	mux.HandleFunc("DELETE /entity-sets/{setID}", h.removeEntitySet)
	mux.HandleFunc("GET /entity-sets/{setID}/entities/{keyID}", h.getEntity)
	mux.HandleFunc("DELETE /entity-sets/{setID}/entities/{keyID}", h.deleteEntity)
	mux.HandleFunc("GET /entity-sets/{setID}/export", h.exportEntitySet)
	mux.HandleFunc("POST /entity-sets/{setID}/import", h.importEntitySet)
	mux.HandleFunc("GET /entity-sets/{setID}/neighbors", h.neighborSets)
	mux.HandleFunc("POST /entity-sets/{setID}/top-utilizers", h.topUtilizers)
	mux.HandleFunc("POST /associations", h.createAssociations)
	return mux
}

type entityPayload struct {
	EntityID   string           `json:"entityId"`
	Properties map[string][]any `json:"properties"`
}

type associationPayload struct {
	Src        endpointPayload  `json:"src"`
	Dst        endpointPayload  `json:"dst"`
	Edge       endpointPayload  `json:"edge"`
	Properties map[string][]any `json:"properties"`
}

type endpointPayload struct {
	EntitySetID string `json:"entitySetId"`
	EntityID    string `json:"entityId"`
}

type topUtilizersPayload struct {
	NumResults int             `json:"numResults"`
	SrcFilters []filterPayload `json:"srcFilters"`
	DstFilters []filterPayload `json:"dstFilters"`
}

type filterPayload struct {
	AssociationTypeID string   `json:"associationTypeId"`
	NeighborTypeIDs   []string `json:"neighborTypeIds"`
	Weight            float64  `json:"weight"`
}

func (h *Handler) createEntities(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()

	var payloads []entityPayload
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	entities, err := toEntityData(setID, payloads, authorized)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.graph.CreateEntities(r.Context(), setID, entities, authorized)
	if err != nil {
		writeError(w, err)
		return
	}

	keyIDs := make(map[string]uuid.UUID, len(result.KeyIDs))
	for key, id := range result.KeyIDs {
		keyIDs[key.EntityID] = id
	}
	writeJSON(w, http.StatusCreated, map[string]any{"written": result.Written, "keyIds": keyIDs})
}

func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	opts := readOptions(r)

	keyIDs, err := parseUUIDList(r.URL.Query()["keyId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entities, err := h.data.GetEntities(r.Context(), setID, keyIDs, authorized, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	keyID, err := uuid.Parse(r.PathValue("keyID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid key id: %v", err), http.StatusBadRequest)
		return
	}
	opts := readOptions(r)

	// Prefer the request-scoped batch loader when installed.
	if hydrator := middleware.HydratorFromContext(r.Context(), setID, authorized, opts); hydrator != nil {
		entity, err := hydrator.Load(r.Context(), keyID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entity)
		return
	}

	entity, err := h.data.GetEntity(r.Context(), setID, keyID, authorized, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *Handler) updateEntities(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()

	var payloads []struct {
		KeyID      string           `json:"keyId"`
		Properties map[string][]any `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	batch := make(repository.EntityBatch, len(payloads))
	byFQN := authorized.ByFQN()
	for _, payload := range payloads {
		keyID, err := uuid.Parse(payload.KeyID)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid key id %q: %v", payload.KeyID, err), http.StatusBadRequest)
			return
		}
		properties, err := toPropertyValues(payload.Properties, byFQN)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		batch[keyID] = properties
	}

	var (
		written int
		err     error
	)
	switch strings.ToLower(r.URL.Query().Get("mode")) {
	case "", "replace":
		written, err = h.data.ReplaceEntities(r.Context(), setID, batch, authorized)
	case "partial":
		written, err = h.data.PartialReplaceEntities(r.Context(), setID, batch, authorized)
	case "merge":
		written, err = h.data.MergeEntities(r.Context(), setID, batch, authorized)
	default:
		http.Error(w, "mode must be replace, partial, or merge", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"written": written})
}

func (h *Handler) removeEntities(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	keyIDs, err := parseUUIDList(r.URL.Query()["keyId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(keyIDs) == 0 {
		http.Error(w, "at least one keyId is required", http.StatusBadRequest)
		return
	}

	var affected int64
	if r.URL.Query().Get("hard") == "true" {
		affected, err = h.data.DeleteEntities(r.Context(), setID, keyIDs, authorized)
	} else {
		affected, err = h.data.ClearEntities(r.Context(), setID, keyIDs, authorized)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"affected": affected})
}

func (h *Handler) removeEntitySet(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	var (
		affected int64
		err      error
	)
	if r.URL.Query().Get("hard") == "true" {
		affected, err = h.data.DeleteEntitySetData(r.Context(), setID, authorized)
	} else {
		affected, err = h.data.ClearEntitySet(r.Context(), setID, authorized)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"affected": affected})
}

func (h *Handler) deleteEntity(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	keyID, err := uuid.Parse(r.PathValue("keyID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid key id: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.graph.DeleteEntity(r.Context(), setID, keyID, authorized); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) exportEntitySet(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName(setID)))
	if _, err := h.exporter.Export(r.Context(), w, format, setID, authorized); err != nil {
		// Headers are already out; the truncated body is the signal.
		writeError(w, err)
	}
}

func (h *Handler) importEntitySet(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("missing file: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	result, err := h.importer.Import(r.Context(), setID, header.Filename, file, authorized)
	if err != nil {
		if errors.Is(err, ingestion.ErrUnsupportedFormat) {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) neighborSets(w http.ResponseWriter, r *http.Request) {
	setID, err := uuid.Parse(r.PathValue("setID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity set id: %v", err), http.StatusBadRequest)
		return
	}
	neighbors, err := h.graph.NeighborEntitySets(r.Context(), setID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, neighbors)
}

func (h *Handler) topUtilizers(w http.ResponseWriter, r *http.Request) {
	setID, authorized, ok := h.resolveSet(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()

	var payload topUtilizersPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if payload.NumResults <= 0 {
		payload.NumResults = 10
	}
	srcFilters, err := toNeighborFilters(payload.SrcFilters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dstFilters, err := toNeighborFilters(payload.DstFilters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ranked, err := h.graph.TopUtilizers(r.Context(), setID, payload.NumResults, srcFilters, dstFilters, authorized, readOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

func (h *Handler) createAssociations(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var payloads []associationPayload
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	associations := make([]graphservice.Association, 0, len(payloads))
	schemaByEdgeSet := map[uuid.UUID]map[string]domain.PropertyType{}
	for _, payload := range payloads {
		src, err := toEntityKey(payload.Src)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dst, err := toEntityKey(payload.Dst)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		edge, err := toEntityKey(payload.Edge)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		byFQN, ok := schemaByEdgeSet[edge.EntitySetID]
		if !ok {
			authorized, err := h.schema.AuthorizedPropertyTypes(r.Context(), edge.EntitySetID)
			if err != nil {
				writeError(w, err)
				return
			}
			byFQN = authorized.ByFQN()
			schemaByEdgeSet[edge.EntitySetID] = byFQN
		}
		properties, err := toPropertyValues(payload.Properties, byFQN)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		associations = append(associations, graphservice.Association{Src: src, Dst: dst, Edge: edge, Properties: properties})
	}

	created, err := h.graph.CreateAssociations(r.Context(), associations)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"created": created})
}

// resolveSet parses the set id from the path and loads its authorized
// property types. A miss is reported to the client.
func (h *Handler) resolveSet(w http.ResponseWriter, r *http.Request) (uuid.UUID, domain.PropertyTypeMap, bool) {
	setID, err := uuid.Parse(r.PathValue("setID"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entity set id: %v", err), http.StatusBadRequest)
		return uuid.Nil, nil, false
	}
	authorized, err := h.schema.AuthorizedPropertyTypes(r.Context(), setID)
	if err != nil {
		writeError(w, err)
		return uuid.Nil, nil, false
	}
	return setID, authorized, true
}

func readOptions(r *http.Request) repository.ReadOptions {
	opts := repository.ReadOptions{}
	query := r.URL.Query()
	if query.Get("projection") == "fqn" {
		opts.Projection = domain.ProjectByFQN
	}
	var metadata []domain.MetadataOption
	for _, raw := range query["metadata"] {
		switch strings.ToLower(raw) {
		case "last_write":
			metadata = append(metadata, domain.MetadataLastWrite)
		case "last_index":
			metadata = append(metadata, domain.MetadataLastIndex)
		case "version":
			metadata = append(metadata, domain.MetadataVersion)
		}
	}
	opts.Metadata = domain.WithMetadata(metadata...)
	return opts
}

func toEntityData(setID uuid.UUID, payloads []entityPayload, authorized domain.PropertyTypeMap) ([]graphservice.EntityData, error) {
	byFQN := authorized.ByFQN()
	entities := make([]graphservice.EntityData, 0, len(payloads))
	for _, payload := range payloads {
		entityID := strings.TrimSpace(payload.EntityID)
		if entityID == "" {
			return nil, errors.New("entityId is required")
		}
		properties, err := toPropertyValues(payload.Properties, byFQN)
		if err != nil {
			return nil, err
		}
		entities = append(entities, graphservice.EntityData{
			Key:        domain.EntityKey{EntitySetID: setID, EntityID: entityID},
			Properties: properties,
		})
	}
	return entities, nil
}

func toPropertyValues(raw map[string][]any, byFQN map[string]domain.PropertyType) (domain.PropertyValues, error) {
	properties := make(domain.PropertyValues, len(raw))
	for fqn, values := range raw {
		pt, ok := byFQN[fqn]
		if !ok {
			return nil, fmt.Errorf("unknown property %q", fqn)
		}
		properties[pt.ID] = values
	}
	return properties, nil
}

func toEntityKey(payload endpointPayload) (domain.EntityKey, error) {
	setID, err := uuid.Parse(strings.TrimSpace(payload.EntitySetID))
	if err != nil {
		return domain.EntityKey{}, fmt.Errorf("invalid entitySetId %q: %v", payload.EntitySetID, err)
	}
	entityID := strings.TrimSpace(payload.EntityID)
	if entityID == "" {
		return domain.EntityKey{}, errors.New("entityId is required")
	}
	return domain.EntityKey{EntitySetID: setID, EntityID: entityID}, nil
}

func toNeighborFilters(payloads []filterPayload) ([]repository.NeighborFilter, error) {
	filters := make([]repository.NeighborFilter, 0, len(payloads))
	for _, payload := range payloads {
		assocTypeID, err := uuid.Parse(payload.AssociationTypeID)
		if err != nil {
			return nil, fmt.Errorf("invalid associationTypeId %q: %v", payload.AssociationTypeID, err)
		}
		neighborIDs, err := parseUUIDList(payload.NeighborTypeIDs)
		if err != nil {
			return nil, err
		}
		filters = append(filters, repository.NeighborFilter{
			AssociationTypeID: assocTypeID,
			NeighborTypeIDs:   neighborIDs,
			Weight:            payload.Weight,
		})
	}
	return filters, nil
}

func parseUUIDList(raw []string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, value := range raw {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				return nil, fmt.Errorf("invalid id %q: %v", part, err)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var forbidden *domain.ForbiddenError
	var validation *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &forbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
