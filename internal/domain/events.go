package domain

import (
	"github.com/google/uuid"
)

// Event is a change notification published after a durable write. The search
// indexer and other subscribers consume these; delivery is best effort and
// synchronous in process.
type Event interface {
	Kind() string
}

// EntitiesCreated announces new entities written to an entity set.
type EntitiesCreated struct {
	EntitySetID uuid.UUID
	KeyIDs      []uuid.UUID
}

func (EntitiesCreated) Kind() string { return "entities.created" }

// EntitiesUpdated announces replaced or merged property data.
type EntitiesUpdated struct {
	EntitySetID uuid.UUID
	KeyIDs      []uuid.UUID
}

func (EntitiesUpdated) Kind() string { return "entities.updated" }

// EntitiesDeleted announces tombstoned or purged entities. Hard is true for
// physical deletes.
type EntitiesDeleted struct {
	EntitySetID uuid.UUID
	KeyIDs      []uuid.UUID
	Hard        bool
}

func (EntitiesDeleted) Kind() string { return "entities.deleted" }

// EntitySetCleared announces a set-wide tombstone.
type EntitySetCleared struct {
	EntitySetID uuid.UUID
}

func (EntitySetCleared) Kind() string { return "entityset.cleared" }

// EntitySetDeleted announces an irreversible set-wide purge.
type EntitySetDeleted struct {
	EntitySetID uuid.UUID
}

func (EntitySetDeleted) Kind() string { return "entityset.deleted" }

// EdgesCreated announces new graph edges.
type EdgesCreated struct {
	EdgeSetID uuid.UUID
	Keys      []EdgeKey
}

func (EdgesCreated) Kind() string { return "edges.created" }
