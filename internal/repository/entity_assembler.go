package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/engraph/internal/codec"
	"github.com/rpattn/engraph/internal/domain"
)

type propertyRow struct {
	keyID          uuid.UUID
	propertyTypeID uuid.UUID
	value          []byte
	version        int64
	lastWrite      time.Time
	lastIndex      *time.Time
}

// entityAssembler folds a key-ordered stream of property rows into entities,
// emitting each entity once its last row has been consumed.
type entityAssembler struct {
	authorized domain.PropertyTypeMap
	opts       ReadOptions
	emit       func(domain.Entity) error

	current    uuid.UUID
	open       bool
	properties domain.PropertyValues
	metadata   domain.EntityMetadata
}

func newEntityAssembler(authorized domain.PropertyTypeMap, opts ReadOptions, emit func(domain.Entity) error) *entityAssembler {
	return &entityAssembler{
		authorized: authorized,
		opts:       opts,
		emit:       emit,
	}
}

func (a *entityAssembler) add(row propertyRow) error {
	if a.open && row.keyID != a.current {
		if err := a.finish(); err != nil {
			return err
		}
	}
	if !a.open {
		a.current = row.keyID
		a.open = true
		a.properties = make(domain.PropertyValues)
		a.metadata = domain.EntityMetadata{}
	}

	pt := a.authorized[row.propertyTypeID]
	value, err := codec.Decode(pt, row.value)
	if err != nil {
		return err
	}
	a.properties[row.propertyTypeID] = append(a.properties[row.propertyTypeID], value)

	if row.version > a.metadata.Version {
		a.metadata.Version = row.version
	}
	if row.lastWrite.After(a.metadata.LastWrite) {
		a.metadata.LastWrite = row.lastWrite
	}
	if row.lastIndex != nil && row.lastIndex.After(a.metadata.LastIndex) {
		a.metadata.LastIndex = *row.lastIndex
	}
	return nil
}

func (a *entityAssembler) finish() error {
	entity := domain.Entity{KeyID: a.current}

	switch a.opts.Projection {
	case domain.ProjectByFQN:
		entity.PropertiesByName = make(map[string][]any, len(a.properties))
		for propertyTypeID, values := range a.properties {
			fqn := a.authorized[propertyTypeID].Type.String()
			entity.PropertiesByName[fqn] = append(entity.PropertiesByName[fqn], values...)
		}
	default:
		entity.Properties = a.properties
	}

	if len(a.opts.Metadata) > 0 {
		meta := &domain.EntityMetadata{}
		if a.opts.Metadata.Has(domain.MetadataLastWrite) {
			meta.LastWrite = a.metadata.LastWrite
		}
		if a.opts.Metadata.Has(domain.MetadataLastIndex) {
			meta.LastIndex = a.metadata.LastIndex
		}
		if a.opts.Metadata.Has(domain.MetadataVersion) {
			meta.Version = a.metadata.Version
		}
		entity.Metadata = meta
	}

	a.open = false
	a.properties = nil
	return a.emit(entity)
}

func (a *entityAssembler) flush() error {
	if !a.open {
		return nil
	}
	return a.finish()
}
