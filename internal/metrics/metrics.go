// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitiesWritten counts entities durably written, by operation.
	EntitiesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engraph_entities_written_total",
		Help: "Entities written to the property store, by operation.",
	}, []string{"operation"})

	// EntitiesSkipped counts entities dropped from a batch because their
	// payload failed value normalization.
	EntitiesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engraph_entities_skipped_total",
		Help: "Entities skipped due to invalid property values.",
	})

	// TombstonesWritten counts soft-delete version stamps.
	TombstonesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engraph_tombstones_written_total",
		Help: "Tombstone versions written by clear operations.",
	})

	// RowsPurged counts hard-deleted property rows.
	RowsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engraph_rows_purged_total",
		Help: "Property rows physically removed by delete operations.",
	})

	// EventsPublished counts change events fanned out on the bus, by kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engraph_events_published_total",
		Help: "Change events published to subscribers, by kind.",
	}, []string{"kind"})

	// AssociationsSkipped counts associations dropped because an endpoint
	// could not be resolved.
	AssociationsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engraph_associations_skipped_total",
		Help: "Associations skipped due to unresolvable endpoints.",
	})
)
