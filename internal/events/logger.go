package events

import (
	"context"
	"log"

	"github.com/rpattn/engraph/internal/domain"
)

// LoggingSubscriber records every published event. It stands in for external
// consumers such as a search indexer during local runs.
type LoggingSubscriber struct{}

func (LoggingSubscriber) Name() string { return "logger" }

func (LoggingSubscriber) Handle(_ context.Context, event domain.Event) error {
	log.Printf("[EVENTS] %s", event.Kind())
	return nil
}
