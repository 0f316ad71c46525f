package postgres

import (
	"context"
	"fmt"

	"github.com/DanielPopoola/ficmart-orchestrator/internal/eventbus"
)

// EventSink implements eventbus.Sink on PostgreSQL, giving the event bus a
// durable append-only log.
type EventSink struct {
	db Executor
}

func NewEventSink(db Executor) *EventSink {
	return &EventSink{db: db}
}

func (s *EventSink) Append(ctx context.Context, event eventbus.Event) error {
	query := `INSERT INTO event_log (id, name, payload) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, event.ID, event.Name, event.Payload); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
