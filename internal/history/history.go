// Package history writes workflow lifecycle events to PostgreSQL and reads
// them back for the history endpoint.
package history

import (
	"context"
	"fmt"
	"time"

	"workflow-manager/internal/common/database"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/workflow"
)

const DefaultLimit = 20

// Schema creates the events table. It is applied by EnsureSchema at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_events (
    id          UUID PRIMARY KEY,
    workflow    TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    url         TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    message     TEXT NOT NULL,
    duration_ms BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events (workflow, created_at DESC);
`

const insertEvent = `
INSERT INTO workflow_events (id, workflow, event_type, url, status_code, message, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const selectEvents = `
SELECT id, workflow, event_type, url, status_code, message, duration_ms, created_at
FROM workflow_events
WHERE workflow = $1
ORDER BY created_at DESC
LIMIT $2`

// Store implements workflow.EventSink.
type Store struct {
	db     *database.PostgresClient
	logger logger.Logger
}

func NewStore(db *database.PostgresClient, log logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "history"}),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, ev workflow.Event) error {
	_, err := s.db.Exec(ctx, insertEvent,
		ev.ID,
		ev.Workflow,
		string(ev.Type),
		ev.URL,
		ev.StatusCode,
		ev.Message,
		ev.Duration.Milliseconds(),
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// List returns the latest events of a workflow, newest first.
func (s *Store) List(ctx context.Context, name string, limit int) ([]workflow.Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.Query(ctx, selectEvents, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	events := []workflow.Event{}
	for rows.Next() {
		var (
			ev         workflow.Event
			typ        string
			durationMs int64
		)
		if err := rows.Scan(&ev.ID, &ev.Workflow, &typ, &ev.URL, &ev.StatusCode, &ev.Message, &durationMs, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ev.Type = workflow.EventType(typ)
		ev.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return events, nil
}
