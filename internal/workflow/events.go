package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"workflow-manager/internal/common/logger"
)

type EventType string

const (
	EventRegistered         EventType = "workflow.registered"
	EventRegistrationFailed EventType = "workflow.registration_failed"
	EventUnregistered       EventType = "workflow.unregistered"
)

// Event describes one lifecycle change of a workflow.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	Workflow   string        `json:"workflow"`
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Message    string        `json:"message"`
	Duration   time.Duration `json:"durationNs"`
	Timestamp  time.Time     `json:"timestamp"`
}

func newEvent(typ EventType, workflow, url string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Workflow:  workflow,
		URL:       url,
		Timestamp: time.Now().UTC(),
	}
}

// EventSink receives lifecycle events. Sink failures never change the
// outcome of the operation that produced the event.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

type sinkFanout struct {
	sinks  []EventSink
	logger logger.Logger
}

func (f sinkFanout) record(ctx context.Context, ev Event) {
	for _, sink := range f.sinks {
		if err := sink.Record(ctx, ev); err != nil {
			f.logger.Warn("event sink failed", map[string]interface{}{
				"event":    string(ev.Type),
				"workflow": ev.Workflow,
				"error":    err.Error(),
			})
		}
	}
}
