// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/paper-loom/internal/domain"
)

// Event types, also used as routing keys
const (
	TypeJobProcessing = "job.processing"
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
)

// Event is the JSON body published for a status change
type Event struct {
	Type         string        `json:"type"`
	JobID        string        `json:"job_id"`
	Filename     string        `json:"filename"`
	Status       string        `json:"status"`
	OccurredAt   time.Time     `json:"occurred_at"`
	Stats        *domain.Stats `json:"stats,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	FallbackUsed bool          `json:"fallback_used"`
}

// Publisher delivers lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// FromJob builds the event describing job's current status
func FromJob(job *domain.Job) (Event, error) {
	var typ string
	switch job.Status {
	case domain.JobStatusProcessing:
		typ = TypeJobProcessing
	case domain.JobStatusCompleted:
		typ = TypeJobCompleted
	case domain.JobStatusFailed:
		typ = TypeJobFailed
	default:
		return Event{}, fmt.Errorf("no event for status %q", job.Status)
	}

	return Event{
		Type:         typ,
		JobID:        job.JobID,
		Filename:     job.OriginalFilename,
		Status:       job.Status,
		OccurredAt:   time.Now().UTC(),
		Stats:        job.Stats,
		ErrorMessage: job.ErrorMessage,
		FallbackUsed: job.FallbackUsed,
	}, nil
}

// Noop discards every event
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Logging writes events to a logger instead of a broker
type Logging struct {
	Logger *slog.Logger
}

func (l Logging) Publish(_ context.Context, e Event) error {
	l.Logger.Info("Job event",
		slog.String("type", e.Type),
		slog.String("job_id", e.JobID),
		slog.String("status", e.Status),
	)
	return nil
}

func marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return body, nil
}
