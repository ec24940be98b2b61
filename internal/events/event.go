package events

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types published for each Job the orchestrator runs.
const (
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
)

// Event is a single message published to the job-lifecycle subject.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Source         string                 `json:"source"`
	Timestamp      time.Time              `json:"timestamp"`
	ConversationID string                 `json:"conversationId"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

func newEvent(eventType, conversationID string, data map[string]interface{}) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		Source:         "agentrunner",
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Data:           data,
	}
}
