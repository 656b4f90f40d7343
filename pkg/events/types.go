package events

import "time"

// EventType identifies the kind of event emitted during a verification run.
type EventType string

const (
	EventRunStart        EventType = "run.start"
	EventRunEnd          EventType = "run.end"
	EventSubscribed      EventType = "signal.subscribe"
	EventValue           EventType = "signal.next"
	EventComplete        EventType = "signal.complete"
	EventError           EventType = "signal.error"
	EventIgnored         EventType = "signal.ignored"
	EventDemand          EventType = "demand.request"
	EventCancel          EventType = "demand.cancel"
	EventFailureRecorded EventType = "failure.recorded"
)

// Event represents a single run event.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id,omitempty"`
	Data      any           `json:"data"`
	StepIndex int           `json:"step_index,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// NewEvent creates a new Event for a run with the current timestamp.
func NewEvent(typ EventType, runID string, data any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      data,
	}
}
