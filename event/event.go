// Package event defines the common event envelope shared by every bus
// backend and every agent. An Event is a structured record in memory and a
// UTF-8 JSON object at process boundaries.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event type. The set of kinds is closed; extensibility
// goes through KindCustom with Data.EventName.
type Kind string

// The closed set of event kinds.
const (
	KindTaskCreated       Kind = "task_created"
	KindTaskAssigned      Kind = "task_assigned"
	KindTaskStarted       Kind = "task_started"
	KindTaskCompleted     Kind = "task_completed"
	KindTaskFailed        Kind = "task_failed"
	KindTaskRetry         Kind = "task_retry"
	KindFeatureCreated    Kind = "feature_created"
	KindFeatureStarted    Kind = "feature_started"
	KindFeatureCompleted  Kind = "feature_completed"
	KindFeatureBlocked    Kind = "feature_blocked"
	KindAgentStarted      Kind = "agent_started"
	KindAgentStopped      Kind = "agent_stopped"
	KindAgentHeartbeat    Kind = "agent_heartbeat"
	KindAgentError        Kind = "agent_error"
	KindSystemShutdown    Kind = "system_shutdown"
	KindSystemHealthCheck Kind = "system_health_check"
	KindCustom            Kind = "custom"
)

// Kinds lists every valid kind, in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindTaskCreated, KindTaskAssigned, KindTaskStarted,
		KindTaskCompleted, KindTaskFailed, KindTaskRetry,
		KindFeatureCreated, KindFeatureStarted, KindFeatureCompleted,
		KindFeatureBlocked, KindAgentStarted, KindAgentStopped,
		KindAgentHeartbeat, KindAgentError, KindSystemShutdown,
		KindSystemHealthCheck, KindCustom,
	}
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindTaskCreated, KindTaskAssigned, KindTaskStarted,
		KindTaskCompleted, KindTaskFailed, KindTaskRetry,
		KindFeatureCreated, KindFeatureStarted, KindFeatureCompleted,
		KindFeatureBlocked, KindAgentStarted, KindAgentStopped,
		KindAgentHeartbeat, KindAgentError, KindSystemShutdown,
		KindSystemHealthCheck, KindCustom:
		return true
	}
	return false
}

// Subject returns the broker subject for this kind ("events.<kind>").
func (k Kind) Subject() string {
	return "events." + string(k)
}

// EventNameNewFeatureRequest is the custom event name clients publish to
// request a feature without constructing a feature_created event.
const EventNameNewFeatureRequest = "new_feature_request"

// TaskResult is the canonical result record a role handler produces and a
// task_completed event carries.
type TaskResult struct {
	Status  string `json:"status"`
	Path    string `json:"path,omitempty"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// Data is the typed event payload. All fields are optional; which ones are
// populated depends on the kind. Unknown inbound keys are preserved in
// Extra so foreign producers can ride along without widening the record.
type Data struct {
	TaskID        string      `json:"task_id,omitempty"`
	FeatureID     string      `json:"feature_id,omitempty"`
	Description   string      `json:"description,omitempty"`
	AssignedAgent string      `json:"assigned_agent,omitempty"`
	Agent         string      `json:"agent,omitempty"`
	Role          string      `json:"role,omitempty"`
	Status        string      `json:"status,omitempty"`
	Priority      string      `json:"priority,omitempty"`
	Error         string      `json:"error,omitempty"`
	RetryCount    int         `json:"retry_count,omitempty"`
	ActiveTasks   int         `json:"active_tasks,omitempty"`
	EventName     string      `json:"event_name,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`

	// Embedded carries the original event inside an agent_error envelope.
	Embedded *Event `json:"embedded,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Event is the common envelope. Timestamp is seconds since epoch with
// millisecond precision, non-decreasing per source.
type Event struct {
	ID            string  `json:"id"`
	Type          Kind    `json:"type"`
	Source        string  `json:"source"`
	Timestamp     float64 `json:"timestamp"`
	Data          Data    `json:"data"`
	CorrelationID string  `json:"correlation_id,omitempty"`
}

// New creates an event with a fresh id and the current timestamp.
func New(kind Kind, source string, data Data) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      kind,
		Source:    source,
		Timestamp: Now(),
		Data:      data,
	}
}

// NewCorrelated creates an event carrying a correlation id (the task id for
// task events, the feature id for feature events).
func NewCorrelated(kind Kind, source, correlationID string, data Data) Event {
	e := New(kind, source, data)
	e.CorrelationID = correlationID
	return e
}

// Now returns the current time as epoch seconds with millisecond precision.
func Now() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

// Time converts the envelope timestamp back to a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(int64(e.Timestamp * 1000.0))
}

// Validate checks the envelope invariants that hold for every kind.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Source == "" {
		return fmt.Errorf("event source is required")
	}
	if e.Type == KindCustom && e.Data.EventName == "" {
		return fmt.Errorf("custom event requires data.event_name")
	}
	return nil
}

// Marshal encodes the event as its boundary JSON form.
func Marshal(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(e)
}

// Unmarshal decodes an event from its boundary JSON form and validates the
// envelope.
func Unmarshal(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}
