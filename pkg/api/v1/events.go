// Package v1 defines the normalized event schema and shared wire types for
// the codesdk daemon. Every runtime adapter translates its native protocol
// into these types; everything above the adapter layer is runtime-agnostic.
package v1

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current normalized event schema version.
const SchemaVersion = 1

// EventType identifies the kind of a normalized event.
type EventType string

// Enumerated normalized event types.
const (
	EventSessionCreated          EventType = "session.created"
	EventTaskStarted             EventType = "task.started"
	EventModelInput              EventType = "model.input"
	EventRuntimeRequestStarted   EventType = "runtime.request.started"
	EventRuntimeRequestCompleted EventType = "runtime.request.completed"
	EventModelOutputDelta        EventType = "model.output.delta"
	EventModelOutputCompleted    EventType = "model.output.completed"
	EventToolCallRequested       EventType = "tool.call.requested"
	EventToolCallPolicyEvaluated EventType = "tool.call.policy_evaluated"
	EventToolCallApproved        EventType = "tool.call.approved"
	EventToolCallDenied          EventType = "tool.call.denied"
	EventToolCallStarted         EventType = "tool.call.started"
	EventToolOutputDelta         EventType = "tool.output.delta"
	EventToolOutputCompleted     EventType = "tool.output.completed"
	EventToolCallCompleted       EventType = "tool.call.completed"
	EventUsageReported           EventType = "usage.reported"
	EventTaskCompleted           EventType = "task.completed"
	EventTaskFailed              EventType = "task.failed"
	EventTaskStopped             EventType = "task.stopped"
)

// IsTerminal reports whether t is a task-terminal event type.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskStopped:
		return true
	}
	return false
}

// IsValid reports whether t is one of the enumerated event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventSessionCreated, EventTaskStarted, EventModelInput,
		EventRuntimeRequestStarted, EventRuntimeRequestCompleted,
		EventModelOutputDelta, EventModelOutputCompleted,
		EventToolCallRequested, EventToolCallPolicyEvaluated,
		EventToolCallApproved, EventToolCallDenied, EventToolCallStarted,
		EventToolOutputDelta, EventToolOutputCompleted, EventToolCallCompleted,
		EventUsageReported, EventTaskCompleted, EventTaskFailed, EventTaskStopped:
		return true
	}
	return false
}

// Trace carries correlation identifiers for an event.
type Trace struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// RuntimeInfo identifies the runtime that produced (or is driving) an event.
type RuntimeInfo struct {
	Name             string `json:"name"`
	Model            string `json:"model,omitempty"`
	RuntimeSessionID string `json:"runtime_session_id,omitempty"`
}

// Event is the atomic unit of observability. Seq is assigned by the event
// store at append time, strictly monotonically increasing and dense per
// session, starting at 1. Time is advisory and never used for ordering.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	Seq           int64          `json:"seq"`
	Time          time.Time      `json:"time"`
	Type          EventType      `json:"type"`
	Trace         Trace          `json:"trace"`
	Runtime       RuntimeInfo    `json:"runtime"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Clone returns a deep-enough copy of the event: the payload map is copied one
// level deep so store subscribers cannot mutate each other's view.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// EncodePayload converts a typed payload struct into the generic payload map
// carried on an event.
func EncodePayload(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return m, nil
}

// DecodePayload unmarshals an event's payload map into a typed payload struct.
func DecodePayload(e *Event, out any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
