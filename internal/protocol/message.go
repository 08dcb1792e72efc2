package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates Stream Events.
type EventType string

// Server → observer event types.
const (
	EventAgentMessage      EventType = "agent-message"
	EventClosed            EventType = "closed"
	EventError             EventType = "error"
	EventPermissionRequest EventType = "permission-request"
)

// Event is the envelope delivered to every observer of a session.
// Events are never mutated after construction.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates an event for a session with the current timestamp.
func NewEvent(eventType EventType, sessionID string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	return newRawEvent(eventType, sessionID, data), nil
}

// NewAgentMessageEvent wraps one parsed agent output line. The payload is the
// agent's original JSON so clients see exactly what the agent emitted.
func NewAgentMessageEvent(sessionID string, msg AgentMessage) Event {
	return newRawEvent(EventAgentMessage, sessionID, msg.Raw())
}

func newRawEvent(eventType EventType, sessionID string, data json.RawMessage) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// MarshalLine encodes the event as a single newline-terminated JSON line.
func (e Event) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Error codes returned to API callers and carried in error events.
const (
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeMaxSessions      = "MAX_SESSIONS"
	ErrCodeSessionExists    = "SESSION_EXISTS"
	ErrCodeSessionEnded     = "SESSION_ENDED"
	ErrCodeSpawnFailed      = "SPAWN_FAILED"
	ErrCodeProcessFailed    = "PROCESS_FAILED"
	ErrCodeInvalidToolName  = "INVALID_TOOL_NAME"
	ErrCodeRequestNotFound  = "REQUEST_NOT_FOUND"
	ErrCodeInvalidAction    = "INVALID_ACTION"
	ErrCodeDecisionConflict = "DECISION_CONFLICT"
	ErrCodeInternal         = "INTERNAL"
)

// Event payloads.

type ClosedPayload struct {
	ExitCode int `json:"exitCode"`
}

type ErrorPayload struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	ExitCode int      `json:"exitCode,omitempty"`
	Stderr   []string `json:"stderr,omitempty"`
}

type PermissionRequestPayload struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput"`
	StreamingID string          `json:"streamingId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// API request payloads.

type StartSessionPayload struct {
	SessionID   string            `json:"sessionId"`
	WorkDir     string            `json:"workDir"`
	Instruction string            `json:"instruction"`
	Env         map[string]string `json:"env,omitempty"`
}

type DecisionPayload struct {
	Action        string          `json:"action"`
	ModifiedInput json.RawMessage `json:"modifiedInput,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
