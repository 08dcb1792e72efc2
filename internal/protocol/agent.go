package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned for agent output lines that are not a JSON
// object with a "type" field. Such lines are dropped, never fatal to the
// session.
var ErrMalformedEvent = errors.New("malformed agent event")

// AgentMessageKind is the "type" discriminator of the agent's stream-json output.
type AgentMessageKind string

const (
	AgentSystem    AgentMessageKind = "system"
	AgentAssistant AgentMessageKind = "assistant"
	AgentUser      AgentMessageKind = "user"
	AgentResult    AgentMessageKind = "result"
)

// AgentMessage is one decoded line of agent output. The set of implementations
// is closed: SystemMessage, AssistantMessage, UserMessage, ResultMessage and
// UnknownMessage.
type AgentMessage interface {
	Kind() AgentMessageKind
	// Raw returns the line exactly as the agent wrote it.
	Raw() json.RawMessage
	agentMessage()
}

type rawLine json.RawMessage

func (r rawLine) Raw() json.RawMessage { return json.RawMessage(r) }

// SystemMessage is emitted once at startup (subtype "init") and for other
// runtime notices.
type SystemMessage struct {
	rawLine
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Cwd       string   `json:"cwd"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools"`
}

type AssistantMessage struct {
	rawLine
	SessionID       string          `json:"session_id"`
	ParentToolUseID string          `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
}

type UserMessage struct {
	rawLine
	SessionID       string          `json:"session_id"`
	ParentToolUseID string          `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
}

// ResultMessage ends one agent turn.
type ResultMessage struct {
	rawLine
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	NumTurns     int     `json:"num_turns"`
	DurationMs   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// UnknownMessage carries a well-formed line whose type this bridge does not
// decode, such as stream_event. It is forwarded untouched.
type UnknownMessage struct {
	rawLine
	Type AgentMessageKind
}

func (SystemMessage) Kind() AgentMessageKind    { return AgentSystem }
func (AssistantMessage) Kind() AgentMessageKind { return AgentAssistant }
func (UserMessage) Kind() AgentMessageKind      { return AgentUser }
func (ResultMessage) Kind() AgentMessageKind    { return AgentResult }
func (m UnknownMessage) Kind() AgentMessageKind { return m.Type }

func (SystemMessage) agentMessage()    {}
func (AssistantMessage) agentMessage() {}
func (UserMessage) agentMessage()      {}
func (ResultMessage) agentMessage()    {}
func (UnknownMessage) agentMessage()   {}

// ParseAgentLine decodes one line of stream-json output. Errors wrap
// ErrMalformedEvent.
func ParseAgentLine(line []byte) (AgentMessage, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedEvent)
	}

	var head struct {
		Type AgentMessageKind `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	raw := rawLine(append([]byte(nil), line...))

	var (
		msg AgentMessage
		err error
	)
	switch head.Type {
	case AgentSystem:
		m := SystemMessage{rawLine: raw}
		err = json.Unmarshal(line, &m)
		msg = m
	case AgentAssistant:
		m := AssistantMessage{rawLine: raw}
		err = json.Unmarshal(line, &m)
		msg = m
	case AgentUser:
		m := UserMessage{rawLine: raw}
		err = json.Unmarshal(line, &m)
		msg = m
	case AgentResult:
		m := ResultMessage{rawLine: raw}
		err = json.Unmarshal(line, &m)
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing 'type' field", ErrMalformedEvent)
	default:
		msg = UnknownMessage{rawLine: raw, Type: head.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s message: %v", ErrMalformedEvent, head.Type, err)
	}
	return msg, nil
}
