package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventClosed, "s1", ClosedPayload{ExitCode: 3})
	require.NoError(t, err)

	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.False(t, ev.Timestamp.IsZero())

	var p ClosedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	assert.Equal(t, 3, p.ExitCode)
}

func TestEvent_MarshalLine(t *testing.T) {
	ev, err := NewEvent(EventError, "s1", ErrorPayload{Code: ErrCodeProcessFailed, Message: "boom"})
	require.NoError(t, err)

	line, err := ev.MarshalLine()
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(line), "\n"))
	assert.Equal(t, 1, strings.Count(string(line), "\n"), "one event per line")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "s1", decoded["sessionId"])
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "data")
}

func TestNewAgentMessageEvent_KeepsRawPayload(t *testing.T) {
	line := `{"type":"assistant","session_id":"abc","message":{"content":[{"type":"text","text":"hi"}]}}`
	msg, err := ParseAgentLine([]byte(line))
	require.NoError(t, err)

	ev := NewAgentMessageEvent("s1", msg)
	assert.Equal(t, EventAgentMessage, ev.Type)
	assert.JSONEq(t, line, string(ev.Data))
}

func TestParseAgentLine_Variants(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind AgentMessageKind
	}{
		{"system", `{"type":"system","subtype":"init","session_id":"x","cwd":"/tmp","tools":["Bash"]}`, AgentSystem},
		{"assistant", `{"type":"assistant","message":{"role":"assistant"}}`, AgentAssistant},
		{"user", `{"type":"user","message":{"role":"user"}}`, AgentUser},
		{"result", `{"type":"result","subtype":"success","num_turns":2,"total_cost_usd":0.01}`, AgentResult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseAgentLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind())
		})
	}
}

func TestParseAgentLine_DecodesFields(t *testing.T) {
	msg, err := ParseAgentLine([]byte(`{"type":"system","subtype":"init","session_id":"agent-1","model":"m"}`))
	require.NoError(t, err)

	sys, ok := msg.(SystemMessage)
	require.True(t, ok)
	assert.Equal(t, "init", sys.Subtype)
	assert.Equal(t, "agent-1", sys.SessionID)
	assert.Equal(t, "m", sys.Model)

	msg, err = ParseAgentLine([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true,"num_turns":9}`))
	require.NoError(t, err)
	res, ok := msg.(ResultMessage)
	require.True(t, ok)
	assert.True(t, res.IsError)
	assert.Equal(t, 9, res.NumTurns)
}

func TestParseAgentLine_UnknownTypeForwarded(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta"}}`
	msg, err := ParseAgentLine([]byte(line))
	require.NoError(t, err)

	unknown, ok := msg.(UnknownMessage)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, AgentMessageKind("stream_event"), unknown.Kind())

	ev := NewAgentMessageEvent("s1", msg)
	assert.JSONEq(t, line, string(ev.Data))
}

func TestParseAgentLine_Malformed(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		"not json",
		`{"no":"type"}`,
		`{"type":"result","num_turns":"many"}`,
		`["type","system"]`,
	} {
		_, err := ParseAgentLine([]byte(line))
		assert.ErrorIs(t, err, ErrMalformedEvent, "line %q", line)
	}
}

func TestValidateStartSession_Valid(t *testing.T) {
	p, err := ValidateStartSession([]byte(`{"sessionId":"s1","workDir":"/tmp","instruction":"hi","env":{"A":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "/tmp", p.WorkDir)
	assert.Equal(t, "hi", p.Instruction)
	assert.Equal(t, map[string]string{"A": "1"}, p.Env)
}

func TestValidateStartSession_Invalid(t *testing.T) {
	for _, body := range []string{
		"not json",
		`{"instruction":"hi"}`,
		`{"workDir":"/tmp"}`,
		`{"workDir":"/tmp","instruction":"hi","env":{"":"x"}}`,
	} {
		_, err := ValidateStartSession([]byte(body))
		assert.Error(t, err, "body %s", body)
	}
}

func TestValidateDecision(t *testing.T) {
	p, err := ValidateDecision([]byte(`{"action":"approve","modifiedInput":{"command":"ls -la"}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, p.Action)
	assert.JSONEq(t, `{"command":"ls -la"}`, string(p.ModifiedInput))

	p, err = ValidateDecision([]byte(`{"action":"deny","reason":"no","modifiedInput":null}`))
	require.NoError(t, err)
	assert.Nil(t, p.ModifiedInput)
	assert.Equal(t, "no", p.Reason)

	// Unknown actions are passed through for the ledger to reject.
	p, err = ValidateDecision([]byte(`{"action":"maybe"}`))
	require.NoError(t, err)
	assert.Equal(t, "maybe", p.Action)
}

func TestValidateDecision_Invalid(t *testing.T) {
	for _, body := range []string{
		"not json",
		`{}`,
		`{"action":"deny","modifiedInput":{"a":1}}`,
	} {
		_, err := ValidateDecision([]byte(body))
		assert.Error(t, err, "body %s", body)
	}
}
