package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (p *recordingPublisher) Broadcast(_ string, ev protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Event(nil), p.events...)
}

// fakeSessions reports every session as alive until End is called.
type fakeSessions struct {
	mu   sync.Mutex
	done map[string]chan struct{}
}

func (f *fakeSessions) Done(id string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(map[string]chan struct{})
	}
	ch, ok := f.done[id]
	if !ok {
		ch = make(chan struct{})
		f.done[id] = ch
	}
	return ch
}

func (f *fakeSessions) End(id string) {
	f.Done(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.done[id])
}

type harness struct {
	ledger   *permission.Ledger
	pub      *recordingPublisher
	sessions *fakeSessions
	bridge   *Bridge
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		ledger:   permission.NewLedger(nil),
		pub:      &recordingPublisher{},
		sessions: &fakeSessions{},
	}
	b, err := NewBridge(BridgeConfig{
		Ledger:       h.ledger,
		Publisher:    h.pub,
		Sessions:     h.sessions,
		Timeout:      timeout,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	h.bridge = b
	return h
}

type result struct {
	verdict Verdict
	err     error
}

func (h *harness) request(sessionID, toolName, input, toolUseID string) <-chan result {
	out := make(chan result, 1)
	go func() {
		v, err := h.bridge.RequestApproval(context.Background(), sessionID, toolName, json.RawMessage(input), toolUseID)
		out <- result{v, err}
	}()
	return out
}

// pendingID waits for the permission-request event and returns its request id.
func (h *harness) pendingID(t *testing.T) string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.pub.Events()) > 0 }, 2*time.Second, 5*time.Millisecond)
	ev := h.pub.Events()[0]
	require.Equal(t, protocol.EventPermissionRequest, ev.Type)
	var p protocol.PermissionRequestPayload
	require.NoError(t, json.Unmarshal(ev.Data, &p))
	return p.ID
}

func waitResult(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not return a verdict")
		return result{}
	}
}

func TestBridge_ApproveUsesOriginalInput(t *testing.T) {
	h := newHarness(t, time.Minute)
	out := h.request("s1", "Bash", `{"command":"ls"}`, "toolu_1")

	id := h.pendingID(t)
	ev := h.pub.Events()[0]
	assert.Equal(t, "s1", ev.SessionID)
	var payload protocol.PermissionRequestPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "Bash", payload.ToolName)
	assert.Equal(t, "toolu_1", payload.StreamingID)
	assert.JSONEq(t, `{"command":"ls"}`, string(payload.ToolInput))

	_, err := h.ledger.Decide(id, protocol.ActionApprove, nil, "")
	require.NoError(t, err)

	r := waitResult(t, out)
	require.NoError(t, r.err)
	assert.Equal(t, BehaviorAllow, r.verdict.Behavior)
	assert.JSONEq(t, `{"command":"ls"}`, string(r.verdict.UpdatedInput))
}

func TestBridge_ApproveWithModifiedInput(t *testing.T) {
	h := newHarness(t, time.Minute)
	out := h.request("s1", "Bash", `{"command":"rm -rf /"}`, "")

	id := h.pendingID(t)
	_, err := h.ledger.Decide(id, protocol.ActionApprove, json.RawMessage(`{"command":"ls"}`), "")
	require.NoError(t, err)

	r := waitResult(t, out)
	assert.Equal(t, BehaviorAllow, r.verdict.Behavior)
	assert.JSONEq(t, `{"command":"ls"}`, string(r.verdict.UpdatedInput))
}

func TestBridge_DenyMessages(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{name: "with reason", reason: "not in prod", want: "not in prod"},
		{name: "default", reason: "", want: DefaultDenyMessage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, time.Minute)
			out := h.request("s1", "Write", `{}`, "")

			id := h.pendingID(t)
			_, err := h.ledger.Decide(id, protocol.ActionDeny, nil, tc.reason)
			require.NoError(t, err)

			r := waitResult(t, out)
			assert.Equal(t, BehaviorDeny, r.verdict.Behavior)
			assert.Equal(t, tc.want, r.verdict.Message)
			assert.Nil(t, r.verdict.UpdatedInput)
		})
	}
}

func TestBridge_TimeoutLeavesRecordPending(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	start := time.Now()
	out := h.request("s1", "Bash", `{"command":"ls"}`, "")

	id := h.pendingID(t)
	r := waitResult(t, out)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, BehaviorDeny, r.verdict.Behavior)
	assert.Contains(t, r.verdict.Message, "timed out")

	req, err := h.ledger.Get(id)
	require.NoError(t, err)
	assert.Equal(t, permission.StatusPending, req.Status)
	assert.True(t, req.Abandoned)

	_, err = h.ledger.Decide(id, protocol.ActionApprove, nil, "")
	assert.ErrorIs(t, err, permission.ErrDecisionConflict)
}

func TestBridge_SessionEndDeniesImmediately(t *testing.T) {
	h := newHarness(t, time.Minute)
	out := h.request("s1", "Bash", `{}`, "")

	id := h.pendingID(t)
	h.sessions.End("s1")

	r := waitResult(t, out)
	assert.Equal(t, BehaviorDeny, r.verdict.Behavior)
	assert.Contains(t, r.verdict.Message, "Session ended")

	req, _ := h.ledger.Get(id)
	assert.Equal(t, permission.StatusPending, req.Status)
}

func TestBridge_ContextCancelDenies(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan result, 1)
	go func() {
		v, err := h.bridge.RequestApproval(ctx, "s1", "Bash", nil, "")
		out <- result{v, err}
	}()

	h.pendingID(t)
	cancel()

	r := waitResult(t, out)
	assert.Equal(t, BehaviorDeny, r.verdict.Behavior)
	assert.Equal(t, "Permission request cancelled", r.verdict.Message)
}

func TestBridge_InvalidToolName(t *testing.T) {
	h := newHarness(t, time.Minute)
	_, err := h.bridge.RequestApproval(context.Background(), "s1", "", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, permission.ErrInvalidToolName)
	assert.Empty(t, h.pub.Events())
	assert.Empty(t, h.ledger.List(permission.Filter{}))
}

func TestBridge_DecisionBeforeAbandonWins(t *testing.T) {
	h := newHarness(t, time.Minute)
	req, err := h.ledger.Add("Bash", json.RawMessage(`{"a":1}`), "s1", "")
	require.NoError(t, err)
	require.True(t, h.ledger.UpdateStatus(req.ID, permission.StatusApproved, permission.Decision{}))

	v := h.bridge.abandon(req, outcomeTimeout, "timed out", time.Now())
	assert.Equal(t, BehaviorAllow, v.Behavior)
	assert.JSONEq(t, `{"a":1}`, string(v.UpdatedInput))
}

func TestNewBridge_Validation(t *testing.T) {
	_, err := NewBridge(BridgeConfig{Publisher: &recordingPublisher{}})
	assert.Error(t, err)
	_, err = NewBridge(BridgeConfig{Ledger: permission.NewLedger(nil)})
	assert.Error(t, err)

	b, err := NewBridge(BridgeConfig{Ledger: permission.NewLedger(nil), Publisher: &recordingPublisher{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, b.timeout)
	assert.Equal(t, DefaultPollInterval, b.pollInterval)
}

func TestVerdict_JSON(t *testing.T) {
	allow, err := json.Marshal(Verdict{Behavior: BehaviorAllow, UpdatedInput: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"behavior":"allow","updatedInput":{"x":1}}`, string(allow))

	deny, err := json.Marshal(Verdict{Behavior: BehaviorDeny, Message: "no"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"behavior":"deny","message":"no"}`, string(deny))
}
