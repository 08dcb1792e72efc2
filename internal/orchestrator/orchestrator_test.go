package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agent-bridge/internal/approval"
	"agent-bridge/internal/broadcast"
	"agent-bridge/internal/logging"
	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"
	"agent-bridge/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedAgent waits for $GO_ON, emits one assistant line, waits for $FINISH
// and exits with $EXIT_CODE.
const gatedAgent = `
while [ ! -f "$GO_ON" ]; do sleep 0.05; done
echo '{"type":"assistant","message":{"content":"hi"}}'
echo "boom: bad credentials" >&2
while [ ! -f "$FINISH" ]; do sleep 0.05; done
exit "${EXIT_CODE:-0}"
`

const assistantLine = `{"type":"assistant","message":{"content":"hi"}}`

type harness struct {
	orch   *Orchestrator
	mgr    *session.Manager
	hub    *broadcast.Hub
	ledger *permission.Ledger
	dir    string
}

func newHarness(t *testing.T, run bool) *harness {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "fake-agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+gatedAgent), 0o755))

	logger := logging.Discard()
	hub := broadcast.NewHub(logger, nil)
	ledger := permission.NewLedger(logger)
	mgr := session.NewManager(session.Config{
		Command:   script,
		KillGrace: 2 * time.Second,
		ConfigDir: t.TempDir(),
	}, hub, nil, logger, nil)

	orch, err := New(Config{Sessions: mgr, Hub: hub, Ledger: ledger, Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	if run {
		go func() {
			defer close(runDone)
			orch.Run(ctx)
		}()
	} else {
		close(runDone)
	}
	t.Cleanup(func() {
		if !run {
			// Drain what Run would have consumed so Shutdown can finish.
			go func() {
				for range mgr.Notifications() {
				}
			}()
		}
		mgr.Shutdown()
		cancel()
		<-runDone
	})

	return &harness{orch: orch, mgr: mgr, hub: hub, ledger: ledger, dir: dir}
}

func (h *harness) start(t *testing.T, id string, exitCode string) {
	t.Helper()
	_, err := h.orch.StartSession(context.Background(), session.StartRequest{
		SessionID:   id,
		WorkDir:     t.TempDir(),
		Instruction: "do the thing",
		Env: map[string]string{
			"GO_ON":     h.trigger(id, "go"),
			"FINISH":    h.trigger(id, "finish"),
			"EXIT_CODE": exitCode,
		},
	})
	require.NoError(t, err)
}

func (h *harness) trigger(id, name string) string {
	return filepath.Join(h.dir, id+"-"+name)
}

func (h *harness) fire(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.trigger(id, name), nil, 0o644))
}

func nextEvent(t *testing.T, obs *broadcast.ChannelObserver) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-obs.Events():
		require.True(t, ok, "observer closed before the expected event")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func requireObserverClosed(t *testing.T, obs *broadcast.ChannelObserver) {
	t.Helper()
	select {
	case ev, ok := <-obs.Events():
		require.False(t, ok, "unexpected event %s", ev.Type)
	case <-time.After(10 * time.Second):
		t.Fatal("observer was not closed")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestOrchestrator_LateJoinerMissesEarlierEvents(t *testing.T) {
	h := newHarness(t, true)
	h.start(t, "s1", "0")

	early := broadcast.NewChannelObserver(16)
	_, err := h.orch.Subscribe("s1", early)
	require.NoError(t, err)

	h.fire(t, "s1", "go")
	ev := nextEvent(t, early)
	assert.Equal(t, protocol.EventAgentMessage, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.JSONEq(t, assistantLine, string(ev.Data))

	late := broadcast.NewChannelObserver(16)
	_, err = h.orch.Subscribe("s1", late)
	require.NoError(t, err)

	h.fire(t, "s1", "finish")

	for _, obs := range []*broadcast.ChannelObserver{early, late} {
		ev := nextEvent(t, obs)
		assert.Equal(t, protocol.EventClosed, ev.Type)
		assert.JSONEq(t, `{"exitCode":0}`, string(ev.Data))
		requireObserverClosed(t, obs)
	}

	require.Eventually(t, func() bool {
		_, err := h.orch.Session("s1")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond, "session should be released after close")
	assert.Equal(t, 0, h.hub.ObserverCount("s1"))
}

func TestOrchestrator_ProcessFailureEmitsErrorThenClosed(t *testing.T) {
	h := newHarness(t, true)
	h.start(t, "s1", "3")

	obs := broadcast.NewChannelObserver(16)
	_, err := h.orch.Subscribe("s1", obs)
	require.NoError(t, err)

	h.fire(t, "s1", "go")
	h.fire(t, "s1", "finish")

	assert.Equal(t, protocol.EventAgentMessage, nextEvent(t, obs).Type)

	errEv := nextEvent(t, obs)
	require.Equal(t, protocol.EventError, errEv.Type)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errEv.Data, &payload))
	assert.Equal(t, protocol.ErrCodeProcessFailed, payload.Code)
	assert.Equal(t, 3, payload.ExitCode)
	assert.Contains(t, payload.Message, "boom: bad credentials")
	assert.Equal(t, []string{"boom: bad credentials"}, payload.Stderr)

	closedEv := nextEvent(t, obs)
	assert.Equal(t, protocol.EventClosed, closedEv.Type)
	assert.JSONEq(t, `{"exitCode":3}`, string(closedEv.Data))
	requireObserverClosed(t, obs)
}

func TestOrchestrator_SubscribeErrors(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.orch.Subscribe("nope", broadcast.NewChannelObserver(1))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	h.start(t, "s1", "0")
	h.fire(t, "s1", "go")
	h.fire(t, "s1", "finish")
	select {
	case <-h.mgr.Done("s1"):
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
	}

	// Without Run the session is never released, but it has ended.
	_, err = h.orch.Subscribe("s1", broadcast.NewChannelObserver(1))
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.Equal(t, 0, h.hub.ObserverCount("s1"))
}

type recordingEndpoint struct {
	mu     sync.Mutex
	forgot []string
}

func (r *recordingEndpoint) ForgetSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot = append(r.forgot, id)
}

func (r *recordingEndpoint) Forgotten() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.forgot...)
}

func TestOrchestrator_ReusedIDWaitsForTeardown(t *testing.T) {
	h := newHarness(t, false)
	endpoint := &recordingEndpoint{}
	h.orch.approval = endpoint

	h.start(t, "s1", "0")
	h.fire(t, "s1", "go")
	h.fire(t, "s1", "finish")
	select {
	case <-h.mgr.Done("s1"):
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
	}

	// The exit notice is still queued, so the id stays taken.
	_, err := h.orch.StartSession(context.Background(), session.StartRequest{SessionID: "s1", WorkDir: t.TempDir()})
	require.ErrorIs(t, err, session.ErrSessionExists)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		h.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	require.Eventually(t, func() bool {
		_, err := h.orch.Session("s1")
		return errors.Is(err, session.ErrSessionNotFound)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s1"}, endpoint.Forgotten())

	require.NoError(t, os.Remove(h.trigger("s1", "go")))
	require.NoError(t, os.Remove(h.trigger("s1", "finish")))
	h.start(t, "s1", "0")

	obs := broadcast.NewChannelObserver(16)
	_, err = h.orch.Subscribe("s1", obs)
	require.NoError(t, err)

	h.fire(t, "s1", "go")
	assert.Equal(t, protocol.EventAgentMessage, nextEvent(t, obs).Type)
	desc, err := h.orch.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, desc.State)

	h.fire(t, "s1", "finish")
	assert.Equal(t, protocol.EventClosed, nextEvent(t, obs).Type)
	requireObserverClosed(t, obs)
}

func TestOrchestrator_ListsAndKills(t *testing.T) {
	h := newHarness(t, true)
	h.start(t, "s1", "0")

	sessions := h.orch.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, session.StateRunning, sessions[0].State)

	obs := broadcast.NewChannelObserver(16)
	_, err := h.orch.Subscribe("s1", obs)
	require.NoError(t, err)

	require.NoError(t, h.orch.KillSession("s1"))
	assert.Equal(t, protocol.EventError, nextEvent(t, obs).Type)
	assert.Equal(t, protocol.EventClosed, nextEvent(t, obs).Type)
	requireObserverClosed(t, obs)

	assert.ErrorIs(t, h.orch.KillSession("missing"), session.ErrSessionNotFound)
}

func newBridge(t *testing.T, h *harness, timeout time.Duration) *approval.Bridge {
	t.Helper()
	b, err := approval.NewBridge(approval.BridgeConfig{
		Ledger:       h.ledger,
		Publisher:    h.hub,
		Sessions:     h.mgr,
		Logger:       logging.Discard(),
		Timeout:      timeout,
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

type verdictResult struct {
	verdict approval.Verdict
	err     error
}

func requestAsync(b *approval.Bridge, sessionID, tool, input, toolUseID string) <-chan verdictResult {
	ch := make(chan verdictResult, 1)
	go func() {
		v, err := b.RequestApproval(context.Background(), sessionID, tool, json.RawMessage(input), toolUseID)
		ch <- verdictResult{v, err}
	}()
	return ch
}

func waitVerdict(t *testing.T, ch <-chan verdictResult, within time.Duration) approval.Verdict {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.verdict
	case <-time.After(within):
		t.Fatal("bridge did not return a verdict in time")
		return approval.Verdict{}
	}
}

func TestOrchestrator_ApproveUnblocksBridge(t *testing.T) {
	h := newHarness(t, true)
	h.start(t, "s1", "0")
	bridge := newBridge(t, h, 30*time.Second)

	obs := broadcast.NewChannelObserver(16)
	_, err := h.orch.Subscribe("s1", obs)
	require.NoError(t, err)

	result := requestAsync(bridge, "s1", "Bash", `{"command":"ls"}`, "toolu_1")

	ev := nextEvent(t, obs)
	require.Equal(t, protocol.EventPermissionRequest, ev.Type)
	var prompt protocol.PermissionRequestPayload
	require.NoError(t, json.Unmarshal(ev.Data, &prompt))
	assert.Equal(t, "Bash", prompt.ToolName)
	assert.Equal(t, "toolu_1", prompt.StreamingID)
	assert.JSONEq(t, `{"command":"ls"}`, string(prompt.ToolInput))

	pending := h.orch.Permissions(permission.Filter{SessionID: "s1", Status: permission.StatusPending})
	require.Len(t, pending, 1)
	assert.Equal(t, prompt.ID, pending[0].ID)

	req, err := h.orch.Decide(prompt.ID, protocol.ActionApprove, nil, "")
	require.NoError(t, err)
	assert.Equal(t, permission.StatusApproved, req.Status)

	v := waitVerdict(t, result, 5*time.Second)
	assert.Equal(t, approval.BehaviorAllow, v.Behavior)
	assert.JSONEq(t, `{"command":"ls"}`, string(v.UpdatedInput))

	_, err = h.orch.Decide(prompt.ID, protocol.ActionDeny, nil, "changed my mind")
	assert.ErrorIs(t, err, permission.ErrDecisionConflict)

	h.fire(t, "s1", "go")
	h.fire(t, "s1", "finish")
}

func TestOrchestrator_ProcessExitDeniesPendingRequest(t *testing.T) {
	h := newHarness(t, true)
	h.start(t, "s1", "1")
	bridge := newBridge(t, h, 30*time.Second)

	result := requestAsync(bridge, "s1", "Write", `{"file_path":"/tmp/x"}`, "")
	require.Eventually(t, func() bool {
		return len(h.orch.Permissions(permission.Filter{SessionID: "s1"})) == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.fire(t, "s1", "go")
	h.fire(t, "s1", "finish")

	v := waitVerdict(t, result, 5*time.Second)
	assert.Equal(t, approval.BehaviorDeny, v.Behavior)
	assert.NotEmpty(t, v.Message)

	reqs := h.orch.Permissions(permission.Filter{SessionID: "s1"})
	require.Len(t, reqs, 1)
	assert.Equal(t, permission.StatusPending, reqs[0].Status)
	assert.True(t, reqs[0].Abandoned)

	_, err := h.orch.Decide(reqs[0].ID, protocol.ActionApprove, nil, "")
	assert.ErrorIs(t, err, permission.ErrDecisionConflict)
}

func TestOrchestrator_DecideErrors(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.orch.Decide("missing", protocol.ActionApprove, nil, "")
	assert.ErrorIs(t, err, permission.ErrRequestNotFound)

	req, err := h.ledger.Add("Bash", json.RawMessage(`{}`), "s1", "")
	require.NoError(t, err)
	_, err = h.orch.Decide(req.ID, "maybe", nil, "")
	assert.ErrorIs(t, err, permission.ErrInvalidAction)

	got, err := h.orch.Decide(req.ID, protocol.ActionDeny, nil, "too risky")
	require.NoError(t, err)
	assert.Equal(t, permission.StatusDenied, got.Status)
	assert.Equal(t, "too risky", got.Reason)
}
