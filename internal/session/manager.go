package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"agent-bridge/internal/metrics"
	"agent-bridge/internal/protocol"

	"github.com/google/uuid"
)

const (
	maxLineSize           = 10 * 1024 * 1024 // 10 MiB
	initialScanBufSize    = 64 * 1024
	defaultStderrTail     = 50
	defaultGracefulPeriod = 5 * time.Second
	notificationBuffer    = 64
)

// DefaultArgs drive the claude CLI in non-interactive stream-json mode. The
// instruction is written to stdin.
var DefaultArgs = []string{"-p", "--output-format", "stream-json", "--verbose"}

var errShuttingDown = errors.New("session manager is shutting down")

// Publisher receives the agent-message events a session produces.
type Publisher interface {
	Broadcast(sessionID string, ev protocol.Event)
}

// ActivityTracker counts working-directory changes per session.
type ActivityTracker interface {
	Watch(sessionID, workDir string) error
	Unwatch(sessionID string)
	Count(sessionID string) int64
}

// Config controls how agent processes are launched.
type Config struct {
	Command     string
	Args        []string
	MaxSessions int
	// StderrTailLines is how many trailing stderr lines are kept per session.
	StderrTailLines int
	// KillGrace is the wait between the interrupt and the forced kill.
	KillGrace time.Duration
	// ApprovalURL is the base URL of the approval endpoint. When set, each
	// agent gets an MCP config pointing at ApprovalURL/<sessionId> and is told
	// to route permission prompts through it.
	ApprovalURL string
	// ConfigDir receives the per-session MCP config files. Defaults to the
	// system temp dir.
	ConfigDir string
}

// Manager supervises agent subprocesses, one per session.
type Manager struct {
	cfg       Config
	publisher Publisher
	activity  ActivityTracker
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu            sync.RWMutex
	sessions      map[string]*managedSession
	closed        bool
	wg            sync.WaitGroup
	notifications chan Notification
}

type managedSession struct {
	Session *Session
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stderr  *RingBuffer
	done    chan struct{}
	mcpPath string
	// killRequested is set when Kill arrives before the process exists.
	killRequested bool
}

// NewManager creates a session manager. activity, logger and m may be nil.
func NewManager(cfg Config, publisher Publisher, activity ActivityTracker, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = defaultStderrTail
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultGracefulPeriod
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:           cfg,
		publisher:     publisher,
		activity:      activity,
		logger:        logger,
		metrics:       m,
		sessions:      make(map[string]*managedSession),
		notifications: make(chan Notification, notificationBuffer),
	}
}

// Notifications delivers one ProcessClosed or ProcessError per session. The
// channel is closed by Shutdown once every process has been reaped.
func (m *Manager) Notifications() <-chan Notification {
	return m.notifications
}

// Start launches the agent for a new session and hands it the instruction.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	if err := validateWorkDir(req.WorkDir); err != nil {
		m.metrics.SessionSpawnFailed()
		return nil, &SpawnError{SessionID: req.SessionID, Command: m.cfg.Command, Err: err}
	}

	// Reserve the id and a slot.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errShuttingDown
	}
	// A finished session keeps its id until Release, so its exit notification
	// can never be mistaken for a newer session's.
	if _, ok := m.sessions[req.SessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}
	if m.cfg.MaxSessions > 0 && m.activeCountLocked() >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}

	sess := &Session{
		ID:        req.SessionID,
		State:     StateStarting,
		WorkDir:   req.WorkDir,
		CreatedAt: time.Now().UTC(),
	}
	ms := &managedSession{
		Session: sess,
		stderr:  NewRingBuffer(m.cfg.StderrTailLines),
		done:    make(chan struct{}),
	}
	m.sessions[sess.ID] = ms
	m.wg.Add(1)
	m.mu.Unlock()

	// Watch before the process exists so Release always finds the watch.
	if m.activity != nil {
		if err := m.activity.Watch(sess.ID, sess.WorkDir); err != nil {
			m.logger.Warn("working directory watch failed", "session_id", sess.ID, "error", err)
		}
	}

	snapshot, err := m.spawn(ms, req)
	if err != nil {
		if m.activity != nil {
			m.activity.Unwatch(sess.ID)
		}
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		close(ms.done)
		m.wg.Done()

		m.metrics.SessionSpawnFailed()
		m.logger.Error("agent spawn failed", "session_id", sess.ID, "error", err)
		return nil, &SpawnError{SessionID: sess.ID, Command: m.cfg.Command, Err: err}
	}

	m.logger.Info("agent started",
		"session_id", sess.ID,
		"pid", snapshot.PID,
		"work_dir", sess.WorkDir)

	return &snapshot, nil
}

// spawn builds and starts the process and returns the session as it was when
// the process started. On success the reader and exit goroutines own the
// session.
func (m *Manager) spawn(ms *managedSession, req StartRequest) (Session, error) {
	binaryPath, err := exec.LookPath(m.cfg.Command)
	if err != nil {
		return Session{}, fmt.Errorf("resolve agent command: %w", err)
	}

	args := append([]string(nil), m.cfg.Args...)
	if m.cfg.ApprovalURL != "" {
		path, err := m.writeApprovalConfig(ms.Session.ID)
		if err != nil {
			return Session{}, err
		}
		ms.mcpPath = path
		args = append(args,
			"--mcp-config", path,
			"--permission-prompt-tool", protocol.PermissionPromptTool)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = buildEnv(req.Env)
	cmd.Stdin = strings.NewReader(req.Instruction + "\n")

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.removeApprovalConfig(ms)
		return Session{}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		m.removeApprovalConfig(ms)
		return Session{}, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		m.removeApprovalConfig(ms)
		return Session{}, fmt.Errorf("start agent: %w", err)
	}

	m.mu.Lock()
	ms.cmd = cmd
	ms.cancel = cancel
	ms.Session.State = StateRunning
	ms.Session.PID = cmd.Process.Pid
	killNow := ms.killRequested || m.closed
	snapshot := *ms.Session
	m.mu.Unlock()

	// Counted before the exit goroutine can record the end.
	m.metrics.SessionStarted()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.readStdout(ms, stdoutPipe)
	}()
	go func() {
		defer readers.Done()
		m.readStderr(ms, stderrPipe)
	}()
	go m.waitForExit(ms, &readers)

	if killNow {
		m.logger.Info("killing agent", "session_id", ms.Session.ID, "reason", "kill requested during start")
		m.interrupt(ms, cmd, cancel)
	}
	return snapshot, nil
}

// readStdout decodes each line and publishes it in production order.
func (m *Manager) readStdout(ms *managedSession, pipe io.Reader) {
	id := ms.Session.ID
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, initialScanBufSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := protocol.ParseAgentLine(line)
		if err != nil {
			m.metrics.MalformedLine()
			m.logger.Warn("dropping agent output line", "session_id", id, "error", err)
			continue
		}
		if m.publisher != nil {
			m.publisher.Broadcast(id, protocol.NewAgentMessageEvent(id, msg))
		}
	}

	if err := scanner.Err(); err != nil {
		m.logger.Warn("agent stdout scanner stopped", "session_id", id, "error", err)
		// Keep the pipe drained so the agent never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, pipe)
	}
}

func (m *Manager) readStderr(ms *managedSession, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, initialScanBufSize), maxLineSize)

	for scanner.Scan() {
		text := scanner.Text()
		ms.stderr.Write(text)
		m.logger.Debug("agent stderr", "session_id", ms.Session.ID, "line", text)
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, pipe)
	}
}

// waitForExit reaps the process after both readers are done and emits the
// session's single notification.
func (m *Manager) waitForExit(ms *managedSession, readers *sync.WaitGroup) {
	defer m.wg.Done()

	readers.Wait()
	waitErr := ms.cmd.Wait()
	ms.cancel()
	m.removeApprovalConfig(ms)

	exitCode, signal := exitStatus(waitErr)
	state := StateClosed
	if exitCode != 0 || signal != "" {
		state = StateErrored
	}

	m.mu.Lock()
	ms.Session.State = state
	ms.Session.ExitCode = exitCode
	m.mu.Unlock()
	close(ms.done)

	m.metrics.SessionEnded(string(state))

	var n Notification
	if state == StateClosed {
		m.logger.Info("agent exited", "session_id", ms.Session.ID, "exit_code", exitCode)
		n = ProcessClosed{SessionID: ms.Session.ID, ExitCode: exitCode}
	} else {
		runtimeErr := &ProcessRuntimeError{
			SessionID: ms.Session.ID,
			ExitCode:  exitCode,
			Signal:    signal,
			Stderr:    ms.stderr.ReadAll(),
		}
		m.logger.Warn("agent failed", "session_id", ms.Session.ID, "error", runtimeErr)
		n = ProcessError{SessionID: ms.Session.ID, ExitCode: exitCode, Err: runtimeErr}
	}
	m.notifications <- n
}

// Get returns the descriptor of a session that has not been released.
func (m *Manager) Get(id string) (Descriptor, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	var d Descriptor
	if ok {
		d = m.describeLocked(ms)
	}
	m.mu.RUnlock()

	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	d.FilesChanged = m.filesChanged(id)
	return d, nil
}

// ActiveSessions returns the sessions that are starting or running, oldest
// first.
func (m *Manager) ActiveSessions() []Descriptor {
	m.mu.RLock()
	result := make([]Descriptor, 0, len(m.sessions))
	for _, ms := range m.sessions {
		if ms.Session.State.Terminal() {
			continue
		}
		result = append(result, m.describeLocked(ms))
	}
	m.mu.RUnlock()

	for i := range result {
		result[i].FilesChanged = m.filesChanged(result[i].SessionID)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Kill interrupts a session's agent and force-kills it after the grace
// period. Killing a finished session is a no-op. A session that is still
// starting is killed as soon as its process exists.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if ms.Session.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if ms.cmd == nil {
		ms.killRequested = true
		m.mu.Unlock()
		m.logger.Info("kill requested before agent started", "session_id", id)
		return nil
	}
	cmd, cancel := ms.cmd, ms.cancel
	m.mu.Unlock()

	m.logger.Info("killing agent", "session_id", id)
	m.interrupt(ms, cmd, cancel)
	return nil
}

// interrupt sends os.Interrupt and escalates to a kill through cancel once
// the grace period passes.
func (m *Manager) interrupt(ms *managedSession, cmd *exec.Cmd, cancel context.CancelFunc) {
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cancel()
		return
	}

	go func() {
		timer := time.NewTimer(m.cfg.KillGrace)
		defer timer.Stop()
		select {
		case <-ms.done:
		case <-timer.C:
			m.logger.Warn("agent ignored interrupt, forcing kill", "session_id", ms.Session.ID)
			cancel()
		}
	}()
}

// Done returns a channel closed once the session's process has exited.
// Unknown sessions get an already closed channel.
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ms, ok := m.sessions[id]; ok {
		return ms.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Release forgets a finished session. Live sessions are left alone.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if ok && ms.Session.State.Terminal() {
		delete(m.sessions, id)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok && m.activity != nil {
		m.activity.Unwatch(id)
	}
}

// Shutdown kills every live agent, waits for all of them to be reaped and
// closes the notifications channel. Start fails afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id, ms := range m.sessions {
		if !ms.Session.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Kill(id)
	}

	m.wg.Wait()
	close(m.notifications)
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, ms := range m.sessions {
		if !ms.Session.State.Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) describeLocked(ms *managedSession) Descriptor {
	return Descriptor{
		SessionID: ms.Session.ID,
		State:     ms.Session.State,
		WorkDir:   ms.Session.WorkDir,
		CreatedAt: ms.Session.CreatedAt,
	}
}

func (m *Manager) filesChanged(id string) int64 {
	if m.activity == nil {
		return 0
	}
	return m.activity.Count(id)
}

type mcpServerEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// writeApprovalConfig writes the MCP config that points the agent at this
// session's approval endpoint.
func (m *Manager) writeApprovalConfig(sessionID string) (string, error) {
	cfg := mcpConfigFile{
		MCPServers: map[string]mcpServerEntry{
			protocol.ApprovalServerName: {
				Type: "http",
				URL:  strings.TrimRight(m.cfg.ApprovalURL, "/") + "/" + url.PathEscape(sessionID),
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal mcp config: %w", err)
	}

	f, err := os.CreateTemp(m.cfg.ConfigDir, "agent-bridge-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("create mcp config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return f.Name(), nil
}

func (m *Manager) removeApprovalConfig(ms *managedSession) {
	if ms.mcpPath == "" {
		return
	}
	if err := os.Remove(ms.mcpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove mcp config", "session_id", ms.Session.ID, "error", err)
	}
}

func validateWorkDir(workDir string) error {
	if workDir == "" {
		return errors.New("working directory is required")
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %s", workDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", workDir)
	}
	return nil
}

// buildEnv layers the overrides on top of the server's environment.
func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// exitStatus extracts the exit code, or the signal name when the process was
// killed by one.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == -1 {
			return -1, strings.TrimPrefix(exitErr.ProcessState.String(), "signal: ")
		}
		return code, ""
	}
	return -1, err.Error()
}
