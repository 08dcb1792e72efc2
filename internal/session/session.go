package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateClosed   State = "closed"
	StateErrored  State = "errored"
)

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Session holds metadata and state for a single agent process.
type Session struct {
	ID        string
	State     State
	WorkDir   string
	CreatedAt time.Time
	PID       int
	ExitCode  int
}

// Descriptor is the view of a session handed to API callers.
type Descriptor struct {
	SessionID    string    `json:"sessionId"`
	State        State     `json:"state"`
	WorkDir      string    `json:"workDir"`
	CreatedAt    time.Time `json:"createdAt"`
	FilesChanged int64     `json:"filesChanged"`
}

// StartRequest describes a session to launch.
type StartRequest struct {
	// SessionID is optional; a uuid is generated when empty.
	SessionID   string
	WorkDir     string
	Instruction string
	Env         map[string]string
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already running")
	ErrMaxSessions     = errors.New("maximum session limit reached")
)

// SpawnError means the agent process could not be launched.
type SpawnError struct {
	SessionID string
	Command   string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s for session %s: %v", e.Command, e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessRuntimeError describes an agent that exited abnormally.
type ProcessRuntimeError struct {
	SessionID string
	ExitCode  int
	// Signal is set when the process was killed by a signal.
	Signal string
	// Stderr holds the last lines the agent wrote to stderr.
	Stderr []string
}

func (e *ProcessRuntimeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent process for session %s ", e.SessionID)
	if e.Signal != "" {
		fmt.Fprintf(&b, "killed by %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "exited with code %d", e.ExitCode)
	}
	if n := len(e.Stderr); n > 0 {
		fmt.Fprintf(&b, ": %s", e.Stderr[n-1])
	}
	return b.String()
}

// Notification is emitted exactly once per session when its process ends.
type Notification interface {
	Session() string
	notification()
}

// ProcessClosed reports a clean exit (code 0).
type ProcessClosed struct {
	SessionID string
	ExitCode  int
}

// ProcessError reports a non-zero exit or death by signal.
type ProcessError struct {
	SessionID string
	ExitCode  int
	Err       *ProcessRuntimeError
}

func (n ProcessClosed) Session() string { return n.SessionID }
func (n ProcessError) Session() string  { return n.SessionID }

func (ProcessClosed) notification() {}
func (ProcessError) notification()  {}
