// Package orchestrator ties the session manager, the event hub and the
// permission ledger together. It turns process notifications into closed and
// error events, tears sessions down, and is the entry point the HTTP layer
// uses for sessions, subscriptions and decisions.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"agent-bridge/internal/broadcast"
	"agent-bridge/internal/metrics"
	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"
	"agent-bridge/internal/session"
)

// ErrSessionEnded is returned when subscribing to a session whose agent has
// already exited.
var ErrSessionEnded = errors.New("session has ended")

// ApprovalEndpoint holds per-session state of the agent-facing approval
// endpoint.
type ApprovalEndpoint interface {
	ForgetSession(sessionID string)
}

// Config wires an Orchestrator. Approval, Logger and Metrics are optional.
type Config struct {
	Sessions *session.Manager
	Hub      *broadcast.Hub
	Ledger   *permission.Ledger
	Approval ApprovalEndpoint
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Orchestrator owns the session lifecycle seen by observers.
type Orchestrator struct {
	sessions *session.Manager
	hub      *broadcast.Hub
	ledger   *permission.Ledger
	approval ApprovalEndpoint
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// mu orders observer registration against session teardown so no
	// observer is added after a session's observers were closed.
	mu sync.Mutex
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions: cfg.Sessions,
		hub:      cfg.Hub,
		ledger:   cfg.Ledger,
		approval: cfg.Approval,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run consumes process notifications until the manager closes its channel or
// ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	notifications := o.sessions.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			o.handle(n)
		}
	}
}

func (o *Orchestrator) handle(n session.Notification) {
	id := n.Session()

	o.mu.Lock()
	switch n := n.(type) {
	case session.ProcessClosed:
		o.publish(id, protocol.EventClosed, protocol.ClosedPayload{ExitCode: n.ExitCode})

	case session.ProcessError:
		payload := protocol.ErrorPayload{
			Code:     protocol.ErrCodeProcessFailed,
			ExitCode: n.ExitCode,
		}
		if n.Err != nil {
			payload.Message = n.Err.Error()
			payload.Stderr = n.Err.Stderr
		}
		o.publish(id, protocol.EventError, payload)
		o.publish(id, protocol.EventClosed, protocol.ClosedPayload{ExitCode: n.ExitCode})
	}
	o.hub.CloseSession(id)
	o.mu.Unlock()

	// The id may be reused once released, so endpoint state goes first.
	if o.approval != nil {
		o.approval.ForgetSession(id)
	}
	o.sessions.Release(id)
	o.logger.Debug("session torn down", "session_id", id)
}

func (o *Orchestrator) publish(sessionID string, t protocol.EventType, payload any) {
	ev, err := protocol.NewEvent(t, sessionID, payload)
	if err != nil {
		o.logger.Error("building event", "session_id", sessionID, "type", t, "error", err)
		return
	}
	o.hub.Broadcast(sessionID, ev)
}

// StartSession launches an agent.
func (o *Orchestrator) StartSession(ctx context.Context, req session.StartRequest) (*session.Session, error) {
	return o.sessions.Start(ctx, req)
}

// Session describes one session.
func (o *Orchestrator) Session(id string) (session.Descriptor, error) {
	return o.sessions.Get(id)
}

// Sessions lists the active sessions.
func (o *Orchestrator) Sessions() []session.Descriptor {
	return o.sessions.ActiveSessions()
}

// KillSession stops a session's agent. Observers learn about it through the
// resulting error and closed events.
func (o *Orchestrator) KillSession(id string) error {
	return o.sessions.Kill(id)
}

// Subscribe attaches obs to a live session and returns its observer ID. The
// observer receives events from now on and is closed after the session's
// closed event.
func (o *Orchestrator) Subscribe(sessionID string, obs broadcast.Observer) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.sessions.Get(sessionID); err != nil {
		return "", err
	}
	select {
	case <-o.sessions.Done(sessionID):
		return "", fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	default:
	}
	return o.hub.AddObserver(sessionID, obs), nil
}

// Unsubscribe detaches and closes an observer.
func (o *Orchestrator) Unsubscribe(sessionID, observerID string) {
	o.hub.RemoveObserver(sessionID, observerID)
}

// Permissions lists permission requests matching f.
func (o *Orchestrator) Permissions(f permission.Filter) []permission.Request {
	return o.ledger.List(f)
}

// Decide applies a human decision to a pending permission request.
func (o *Orchestrator) Decide(id, action string, modifiedInput json.RawMessage, reason string) (permission.Request, error) {
	req, err := o.ledger.Decide(id, action, modifiedInput, reason)
	if errors.Is(err, permission.ErrDecisionConflict) {
		o.metrics.DecisionConflict()
	}
	return req, err
}
