// Package permission is the single source of truth for tool approval requests.
//
// A request starts pending and moves at most once to approved or denied.
// The approval bridge waits on Resolved and calls Abandon when it has already
// answered the agent without a decision (timeout, session gone), after which
// further decisions are rejected with ErrDecisionConflict.
package permission

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agent-bridge/internal/protocol"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Terminal reports whether s is a resolved state.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

var (
	ErrInvalidToolName  = errors.New("tool name is required")
	ErrRequestNotFound  = errors.New("permission request not found")
	ErrInvalidAction    = errors.New("action must be approve or deny")
	ErrDecisionConflict = errors.New("permission request already settled")
)

// Decision carries what the human supplied with a verdict.
type Decision struct {
	ModifiedInput json.RawMessage
	Reason        string
}

// Request is a snapshot of one approval record.
type Request struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	ToolName      string          `json:"toolName"`
	ToolInput     json.RawMessage `json:"toolInput"`
	Status        Status          `json:"status"`
	StreamingID   string          `json:"streamingId"`
	CreatedAt     time.Time       `json:"createdAt"`
	DecidedAt     *time.Time      `json:"decidedAt,omitempty"`
	ModifiedInput json.RawMessage `json:"modifiedInput,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	// Abandoned is set once the agent has been answered without a decision.
	Abandoned bool `json:"abandoned,omitempty"`
}

// Filter selects requests in List. Zero fields match everything.
type Filter struct {
	SessionID string
	Status    Status
}

type record struct {
	req      Request
	resolved chan struct{}
}

// Ledger stores approval requests in memory.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  *slog.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		records: make(map[string]*record),
		logger:  logger,
	}
}

// Add records a new pending request.
func (l *Ledger) Add(toolName string, toolInput json.RawMessage, sessionID, streamingID string) (Request, error) {
	if toolName == "" {
		return Request{}, ErrInvalidToolName
	}
	if len(toolInput) == 0 {
		toolInput = json.RawMessage("{}")
	}

	req := Request{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ToolName:    toolName,
		ToolInput:   cloneRaw(toolInput),
		Status:      StatusPending,
		StreamingID: streamingID,
		CreatedAt:   time.Now().UTC(),
	}

	l.mu.Lock()
	l.records[req.ID] = &record{req: req, resolved: make(chan struct{})}
	l.mu.Unlock()

	l.logger.Info("permission requested",
		"request_id", req.ID,
		"session_id", sessionID,
		"tool_name", toolName)
	return req, nil
}

// Get returns one request by ID.
func (l *Ledger) Get(id string) (Request, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return rec.req, nil
}

// List returns the requests matching f, oldest first.
func (l *Ledger) List(f Filter) []Request {
	l.mu.RLock()
	result := make([]Request, 0, len(l.records))
	for _, rec := range l.records {
		if f.SessionID != "" && rec.req.SessionID != f.SessionID {
			continue
		}
		if f.Status != "" && rec.req.Status != f.Status {
			continue
		}
		result = append(result, rec.req)
	}
	l.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// UpdateStatus moves a pending request to approved or denied. It returns false
// without changing anything when the request is unknown, already resolved,
// abandoned, or status is not terminal. Concurrent callers on one request
// get exactly one true.
func (l *Ledger) UpdateStatus(id string, status Status, d Decision) bool {
	_, err := l.transition(id, status, d)
	return err == nil
}

// Decide applies an API action ("approve" or "deny") to a request.
func (l *Ledger) Decide(id, action string, modifiedInput json.RawMessage, reason string) (Request, error) {
	var status Status
	switch action {
	case protocol.ActionApprove:
		status = StatusApproved
	case protocol.ActionDeny:
		status = StatusDenied
	default:
		return Request{}, ErrInvalidAction
	}
	return l.transition(id, status, Decision{ModifiedInput: modifiedInput, Reason: reason})
}

func (l *Ledger) transition(id string, status Status, d Decision) (Request, error) {
	if !status.Terminal() {
		return Request{}, ErrInvalidAction
	}

	l.mu.Lock()
	rec, ok := l.records[id]
	if !ok {
		l.mu.Unlock()
		return Request{}, ErrRequestNotFound
	}
	if rec.req.Status != StatusPending || rec.req.Abandoned {
		current := rec.req
		l.mu.Unlock()
		l.logger.Warn("permission decision rejected",
			"request_id", id,
			"status", current.Status,
			"abandoned", current.Abandoned,
			"attempted", status)
		return current, ErrDecisionConflict
	}

	now := time.Now().UTC()
	rec.req.Status = status
	rec.req.DecidedAt = &now
	if status == StatusApproved && len(d.ModifiedInput) > 0 {
		rec.req.ModifiedInput = cloneRaw(d.ModifiedInput)
	}
	if status == StatusDenied {
		rec.req.Reason = d.Reason
	}
	close(rec.resolved)
	req := rec.req
	l.mu.Unlock()

	l.logger.Info("permission decided",
		"request_id", id,
		"session_id", req.SessionID,
		"tool_name", req.ToolName,
		"status", status)
	return req, nil
}

// Resolved returns a channel closed when the request leaves pending. Unknown
// IDs get a nil channel, which never fires.
func (l *Ledger) Resolved(id string) <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil
	}
	return rec.resolved
}

// Abandon marks a still-pending request as answered without a decision. The
// status stays pending. It returns the current record and false when the
// request had already been resolved, in which case that resolution stands.
func (l *Ledger) Abandon(id string) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return Request{}, false
	}
	if rec.req.Status != StatusPending {
		return rec.req, false
	}
	rec.req.Abandoned = true
	return rec.req, true
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
