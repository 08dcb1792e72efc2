package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"agent-bridge/internal/metrics"
	"agent-bridge/internal/permission"
	"agent-bridge/internal/protocol"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultDenyMessage is sent when a human denies without a reason.
	DefaultDenyMessage = "Denied by user"

	// ReasonApprovalTimeout tags verdicts produced by the wait deadline, as
	// opposed to a human denial.
	ReasonApprovalTimeout = "ApprovalTimeout"
)

// Verdict outcomes, as reported to metrics.
const (
	outcomeApproved  = "approved"
	outcomeDenied    = "denied"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
)

const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Verdict is the answer handed back to the agent for one tool call.
type Verdict struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Publisher fans permission-request events out to observers.
type Publisher interface {
	Broadcast(sessionID string, ev protocol.Event)
}

// SessionSignals reports when a session's agent has gone away.
type SessionSignals interface {
	Done(sessionID string) <-chan struct{}
}

// BridgeConfig wires a Bridge. Sessions and Metrics are optional.
type BridgeConfig struct {
	Ledger       *permission.Ledger
	Publisher    Publisher
	Sessions     SessionSignals
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Timeout      time.Duration
	PollInterval time.Duration
}

// Bridge turns an agent's approval tool call into a ledger record, announces
// it to observers and blocks until a human decides or the wait is cut short.
type Bridge struct {
	ledger       *permission.Ledger
	publisher    Publisher
	sessions     SessionSignals
	logger       *slog.Logger
	metrics      *metrics.Metrics
	timeout      time.Duration
	pollInterval time.Duration
}

// NewBridge creates a bridge, applying defaults for zero durations.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Bridge{
		ledger:       cfg.Ledger,
		publisher:    cfg.Publisher,
		sessions:     cfg.Sessions,
		logger:       logger,
		metrics:      cfg.Metrics,
		timeout:      timeout,
		pollInterval: poll,
	}, nil
}

// RequestApproval records the tool call, broadcasts a permission-request
// event and waits for the outcome. The only error is
// permission.ErrInvalidToolName; every other path yields a verdict.
func (b *Bridge) RequestApproval(ctx context.Context, sessionID, toolName string, input json.RawMessage, toolUseID string) (Verdict, error) {
	start := time.Now()

	req, err := b.ledger.Add(toolName, input, sessionID, toolUseID)
	if err != nil {
		return Verdict{}, err
	}
	b.metrics.ApprovalRequested()

	ev, err := protocol.NewEvent(protocol.EventPermissionRequest, sessionID, protocol.PermissionRequestPayload{
		ID:          req.ID,
		ToolName:    req.ToolName,
		ToolInput:   req.ToolInput,
		StreamingID: req.StreamingID,
		CreatedAt:   req.CreatedAt,
	})
	if err != nil {
		b.logger.Error("build permission-request event", "request_id", req.ID, "error", err)
	} else {
		b.publisher.Broadcast(sessionID, ev)
	}

	resolved := b.ledger.Resolved(req.ID)
	var sessionDone <-chan struct{}
	if b.sessions != nil {
		sessionDone = b.sessions.Done(sessionID)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-resolved:
			current, err := b.ledger.Get(req.ID)
			if err == nil {
				return b.fromRecord(current, start), nil
			}
		case <-ticker.C:
			current, err := b.ledger.Get(req.ID)
			if err == nil && current.Status.Terminal() {
				return b.fromRecord(current, start), nil
			}
		case <-sessionDone:
			return b.abandon(req, outcomeCancelled, "Session ended before a decision was made", start), nil
		case <-ctx.Done():
			return b.abandon(req, outcomeCancelled, "Permission request cancelled", start), nil
		case <-timer.C:
			msg := fmt.Sprintf("Permission request timed out after %s", b.timeout)
			return b.abandon(req, outcomeTimeout, msg, start), nil
		}
	}
}

// abandon gives up waiting. A decision that landed in the meantime wins.
func (b *Bridge) abandon(req permission.Request, outcome, message string, start time.Time) Verdict {
	current, ok := b.ledger.Abandon(req.ID)
	if !ok && current.Status.Terminal() {
		return b.fromRecord(current, start)
	}

	if outcome == outcomeTimeout {
		b.logger.Warn("approval timed out",
			"reason", ReasonApprovalTimeout,
			"request_id", req.ID,
			"session_id", req.SessionID,
			"tool_name", req.ToolName,
			"timeout", b.timeout)
	} else {
		b.logger.Info("approval wait cancelled",
			"request_id", req.ID,
			"session_id", req.SessionID,
			"tool_name", req.ToolName)
	}
	b.metrics.ApprovalVerdict(outcome, time.Since(start))
	return Verdict{Behavior: BehaviorDeny, Message: message}
}

func (b *Bridge) fromRecord(req permission.Request, start time.Time) Verdict {
	if req.Status == permission.StatusApproved {
		b.metrics.ApprovalVerdict(outcomeApproved, time.Since(start))
		input := req.ModifiedInput
		if len(input) == 0 {
			input = req.ToolInput
		}
		return Verdict{Behavior: BehaviorAllow, UpdatedInput: input}
	}

	b.metrics.ApprovalVerdict(outcomeDenied, time.Since(start))
	msg := req.Reason
	if msg == "" {
		msg = DefaultDenyMessage
	}
	return Verdict{Behavior: BehaviorDeny, Message: msg}
}
