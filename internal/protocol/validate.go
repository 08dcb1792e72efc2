package protocol

import (
	"encoding/json"
	"fmt"
)

// Decision actions accepted by the permission API.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// ValidateStartSession parses and validates a session start request body.
func ValidateStartSession(raw []byte) (*StartSessionPayload, error) {
	var p StartSessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if p.WorkDir == "" {
		return nil, fmt.Errorf("missing required field 'workDir'")
	}
	if p.Instruction == "" {
		return nil, fmt.Errorf("missing required field 'instruction'")
	}
	for k := range p.Env {
		if k == "" {
			return nil, fmt.Errorf("empty environment variable name")
		}
	}

	return &p, nil
}

// ValidateDecision parses a decision request body. The action value itself is
// checked by the permission ledger so an unknown action maps to InvalidAction
// rather than a malformed-body error.
func ValidateDecision(raw []byte) (*DecisionPayload, error) {
	var p DecisionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if p.Action == "" {
		return nil, fmt.Errorf("missing required field 'action'")
	}
	if len(p.ModifiedInput) > 0 && string(p.ModifiedInput) != "null" {
		if p.Action != ActionApprove {
			return nil, fmt.Errorf("'modifiedInput' is only valid with action %q", ActionApprove)
		}
		if !json.Valid(p.ModifiedInput) {
			return nil, fmt.Errorf("invalid 'modifiedInput'")
		}
	} else {
		p.ModifiedInput = nil
	}

	return &p, nil
}
