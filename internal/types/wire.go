package types

import (
	"encoding/json"
	"fmt"
)

// ObligationRequest is the wire format consumed from the translation layer
// or direct API clients:
//
//	{"obligations": [{"type": "REPORT", "payload": {...}}, ...]}
type ObligationRequest struct {
	Obligations []WireObligation `json:"obligations"`
}

// WireObligation is one element of the wire format before intake assigns
// IDs and status.
type WireObligation struct {
	Type    ObligationType `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ValidationError reports a malformed request or obligation, rejected
// before any dispatch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// ParseObligationRequest parses and validates the wire format. At least one
// obligation is required, every type must be known, and every payload must
// be a JSON object. All failures are ValidationErrors; nothing reaches the
// dispatch pipeline.
func ParseObligationRequest(data []byte) (*ObligationRequest, error) {
	var req ObligationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed request JSON: %v", err)}
	}
	if len(req.Obligations) == 0 {
		return nil, &ValidationError{Reason: "request must contain at least one obligation"}
	}
	for i, ob := range req.Obligations {
		if !KnownObligationTypes[ob.Type] {
			return nil, &ValidationError{Reason: fmt.Sprintf("obligation %d has unknown type %q", i, ob.Type)}
		}
		if ob.Payload == nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("obligation %d is missing a payload", i)}
		}
	}
	return &req, nil
}
