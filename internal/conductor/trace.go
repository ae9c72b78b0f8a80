package conductor

import (
	"encoding/json"
	"fmt"

	"maestro/internal/types"
)

// Request-level trace statuses.
const (
	TraceResolved       = "resolved"
	TracePartial        = "partial"
	TraceFailed         = "failed"
	TraceBudgetExceeded = "budget_exceeded"
)

// Escalation records one successor obligation emitted for a failure.
type Escalation struct {
	FromObligationID string               `json:"from_obligation_id"`
	ObligationID     string               `json:"obligation_id"`
	Type             types.ObligationType `json:"type"`
	Payload          map[string]any       `json:"payload"`
}

// ObligationResult is the per-obligation summary in a trace.
type ObligationResult struct {
	ID       string                 `json:"id"`
	Type     types.ObligationType   `json:"type"`
	Kind     string                 `json:"kind,omitempty"`
	Status   types.ObligationStatus `json:"status"`
	ToolName string                 `json:"tool_name,omitempty"`
	Output   map[string]any         `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	ParentID string                 `json:"parent_id,omitempty"`
}

// Metrics summarizes resource usage and outcomes for one request.
type Metrics struct {
	ToolRuns    int            `json:"tool_runs"`
	CacheHits   int            `json:"cache_hits"`
	CacheMisses int            `json:"cache_misses"`
	Escalations int            `json:"escalations"`
	Resolved    int            `json:"resolved"`
	Failed      int            `json:"failed"`
	DurationMS  int64          `json:"duration_ms"`
	Budget      map[string]int `json:"budget"`
}

// Trace is the replayable record of one request: every obligation, run,
// check, and escalation, in execution order. Equal requests against equal
// backing state serialize to byte-identical traces.
type Trace struct {
	TraceID      string                       `json:"trace_id"`
	Obligations  []ObligationResult           `json:"obligations"`
	ToolRuns     []types.ToolRunRecord        `json:"tool_runs"`
	Verification []types.VerificationEvidence `json:"verification"`
	Escalations  []Escalation                 `json:"escalations"`
	Status       string                       `json:"status"`
	FinalAnswer  any                          `json:"final_answer"`
	Metrics      Metrics                      `json:"metrics"`
}

// Bytes serializes the trace deterministically. encoding/json emits struct
// fields in declaration order and map keys sorted, so equal traces are
// byte-identical.
func (t *Trace) Bytes() ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode trace %s: %w", t.TraceID, err)
	}
	return data, nil
}

// aggregateStatus derives the request status from its top-level
// obligations. Escalated obligations are pending external work, so they
// pull the status to partial rather than failed.
func aggregateStatus(results []ObligationResult) string {
	resolved, failed, escalated := 0, 0, 0
	for _, r := range results {
		if r.ParentID != "" {
			continue
		}
		switch r.Status {
		case types.StatusResolved:
			resolved++
		case types.StatusEscalated:
			escalated++
		case types.StatusFailed, types.StatusTruncated:
			failed++
		}
	}
	switch {
	case failed == 0 && escalated == 0 && resolved > 0:
		return TraceResolved
	case resolved > 0 || escalated > 0:
		return TracePartial
	default:
		return TraceFailed
	}
}
