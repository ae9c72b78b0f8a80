// Package types provides shared type definitions used across maestro packages.
// This package exists to break import cycles between the registry, cache,
// store, and conductor. Types here are foundational data structures with no
// complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationType is the enumerated kind of a declarative obligation.
type ObligationType string

const (
	ObligationReport     ObligationType = "REPORT"
	ObligationAchieve    ObligationType = "ACHIEVE"
	ObligationMaintain   ObligationType = "MAINTAIN"
	ObligationAvoid      ObligationType = "AVOID"
	ObligationJustify    ObligationType = "JUSTIFY"
	ObligationVerify     ObligationType = "VERIFY"
	ObligationClarify    ObligationType = "CLARIFY"
	ObligationDiscoverOp ObligationType = "DISCOVER_OP"
)

// KnownObligationTypes lists every type accepted at parse time.
// Unknown types are rejected when the wire format is parsed, never at
// dispatch time.
var KnownObligationTypes = map[ObligationType]bool{
	ObligationReport:     true,
	ObligationAchieve:    true,
	ObligationMaintain:   true,
	ObligationAvoid:      true,
	ObligationJustify:    true,
	ObligationVerify:     true,
	ObligationClarify:    true,
	ObligationDiscoverOp: true,
}

// ObligationStatus tracks an obligation through the conductor state machine.
type ObligationStatus string

const (
	StatusActive    ObligationStatus = "active"
	StatusResolved  ObligationStatus = "resolved"
	StatusFailed    ObligationStatus = "failed"
	StatusEscalated ObligationStatus = "escalated"
	StatusTruncated ObligationStatus = "truncated"
)

// Obligation is a structured statement of a required outcome.
// Obligations are immutable once resolved or failed; superseding
// obligations are appended to the backing store, never overwritten.
type Obligation struct {
	ID        string           `json:"id"`
	Type      ObligationType   `json:"type"`
	Payload   map[string]any   `json:"payload"`
	Status    ObligationStatus `json:"status"`
	ParentID  string           `json:"parent_id,omitempty"` // set for plan-step obligations
	CreatedAt time.Time        `json:"created_at"`
}

// Kind returns the payload's "kind" discriminator, or "" if absent.
// ACHIEVE obligations use "state" as their discriminator; both are
// consulted so REPORT(math) and ACHIEVE(status.name) match uniformly.
func (o *Obligation) Kind() string {
	if o.Payload == nil {
		return ""
	}
	if k, ok := o.Payload["kind"].(string); ok && k != "" {
		return k
	}
	if s, ok := o.Payload["state"].(string); ok {
		return s
	}
	return ""
}

// =============================================================================
// TOOL CONTRACTS
// =============================================================================

// Reliability tiers, highest first.
const (
	ReliabilityHigh   = "high"
	ReliabilityMedium = "medium"
	ReliabilityLow    = "low"
)

// Cost tiers, cheapest first.
const (
	CostTiny   = "tiny"
	CostLow    = "low"
	CostMedium = "medium"
	CostHigh   = "high"
)

// reliabilityRank and costRank define the selection policy's total order.
// Higher is preferred for both.
var reliabilityRank = map[string]int{
	ReliabilityHigh:   3,
	ReliabilityMedium: 2,
	ReliabilityLow:    1,
}

var costRank = map[string]int{
	CostTiny:   4,
	CostLow:    3,
	CostMedium: 2,
	CostHigh:   1,
}

// ReliabilityRank maps a reliability tier to its policy rank (unknown -> 0).
func ReliabilityRank(r string) int { return reliabilityRank[r] }

// CostRank maps a cost tier to its policy rank (unknown -> 0).
func CostRank(c string) int { return costRank[c] }

// VerifyMode controls how postcondition evidence gates resolution.
type VerifyMode string

const (
	VerifyBlocking    VerifyMode = "blocking"     // failing check forces escalation
	VerifyNonBlocking VerifyMode = "non_blocking" // evidence recorded, obligation still resolves
	VerifyOff         VerifyMode = "off"          // no postcondition checks run
)

// ConsumeSpec declares one input kind a tool accepts, with an optional
// JSON Schema the obligation payload must satisfy.
type ConsumeSpec struct {
	Kind   string         `yaml:"kind" json:"kind"`
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// ProduceSpec declares one output kind a tool emits.
type ProduceSpec struct {
	Kind string `yaml:"kind" json:"kind"`
}

// ToolContract describes a deterministic operation: what it consumes and
// produces, which obligations it satisfies, its cost/reliability/latency
// attributes, and the external state it depends on.
//
// DependsOn entries use "type:identifier" form: "file:<path>",
// "env:<NAME>", "store:<path>", or the bare "clock". A tool with an empty
// DependsOn list is assumed pure and cached unconditionally — declaring
// dependencies honestly is a correctness obligation on the contract author.
type ToolContract struct {
	Name           string        `yaml:"name" json:"name"`
	Description    string        `yaml:"description,omitempty" json:"description,omitempty"`
	Version        string        `yaml:"version" json:"version"`
	Consumes       []ConsumeSpec `yaml:"consumes" json:"consumes"`
	Produces       []ProduceSpec `yaml:"produces" json:"produces"`
	Satisfies      []string      `yaml:"satisfies" json:"satisfies"`
	Preconditions  []string      `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Postconditions []string      `yaml:"postconditions,omitempty" json:"postconditions,omitempty"`
	Reliability    string        `yaml:"reliability" json:"reliability"`
	Cost           string        `yaml:"cost" json:"cost"`
	LatencyMS      int           `yaml:"latency_ms" json:"latency_ms"`
	VerifyMode     VerifyMode    `yaml:"verify_mode,omitempty" json:"verify_mode,omitempty"`
	DependsOn      []string      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// ConsumesKind reports whether the contract declares an input of the given
// kind, returning its spec when present.
func (tc *ToolContract) ConsumesKind(kind string) (ConsumeSpec, bool) {
	for _, c := range tc.Consumes {
		if c.Kind == kind {
			return c, true
		}
	}
	return ConsumeSpec{}, false
}

// =============================================================================
// EXECUTION RECORDS
// =============================================================================

// CacheEntry is a previously computed tool result keyed by fingerprint.
// Entries are never mutated in place; a changed dependency digest produces
// a new entry and the stale one is garbage-collected independently.
type CacheEntry struct {
	Fingerprint              string         `json:"fingerprint"`
	ToolName                 string         `json:"tool_name"`
	InputsDigest             string         `json:"inputs_digest"`
	DependencySnapshotDigest string         `json:"dependency_snapshot_digest"`
	Output                   map[string]any `json:"output"`
	CreatedAt                time.Time      `json:"created_at"`
}

// ToolRunStatus is the terminal state of one dispatch attempt.
type ToolRunStatus string

const (
	RunCompleted ToolRunStatus = "completed"
	RunFailed    ToolRunStatus = "failed"
)

// ToolRunRecord captures one dispatch attempt. Cache hits still produce a
// record, with CacheHit set and DurationMS zero.
type ToolRunRecord struct {
	ID           string         `json:"id"`
	ToolName     string         `json:"tool_name"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Status       ToolRunStatus  `json:"status"`
	CacheHit     bool           `json:"cache_hit"`
	DurationMS   int64          `json:"duration_ms"`
	ObligationID string         `json:"obligation_id"`
}

// VerificationEvidence records one postcondition check tied to a tool run.
// A failed check is evidence, not an error.
type VerificationEvidence struct {
	ToolRunID string `json:"tool_run_id"`
	CheckType string `json:"check_type"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	Passed    bool   `json:"passed"`
	Blocking  bool   `json:"blocking"`
}

// =============================================================================
// BACKING-STORE FACTS
// =============================================================================

// Assertion is a subject/predicate/object fact derived from a tool output
// and persisted to the backing store.
type Assertion struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id"`
	Predicate  string    `json:"predicate"`
	Object     string    `json:"object"`
	Confidence float64   `json:"confidence"`
	SourceID   string    `json:"source_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is an occurrence recorded in the backing store (request intake,
// escalations, budget aborts).
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// =============================================================================
// PLANS
// =============================================================================

// PlanStep is one embedded sub-obligation in a tool output's plan.
type PlanStep struct {
	Type    ObligationType `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ExtractPlan pulls an embedded plan out of a tool output, if present.
// The recognised shape is output["plan"] = {"steps": [{"type", "payload"}]}.
// Steps are returned in emitted order; the conductor executes them strictly
// in that order.
func ExtractPlan(output map[string]any) ([]PlanStep, error) {
	raw, ok := output["plan"]
	if !ok {
		return nil, nil
	}
	planObj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plan must be an object, got %T", raw)
	}
	rawSteps, ok := planObj["steps"]
	if !ok {
		return nil, nil
	}
	stepList, ok := rawSteps.([]any)
	if !ok {
		return nil, fmt.Errorf("plan.steps must be a list, got %T", rawSteps)
	}

	steps := make([]PlanStep, 0, len(stepList))
	for i, rawStep := range stepList {
		stepObj, ok := rawStep.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("plan step %d must be an object, got %T", i, rawStep)
		}
		typStr, _ := stepObj["type"].(string)
		typ := ObligationType(typStr)
		if !KnownObligationTypes[typ] {
			return nil, fmt.Errorf("plan step %d has unknown obligation type %q", i, typStr)
		}
		payload, _ := stepObj["payload"].(map[string]any)
		if payload == nil {
			return nil, fmt.Errorf("plan step %d is missing a payload", i)
		}
		steps = append(steps, PlanStep{Type: typ, Payload: payload})
	}
	return steps, nil
}
