package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"maestro/internal/budget"
	"maestro/internal/cache"
	"maestro/internal/config"
	"maestro/internal/ledger"
	"maestro/internal/registry"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testClock = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	cfg  *config.Config
	reg  *registry.Registry
	run  *runner.Runner
	bs   *store.BackingStore
	cond *Conductor
}

// newEnv builds an isolated conductor with a fixed clock and sequential
// IDs so traces are reproducible.
func newEnv(t *testing.T, mutate func(*config.Config), contracts ...types.ToolContract) *env {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Budgets.TimeMS = 0 // no wall-clock limit under a fixed test clock
	if mutate != nil {
		mutate(cfg)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bs, err := store.NewBackingStore(db)
	require.NoError(t, err)
	require.NoError(t, bs.SeedPeople(store.DefaultPeople()))

	cs, err := cache.NewStore(db)
	require.NoError(t, err)
	vl, err := ledger.New(db)
	require.NoError(t, err)

	reg := registry.New()
	for _, c := range contracts {
		require.NoError(t, reg.Register(c))
	}

	clock := func() time.Time { return testClock }
	seq := 0
	ids := func() string { seq++; return fmt.Sprintf("id-%04d", seq) }

	rn := runner.New()
	builtins := &runner.Builtins{Store: bs, NewID: ids, Now: clock}
	builtins.RegisterAll(rn)

	fp := &cache.Fingerprinter{
		Now:    clock,
		Getenv: func(string) (string, bool) { return "", false },
	}

	cond := New(cfg, reg, cs, fp, bs, vl, rn, WithClock(clock), WithIDSource(ids))
	return &env{cfg: cfg, reg: reg, run: rn, bs: bs, cond: cond}
}

func evalMathContract() types.ToolContract {
	return types.ToolContract{
		Name:    "EvalMath",
		Version: "1.0.0",
		Consumes: []types.ConsumeSpec{{
			Kind: "math",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"expression"},
			},
		}},
		Produces:       []types.ProduceSpec{{Kind: "math.result"}},
		Satisfies:      []string{"REPORT(math)"},
		Postconditions: []string{"has:value", "number:value"},
		Reliability:    "high",
		Cost:           "tiny",
		LatencyMS:      5,
		VerifyMode:     types.VerifyBlocking,
	}
}

func memoryReadContract() types.ToolContract {
	return types.ToolContract{
		Name:    "Memory.Read",
		Version: "1.0.0",
		Consumes: []types.ConsumeSpec{{
			Kind: "status.name",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"field"},
			},
		}},
		Produces:       []types.ProduceSpec{{Kind: "status.value"}},
		Satisfies:      []string{"REPORT(status.name)"},
		Postconditions: []string{"has:value"},
		Reliability:    "high",
		Cost:           "tiny",
		LatencyMS:      2,
		DependsOn:      []string{"store:unused.db"},
	}
}

func memorySaveContract() types.ToolContract {
	return types.ToolContract{
		Name:    "Memory.Save",
		Version: "1.0.0",
		Consumes: []types.ConsumeSpec{{
			Kind: "status.name",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"field", "value"},
			},
		}},
		Produces:       []types.ProduceSpec{{Kind: "status.saved"}},
		Satisfies:      []string{"ACHIEVE(status.name)"},
		Postconditions: []string{"has:ok"},
		Reliability:    "high",
		Cost:           "tiny",
		LatencyMS:      2,
		DependsOn:      []string{"store:unused.db"},
	}
}

func flowSequenceContract() types.ToolContract {
	return types.ToolContract{
		Name:    "Flow.Sequence",
		Version: "1.0.0",
		Consumes: []types.ConsumeSpec{{
			Kind: "plan",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"steps"},
			},
		}},
		Produces:       []types.ProduceSpec{{Kind: "plan.steps"}},
		Satisfies:      []string{"ACHIEVE(plan)"},
		Postconditions: []string{"has:plan"},
		Reliability:    "medium",
		Cost:           "low",
		LatencyMS:      10,
	}
}

func mathRequest(expr string) *types.ObligationRequest {
	return &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type:    types.ObligationReport,
		Payload: map[string]any{"kind": "math", "expression": expr},
	}}}
}

// Scenario 1: resolve, then resubmit for a cache hit.
func TestMathResolvesThenHitsCache(t *testing.T) {
	e := newEnv(t, nil, evalMathContract())

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)
	assert.Equal(t, TraceResolved, trace.Status)
	assert.Equal(t, 4.0, trace.FinalAnswer)
	require.Len(t, trace.ToolRuns, 1)
	assert.False(t, trace.ToolRuns[0].CacheHit)
	assert.Equal(t, types.RunCompleted, trace.ToolRuns[0].Status)

	trace2, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)
	assert.Equal(t, TraceResolved, trace2.Status)
	assert.Equal(t, 4.0, trace2.FinalAnswer)
	require.Len(t, trace2.ToolRuns, 1)
	assert.True(t, trace2.ToolRuns[0].CacheHit)
	assert.Zero(t, trace2.ToolRuns[0].DurationMS)
	assert.Equal(t, 1, trace2.Metrics.CacheHits)
	assert.Zero(t, trace2.Metrics.CacheMisses, "hits must not charge the miss budget")
}

// Scenario 2: no candidate tool -> exactly one DISCOVER_OP.
func TestMissingCapabilityEscalatesToDiscovery(t *testing.T) {
	e := newEnv(t, nil) // empty registry

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err, "missing capability is an escalation, not an error")

	assert.Equal(t, TracePartial, trace.Status, "escalated work is pending, not failed")
	require.Len(t, trace.Escalations, 1)
	esc := trace.Escalations[0]
	assert.Equal(t, types.ObligationDiscoverOp, esc.Type)

	missing, ok := esc.Payload["missing_capability"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "math", missing["kind"])
	assert.Equal(t, "REPORT", missing["type"])

	require.Len(t, trace.Obligations, 1)
	assert.Equal(t, types.StatusEscalated, trace.Obligations[0].Status)
	assert.Empty(t, trace.ToolRuns)
}

// Scenario 3: required fact absent from the backing store -> CLARIFY.
func TestMissingFactEscalatesToClarify(t *testing.T) {
	e := newEnv(t, nil, memoryReadContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type:    types.ObligationReport,
		Payload: map[string]any{"kind": "status.name", "field": "name"},
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, trace.Escalations, 1)
	esc := trace.Escalations[0]
	assert.Equal(t, types.ObligationClarify, esc.Type)
	assert.Equal(t, []any{"name"}, esc.Payload["slots"])
	assert.Equal(t, types.StatusEscalated, trace.Obligations[0].Status)
}

// Scenario 3 variant: payload failing the consumes schema -> CLARIFY with
// the missing required fields as slots.
func TestSchemaViolationEscalatesToClarify(t *testing.T) {
	e := newEnv(t, nil, evalMathContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type:    types.ObligationReport,
		Payload: map[string]any{"kind": "math"}, // no expression
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, trace.Escalations, 1)
	assert.Equal(t, types.ObligationClarify, trace.Escalations[0].Type)
	assert.Equal(t, []any{"expression"}, trace.Escalations[0].Payload["slots"])
	assert.Empty(t, trace.ToolRuns, "nothing dispatches on unsatisfiable inputs")
}

func TestSchemaRejectionFallsBackToNextCandidate(t *testing.T) {
	// The best-ranked candidate demands a field the payload lacks; the
	// next candidate accepts it and must still be tried.
	strict := evalMathContract()
	strict.Name = "EvalMathStrict"
	strict.LatencyMS = 1 // sorts ahead of EvalMath
	strict.Consumes = []types.ConsumeSpec{{
		Kind: "math",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"expression", "precision"},
		},
	}}

	e := newEnv(t, nil, strict, evalMathContract())

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)

	assert.Equal(t, TraceResolved, trace.Status)
	assert.Empty(t, trace.Escalations, "a rejection by one candidate is not a request-level failure")
	require.Len(t, trace.ToolRuns, 1)
	assert.Equal(t, "EvalMath", trace.ToolRuns[0].ToolName)
	assert.Equal(t, 4.0, trace.FinalAnswer)
}

// Scenario 4: equal reliability, tiny beats low cost.
func TestCheaperCandidateSelected(t *testing.T) {
	slow := evalMathContract()
	slow.Name = "EvalMathSlow"
	slow.Cost = "low"
	slow.LatencyMS = 90

	e := newEnv(t, nil, slow, evalMathContract())

	trace, err := e.cond.Execute(context.Background(), mathRequest("3*3"))
	require.NoError(t, err)
	require.Len(t, trace.ToolRuns, 1)
	assert.Equal(t, "EvalMath", trace.ToolRuns[0].ToolName)
	assert.Equal(t, 9.0, trace.FinalAnswer)
}

// Scenario 5: deterministic postcondition failure retries the next
// candidate; exhaustion fails the obligation with full evidence.
func TestPostconditionFailureRetriesNextCandidate(t *testing.T) {
	// Sorts before EvalMath on the name tiebreak, returns an output that
	// fails number:value.
	broken := evalMathContract()
	broken.Name = "AlwaysWrong"

	e := newEnv(t, nil, broken, evalMathContract())
	e.run.Register(&runner.ToolFunc{
		ToolName: "AlwaysWrong",
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"value": "not a number"}, nil
		},
	})

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)

	assert.Equal(t, TraceResolved, trace.Status)
	require.Len(t, trace.ToolRuns, 2)
	assert.Equal(t, "AlwaysWrong", trace.ToolRuns[0].ToolName)
	assert.Equal(t, "EvalMath", trace.ToolRuns[1].ToolName)
	assert.Equal(t, 4.0, trace.FinalAnswer)

	// Evidence from the failed candidate is preserved.
	var failedEvidence int
	for _, ev := range trace.Verification {
		if !ev.Passed {
			failedEvidence++
		}
	}
	assert.Positive(t, failedEvidence)
}

func TestExhaustedCandidatesFailWithJustify(t *testing.T) {
	broken := evalMathContract()
	broken.Name = "AlwaysWrong"

	e := newEnv(t, nil, broken)
	e.run.Register(&runner.ToolFunc{
		ToolName: "AlwaysWrong",
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"value": "not a number"}, nil
		},
	})

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)

	assert.Equal(t, TraceFailed, trace.Status)
	require.Len(t, trace.Escalations, 1)
	esc := trace.Escalations[0]
	assert.Equal(t, types.ObligationJustify, esc.Type)
	assert.Equal(t, "failure", esc.Payload["kind"])

	evidence, ok := esc.Payload["evidence"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, evidence, "JUSTIFY carries the accumulated evidence")
	assert.Equal(t, types.StatusFailed, trace.Obligations[0].Status)
}

func TestToolExecutionFailureTreatedAsPostconditionFailure(t *testing.T) {
	crashing := evalMathContract()
	crashing.Name = "Crashes"
	crashing.Reliability = "high"

	e := newEnv(t, nil, crashing, evalMathContract())
	e.run.Register(&runner.ToolFunc{
		ToolName: "Crashes",
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("synthetic crash")
		},
	})

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)

	assert.Equal(t, TraceResolved, trace.Status)
	require.Len(t, trace.ToolRuns, 2)
	assert.Equal(t, types.RunFailed, trace.ToolRuns[0].Status)
	assert.Equal(t, types.RunCompleted, trace.ToolRuns[1].Status)
}

func TestJustifyCarriesExecutionFailureEvidence(t *testing.T) {
	crashing := evalMathContract()
	crashing.Name = "Crashes"

	e := newEnv(t, nil, crashing)
	e.run.Register(&runner.ToolFunc{
		ToolName: "Crashes",
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("synthetic crash")
		},
	})

	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)

	require.Len(t, trace.Escalations, 1)
	esc := trace.Escalations[0]
	require.Equal(t, types.ObligationJustify, esc.Type)

	evidence, ok := esc.Payload["evidence"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, evidence, "failed runs count as evidence even without verification checks")
	first, ok := evidence[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Crashes", first["tool_name"])
	assert.Equal(t, "failed", first["status"])
}

func TestCancelledContextAbortsDispatch(t *testing.T) {
	e := newEnv(t, nil, evalMathContract())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trace, err := e.cond.Execute(ctx, mathRequest("2+2"))
	require.ErrorIs(t, err, context.Canceled, "a dead context is fatal, not a per-candidate failure")
	assert.Nil(t, trace)
}

func TestZeroFinalAnswerKeptInTrace(t *testing.T) {
	e := newEnv(t, nil, evalMathContract())

	trace, err := e.cond.Execute(context.Background(), mathRequest("2-2"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, trace.FinalAnswer)

	data, err := trace.Bytes()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	v, present := decoded["final_answer"]
	require.True(t, present, "zero-valued answers must survive serialization")
	assert.Equal(t, 0.0, v)
}

func TestBudgetExceededAbortsRequest(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Budgets.MaxToolRuns = 1
	}, evalMathContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{
		{Type: types.ObligationReport, Payload: map[string]any{"kind": "math", "expression": "1+1"}},
		{Type: types.ObligationReport, Payload: map[string]any{"kind": "math", "expression": "2+2"}},
	}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.Error(t, err)

	var exceeded *budget.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "max_tool_runs", exceeded.Counter)
	assert.Equal(t, int64(1), exceeded.Limit)

	require.NotNil(t, trace)
	assert.Equal(t, TraceBudgetExceeded, trace.Status)
	assert.Len(t, trace.ToolRuns, 1, "the second dispatch must never execute")
}

func TestDiscoveryChargesToolsmithBudget(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Budgets.MaxToolsmithCalls = 1
	})

	req := &types.ObligationRequest{Obligations: []types.WireObligation{
		{Type: types.ObligationReport, Payload: map[string]any{"kind": "alpha"}},
		{Type: types.ObligationReport, Payload: map[string]any{"kind": "beta"}},
	}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.Error(t, err)

	var exceeded *budget.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "max_toolsmith_calls", exceeded.Counter)
	assert.Len(t, trace.Escalations, 1, "only the first discovery is emitted")
}

func TestAchieveThenReportStatusName(t *testing.T) {
	e := newEnv(t, nil, memorySaveContract(), memoryReadContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{
		{Type: types.ObligationAchieve, Payload: map[string]any{
			"kind": "status.name", "field": "name", "value": "published"}},
		{Type: types.ObligationReport, Payload: map[string]any{
			"kind": "status.name", "field": "name"}},
	}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TraceResolved, trace.Status)
	assert.Equal(t, "published", trace.FinalAnswer)
	assert.Empty(t, trace.Escalations)
}

func TestPlanExpansionRunsStepsInOrder(t *testing.T) {
	e := newEnv(t, nil, flowSequenceContract(), evalMathContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type: types.ObligationAchieve,
		Payload: map[string]any{
			"kind": "plan",
			"steps": []any{
				map[string]any{"type": "REPORT", "payload": map[string]any{"kind": "math", "expression": "1+1"}},
				map[string]any{"type": "REPORT", "payload": map[string]any{"kind": "math", "expression": "5*5"}},
			},
		},
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TraceResolved, trace.Status)
	require.Len(t, trace.ToolRuns, 3, "plan tool plus two steps")
	assert.Equal(t, "Flow.Sequence", trace.ToolRuns[0].ToolName)
	assert.Equal(t, "EvalMath", trace.ToolRuns[1].ToolName)
	assert.Equal(t, "EvalMath", trace.ToolRuns[2].ToolName)

	// Children precede the parent in the result list and carry ParentID.
	require.Len(t, trace.Obligations, 3)
	parent := trace.Obligations[2]
	assert.Equal(t, types.StatusResolved, parent.Status)
	for _, child := range trace.Obligations[:2] {
		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, types.StatusResolved, child.Status)
	}
	assert.Equal(t, 2.0, trace.Obligations[0].Output["value"])
	assert.Equal(t, 25.0, trace.Obligations[1].Output["value"])
}

func TestPlanDepthGuardTruncates(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.MaxPlanDepth = 1
	}, flowSequenceContract(), evalMathContract())

	inner := map[string]any{
		"kind": "plan",
		"steps": []any{
			map[string]any{"type": "REPORT", "payload": map[string]any{"kind": "math", "expression": "1+1"}},
		},
	}
	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type: types.ObligationAchieve,
		Payload: map[string]any{
			"kind": "plan",
			"steps": []any{
				map[string]any{"type": "ACHIEVE", "payload": inner},
			},
		},
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TraceFailed, trace.Status)
	top := trace.Obligations[len(trace.Obligations)-1]
	assert.Equal(t, types.StatusTruncated, top.Status, "depth guard truncates the chain")
}

func TestPlanCycleGuardTruncates(t *testing.T) {
	e := newEnv(t, nil, flowSequenceContract(), evalMathContract())

	step := map[string]any{"type": "REPORT", "payload": map[string]any{"kind": "math", "expression": "1+1"}}
	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type: types.ObligationAchieve,
		Payload: map[string]any{
			"kind":  "plan",
			"steps": []any{step, step}, // identical signature twice
		},
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	statuses := make(map[types.ObligationStatus]int)
	for _, r := range trace.Obligations {
		statuses[r.Status]++
	}
	assert.Equal(t, 1, statuses[types.StatusResolved], "first step resolves")
	assert.Positive(t, statuses[types.StatusTruncated], "repeat signature truncates")
}

func TestDeterministicTraces(t *testing.T) {
	req := &types.ObligationRequest{Obligations: []types.WireObligation{
		{Type: types.ObligationReport, Payload: map[string]any{"kind": "math", "expression": "2+2"}},
		{Type: types.ObligationReport, Payload: map[string]any{"kind": "missing.capability"}},
	}}

	runOnce := func() []byte {
		e := newEnv(t, nil, evalMathContract())
		trace, err := e.cond.Execute(context.Background(), req)
		require.NoError(t, err)
		data, err := trace.Bytes()
		require.NoError(t, err)
		return data
	}

	first := runOnce()
	second := runOnce()
	assert.Empty(t, cmp.Diff(string(first), string(second)), "equal state must yield byte-identical traces")
}

func TestTraceIsValidJSONWithProvenance(t *testing.T) {
	e := newEnv(t, nil, evalMathContract())
	trace, err := e.cond.Execute(context.Background(), mathRequest("2+2"))
	require.NoError(t, err)

	data, err := trace.Bytes()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "trace_id")
	assert.Contains(t, decoded, "tool_runs")
	assert.Contains(t, decoded, "verification")

	// Every run and every piece of evidence links back to its obligation.
	for _, run := range trace.ToolRuns {
		assert.NotEmpty(t, run.ObligationID)
	}
	for _, ev := range trace.Verification {
		found := false
		for _, run := range trace.ToolRuns {
			if run.ID == ev.ToolRunID {
				found = true
				break
			}
		}
		assert.True(t, found, "evidence %s must link to a recorded run", ev.CheckType)
	}
}

func TestPeopleQueryEndToEnd(t *testing.T) {
	people := types.ToolContract{
		Name:    "PeopleSQL",
		Version: "1.0.0",
		Consumes: []types.ConsumeSpec{{
			Kind: "people",
			Schema: map[string]any{
				"type":     "object",
				"required": []any{"filters"},
			},
		}},
		Produces:       []types.ProduceSpec{{Kind: "people.rows"}},
		Satisfies:      []string{"REPORT(people)"},
		Postconditions: []string{"has:people", "number:count"},
		Reliability:    "medium",
		Cost:           "low",
		LatencyMS:      20,
		DependsOn:      []string{"store:unused.db"},
	}
	e := newEnv(t, nil, people)

	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type: types.ObligationReport,
		Payload: map[string]any{
			"kind":    "people",
			"filters": []any{map[string]any{"city": "Seattle"}},
		},
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, TraceResolved, trace.Status)
	assert.Equal(t, 2.0, trace.FinalAnswer)
}

func TestFreshBudgetPolicyGivesPlanStepsOwnPool(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.BudgetPolicy = config.BudgetFresh
		cfg.Budgets.MaxToolRuns = 1 // enough for the plan tool only
	}, flowSequenceContract(), evalMathContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type: types.ObligationAchieve,
		Payload: map[string]any{
			"kind": "plan",
			"steps": []any{
				map[string]any{"type": "REPORT", "payload": map[string]any{"kind": "math", "expression": "1+1"}},
			},
		},
	}}}
	trace, err := e.cond.Execute(context.Background(), req)
	require.NoError(t, err, "fresh pools must not exhaust the parent's budget")
	assert.Equal(t, TraceResolved, trace.Status)
}

func TestSharedBudgetPolicyCountsPlanSteps(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.BudgetPolicy = config.BudgetShared
		cfg.Budgets.MaxToolRuns = 1
	}, flowSequenceContract(), evalMathContract())

	req := &types.ObligationRequest{Obligations: []types.WireObligation{{
		Type: types.ObligationAchieve,
		Payload: map[string]any{
			"kind": "plan",
			"steps": []any{
				map[string]any{"type": "REPORT", "payload": map[string]any{"kind": "math", "expression": "1+1"}},
			},
		},
	}}}
	_, err := e.cond.Execute(context.Background(), req)
	var exceeded *budget.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "max_tool_runs", exceeded.Counter)
}
