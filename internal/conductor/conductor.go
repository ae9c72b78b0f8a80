// Package conductor resolves obligations into tool executions: candidate
// selection against the capability index, dependency-aware cache consult,
// dispatch, postcondition verification, escalation of failures into
// successor obligations, and bounded recursive expansion of emitted plans.
// Execution is synchronous and strictly ordered; with a fixed clock and ID
// source, equal requests produce byte-identical traces.
package conductor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"maestro/internal/budget"
	"maestro/internal/cache"
	"maestro/internal/config"
	"maestro/internal/ledger"
	"maestro/internal/logging"
	"maestro/internal/registry"
	"maestro/internal/runner"
	"maestro/internal/store"
	"maestro/internal/types"
)

// Conductor orchestrates one request at a time; independent requests may
// run concurrently, each with its own budget.
type Conductor struct {
	cfg      *config.Config
	registry *registry.Registry
	cache    *cache.Store
	fp       *cache.Fingerprinter
	backing  *store.BackingStore
	ledger   *ledger.Ledger
	runner   *runner.Runner

	now   func() time.Time
	newID func() string
}

// Option configures a Conductor.
type Option func(*Conductor)

// WithClock injects the time source. Tests use a fixed clock for
// reproducible traces.
func WithClock(now func() time.Time) Option {
	return func(c *Conductor) { c.now = now }
}

// WithIDSource injects the ID generator.
func WithIDSource(newID func() string) Option {
	return func(c *Conductor) { c.newID = newID }
}

// New wires a conductor over its collaborators.
func New(cfg *config.Config, reg *registry.Registry, cs *cache.Store, fp *cache.Fingerprinter,
	bs *store.BackingStore, vl *ledger.Ledger, rn *runner.Runner, opts ...Option) *Conductor {
	c := &Conductor{
		cfg:      cfg,
		registry: reg,
		cache:    cs,
		fp:       fp,
		backing:  bs,
		ledger:   vl,
		runner:   rn,
		now:      time.Now,
		newID:    defaultIDSource(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request carries the mutable state of one in-flight request.
type request struct {
	trace   *Trace
	budget  *budget.Budget
	visited map[string]bool // obligation signatures seen, for cycle detection
	started time.Time
}

// Execute runs every obligation in the request strictly in submission
// order and returns the assembled trace. Only validation failures and
// budget exhaustion surface as errors; every other failure is escalated
// inside the trace.
func (c *Conductor) Execute(ctx context.Context, req *types.ObligationRequest) (*Trace, error) {
	rq := &request{
		trace: &Trace{
			TraceID:      c.newID(),
			Obligations:  []ObligationResult{},
			ToolRuns:     []types.ToolRunRecord{},
			Verification: []types.VerificationEvidence{},
			Escalations:  []Escalation{},
		},
		budget:  budget.NewWithClock(c.limits(), c.now),
		visited: make(map[string]bool),
		started: c.now(),
	}
	logging.Conductor("request %s: %d obligations", rq.trace.TraceID, len(req.Obligations))

	if err := c.backing.AppendEvent(types.Event{
		ID:   c.newID(),
		Kind: "request.intake",
		Payload: map[string]any{
			"trace_id":    rq.trace.TraceID,
			"obligations": len(req.Obligations),
		},
		CreatedAt: c.now(),
	}); err != nil {
		return nil, err
	}

	if deadline, ok := rq.budget.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for _, wire := range req.Obligations {
		ob := types.Obligation{
			ID:        c.newID(),
			Type:      wire.Type,
			Payload:   wire.Payload,
			Status:    types.StatusActive,
			CreatedAt: c.now(),
		}
		if err := c.backing.AppendObligation(ob); err != nil {
			return nil, err
		}
		if err := c.process(ctx, rq, ob, 0); err != nil {
			return c.abort(rq, err)
		}
	}

	c.finish(rq)
	return rq.trace, nil
}

// abort finalizes a budget-exceeded trace. The structured error is
// returned alongside so callers can identify the exhausted budget.
func (c *Conductor) abort(rq *request, err error) (*Trace, error) {
	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		return nil, err
	}
	logging.ConductorError("request %s aborted: %v", rq.trace.TraceID, err)

	_ = c.backing.AppendEvent(types.Event{
		ID:   c.newID(),
		Kind: "budget.abort",
		Payload: map[string]any{
			"trace_id": rq.trace.TraceID,
			"budget":   exceeded.Counter,
			"limit":    exceeded.Limit,
		},
		CreatedAt: c.now(),
	})

	rq.trace.Status = TraceBudgetExceeded
	rq.trace.Metrics = c.metrics(rq)
	return rq.trace, err
}

func (c *Conductor) finish(rq *request) {
	rq.trace.Status = aggregateStatus(rq.trace.Obligations)
	rq.trace.Metrics = c.metrics(rq)
	rq.trace.FinalAnswer = finalAnswer(rq.trace.Obligations)
	logging.Conductor("request %s finished: %s", rq.trace.TraceID, rq.trace.Status)
}

func (c *Conductor) metrics(rq *request) Metrics {
	counters := rq.budget.Counters()
	hits := 0
	for _, r := range rq.trace.ToolRuns {
		if r.CacheHit {
			hits++
		}
	}
	resolved, failed := 0, 0
	for _, r := range rq.trace.Obligations {
		switch r.Status {
		case types.StatusResolved:
			resolved++
		case types.StatusFailed, types.StatusTruncated:
			failed++
		}
	}
	return Metrics{
		ToolRuns:    len(rq.trace.ToolRuns),
		CacheHits:   hits,
		CacheMisses: counters["cache_misses"],
		Escalations: len(rq.trace.Escalations),
		Resolved:    resolved,
		Failed:      failed,
		DurationMS:  c.now().Sub(rq.started).Milliseconds(),
		Budget:      counters,
	}
}

// finalAnswer surfaces the output of the last resolved top-level obligation.
func finalAnswer(results []ObligationResult) any {
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.ParentID == "" && r.Status == types.StatusResolved && r.Output != nil {
			if v, ok := r.Output["value"]; ok {
				return v
			}
			if v, ok := r.Output["count"]; ok {
				return v
			}
			return r.Output
		}
	}
	return nil
}

// process runs the per-obligation state machine. Returned errors are
// budget violations (fatal to the request); every other failure path ends
// in an escalation or a failed status inside the trace.
func (c *Conductor) process(ctx context.Context, rq *request, ob types.Obligation, depth int) error {
	if err := rq.budget.CheckTime(); err != nil {
		c.recordResult(rq, ob, types.StatusTruncated, "", nil, "time budget elapsed")
		_ = c.backing.SetObligationStatus(ob.ID, types.StatusTruncated)
		return err
	}

	// Cycle and depth guards bound recursive plan expansion. Top-level
	// obligations are a fixed list and cannot cycle, so only plan steps
	// are checked against the visited set.
	sig := obligationSignature(ob)
	if depth > 0 && rq.visited[sig] {
		logging.ConductorWarn("obligation %s repeats signature %s, truncating", ob.ID, sig[:12])
		c.recordResult(rq, ob, types.StatusTruncated, "", nil, "obligation repeats an already-processed signature")
		return c.backing.SetObligationStatus(ob.ID, types.StatusTruncated)
	}
	rq.visited[sig] = true

	if depth > c.cfg.MaxPlanDepth {
		c.recordResult(rq, ob, types.StatusTruncated, "", nil, "plan recursion depth exceeded")
		return c.backing.SetObligationStatus(ob.ID, types.StatusTruncated)
	}

	kind := ob.Kind()
	candidates, err := c.registry.Candidates(ob.Type, kind)
	if err != nil {
		var noCand *registry.NoCandidateError
		if errors.As(err, &noCand) {
			return c.escalateDiscovery(rq, ob, noCand)
		}
		return err
	}

	if err := c.dispatchCandidates(ctx, rq, ob, kind, candidates, depth); err != nil {
		// A budget violation fails the obligation unless a nested path
		// (plan truncation) already recorded its terminal state.
		if errors.Is(err, budget.ErrBudgetExceeded) && lastResultFor(rq.trace, ob.ID) == nil {
			c.recordResult(rq, ob, types.StatusFailed, "", nil, err.Error())
			_ = c.backing.SetObligationStatus(ob.ID, types.StatusFailed)
		}
		return err
	}
	return nil
}

// dispatchCandidates walks the ordered candidate list until one resolves
// the obligation. Schema rejections, postcondition failures, and execution
// failures all advance to the next candidate, preserving all evidence.
// Exhausting the list emits CLARIFY when every candidate rejected the
// payload, JUSTIFY otherwise.
func (c *Conductor) dispatchCandidates(ctx context.Context, rq *request, ob types.Obligation,
	kind string, candidates []types.ToolContract, depth int) error {

	var lastErr string
	var rejected *registry.InputsError // best-ranked candidate's rejection
	dispatched := 0
	for _, contract := range candidates {
		if err := c.registry.ValidateInputs(contract.Name, kind, ob.Payload); err != nil {
			var inputsErr *registry.InputsError
			if errors.As(err, &inputsErr) {
				if rejected == nil {
					rejected = inputsErr
				}
				logging.ConductorDebug("obligation %s: payload fails %s consumes schema, trying next",
					ob.ID, contract.Name)
				continue
			}
			return err
		}
		dispatched++

		outcome, err := c.runCandidate(ctx, rq, ob, contract)
		if err != nil {
			return err // budget violation or dead context, fatal
		}

		switch outcome.state {
		case candidateResolved:
			return c.resolve(ctx, rq, ob, contract, outcome, depth)
		case candidateClarify:
			return c.escalateClarify(rq, ob, outcome.clarifySlots, outcome.failure)
		case candidateFailed:
			lastErr = outcome.failure
			logging.ConductorDebug("obligation %s: candidate %s failed (%s), trying next",
				ob.ID, contract.Name, outcome.failure)
		}
	}

	if dispatched == 0 && rejected != nil {
		return c.escalateClarify(rq, ob, rejected.MissingFields, rejected.Error())
	}
	return c.escalateJustify(rq, ob, lastErr)
}

type candidateState int

const (
	candidateResolved candidateState = iota
	candidateFailed
	candidateClarify
)

// candidateOutcome is the result of trying one candidate.
type candidateOutcome struct {
	state        candidateState
	output       map[string]any
	toolName     string
	failure      string
	clarifySlots []string
}

// runCandidate performs the cache consult, dispatch, and verification for
// one candidate. Budgets are charged before the guarded action runs.
func (c *Conductor) runCandidate(ctx context.Context, rq *request, ob types.Obligation,
	contract types.ToolContract) (*candidateOutcome, error) {

	if len(contract.DependsOn) > 0 {
		if err := rq.budget.ChargeExternalAccess(); err != nil {
			return nil, err
		}
	}

	key, err := c.fp.Compute(contract.Name, contract.Version, ob.Payload, contract.DependsOn)
	if err != nil {
		return nil, err
	}

	entry, hit, err := c.cache.Get(key.Fingerprint)
	if err != nil {
		return nil, err
	}

	var output map[string]any
	var durationMS int64
	if hit {
		output = entry.Output
		logging.Conductor("obligation %s: cache hit for %s", ob.ID, contract.Name)
	} else {
		// Both counters are checked before the dispatch they guard; a hit
		// skips dispatch and charges neither.
		if err := rq.budget.ChargeToolRun(); err != nil {
			return nil, err
		}
		if err := rq.budget.ChargeCacheMiss(); err != nil {
			return nil, err
		}

		started := c.now()
		output, err = c.runner.Run(ctx, contract.Name, ob.Payload)
		durationMS = c.now().Sub(started).Milliseconds()

		if err != nil {
			// A dead context is not a candidate failure: retrying the
			// remaining candidates cannot succeed. Surface the time budget
			// when it drove the deadline, the raw cancellation otherwise.
			if ctx.Err() != nil {
				if terr := rq.budget.CheckTime(); terr != nil {
					return nil, terr
				}
				return nil, ctx.Err()
			}
			var notFound *runner.FactNotFoundError
			if errors.As(err, &notFound) {
				return &candidateOutcome{
					state:        candidateClarify,
					toolName:     contract.Name,
					failure:      err.Error(),
					clarifySlots: []string{notFound.Field},
				}, nil
			}
			// Execution failure: recorded, then treated like a
			// postcondition failure for escalation.
			c.appendRun(rq, ob, contract.Name, nil, types.RunFailed, false, durationMS)
			return &candidateOutcome{state: candidateFailed, toolName: contract.Name, failure: err.Error()}, nil
		}

		if err := c.cache.Put(key, contract.Name, output, c.now()); err != nil {
			return nil, err
		}
		if _, err := c.cache.GC(contract.Name, key.InputsDigest, key.Fingerprint); err != nil {
			return nil, err
		}
	}

	rec := c.appendRun(rq, ob, contract.Name, output, types.RunCompleted, hit, durationMS)

	evidence, err := c.ledger.Verify(contract, rec.ID, output, c.now())
	if err != nil {
		return nil, err
	}
	rq.trace.Verification = append(rq.trace.Verification, evidence...)

	if !ledger.Passed(evidence) {
		failed := ledger.FailedChecks(evidence)
		return &candidateOutcome{
			state:    candidateFailed,
			toolName: contract.Name,
			failure:  fmt.Sprintf("postcondition %s failed", failed[0].CheckType),
		}, nil
	}

	return &candidateOutcome{state: candidateResolved, output: output, toolName: contract.Name}, nil
}

// appendRun records one dispatch attempt in the trace and backing store.
func (c *Conductor) appendRun(rq *request, ob types.Obligation, toolName string,
	output map[string]any, status types.ToolRunStatus, cacheHit bool, durationMS int64) types.ToolRunRecord {

	rec := types.ToolRunRecord{
		ID:           c.newID(),
		ToolName:     toolName,
		Inputs:       ob.Payload,
		Outputs:      output,
		Status:       status,
		CacheHit:     cacheHit,
		DurationMS:   durationMS,
		ObligationID: ob.ID,
	}
	rq.trace.ToolRuns = append(rq.trace.ToolRuns, rec)
	if err := c.backing.AppendToolRun(rec, c.now()); err != nil {
		logging.ConductorError("failed to persist tool run %s: %v", rec.ID, err)
	}
	return rec
}

// resolve finalizes a successful candidate: plan expansion, result
// assertion, status write, trace entry.
func (c *Conductor) resolve(ctx context.Context, rq *request, ob types.Obligation,
	contract types.ToolContract, outcome *candidateOutcome, depth int) error {

	steps, err := types.ExtractPlan(outcome.output)
	if err != nil {
		// A malformed plan is the tool's failure; the result itself stands,
		// but nothing gets expanded.
		logging.ConductorWarn("obligation %s: malformed plan ignored: %v", ob.ID, err)
		steps = nil
	}

	status := types.StatusResolved
	if len(steps) > 0 {
		truncated, err := c.expandPlan(ctx, rq, ob, steps, depth)
		if err != nil {
			c.recordResult(rq, ob, types.StatusTruncated, contract.Name, outcome.output, "")
			_ = c.backing.SetObligationStatus(ob.ID, types.StatusTruncated)
			return err
		}
		if truncated {
			status = types.StatusTruncated
		}
	}

	if status == types.StatusResolved {
		c.persistResultAssertion(ob, outcome)
	}

	c.recordResult(rq, ob, status, contract.Name, outcome.output, "")
	return c.backing.SetObligationStatus(ob.ID, status)
}

// expandPlan runs embedded plan steps strictly in order. A truncated child
// stops the remaining steps and truncates the parent; failed or escalated
// children keep their own status without failing the parent.
func (c *Conductor) expandPlan(ctx context.Context, rq *request, parent types.Obligation,
	steps []types.PlanStep, depth int) (bool, error) {

	childRQ := rq
	if c.cfg.BudgetPolicy == config.BudgetFresh {
		childRQ = &request{
			trace:   rq.trace,
			budget:  budget.NewWithClock(c.limits(), c.now),
			visited: rq.visited,
		}
	}

	for _, step := range steps {
		child := types.Obligation{
			ID:        c.newID(),
			Type:      step.Type,
			Payload:   step.Payload,
			Status:    types.StatusActive,
			ParentID:  parent.ID,
			CreatedAt: c.now(),
		}
		if err := c.backing.AppendObligation(child); err != nil {
			return false, err
		}
		if err := c.process(ctx, childRQ, child, depth+1); err != nil {
			return false, err
		}
		if last := lastResultFor(rq.trace, child.ID); last != nil && last.Status == types.StatusTruncated {
			logging.ConductorWarn("plan under %s truncated at step %s", parent.ID, child.ID)
			return true, nil
		}
	}
	return false, nil
}

func lastResultFor(t *Trace, obligationID string) *ObligationResult {
	for i := len(t.Obligations) - 1; i >= 0; i-- {
		if t.Obligations[i].ID == obligationID {
			return &t.Obligations[i]
		}
	}
	return nil
}

// persistResultAssertion derives a fact from scalar outputs so later
// obligations can read what this one produced.
func (c *Conductor) persistResultAssertion(ob types.Obligation, outcome *candidateOutcome) {
	var object string
	if v, ok := outcome.output["value"]; ok {
		object = fmt.Sprintf("%v", v)
	} else if v, ok := outcome.output["count"]; ok {
		object = fmt.Sprintf("%v", v)
	} else {
		return
	}

	err := c.backing.AppendAssertion(types.Assertion{
		ID:         c.newID(),
		SubjectID:  ob.ID,
		Predicate:  "result",
		Object:     object,
		Confidence: 1.0,
		SourceID:   outcome.toolName,
		CreatedAt:  c.now(),
	})
	if err != nil {
		logging.ConductorError("failed to persist result assertion for %s: %v", ob.ID, err)
	}
}

// ========== Escalations ==========

// escalateDiscovery emits a DISCOVER_OP obligation for a missing
// capability. Emission charges the toolsmith budget.
func (c *Conductor) escalateDiscovery(rq *request, ob types.Obligation, noCand *registry.NoCandidateError) error {
	if err := rq.budget.ChargeToolsmithCall(); err != nil {
		c.recordResult(rq, ob, types.StatusFailed, "", nil, noCand.Error())
		_ = c.backing.SetObligationStatus(ob.ID, types.StatusFailed)
		return err
	}

	payload := map[string]any{
		"goal": ob.Payload,
		"missing_capability": map[string]any{
			"type": string(noCand.Type),
			"kind": noCand.Kind,
		},
	}
	return c.emitEscalation(rq, ob, types.ObligationDiscoverOp, payload, noCand.Error())
}

// escalateClarify emits a CLARIFY obligation naming the missing slots.
func (c *Conductor) escalateClarify(rq *request, ob types.Obligation, slots []string, reason string) error {
	slotList := make([]any, len(slots))
	for i, s := range slots {
		slotList[i] = s
	}
	payload := map[string]any{
		"slots":  slotList,
		"reason": reason,
		"origin": ob.ID,
	}
	return c.emitEscalation(rq, ob, types.ObligationClarify, payload, reason)
}

// escalateJustify emits a JUSTIFY obligation carrying the accumulated
// evidence after every candidate failed, and marks the original failed.
func (c *Conductor) escalateJustify(rq *request, ob types.Obligation, reason string) error {
	evidence := make([]any, 0)
	for _, run := range rq.trace.ToolRuns {
		if run.ObligationID != ob.ID {
			continue
		}
		if run.Status == types.RunFailed {
			evidence = append(evidence, map[string]any{
				"tool_run_id": run.ID,
				"tool_name":   run.ToolName,
				"status":      string(run.Status),
			})
		}
		for _, ev := range rq.trace.Verification {
			if ev.ToolRunID == run.ID {
				evidence = append(evidence, map[string]any{
					"tool_run_id": ev.ToolRunID,
					"check_type":  ev.CheckType,
					"expected":    ev.Expected,
					"actual":      ev.Actual,
					"passed":      ev.Passed,
				})
			}
		}
	}

	payload := map[string]any{
		"kind":     "failure",
		"origin":   ob.ID,
		"reason":   reason,
		"evidence": evidence,
	}

	esc := types.Obligation{
		ID:        c.newID(),
		Type:      types.ObligationJustify,
		Payload:   payload,
		Status:    types.StatusActive,
		ParentID:  ob.ID,
		CreatedAt: c.now(),
	}
	if err := c.backing.AppendObligation(esc); err != nil {
		return err
	}
	rq.trace.Escalations = append(rq.trace.Escalations, Escalation{
		FromObligationID: ob.ID,
		ObligationID:     esc.ID,
		Type:             esc.Type,
		Payload:          payload,
	})

	c.recordResult(rq, ob, types.StatusFailed, "", nil, reason)
	logging.Conductor("obligation %s failed after exhausting candidates", ob.ID)
	return c.backing.SetObligationStatus(ob.ID, types.StatusFailed)
}

// emitEscalation appends the successor obligation, records the escalation,
// and marks the original escalated. Successor obligations are handed to
// external collaborators; the conductor does not process them further.
func (c *Conductor) emitEscalation(rq *request, ob types.Obligation,
	typ types.ObligationType, payload map[string]any, reason string) error {

	esc := types.Obligation{
		ID:        c.newID(),
		Type:      typ,
		Payload:   payload,
		Status:    types.StatusActive,
		ParentID:  ob.ID,
		CreatedAt: c.now(),
	}
	if err := c.backing.AppendObligation(esc); err != nil {
		return err
	}
	if err := c.backing.AppendEvent(types.Event{
		ID:        c.newID(),
		Kind:      "escalation." + string(typ),
		Payload:   map[string]any{"origin": ob.ID, "obligation": esc.ID},
		CreatedAt: c.now(),
	}); err != nil {
		return err
	}

	rq.trace.Escalations = append(rq.trace.Escalations, Escalation{
		FromObligationID: ob.ID,
		ObligationID:     esc.ID,
		Type:             typ,
		Payload:          payload,
	})
	c.recordResult(rq, ob, types.StatusEscalated, "", nil, reason)
	logging.Conductor("obligation %s escalated to %s (%s)", ob.ID, typ, esc.ID)
	return c.backing.SetObligationStatus(ob.ID, types.StatusEscalated)
}

func (c *Conductor) recordResult(rq *request, ob types.Obligation, status types.ObligationStatus,
	toolName string, output map[string]any, errMsg string) {
	rq.trace.Obligations = append(rq.trace.Obligations, ObligationResult{
		ID:       ob.ID,
		Type:     ob.Type,
		Kind:     ob.Kind(),
		Status:   status,
		ToolName: toolName,
		Output:   output,
		Error:    errMsg,
		ParentID: ob.ParentID,
	})
}

func (c *Conductor) limits() budget.Limits {
	b := c.cfg.Budgets
	return budget.Limits{
		MaxToolRuns:       b.MaxToolRuns,
		MaxCacheMisses:    b.MaxCacheMisses,
		MaxToolsmithCalls: b.MaxToolsmithCalls,
		MaxExternalAccess: b.MaxExternalAccess,
		TimeMS:            b.TimeMS,
	}
}

// obligationSignature digests (type, payload) for cycle detection across
// recursive plan expansion.
func obligationSignature(ob types.Obligation) string {
	canonical := cache.Canonicalize(ob.Payload)
	raw, err := json.Marshal(map[string]any{"type": string(ob.Type), "payload": canonical})
	if err != nil {
		raw = []byte(string(ob.Type))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
