// Package budget enforces per-request resource budgets for maestro.
// Counters are scoped to one top-level request and shared by all
// recursively spawned plan-step obligations (unless the fresh-pool policy
// is configured). Every charge is checked against its limit BEFORE the
// action it guards runs, so an about-to-exceed action never executes.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"maestro/internal/logging"
)

// Counter names, used in structured errors and traces.
const (
	CounterToolRuns       = "max_tool_runs"
	CounterCacheMisses    = "max_cache_misses"
	CounterToolsmithCalls = "max_toolsmith_calls"
	CounterExternalAccess = "max_external_access"
	CounterTime           = "time_ms"
)

// ErrBudgetExceeded is the sentinel all budget violations wrap.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ExceededError identifies which budget was exhausted and its
// configured/attempted values. It is fatal to the whole request.
type ExceededError struct {
	Counter   string
	Limit     int64
	Attempted int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s limit %d, attempted %d", e.Counter, e.Limit, e.Attempted)
}

func (e *ExceededError) Unwrap() error { return ErrBudgetExceeded }

// Limits configures one request's budget. Zero or negative means unlimited
// for that counter.
type Limits struct {
	MaxToolRuns       int
	MaxCacheMisses    int
	MaxToolsmithCalls int
	MaxExternalAccess int
	TimeMS            int64
}

// Budget tracks live counters against limits for one top-level request.
type Budget struct {
	mu sync.Mutex

	limits Limits
	start  time.Time
	now    func() time.Time

	toolRuns       int
	cacheMisses    int
	toolsmithCalls int
	externalAccess int
}

// New creates a budget whose time window starts immediately.
func New(limits Limits) *Budget {
	return NewWithClock(limits, time.Now)
}

// NewWithClock creates a budget with an injected clock, for deterministic
// tests.
func NewWithClock(limits Limits, now func() time.Time) *Budget {
	b := &Budget{limits: limits, now: now, start: now()}
	logging.Budget("budget created: tool_runs=%d cache_misses=%d toolsmith=%d external=%d time_ms=%d",
		limits.MaxToolRuns, limits.MaxCacheMisses, limits.MaxToolsmithCalls,
		limits.MaxExternalAccess, limits.TimeMS)
	return b
}

// Limits returns the configured limits.
func (b *Budget) Limits() Limits { return b.limits }

// charge checks count+1 against limit before committing the increment.
func charge(counter string, count *int, limit int) error {
	if limit > 0 && *count+1 > limit {
		return &ExceededError{Counter: counter, Limit: int64(limit), Attempted: int64(*count + 1)}
	}
	*count++
	return nil
}

// ChargeToolRun reserves one actual tool dispatch. Cache hits skip
// dispatch and are not charged.
func (b *Budget) ChargeToolRun() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := charge(CounterToolRuns, &b.toolRuns, b.limits.MaxToolRuns); err != nil {
		logging.BudgetWarn("tool run budget exhausted at %d", b.limits.MaxToolRuns)
		return err
	}
	return nil
}

// ChargeCacheMiss reserves one cache-missing dispatch.
func (b *Budget) ChargeCacheMiss() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := charge(CounterCacheMisses, &b.cacheMisses, b.limits.MaxCacheMisses); err != nil {
		logging.BudgetWarn("cache miss budget exhausted at %d", b.limits.MaxCacheMisses)
		return err
	}
	return nil
}

// ChargeToolsmithCall reserves one capability-discovery escalation.
func (b *Budget) ChargeToolsmithCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return charge(CounterToolsmithCalls, &b.toolsmithCalls, b.limits.MaxToolsmithCalls)
}

// ChargeExternalAccess reserves one declared-dependency snapshot of
// external state (file, env, store, clock).
func (b *Budget) ChargeExternalAccess() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return charge(CounterExternalAccess, &b.externalAccess, b.limits.MaxExternalAccess)
}

// CheckTime returns an ExceededError if the request's time budget has
// elapsed. A TimeMS of zero means no time limit.
func (b *Budget) CheckTime() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limits.TimeMS <= 0 {
		return nil
	}
	elapsed := b.now().Sub(b.start).Milliseconds()
	if elapsed > b.limits.TimeMS {
		logging.BudgetWarn("time budget exhausted: %dms elapsed > %dms limit", elapsed, b.limits.TimeMS)
		return &ExceededError{Counter: CounterTime, Limit: b.limits.TimeMS, Attempted: elapsed}
	}
	return nil
}

// Deadline returns the wall-clock deadline for context cancellation, and
// whether one is configured.
func (b *Budget) Deadline() (time.Time, bool) {
	if b.limits.TimeMS <= 0 {
		return time.Time{}, false
	}
	return b.start.Add(time.Duration(b.limits.TimeMS) * time.Millisecond), true
}

// Counters returns a snapshot of the live counters for trace metrics.
func (b *Budget) Counters() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"tool_runs":       b.toolRuns,
		"cache_misses":    b.cacheMisses,
		"toolsmith_calls": b.toolsmithCalls,
		"external_access": b.externalAccess,
	}
}
