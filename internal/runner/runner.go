// Package runner dispatches tool executions. Tools are deterministic
// functions behind a registry keyed by contract name; the conductor never
// calls an implementation directly.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maestro/internal/logging"
)

// ErrUnknownTool means a contract names a tool with no registered
// implementation.
var ErrUnknownTool = errors.New("unknown tool")

// ExecutionError wraps a tool failure. The conductor treats it as a failed
// run, records it, and escalates; it is never fatal to the request.
type ExecutionError struct {
	ToolName string
	Cause    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// FactNotFoundError means a read tool found no stored fact for its subject
// and field. The conductor turns this into a CLARIFY escalation instead of
// a plain failure.
type FactNotFoundError struct {
	Subject string
	Field   string
}

func (e *FactNotFoundError) Error() string {
	return fmt.Sprintf("no stored fact for %s.%s", e.Subject, e.Field)
}

// Tool is one deterministic operation.
type Tool interface {
	Name() string
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Fn       func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

func (t *ToolFunc) Name() string { return t.ToolName }

func (t *ToolFunc) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return t.Fn(ctx, inputs)
}

// Runner holds registered tool implementations.
type Runner struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New creates an empty runner.
func New() *Runner {
	return &Runner{tools: make(map[string]Tool)}
}

// Register adds a tool implementation, replacing any previous one with the
// same name.
func (r *Runner) Register(tool Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()
	logging.Runner("registered implementation for %s", tool.Name())
}

// Has reports whether an implementation is registered for name.
func (r *Runner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Run executes the named tool. Context cancellation is honored between
// dispatch and execution; tools themselves are expected to be fast and
// deterministic.
func (r *Runner) Run(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := ctx.Err(); err != nil {
		return nil, &ExecutionError{ToolName: name, Cause: err}
	}

	timer := logging.StartTimer(logging.CategoryRunner, name)
	out, err := tool.Run(ctx, inputs)
	timer.Stop()

	if err != nil {
		var notFound *FactNotFoundError
		if errors.As(err, &notFound) {
			return nil, err // preserved for CLARIFY escalation
		}
		logging.RunnerError("%s failed: %v", name, err)
		return nil, &ExecutionError{ToolName: name, Cause: err}
	}
	return out, nil
}
