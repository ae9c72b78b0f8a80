// Package registry holds validated tool contracts and the capability index
// that maps obligations to candidate tools. Selection is a deterministic
// total order over contract attributes: same registry, same obligation,
// same choice, every time.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// NoCandidateError means no registered contract satisfies the obligation.
// It is not fatal to the request; the conductor escalates it.
type NoCandidateError struct {
	Type types.ObligationType
	Kind string
}

func (e *NoCandidateError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("no candidate tool satisfies %s", e.Type)
	}
	return fmt.Sprintf("no candidate tool satisfies %s(%s)", e.Type, e.Kind)
}

// InputsError means a candidate matched but the obligation payload fails the
// contract's consumes schema. MissingFields lists required fields absent from
// the payload, for CLARIFY escalation.
type InputsError struct {
	ToolName      string
	Kind          string
	MissingFields []string
	Cause         error
}

func (e *InputsError) Error() string {
	return fmt.Sprintf("inputs unsatisfiable for %s (kind %s): %v", e.ToolName, e.Kind, e.Cause)
}

func (e *InputsError) Unwrap() error { return e.Cause }

// satisfyPattern is one parsed entry of a contract's satisfies list:
// either TYPE(kind) or a bare TYPE that matches any kind.
type satisfyPattern struct {
	Type types.ObligationType
	Kind string // "" for bare patterns
}

// Entry is a registered contract with its compiled consumes schemas.
type Entry struct {
	Contract types.ToolContract

	patterns []satisfyPattern
	schemas  map[string]*jsonschema.Schema // consume kind -> compiled schema
}

// capKey indexes exact TYPE(kind) patterns.
type capKey struct {
	typ  types.ObligationType
	kind string
}

// Registry is the thread-safe contract store and capability index.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry             // tool name -> entry
	exact   map[capKey][]*Entry           // TYPE(kind) -> entries
	bare    map[types.ObligationType][]*Entry // bare TYPE -> entries
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		exact:   make(map[capKey][]*Entry),
		bare:    make(map[types.ObligationType][]*Entry),
	}
}

// Register validates a contract and adds it to the index. Duplicate tool
// names are rejected: contracts are identified by name and replacing one
// silently would corrupt cache fingerprints keyed on name+version.
func (r *Registry) Register(contract types.ToolContract) error {
	entry, err := buildEntry(contract)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[contract.Name]; exists {
		return fmt.Errorf("duplicate tool contract %q", contract.Name)
	}

	r.entries[contract.Name] = entry
	for _, p := range entry.patterns {
		if p.Kind == "" {
			r.bare[p.Type] = append(r.bare[p.Type], entry)
		} else {
			k := capKey{typ: p.Type, kind: p.Kind}
			r.exact[k] = append(r.exact[k], entry)
		}
	}

	logging.Registry("registered tool %s v%s (satisfies %s)",
		contract.Name, contract.Version, strings.Join(contract.Satisfies, ", "))
	return nil
}

// Replace atomically swaps the full contract set, used by the watcher on
// reload. A reload that fails validation leaves the old set in place.
func (r *Registry) Replace(contracts []types.ToolContract) error {
	fresh := New()
	for _, c := range contracts {
		if err := fresh.Register(c); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.entries = fresh.entries
	r.exact = fresh.exact
	r.bare = fresh.bare
	r.mu.Unlock()

	logging.Registry("registry replaced: %d contracts", len(contracts))
	return nil
}

// Get returns the contract registered under name.
func (r *Registry) Get(name string) (types.ToolContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return types.ToolContract{}, false
	}
	return e.Contract, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered contracts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Candidates returns the contracts satisfying the obligation, best first.
// Exact TYPE(kind) matches and bare TYPE matches are pooled, then ordered
// by reliability (high first), cost (cheap first), declared latency
// (low first), and finally tool name for a total order.
func (r *Registry) Candidates(typ types.ObligationType, kind string) ([]types.ToolContract, error) {
	r.mu.RLock()
	pool := make([]*Entry, 0, 4)
	seen := make(map[string]bool)
	if kind != "" {
		for _, e := range r.exact[capKey{typ: typ, kind: kind}] {
			if !seen[e.Contract.Name] {
				seen[e.Contract.Name] = true
				pool = append(pool, e)
			}
		}
	}
	for _, e := range r.bare[typ] {
		if !seen[e.Contract.Name] {
			seen[e.Contract.Name] = true
			pool = append(pool, e)
		}
	}
	r.mu.RUnlock()

	if len(pool) == 0 {
		logging.RegistryDebug("no candidates for %s(%s)", typ, kind)
		return nil, &NoCandidateError{Type: typ, Kind: kind}
	}

	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i].Contract, pool[j].Contract
		if ra, rb := types.ReliabilityRank(a.Reliability), types.ReliabilityRank(b.Reliability); ra != rb {
			return ra > rb
		}
		if ca, cb := types.CostRank(a.Cost), types.CostRank(b.Cost); ca != cb {
			return ca > cb
		}
		if a.LatencyMS != b.LatencyMS {
			return a.LatencyMS < b.LatencyMS
		}
		return a.Name < b.Name
	})

	out := make([]types.ToolContract, len(pool))
	for i, e := range pool {
		out[i] = e.Contract
	}
	return out, nil
}

// ValidateInputs checks an obligation payload against the contract's
// consumes schema for the given kind. Contracts without a schema for the
// kind accept any payload. Failures carry the missing required fields so
// the conductor can build a CLARIFY obligation.
func (r *Registry) ValidateInputs(toolName, kind string, payload map[string]any) error {
	r.mu.RLock()
	entry, ok := r.entries[toolName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", toolName)
	}

	schema, ok := entry.schemas[kind]
	if !ok || schema == nil {
		return nil
	}

	if err := schema.Validate(anyify(payload)); err != nil {
		spec, _ := entry.Contract.ConsumesKind(kind)
		return &InputsError{
			ToolName:      toolName,
			Kind:          kind,
			MissingFields: missingRequired(spec.Schema, payload),
			Cause:         err,
		}
	}
	return nil
}

// anyify normalizes a payload for schema validation. jsonschema validates
// the generic JSON value tree; a nil map must validate as an empty object.
func anyify(payload map[string]any) any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}

// missingRequired extracts the schema's required fields that the payload
// does not carry.
func missingRequired(schema map[string]any, payload map[string]any) []string {
	rawReq, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	var missing []string
	for _, rf := range rawReq {
		field, ok := rf.(string)
		if !ok {
			continue
		}
		if _, present := payload[field]; !present {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}
