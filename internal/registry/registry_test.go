package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/types"
)

func mathContract(name, reliability, cost string, latency int) types.ToolContract {
	return types.ToolContract{
		Name:        name,
		Version:     "1.0.0",
		Consumes:    []types.ConsumeSpec{{Kind: "math"}},
		Produces:    []types.ProduceSpec{{Kind: "math.result"}},
		Satisfies:   []string{"REPORT(math)"},
		Reliability: reliability,
		Cost:        cost,
		LatencyMS:   latency,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mathContract("EvalMath", "high", "tiny", 5)))

	c, ok := r.Get("EvalMath")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", c.Version)
	assert.Equal(t, 1, r.Len())
}

func TestDuplicateNameRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mathContract("EvalMath", "high", "tiny", 5)))
	err := r.Register(mathContract("EvalMath", "low", "high", 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestSelectionTotalOrder(t *testing.T) {
	r := New()
	// Deliberately registered worst-first; order must come from attributes.
	require.NoError(t, r.Register(mathContract("SlowLow", "low", "high", 900)))
	require.NoError(t, r.Register(mathContract("FastHigh", "high", "tiny", 5)))
	require.NoError(t, r.Register(mathContract("SlowHigh", "high", "tiny", 80)))
	require.NoError(t, r.Register(mathContract("MedCheap", "medium", "tiny", 5)))

	got, err := r.Candidates(types.ObligationReport, "math")
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.Name
	}
	// reliability desc, then cost desc (cheap preferred), then latency asc,
	// then name asc.
	assert.Equal(t, []string{"FastHigh", "SlowHigh", "MedCheap", "SlowLow"}, names)
}

func TestNameBreaksFinalTie(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mathContract("Beta", "high", "tiny", 5)))
	require.NoError(t, r.Register(mathContract("Alpha", "high", "tiny", 5)))

	got, err := r.Candidates(types.ObligationReport, "math")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got[0].Name)
}

func TestBarePatternMatchesAnyKind(t *testing.T) {
	r := New()
	c := mathContract("Reasoner", "medium", "medium", 200)
	c.Satisfies = []string{"REPORT"}
	require.NoError(t, r.Register(c))

	got, err := r.Candidates(types.ObligationReport, "anything.at.all")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Reasoner", got[0].Name)
}

func TestExactAndBarePooledWithoutDuplicates(t *testing.T) {
	r := New()
	c := mathContract("Wide", "high", "tiny", 5)
	c.Satisfies = []string{"REPORT(math)", "REPORT"}
	require.NoError(t, r.Register(c))

	got, err := r.Candidates(types.ObligationReport, "math")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNoCandidate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mathContract("EvalMath", "high", "tiny", 5)))

	_, err := r.Candidates(types.ObligationReport, "people.count")
	var noCand *NoCandidateError
	require.True(t, errors.As(err, &noCand))
	assert.Equal(t, types.ObligationReport, noCand.Type)
	assert.Equal(t, "people.count", noCand.Kind)
}

func TestUnknownSatisfiesTypeRejected(t *testing.T) {
	r := New()
	c := mathContract("Bad", "high", "tiny", 5)
	c.Satisfies = []string{"RETORT(math)"}
	err := r.Register(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown obligation type")
}

func TestUnknownPostconditionKindRejected(t *testing.T) {
	r := New()
	c := mathContract("Bad", "high", "tiny", 5)
	c.Postconditions = []string{"regex:value"}
	err := r.Register(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown postcondition kind")
}

func TestMalformedDependencyRejected(t *testing.T) {
	r := New()
	c := mathContract("Bad", "high", "tiny", 5)
	c.DependsOn = []string{"database"}
	err := r.Register(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed dependency")
}

func TestValidateInputsAgainstSchema(t *testing.T) {
	r := New()
	c := mathContract("EvalMath", "high", "tiny", 5)
	c.Consumes = []types.ConsumeSpec{{
		Kind: "math",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"expression"},
			"properties": map[string]any{
				"expression": map[string]any{"type": "string"},
			},
		},
	}}
	require.NoError(t, r.Register(c))

	require.NoError(t, r.ValidateInputs("EvalMath", "math",
		map[string]any{"kind": "math", "expression": "2+2"}))

	err := r.ValidateInputs("EvalMath", "math", map[string]any{"kind": "math"})
	var inputsErr *InputsError
	require.True(t, errors.As(err, &inputsErr))
	assert.Equal(t, []string{"expression"}, inputsErr.MissingFields)
}

func TestValidateInputsNoSchemaAcceptsAll(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mathContract("EvalMath", "high", "tiny", 5)))
	assert.NoError(t, r.ValidateInputs("EvalMath", "math", map[string]any{"whatever": 1}))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `name: EvalMath
version: 1.0.0
consumes:
  - kind: math
    schema:
      type: object
      required: [expression]
produces:
  - kind: math.result
satisfies:
  - REPORT(math)
reliability: high
cost: tiny
latency_ms: 5
postconditions:
  - number:value
depends_on: []
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evalmath.yaml"), []byte(doc), 0644))

	contracts, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "EvalMath", contracts[0].Name)
	assert.Equal(t, []string{"number:value"}, contracts[0].Postconditions)
}

func TestLoadDirMultiDocument(t *testing.T) {
	dir := t.TempDir()
	doc := `name: A
version: "1"
consumes: [{kind: math}]
produces: [{kind: math.result}]
satisfies: [REPORT(math)]
reliability: high
cost: tiny
latency_ms: 5
---
name: B
version: "1"
consumes: [{kind: math}]
produces: [{kind: math.result}]
satisfies: [REPORT(math)]
reliability: low
cost: high
latency_ms: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.yaml"), []byte(doc), 0644))

	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, reg.Names())
}

func TestLoadDirRejectsInvalidContract(t *testing.T) {
	dir := t.TempDir()
	doc := `name: Broken
version: "1"
consumes: [{kind: math}]
produces: [{kind: math.result}]
satisfies: [REPORT(math)]
reliability: legendary
cost: tiny
latency_ms: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(doc), 0644))

	_, err := LoadRegistry(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reliability")
}

func TestReplaceKeepsOldSetOnFailure(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mathContract("EvalMath", "high", "tiny", 5)))

	bad := mathContract("Broken", "legendary", "tiny", 5)
	require.Error(t, r.Replace([]types.ToolContract{bad}))

	_, ok := r.Get("EvalMath")
	assert.True(t, ok, "failed replace must not clear the registry")
}
