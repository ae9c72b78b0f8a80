package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// Postcondition check kinds. Anything else in a contract is a load error,
// not a runtime surprise.
const (
	CheckHas      = "has"
	CheckNumber   = "number"
	CheckNonEmpty = "nonempty"
)

// Dependency declaration prefixes.
const (
	DepFile  = "file"
	DepEnv   = "env"
	DepStore = "store"
	DepClock = "clock"
)

// LoadDir reads every .yaml/.yml contract under dir, validates each, and
// returns them sorted by name. Any invalid contract fails the whole load.
func LoadDir(dir string) ([]types.ToolContract, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read contracts dir %s: %w", dir, err)
	}

	var contracts []types.ToolContract
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read contract %s: %w", path, err)
		}

		loaded, err := parseContracts(data)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", path, err)
		}
		contracts = append(contracts, loaded...)
	}

	sort.Slice(contracts, func(i, j int) bool { return contracts[i].Name < contracts[j].Name })
	logging.Boot("loaded %d tool contracts from %s", len(contracts), dir)
	return contracts, nil
}

// LoadRegistry loads a directory of contracts into a fresh registry.
func LoadRegistry(dir string) (*Registry, error) {
	contracts, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	r := New()
	for _, c := range contracts {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// parseContracts decodes one YAML file, which may hold multiple documents.
func parseContracts(data []byte) ([]types.ToolContract, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []types.ToolContract
	for {
		var c types.ToolContract
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("yaml parse failed: %w", err)
		}
		if c.Name == "" && len(c.Satisfies) == 0 {
			continue // empty document
		}
		out = append(out, c)
	}
	return out, nil
}

// buildEntry validates a contract document and compiles its consumes
// schemas. Every structural defect is caught here, at load time.
func buildEntry(c types.ToolContract) (*Entry, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("contract missing name")
	}
	if c.Version == "" {
		return nil, fmt.Errorf("contract %s missing version", c.Name)
	}
	if len(c.Satisfies) == 0 {
		return nil, fmt.Errorf("contract %s declares no satisfies patterns", c.Name)
	}
	if types.ReliabilityRank(c.Reliability) == 0 {
		return nil, fmt.Errorf("contract %s has unknown reliability %q", c.Name, c.Reliability)
	}
	if types.CostRank(c.Cost) == 0 {
		return nil, fmt.Errorf("contract %s has unknown cost %q", c.Name, c.Cost)
	}
	if c.LatencyMS < 0 {
		return nil, fmt.Errorf("contract %s has negative latency_ms", c.Name)
	}

	switch c.VerifyMode {
	case "", types.VerifyBlocking, types.VerifyNonBlocking, types.VerifyOff:
	default:
		return nil, fmt.Errorf("contract %s has unknown verify_mode %q", c.Name, c.VerifyMode)
	}

	patterns := make([]satisfyPattern, 0, len(c.Satisfies))
	for _, s := range c.Satisfies {
		p, err := parseSatisfies(s)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.Name, err)
		}
		patterns = append(patterns, p)
	}

	for _, pc := range c.Postconditions {
		if err := validateCheck(pc); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.Name, err)
		}
	}

	for _, dep := range c.DependsOn {
		if err := validateDependency(dep); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.Name, err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(c.Consumes))
	for _, cons := range c.Consumes {
		if cons.Kind == "" {
			return nil, fmt.Errorf("contract %s has a consumes entry without a kind", c.Name)
		}
		if cons.Schema == nil {
			continue
		}
		compiled, err := compileSchema(c.Name, cons.Kind, cons.Schema)
		if err != nil {
			return nil, err
		}
		schemas[cons.Kind] = compiled
	}

	return &Entry{Contract: c, patterns: patterns, schemas: schemas}, nil
}

// parseSatisfies parses "TYPE(kind)" or a bare "TYPE". Unknown obligation
// types are rejected so a typo in a contract cannot silently never match.
func parseSatisfies(s string) (satisfyPattern, error) {
	s = strings.TrimSpace(s)
	typStr, kind := s, ""
	if open := strings.IndexByte(s, '('); open >= 0 {
		if !strings.HasSuffix(s, ")") {
			return satisfyPattern{}, fmt.Errorf("malformed satisfies pattern %q", s)
		}
		typStr = s[:open]
		kind = s[open+1 : len(s)-1]
		if kind == "" {
			return satisfyPattern{}, fmt.Errorf("satisfies pattern %q has empty kind", s)
		}
	}
	typ := types.ObligationType(typStr)
	if !types.KnownObligationTypes[typ] {
		return satisfyPattern{}, fmt.Errorf("satisfies pattern %q names unknown obligation type %q", s, typStr)
	}
	return satisfyPattern{Type: typ, Kind: kind}, nil
}

// validateCheck enforces the postcondition DSL: has:<field>, number:<field>,
// nonempty:<field>.
func validateCheck(check string) error {
	kind, field, ok := strings.Cut(check, ":")
	if !ok || field == "" {
		return fmt.Errorf("malformed postcondition %q (want kind:field)", check)
	}
	switch kind {
	case CheckHas, CheckNumber, CheckNonEmpty:
		return nil
	default:
		return fmt.Errorf("unknown postcondition kind %q in %q", kind, check)
	}
}

// validateDependency enforces the depends_on forms: file:<path>, env:<NAME>,
// store:<path>, or the bare clock.
func validateDependency(dep string) error {
	if dep == DepClock {
		return nil
	}
	kind, ident, ok := strings.Cut(dep, ":")
	if !ok || ident == "" {
		return fmt.Errorf("malformed dependency %q (want kind:identifier or clock)", dep)
	}
	switch kind {
	case DepFile, DepEnv, DepStore:
		return nil
	default:
		return fmt.Errorf("unknown dependency kind %q in %q", kind, dep)
	}
}

// compileSchema compiles one consumes schema under a synthetic URL.
func compileSchema(toolName, kind string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("contract %s consumes %s: schema not JSON-encodable: %w", toolName, kind, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://maestro.schemas.local/contracts/%s/%s.schema.json", toolName, kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("contract %s consumes %s: schema load failed: %w", toolName, kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("contract %s consumes %s: schema compile failed: %w", toolName, kind, err)
	}
	return compiled, nil
}
