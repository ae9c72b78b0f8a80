// Package cache provides dependency-aware result caching for tool runs.
// A cache key is a fingerprint over the tool identity, its canonicalized
// inputs, and a digest of the external state the tool declared it depends
// on. Equal fingerprints mean a hit; a changed dependency changes the
// fingerprint, so stale entries are never returned, only garbage-collected.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"maestro/internal/logging"
)

// Dependency declaration kinds, mirroring contract depends_on entries.
const (
	depFile  = "file"
	depEnv   = "env"
	depStore = "store"
	depClock = "clock"
)

// Key is the full fingerprint breakdown for one prospective tool run.
type Key struct {
	// Fingerprint is the cache key: inputs digest + dependency digest.
	Fingerprint string
	// InputsDigest covers tool name, version, and canonical inputs only.
	InputsDigest string
	// DependencyDigest covers the dependency snapshot; empty for pure tools.
	DependencyDigest string
	// Snapshot is the observed dependency state, recorded in traces.
	Snapshot map[string]any
}

// Fingerprinter computes cache keys. The clock and env lookups are
// injectable so tests produce byte-identical fingerprints.
type Fingerprinter struct {
	Now    func() time.Time
	Getenv func(string) (string, bool)
}

// NewFingerprinter returns a production fingerprinter.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{Now: time.Now, Getenv: os.LookupEnv}
}

// Compute builds the cache key for one tool invocation. A tool with no
// declared dependencies is assumed pure: its fingerprint covers inputs
// only and hits unconditionally.
func (f *Fingerprinter) Compute(toolName, toolVersion string, inputs map[string]any, dependsOn []string) (Key, error) {
	canonical := Canonicalize(inputs)

	inputsDigest, err := digestJSON(map[string]any{
		"tool_name":    toolName,
		"tool_version": toolVersion,
		"inputs":       canonical,
	})
	if err != nil {
		return Key{}, fmt.Errorf("failed to digest inputs for %s: %w", toolName, err)
	}

	depDigest, snapshot, err := f.snapshotDependencies(dependsOn)
	if err != nil {
		return Key{}, fmt.Errorf("failed to snapshot dependencies for %s: %w", toolName, err)
	}

	keyData := map[string]any{
		"tool_name":    toolName,
		"tool_version": toolVersion,
		"inputs":       canonical,
	}
	if depDigest != "" {
		keyData["depends_on_digest"] = depDigest
	}
	fingerprint, err := digestJSON(keyData)
	if err != nil {
		return Key{}, fmt.Errorf("failed to digest cache key for %s: %w", toolName, err)
	}

	logging.CacheDebug("fingerprint %s: inputs=%s deps=%s", toolName, inputsDigest[:12], shortOrNone(depDigest))
	return Key{
		Fingerprint:      fingerprint,
		InputsDigest:     inputsDigest,
		DependencyDigest: depDigest,
		Snapshot:         snapshot,
	}, nil
}

// snapshotDependencies observes every declared dependency and digests the
// observations. Missing files and unset env vars snapshot as nil rather
// than erroring: absence is itself a cacheable state.
func (f *Fingerprinter) snapshotDependencies(dependsOn []string) (string, map[string]any, error) {
	if len(dependsOn) == 0 {
		return "", map[string]any{}, nil
	}

	snapshot := make(map[string]any, len(dependsOn))
	for _, dep := range dependsOn {
		if dep == depClock {
			// Minute-level quantization: clock-dependent results stay
			// reusable within the minute they were computed.
			snapshot[dep] = f.Now().Unix() / 60
			continue
		}
		kind, ident, ok := strings.Cut(dep, ":")
		if !ok {
			return "", nil, fmt.Errorf("malformed dependency %q", dep)
		}
		switch kind {
		case depFile, depStore:
			snapshot[dep] = statSnapshot(ident)
		case depEnv:
			snapshot[dep] = f.envSnapshot(ident)
		default:
			return "", nil, fmt.Errorf("unknown dependency kind %q in %q", kind, dep)
		}
	}

	digest, err := digestJSON(snapshot)
	if err != nil {
		return "", nil, err
	}
	return digest, snapshot, nil
}

// statSnapshot captures mtime and size for a file or store path. Nil means
// the path does not exist.
func statSnapshot(path string) any {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return map[string]any{
		"mtime": info.ModTime().UnixNano(),
		"size":  info.Size(),
	}
}

// envSnapshot captures a hash of the variable's value, never the value
// itself: snapshots end up in traces.
func (f *Fingerprinter) envSnapshot(name string) any {
	val, ok := f.Getenv(name)
	if !ok {
		return nil
	}
	sum := sha256.Sum256([]byte(val))
	return map[string]any{"hash": "sha256:" + hex.EncodeToString(sum[:])}
}

// Canonicalize normalizes an inputs map so semantically equal inputs digest
// identically: nil values dropped, string whitespace collapsed, homogeneous
// scalar lists sorted, nested maps canonicalized recursively. Key ordering
// is left to the JCS encoding.
func Canonicalize(inputs map[string]any) map[string]any {
	if inputs == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if v == nil {
			continue
		}
		out[k] = canonicalizeValue(v)
	}
	return out
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Canonicalize(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = canonicalizeValue(item)
		}
		sortIfComparable(items)
		return items
	case string:
		return strings.Join(strings.Fields(val), " ")
	default:
		return val
	}
}

// sortIfComparable sorts lists whose elements are all strings or all
// numbers; mixed or structured lists keep their order.
func sortIfComparable(items []any) {
	allStrings, allNumbers := true, true
	for _, it := range items {
		if _, ok := it.(string); !ok {
			allStrings = false
		}
		switch it.(type) {
		case float64, int, int64:
		default:
			allNumbers = false
		}
	}
	switch {
	case allStrings && len(items) > 1:
		sort.Slice(items, func(i, j int) bool { return items[i].(string) < items[j].(string) })
	case allNumbers && len(items) > 1:
		sort.Slice(items, func(i, j int) bool { return asFloat(items[i]) < asFloat(items[j]) })
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// digestJSON encodes v as RFC 8785 canonical JSON and returns its SHA-256
// hex digest.
func digestJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func shortOrNone(digest string) string {
	if digest == "" {
		return "none"
	}
	return digest[:12]
}
