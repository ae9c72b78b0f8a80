package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// Store persists cache entries in SQLite with an in-memory read-through
// layer. Entries are immutable: a Put of an existing fingerprint is a
// no-op, and invalidation happens by garbage-collecting entries whose
// dependency digest no longer matches the live fingerprint.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	hot map[string]*types.CacheEntry // fingerprint -> entry

	hits   int
	misses int
}

// NewStore creates the cache table if needed and returns a store over db.
func NewStore(db *sql.DB) (*Store, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		inputs_digest TEXT NOT NULL,
		dependency_digest TEXT NOT NULL DEFAULT '',
		output_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_tool_inputs
		ON cache_entries(tool_name, inputs_digest);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return &Store{db: db, hot: make(map[string]*types.CacheEntry)}, nil
}

// Get returns the entry for fingerprint, if any. The returned entry is a
// copy: callers may mutate its Output without corrupting the cached value.
func (s *Store) Get(fingerprint string) (*types.CacheEntry, bool, error) {
	s.mu.RLock()
	if e, ok := s.hot[fingerprint]; ok {
		cp := *e
		cp.Output = cloneOutput(e.Output)
		s.mu.RUnlock()
		s.recordHit()
		return &cp, true, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT tool_name, inputs_digest, dependency_digest, output_json, created_at
		 FROM cache_entries WHERE fingerprint = ?`, fingerprint)

	var e types.CacheEntry
	var outputJSON string
	e.Fingerprint = fingerprint
	err := row.Scan(&e.ToolName, &e.InputsDigest, &e.DependencySnapshotDigest, &outputJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		s.recordMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache read failed: %w", err)
	}
	if err := json.Unmarshal([]byte(outputJSON), &e.Output); err != nil {
		return nil, false, fmt.Errorf("cache entry %s has corrupt output: %w", fingerprint, err)
	}

	s.mu.Lock()
	s.hot[fingerprint] = &e
	s.mu.Unlock()
	s.recordHit()

	cp := e
	cp.Output = cloneOutput(e.Output)
	return &cp, true, nil
}

// Put stores a computed result. Idempotent: replaying the same fingerprint
// keeps the first entry.
func (s *Store) Put(key Key, toolName string, output map[string]any, at time.Time) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to encode cache output for %s: %w", toolName, err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO cache_entries
		 (fingerprint, tool_name, inputs_digest, dependency_digest, output_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.Fingerprint, toolName, key.InputsDigest, key.DependencyDigest, string(outputJSON), at)
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.hot[key.Fingerprint]; !exists {
		s.hot[key.Fingerprint] = &types.CacheEntry{
			Fingerprint:              key.Fingerprint,
			ToolName:                 toolName,
			InputsDigest:             key.InputsDigest,
			DependencySnapshotDigest: key.DependencyDigest,
			Output:                   cloneOutput(output),
			CreatedAt:                at,
		}
	}
	s.mu.Unlock()

	logging.Cache("cached %s result under %s", toolName, key.Fingerprint[:12])
	return nil
}

// GC removes entries for the same tool and inputs whose fingerprint differs
// from the live one. Called after a dependency change produces a fresh
// fingerprint for inputs that already have stale entries.
func (s *Store) GC(toolName, inputsDigest, liveFingerprint string) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM cache_entries
		 WHERE tool_name = ? AND inputs_digest = ? AND fingerprint != ?`,
		toolName, inputsDigest, liveFingerprint)
	if err != nil {
		return 0, fmt.Errorf("cache gc failed: %w", err)
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		s.mu.Lock()
		for fp, e := range s.hot {
			if e.ToolName == toolName && e.InputsDigest == inputsDigest && fp != liveFingerprint {
				delete(s.hot, fp)
			}
		}
		s.mu.Unlock()
		logging.Cache("gc removed %d stale entries for %s", n, toolName)
	}
	return int(n), nil
}

// Stats returns hit/miss counters since startup.
func (s *Store) Stats() (hits, misses int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits, s.misses
}

func (s *Store) recordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Store) recordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

// cloneOutput deep-copies a cached output through its JSON form, the same
// representation it persists under.
func cloneOutput(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
