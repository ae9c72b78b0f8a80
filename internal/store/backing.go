// Package store provides the SQLite backing store for maestro: obligations,
// assertions, events, tool run records, and the people dataset queried by
// the SQL tool. All record tables are append-only; facts are superseded by
// newer assertions, never rewritten.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling and a busy timeout suitable for concurrent readers.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to store %s: %w", path, err)
	}
	logging.Store("opened backing store at %s", path)
	return db, nil
}

// Person is one row of the people dataset.
type Person struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	City     string `json:"city"`
	IsFriend bool   `json:"is_friend"`
}

// PersonFilter narrows a people query. Zero-value fields do not filter.
type PersonFilter struct {
	City     string
	IsFriend *bool
}

// BackingStore persists conductor state. Thread-safe.
type BackingStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewBackingStore ensures the schema exists and returns a store over db.
func NewBackingStore(db *sql.DB) (*BackingStore, error) {
	bs := &BackingStore{db: db}
	if err := bs.ensureSchema(); err != nil {
		logging.StoreError("failed to ensure backing schema: %v", err)
		return nil, fmt.Errorf("failed to ensure backing schema: %w", err)
	}
	logging.Store("backing store initialized")
	return bs, nil
}

func (bs *BackingStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assertions (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object TEXT NOT NULL,
		confidence REAL NOT NULL,
		source_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload_json TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_runs (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		obligation_id TEXT NOT NULL,
		inputs_json TEXT NOT NULL,
		outputs_json TEXT,
		status TEXT NOT NULL,
		cache_hit BOOLEAN NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS people (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		city TEXT NOT NULL,
		is_friend BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_assertions_subject ON assertions(subject_id, predicate, created_at);
	CREATE INDEX IF NOT EXISTS idx_obligations_parent ON obligations(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tool_runs_obligation ON tool_runs(obligation_id);
	CREATE INDEX IF NOT EXISTS idx_people_city ON people(city);
	`
	_, err := bs.db.Exec(schema)
	return err
}

// ========== Obligations ==========

// AppendObligation records a new obligation.
func (bs *BackingStore) AppendObligation(o types.Obligation) error {
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode obligation payload: %w", err)
	}
	_, err = bs.db.Exec(
		`INSERT INTO obligations (id, type, payload_json, status, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.Type), string(payload), string(o.Status), nullable(o.ParentID), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append obligation %s: %w", o.ID, err)
	}
	logging.StoreDebug("appended obligation %s (%s)", o.ID, o.Type)
	return nil
}

// SetObligationStatus moves an obligation to a terminal or escalated state.
// Terminal states are write-once: a resolved, failed, or truncated
// obligation cannot change status again.
func (bs *BackingStore) SetObligationStatus(id string, status types.ObligationStatus) error {
	res, err := bs.db.Exec(
		`UPDATE obligations SET status = ?
		 WHERE id = ? AND status NOT IN ('resolved', 'failed', 'truncated')`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update obligation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("obligation %s is terminal or unknown", id)
	}
	return nil
}

// GetObligation fetches one obligation by ID.
func (bs *BackingStore) GetObligation(id string) (types.Obligation, error) {
	row := bs.db.QueryRow(
		`SELECT id, type, payload_json, status, COALESCE(parent_id, ''), created_at
		 FROM obligations WHERE id = ?`, id)

	var o types.Obligation
	var typ, status, payloadJSON string
	if err := row.Scan(&o.ID, &typ, &payloadJSON, &status, &o.ParentID, &o.CreatedAt); err != nil {
		return types.Obligation{}, fmt.Errorf("obligation %s not found: %w", id, err)
	}
	o.Type = types.ObligationType(typ)
	o.Status = types.ObligationStatus(status)
	if err := json.Unmarshal([]byte(payloadJSON), &o.Payload); err != nil {
		return types.Obligation{}, fmt.Errorf("obligation %s has corrupt payload: %w", id, err)
	}
	return o, nil
}

// ========== Assertions ==========

// AppendAssertion records a derived fact. Append-only; the latest assertion
// for a (subject, predicate) pair supersedes older ones at read time.
func (bs *BackingStore) AppendAssertion(a types.Assertion) error {
	_, err := bs.db.Exec(
		`INSERT INTO assertions (id, subject_id, predicate, object, confidence, source_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubjectID, a.Predicate, a.Object, a.Confidence, a.SourceID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append assertion %s: %w", a.ID, err)
	}
	logging.StoreDebug("appended assertion %s: %s %s %s", a.ID, a.SubjectID, a.Predicate, a.Object)
	return nil
}

// ReadFact returns the newest assertion for (subject, predicate), if any.
func (bs *BackingStore) ReadFact(subjectID, predicate string) (types.Assertion, bool, error) {
	row := bs.db.QueryRow(
		`SELECT id, subject_id, predicate, object, confidence, source_id, created_at
		 FROM assertions
		 WHERE subject_id = ? AND predicate = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		subjectID, predicate)

	var a types.Assertion
	err := row.Scan(&a.ID, &a.SubjectID, &a.Predicate, &a.Object, &a.Confidence, &a.SourceID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return types.Assertion{}, false, nil
	}
	if err != nil {
		return types.Assertion{}, false, fmt.Errorf("failed to read fact %s/%s: %w", subjectID, predicate, err)
	}
	return a, true, nil
}

// AssertionsBySource returns all assertions derived from one source (e.g. a
// tool run), oldest first.
func (bs *BackingStore) AssertionsBySource(sourceID string) ([]types.Assertion, error) {
	rows, err := bs.db.Query(
		`SELECT id, subject_id, predicate, object, confidence, source_id, created_at
		 FROM assertions WHERE source_id = ? ORDER BY created_at, id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assertions for %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []types.Assertion
	for rows.Next() {
		var a types.Assertion
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.Predicate, &a.Object, &a.Confidence, &a.SourceID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ========== Events ==========

// AppendEvent records an occurrence (request intake, escalation, budget
// abort).
func (bs *BackingStore) AppendEvent(e types.Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
	}
	_, err := bs.db.Exec(
		`INSERT INTO events (id, kind, payload_json, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Kind, nullable(string(payload)), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", e.ID, err)
	}
	return nil
}

// ========== Tool runs ==========

// AppendToolRun records one dispatch attempt, cache hits included.
func (bs *BackingStore) AppendToolRun(r types.ToolRunRecord, at time.Time) error {
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode run inputs: %w", err)
	}
	var outputs []byte
	if r.Outputs != nil {
		outputs, err = json.Marshal(r.Outputs)
		if err != nil {
			return fmt.Errorf("failed to encode run outputs: %w", err)
		}
	}
	_, err = bs.db.Exec(
		`INSERT INTO tool_runs (id, tool_name, obligation_id, inputs_json, outputs_json, status, cache_hit, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ToolName, r.ObligationID, string(inputs), nullable(string(outputs)),
		string(r.Status), r.CacheHit, r.DurationMS, at)
	if err != nil {
		return fmt.Errorf("failed to append tool run %s: %w", r.ID, err)
	}
	logging.StoreDebug("appended tool run %s (%s, cache_hit=%v)", r.ID, r.ToolName, r.CacheHit)
	return nil
}

// ========== People ==========

// SeedPeople inserts the dataset rows, ignoring duplicates, so repeated
// startups are idempotent.
func (bs *BackingStore) SeedPeople(people []Person) error {
	tx, err := bs.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO people (id, name, city, is_friend) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range people {
		if _, err := stmt.Exec(p.ID, p.Name, p.City, p.IsFriend); err != nil {
			return fmt.Errorf("failed to seed person %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("seeded %d people", len(people))
	return nil
}

// QueryPeople returns people matching every filter, ordered by ID for
// deterministic results.
func (bs *BackingStore) QueryPeople(filters []PersonFilter) ([]Person, error) {
	query := `SELECT id, name, city, is_friend FROM people`
	var clauses []string
	var args []any
	for _, f := range filters {
		if f.City != "" {
			clauses = append(clauses, "city = ?")
			args = append(args, f.City)
		}
		if f.IsFriend != nil {
			clauses = append(clauses, "is_friend = ?")
			args = append(args, *f.IsFriend)
		}
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := bs.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("people query failed: %w", err)
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		var p Person
		if err := rows.Scan(&p.ID, &p.Name, &p.City, &p.IsFriend); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DefaultPeople is the dataset shipped for the SQL tool.
func DefaultPeople() []Person {
	return []Person{
		{ID: "E3", Name: "Alice Smith", City: "Seattle", IsFriend: true},
		{ID: "E4", Name: "Bob Johnson", City: "Seattle", IsFriend: true},
		{ID: "E5", Name: "Charlie Brown", City: "Portland", IsFriend: false},
	}
}

// nullable converts "" to a SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
