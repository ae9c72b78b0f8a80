// Package ledger evaluates postcondition checks against tool outputs and
// records the evidence in an append-only SQLite ledger. A failed check is
// evidence, not an error: outcomes are recorded either way, and only
// blocking failures prevent an obligation from resolving.
package ledger

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// Check kinds in the postcondition DSL.
const (
	checkHas      = "has"
	checkNumber   = "number"
	checkNonEmpty = "nonempty"
)

// Ledger is the append-only evidence store.
type Ledger struct {
	db *sql.DB
}

// New ensures the evidence table exists and returns a ledger over db.
func New(db *sql.DB) (*Ledger, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS verification_evidence (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tool_run_id TEXT NOT NULL,
		check_type TEXT NOT NULL,
		expected TEXT NOT NULL,
		actual TEXT NOT NULL,
		passed BOOLEAN NOT NULL,
		blocking BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_run ON verification_evidence(tool_run_id);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create evidence schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Verify evaluates a contract's postconditions against a tool output and
// appends the evidence. VerifyOff contracts produce no evidence; an empty
// postcondition list likewise. The returned slice preserves contract order.
func (l *Ledger) Verify(contract types.ToolContract, toolRunID string, output map[string]any, at time.Time) ([]types.VerificationEvidence, error) {
	mode := contract.VerifyMode
	if mode == "" {
		mode = types.VerifyBlocking
	}
	if mode == types.VerifyOff || len(contract.Postconditions) == 0 {
		return nil, nil
	}

	blocking := mode == types.VerifyBlocking
	evidence := make([]types.VerificationEvidence, 0, len(contract.Postconditions))
	for _, check := range contract.Postconditions {
		ev := evaluate(check, output)
		ev.ToolRunID = toolRunID
		ev.Blocking = blocking
		if err := l.Append(ev, at); err != nil {
			return nil, err
		}
		evidence = append(evidence, ev)

		if !ev.Passed {
			logging.Ledger("check failed for run %s: %s (expected %s, actual %s)",
				toolRunID, ev.CheckType, ev.Expected, ev.Actual)
		}
	}
	return evidence, nil
}

// Append records one piece of evidence. There is no update or delete path.
func (l *Ledger) Append(ev types.VerificationEvidence, at time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO verification_evidence
		 (tool_run_id, check_type, expected, actual, passed, blocking, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ToolRunID, ev.CheckType, ev.Expected, ev.Actual, ev.Passed, ev.Blocking, at)
	if err != nil {
		return fmt.Errorf("failed to append evidence for run %s: %w", ev.ToolRunID, err)
	}
	logging.LedgerDebug("evidence appended: run=%s check=%s passed=%v", ev.ToolRunID, ev.CheckType, ev.Passed)
	return nil
}

// ForRun returns all evidence for a tool run in append order.
func (l *Ledger) ForRun(toolRunID string) ([]types.VerificationEvidence, error) {
	rows, err := l.db.Query(
		`SELECT tool_run_id, check_type, expected, actual, passed, blocking
		 FROM verification_evidence WHERE tool_run_id = ? ORDER BY seq`, toolRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence for run %s: %w", toolRunID, err)
	}
	defer rows.Close()

	var out []types.VerificationEvidence
	for rows.Next() {
		var ev types.VerificationEvidence
		if err := rows.Scan(&ev.ToolRunID, &ev.CheckType, &ev.Expected, &ev.Actual, &ev.Passed, &ev.Blocking); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Passed reports whether every blocking check in the evidence passed.
// Non-blocking failures are recorded but do not gate resolution.
func Passed(evidence []types.VerificationEvidence) bool {
	for _, ev := range evidence {
		if ev.Blocking && !ev.Passed {
			return false
		}
	}
	return true
}

// FailedChecks returns the blocking checks that failed, for escalation
// payloads.
func FailedChecks(evidence []types.VerificationEvidence) []types.VerificationEvidence {
	var failed []types.VerificationEvidence
	for _, ev := range evidence {
		if ev.Blocking && !ev.Passed {
			failed = append(failed, ev)
		}
	}
	return failed
}

// evaluate runs one kind:field check against the output.
func evaluate(check string, output map[string]any) types.VerificationEvidence {
	kind, field, _ := strings.Cut(check, ":")
	ev := types.VerificationEvidence{CheckType: check}

	val, present := output[field]
	switch kind {
	case checkHas:
		ev.Expected = fmt.Sprintf("output has field %q", field)
		ev.Passed = present
		if present {
			ev.Actual = "present"
		} else {
			ev.Actual = "absent"
		}

	case checkNumber:
		ev.Expected = fmt.Sprintf("field %q is a number", field)
		switch val.(type) {
		case float64, float32, int, int64:
			ev.Passed = true
			ev.Actual = fmt.Sprintf("%v", val)
		default:
			ev.Actual = describeValue(val, present)
		}

	case checkNonEmpty:
		ev.Expected = fmt.Sprintf("field %q is non-empty", field)
		ev.Passed = present && !isEmpty(val)
		ev.Actual = describeValue(val, present)

	default:
		// Unknown kinds are rejected at contract load; reaching here means
		// the check bypassed the registry.
		ev.Expected = "known check kind"
		ev.Actual = fmt.Sprintf("unknown kind %q", kind)
	}
	return ev
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case nil:
		return true
	}
	return false
}

func describeValue(v any, present bool) string {
	if !present {
		return "absent"
	}
	return fmt.Sprintf("%T: %v", v, v)
}
