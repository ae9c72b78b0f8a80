package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"maestro/internal/store"
	"maestro/internal/types"
)

// Builtins wires the shipped tool implementations. The ID source and clock
// are injectable so runs are reproducible under test.
type Builtins struct {
	Store *store.BackingStore
	NewID func() string
	Now   func() time.Time
}

// RegisterAll registers every builtin implementation on r. EvalMathSlow
// shares the EvalMath evaluator; only its contract attributes differ.
func (b *Builtins) RegisterAll(r *Runner) {
	r.Register(&ToolFunc{ToolName: "EvalMath", Fn: b.evalMath})
	r.Register(&ToolFunc{ToolName: "EvalMathSlow", Fn: b.evalMath})
	r.Register(&ToolFunc{ToolName: "TextOps.CountLetters", Fn: b.countLetters})
	r.Register(&ToolFunc{ToolName: "PeopleSQL", Fn: b.peopleSQL})
	r.Register(&ToolFunc{ToolName: "Memory.Read", Fn: b.memoryRead})
	r.Register(&ToolFunc{ToolName: "Memory.Save", Fn: b.memorySave})
	r.Register(&ToolFunc{ToolName: "Flow.Sequence", Fn: b.flowSequence})
}

func (b *Builtins) evalMath(_ context.Context, inputs map[string]any) (map[string]any, error) {
	expr, ok := inputs["expression"].(string)
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression must be a non-empty string")
	}
	val, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": val, "expression": expr}, nil
}

func (b *Builtins) countLetters(_ context.Context, inputs map[string]any) (map[string]any, error) {
	letter, _ := inputs["letter"].(string)
	word, _ := inputs["word"].(string)
	if len([]rune(letter)) != 1 {
		return nil, fmt.Errorf("letter must be exactly one character")
	}
	if word == "" {
		return nil, fmt.Errorf("word must be non-empty")
	}
	count := strings.Count(word, letter)
	return map[string]any{"count": float64(count), "letter": letter, "word": word}, nil
}

func (b *Builtins) peopleSQL(_ context.Context, inputs map[string]any) (map[string]any, error) {
	rawFilters, _ := inputs["filters"].([]any)
	filters := make([]store.PersonFilter, 0, len(rawFilters))
	for i, rf := range rawFilters {
		fm, ok := rf.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("filter %d must be an object", i)
		}
		var f store.PersonFilter
		if city, ok := fm["city"].(string); ok {
			f.City = city
		}
		if friend, ok := fm["is_friend"].(bool); ok {
			f.IsFriend = &friend
		}
		filters = append(filters, f)
	}

	people, err := b.Store.QueryPeople(filters)
	if err != nil {
		return nil, err
	}

	rows := make([]any, len(people))
	for i, p := range people {
		rows[i] = map[string]any{"id": p.ID, "name": p.Name, "city": p.City}
	}
	return map[string]any{"people": rows, "count": float64(len(people))}, nil
}

func (b *Builtins) memoryRead(_ context.Context, inputs map[string]any) (map[string]any, error) {
	subject, field, err := memoryTarget(inputs)
	if err != nil {
		return nil, err
	}
	fact, ok, err := b.Store.ReadFact(subject, field)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &FactNotFoundError{Subject: subject, Field: field}
	}
	return map[string]any{"subject": subject, "field": field, "value": fact.Object}, nil
}

func (b *Builtins) memorySave(_ context.Context, inputs map[string]any) (map[string]any, error) {
	subject, field, err := memoryTarget(inputs)
	if err != nil {
		return nil, err
	}
	raw, present := inputs["value"]
	if !present {
		return nil, fmt.Errorf("value is required")
	}
	value := fmt.Sprintf("%v", raw)

	assertion := types.Assertion{
		ID:         b.NewID(),
		SubjectID:  subject,
		Predicate:  field,
		Object:     value,
		Confidence: 1.0,
		SourceID:   "Memory.Save",
		CreatedAt:  b.Now(),
	}
	if err := b.Store.AppendAssertion(assertion); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "subject": subject, "field": field, "value": value}, nil
}

// flowSequence echoes its declared steps back as an executable plan. The
// conductor expands the plan into child obligations in step order.
func (b *Builtins) flowSequence(_ context.Context, inputs map[string]any) (map[string]any, error) {
	steps, ok := inputs["steps"].([]any)
	if !ok || len(steps) == 0 {
		return nil, fmt.Errorf("steps must be a non-empty list")
	}
	return map[string]any{
		"plan":  map[string]any{"steps": steps},
		"count": float64(len(steps)),
	}, nil
}

func memoryTarget(inputs map[string]any) (subject, field string, err error) {
	subject, _ = inputs["subject"].(string)
	if subject == "" {
		subject = "status"
	}
	field, _ = inputs["field"].(string)
	if field == "" {
		return "", "", fmt.Errorf("field is required")
	}
	return subject, field, nil
}
