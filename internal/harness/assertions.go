package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Lines    []string // Stored log lines for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Lines) > 0 {
		fmt.Fprintf(&buf, "\nStored log lines:\n")
		for i, l := range e.Lines {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, l)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the stored session.
type AssertionContext struct {
	Store     *store.Store
	Ctx       context.Context
	SessionID string
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(sum Summary, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(sum, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluate(sum Summary, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertStatus:
		return assertStatus(sum, a)
	case AssertCode:
		return assertCode(sum, a)
	case AssertCount:
		return assertCount(sum, a)
	case AssertLogContains:
		return assertLogContains(actx, a)
	case AssertLogOrder:
		return assertLogOrder(sum, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertStatus(sum Summary, a Assertion) error {
	if sum.Status != a.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: a.Status,
			Actual:   sum.Status,
		}
	}
	return nil
}

func assertCode(sum Summary, a Assertion) error {
	if sum.Code != a.Code {
		return &AssertionError{
			Type:     AssertCode,
			Expected: fmt.Sprintf("%q", a.Code),
			Actual:   fmt.Sprintf("%q", sum.Code),
		}
	}
	return nil
}

// counter returns the Summary value a count assertion refers to.
func counter(sum Summary, a Assertion) int64 {
	switch a.Source {
	case SourceMotion:
		return sum.Motion
	case SourceOccluded:
		return sum.Occluded
	case SourceLogs:
		return sum.Logs
	case SourcePartials:
		return sum.Partials
	case SourceOpens:
		return int64(sum.Opens)
	case SourceReconnects:
		return int64(sum.Reconnects)
	case SourceObject:
		return sum.Objects[a.Name]
	case SourceTag:
		return sum.Tags[a.Name]
	}
	return -1
}

func assertCount(sum Summary, a Assertion) error {
	got := counter(sum, a)
	if got != a.Count {
		what := a.Source
		if a.Name != "" {
			what += " " + a.Name
		}
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertLogContains reads the log records back from the store rather than
// the Summary so the partial flag can be checked.
func assertLogContains(actx *AssertionContext, a Assertion) error {
	if actx == nil || actx.Store == nil {
		return fmt.Errorf("log_contains needs a store")
	}
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	logs, err := actx.Store.ReadLogRecords(ctx, actx.SessionID)
	if err != nil {
		return fmt.Errorf("read log records: %w", err)
	}
	for _, r := range logs {
		if r.Line == a.Line && (a.Partial == nil || r.Partial == *a.Partial) {
			return nil
		}
	}

	expected := fmt.Sprintf("log line %q", a.Line)
	if a.Partial != nil {
		expected += fmt.Sprintf(" with partial=%t", *a.Partial)
	}
	return &AssertionError{
		Type:     AssertLogContains,
		Expected: expected,
		Actual:   "not found in store",
		Lines:    lines(logs),
	}
}

// assertLogOrder checks that lines appear in the specified order.
// Lines don't need to be consecutive.
func assertLogOrder(sum Summary, a Assertion) error {
	pos := 0
	for _, want := range a.Lines {
		found := false
		for pos < len(sum.Lines) {
			pos++
			if sum.Lines[pos-1] == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertLogOrder,
				Expected: fmt.Sprintf("lines in order: %q", a.Lines),
				Actual:   fmt.Sprintf("%q missing or out of order", want),
				Lines:    sum.Lines,
			}
		}
	}
	return nil
}

func lines(logs []record.LogRecord) []string {
	out := make([]string, len(logs))
	for i, r := range logs {
		out[i] = r.Line
	}
	return out
}
