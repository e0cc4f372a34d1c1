package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/service"
	"github.com/roach88/recoll/internal/store"
	"github.com/roach88/recoll/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventUpdate:
				fmt.Fprintf(&buf, "  [%d] step %d %s @%s %s\n", event.Seq, event.Step, event.Instance,
					event.Watermark, formatEntries(event.Values))
			case EventError:
				fmt.Fprintf(&buf, "  [%d] step %d error %s\n", event.Seq, event.Step, event.Code)
			default:
				fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", event.Seq, event.Step, event.Type, event.Instance)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides the live state assertions are evaluated against.
type AssertionContext struct {
	Service *service.Service
	Store   *store.Store // nil unless the scenario journals
	Subs    map[string]*testutil.Recorder
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertCollection:
			err = assertCollection(actx, assertion)
		case AssertResource:
			err = assertResource(actx, assertion)
		case AssertSubscriber:
			err = assertSubscriber(result.Trace, actx, assertion)
		case AssertUpdateCount:
			err = assertUpdateCount(result.Trace, assertion)
		case AssertVersion:
			err = assertCount(AssertVersion, int(actx.Service.Version()), assertion.Count)
		case AssertJournalCount:
			if actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: journal_count requires a journal", i)
				break
			}
			n, cerr := actx.Store.Count(actx.Ctx)
			if cerr != nil {
				err = fmt.Errorf("assertion[%d]: %w", i, cerr)
				break
			}
			err = assertCount(AssertJournalCount, n, assertion.Count)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

func assertCollection(actx *AssertionContext, a Assertion) error {
	got, err := actx.Service.Entries(a.Collection)
	if err != nil {
		return fmt.Errorf("collection %s: %w", a.Collection, err)
	}
	return compareEntries(AssertCollection, a.Expect, got, nil)
}

func assertResource(actx *AssertionContext, a Assertion) error {
	params, err := toParams(a.Params)
	if err != nil {
		return err
	}
	got, err := actx.Service.GetAll(actx.Ctx, a.Resource, params)
	if err != nil {
		return fmt.Errorf("resource %s: %w", a.Resource, err)
	}
	return compareEntries(AssertResource, a.Expect, got, nil)
}

// assertSubscriber checks the state a subscriber reconstructs by folding
// its updates.
func assertSubscriber(trace []TraceEvent, actx *AssertionContext, a Assertion) error {
	rec, ok := actx.Subs[a.Instance]
	if !ok {
		return &AssertionError{
			Type:     AssertSubscriber,
			Expected: fmt.Sprintf("a subscriber on %s", a.Instance),
			Actual:   "never subscribed",
		}
	}
	got, err := rec.State()
	if err != nil {
		return fmt.Errorf("subscriber %s: %w", a.Instance, err)
	}
	return compareEntries(AssertSubscriber, a.Expect, got, trace)
}

func assertUpdateCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, event := range trace {
		if event.Type == EventUpdate && event.Instance == a.Instance {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertUpdateCount,
			Expected: fmt.Sprintf("%d updates on %s", a.Count, a.Instance),
			Actual:   fmt.Sprintf("%d updates", n),
			Trace:    trace,
		}
	}
	return nil
}

func assertCount(typ string, got, want int) error {
	if got != want {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprint(want),
			Actual:   fmt.Sprint(got),
		}
	}
	return nil
}

// compareEntries requires got to match the expected entries exactly, in
// key order, with values compared as sequences.
func compareEntries(typ string, expect []any, got []ir.Entry, trace []TraceEvent) error {
	want, err := toEntries(expect)
	if err != nil {
		return err
	}
	if !entriesEqual(want, got) {
		return &AssertionError{
			Type:     typ,
			Expected: formatEntries(want),
			Actual:   formatEntries(got),
			Trace:    trace,
		}
	}
	return nil
}

func entriesEqual(a, b []ir.Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ir.Equal(a[i].Key, b[i].Key) || !ir.EqualValues(a[i].Values, b[i].Values) {
			return false
		}
	}
	return true
}

func formatEntries(entries []ir.Entry) string {
	return ir.Format(ir.EntriesToValue(entries))
}
