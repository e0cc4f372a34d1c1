package harness

import (
	"github.com/roach88/recoll/internal/ir"
)

// Trace event types.
const (
	EventUpdate = "update"
	EventError  = "error"
	EventClosed = "closed"
)

// TraceEvent is one observable effect of a scenario step.
type TraceEvent struct {
	Seq       int          `json:"seq"`
	Step      int          `json:"step"`
	Type      string       `json:"type"`
	Instance  string       `json:"instance,omitempty"`
	Watermark ir.Watermark `json:"watermark,omitempty"`
	Initial   bool         `json:"initial,omitempty"`
	Values    []ir.Entry   `json:"values,omitempty"`
	Code      string       `json:"code,omitempty"`
}

// toValue converts the event to a Json object for canonical serialization.
// Zero-valued optional fields are omitted.
func (e TraceEvent) toValue() ir.Object {
	obj := ir.Object{
		"seq":  ir.Int(e.Seq),
		"step": ir.Int(e.Step),
		"type": ir.String(e.Type),
	}
	if e.Instance != "" {
		obj["instance"] = ir.String(e.Instance)
	}
	if e.Watermark != "" {
		obj["watermark"] = ir.String(string(e.Watermark))
	}
	if e.Type == EventUpdate {
		obj["initial"] = ir.Bool(e.Initial)
		obj["values"] = ir.EntriesToValue(e.Values)
	}
	if e.Code != "" {
		obj["code"] = ir.String(e.Code)
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace holds the delivered updates and expected errors in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(e TraceEvent) {
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
}
