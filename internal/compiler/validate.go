package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/recoll/internal/collection"
)

// Validation error codes (E100-E199)
const (
	ErrUnknownSource    = "E101" // from/with names no collection
	ErrUnknownOp        = "E102" // step op is not recognised
	ErrMissingStepField = "E103" // required step field is absent
	ErrUnknownReducer   = "E104" // reducer is not a built-in
	ErrDuplicateName    = "E105" // shared name collides with an input
	ErrInvalidSource    = "E106" // neither or both of from and external
	ErrSharedCycle      = "E107" // shared collections depend on each other
	ErrUnknownParam     = "E108" // step param has no default in params
	ErrExternalInShared = "E109" // shared collections cannot use external feeds
)

// ValidationError represents a definition validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var stepOps = []string{"append", "filter", "flatten", "join", "merge", "project", "reduce", "rekey", "slice", "take"}

// Validate checks a compiled definition. Returns all errors found (does not
// fail-fast), in a deterministic order.
func Validate(def *Definition) []ValidationError {
	var errs []ValidationError

	for _, name := range sortedKeys(def.Shared) {
		if _, ok := def.Inputs[name]; ok {
			errs = append(errs, ValidationError{
				Field:   "shared." + name,
				Message: fmt.Sprintf("%q is already an input collection", name),
				Code:    ErrDuplicateName,
				Line:    def.Shared[name].Pos.Line(),
			})
		}
	}

	// Shared pipelines see inputs and other shared collections; resources
	// see both, but never each other.
	visible := make(map[string]bool)
	for name := range def.Inputs {
		visible[name] = true
	}
	for name := range def.Shared {
		visible[name] = true
	}

	for _, name := range sortedKeys(def.Shared) {
		p := def.Shared[name]
		if p.External != nil {
			errs = append(errs, ValidationError{
				Field:   "shared." + name + ".external",
				Message: "external feeds belong to resources",
				Code:    ErrExternalInShared,
				Line:    p.Pos.Line(),
			})
		}
		errs = append(errs, validatePipeline("shared."+name, p, visible)...)
	}
	for _, name := range sortedKeys(def.Resources) {
		errs = append(errs, validatePipeline("resources."+name, def.Resources[name], visible)...)
	}

	if _, cycles := orderShared(def.Shared); len(cycles) > 0 {
		for _, path := range cycles {
			errs = append(errs, ValidationError{
				Field:   "shared",
				Message: "cycle: " + strings.Join(path, " → "),
				Code:    ErrSharedCycle,
			})
		}
	}
	return errs
}

func validatePipeline(field string, p Pipeline, visible map[string]bool) []ValidationError {
	var errs []ValidationError
	add := func(f, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Field:   f,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
			Line:    p.Pos.Line(),
		})
	}

	switch {
	case p.From == "" && p.External == nil:
		add(field, ErrInvalidSource, "one of from or external is required")
	case p.From != "" && p.External != nil:
		add(field, ErrInvalidSource, "from and external are mutually exclusive")
	case p.From != "" && !visible[p.From]:
		add(field+".from", ErrUnknownSource, "no collection named %q", p.From)
	}

	for i, s := range p.Steps {
		sf := fmt.Sprintf("%s.steps[%d]", field, i)
		if !slices.Contains(stepOps, s.Op) {
			add(sf+".op", ErrUnknownOp, "unknown op %q", s.Op)
			continue
		}
		if s.Param != "" {
			if _, ok := p.Params[s.Param]; !ok {
				add(sf+".param", ErrUnknownParam, "param %q has no default in params", s.Param)
			}
		}
		switch s.Op {
		case "rekey", "project":
			if s.Field == "" {
				add(sf+".field", ErrMissingStepField, "%s requires field", s.Op)
			}
		case "append":
			if s.Text == "" && s.Param == "" {
				add(sf, ErrMissingStepField, "append requires text or param")
			}
		case "filter":
			if s.Equals == nil && s.Param == "" {
				add(sf, ErrMissingStepField, "filter requires equals or param")
			}
		case "join", "merge":
			if len(s.With) == 0 {
				add(sf+".with", ErrMissingStepField, "%s requires with", s.Op)
			}
			for _, w := range s.With {
				if !visible[w] {
					add(sf+".with", ErrUnknownSource, "no collection named %q", w)
				}
			}
		case "reduce":
			if _, ok := collection.NativeByName(s.Reducer); !ok {
				add(sf+".reducer", ErrUnknownReducer, "unknown reducer %q (want sum, count, min or max)", s.Reducer)
			}
		case "slice":
			if s.Start == nil || s.End == nil {
				add(sf, ErrMissingStepField, "slice requires start and end")
			}
		case "take":
			if s.Limit <= 0 && s.Param == "" {
				add(sf+".limit", ErrMissingStepField, "take requires a positive limit or param")
			}
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
