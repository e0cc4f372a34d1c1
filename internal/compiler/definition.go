package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/recoll/internal/ir"
)

// Definition is a compiled service definition.
type Definition struct {
	Inputs    map[string][]ir.Entry
	Shared    map[string]Pipeline
	Resources map[string]Pipeline
}

// Pipeline derives one collection from a source through steps.
type Pipeline struct {
	Name     string
	From     string
	External *ExternalRef
	Params   ir.Object
	Steps    []Step
	Pos      token.Pos
}

// ExternalRef names an external feed used as a pipeline source.
type ExternalRef struct {
	Service  string
	Resource string
}

// Step is one operator application.
type Step struct {
	Op      string
	Field   string
	Text    string
	Param   string
	Equals  ir.Value
	With    []string
	Reducer string
	Start   ir.Value
	End     ir.Value
	Limit   int
	Pos     token.Pos
}

// CompileDefinition parses a CUE value into a Definition.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`inputs: users: [{key: 1, value: "Alice"}]`)
//	def, err := CompileDefinition(v)
func CompileDefinition(v cue.Value) (*Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{
		Inputs:    make(map[string][]ir.Entry),
		Shared:    make(map[string]Pipeline),
		Resources: make(map[string]Pipeline),
	}

	inputs := v.LookupPath(cue.ParsePath("inputs"))
	if inputs.Exists() {
		iter, err := inputs.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			entries, err := parseEntries(iter.Value())
			if err != nil {
				return nil, err
			}
			def.Inputs[iter.Label()] = entries
		}
	}

	for _, section := range []struct {
		path string
		into map[string]Pipeline
	}{
		{"shared", def.Shared},
		{"resources", def.Resources},
	} {
		sv := v.LookupPath(cue.ParsePath(section.path))
		if !sv.Exists() {
			continue
		}
		iter, err := sv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			name := iter.Label()
			p, err := parsePipeline(name, iter.Value())
			if err != nil {
				return nil, err
			}
			section.into[name] = p
		}
	}

	if len(def.Inputs) == 0 && len(def.Resources) == 0 {
		return nil, &CompileError{
			Field:   "definition",
			Message: "at least one input or resource is required",
			Pos:     v.Pos(),
		}
	}
	return def, nil
}

// parseEntries accepts a list of {key, value} or {key, values} structs.
func parseEntries(v cue.Value) ([]ir.Entry, error) {
	list, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: "inputs", Message: "entries must be a list", Pos: v.Pos()}
	}
	entries := []ir.Entry{}
	for list.Next() {
		ev := list.Value()
		keyVal := ev.LookupPath(cue.ParsePath("key"))
		if !keyVal.Exists() {
			return nil, &CompileError{Field: "key", Message: "entry key is required", Pos: ev.Pos()}
		}
		key, err := toValue(keyVal)
		if err != nil {
			return nil, err
		}
		e := ir.Entry{Key: key, Values: []ir.Value{}}

		if one := ev.LookupPath(cue.ParsePath("value")); one.Exists() {
			val, err := toValue(one)
			if err != nil {
				return nil, err
			}
			e.Values = append(e.Values, val)
		}
		if many := ev.LookupPath(cue.ParsePath("values")); many.Exists() {
			arr, err := toValue(many)
			if err != nil {
				return nil, err
			}
			vals, ok := arr.(ir.Array)
			if !ok {
				return nil, &CompileError{Field: "values", Message: "values must be a list", Pos: many.Pos()}
			}
			e.Values = append(e.Values, vals...)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parsePipeline(name string, v cue.Value) (Pipeline, error) {
	p := Pipeline{Name: name, Params: ir.Object{}, Pos: v.Pos()}

	if from := v.LookupPath(cue.ParsePath("from")); from.Exists() {
		s, err := from.String()
		if err != nil {
			return Pipeline{}, &CompileError{Field: "from", Message: "from must be a collection name", Pos: from.Pos()}
		}
		p.From = s
	}

	if ext := v.LookupPath(cue.ParsePath("external")); ext.Exists() {
		svc, err := ext.LookupPath(cue.ParsePath("service")).String()
		if err != nil {
			return Pipeline{}, &CompileError{Field: "external.service", Message: "service is required", Pos: ext.Pos()}
		}
		res, err := ext.LookupPath(cue.ParsePath("resource")).String()
		if err != nil {
			return Pipeline{}, &CompileError{Field: "external.resource", Message: "resource is required", Pos: ext.Pos()}
		}
		p.External = &ExternalRef{Service: svc, Resource: res}
	}

	if params := v.LookupPath(cue.ParsePath("params")); params.Exists() {
		pv, err := toValue(params)
		if err != nil {
			return Pipeline{}, err
		}
		obj, ok := pv.(ir.Object)
		if !ok {
			return Pipeline{}, &CompileError{Field: "params", Message: "params must be a struct", Pos: params.Pos()}
		}
		p.Params = obj
	}

	steps := v.LookupPath(cue.ParsePath("steps"))
	if steps.Exists() {
		iter, err := steps.List()
		if err != nil {
			return Pipeline{}, &CompileError{Field: "steps", Message: "steps must be a list", Pos: steps.Pos()}
		}
		for iter.Next() {
			s, err := parseStep(iter.Value())
			if err != nil {
				return Pipeline{}, err
			}
			p.Steps = append(p.Steps, s)
		}
	}
	return p, nil
}

func parseStep(v cue.Value) (Step, error) {
	s := Step{Pos: v.Pos()}
	op, err := v.LookupPath(cue.ParsePath("op")).String()
	if err != nil {
		return Step{}, &CompileError{Field: "op", Message: "step op is required", Pos: v.Pos()}
	}
	s.Op = op

	for _, f := range []struct {
		name string
		into *string
	}{
		{"field", &s.Field},
		{"text", &s.Text},
		{"param", &s.Param},
		{"reducer", &s.Reducer},
	} {
		fv := v.LookupPath(cue.ParsePath(f.name))
		if !fv.Exists() {
			continue
		}
		str, err := fv.String()
		if err != nil {
			return Step{}, &CompileError{Field: f.name, Message: f.name + " must be a string", Pos: fv.Pos()}
		}
		*f.into = str
	}

	for _, f := range []struct {
		name string
		into *ir.Value
	}{
		{"equals", &s.Equals},
		{"start", &s.Start},
		{"end", &s.End},
	} {
		fv := v.LookupPath(cue.ParsePath(f.name))
		if !fv.Exists() {
			continue
		}
		val, err := toValue(fv)
		if err != nil {
			return Step{}, err
		}
		*f.into = val
	}

	if with := v.LookupPath(cue.ParsePath("with")); with.Exists() {
		if str, err := with.String(); err == nil {
			s.With = []string{str}
		} else {
			iter, err := with.List()
			if err != nil {
				return Step{}, &CompileError{Field: "with", Message: "with must be a name or a list of names", Pos: with.Pos()}
			}
			for iter.Next() {
				str, err := iter.Value().String()
				if err != nil {
					return Step{}, &CompileError{Field: "with", Message: "with must be a name or a list of names", Pos: iter.Value().Pos()}
				}
				s.With = append(s.With, str)
			}
		}
	}

	if limit := v.LookupPath(cue.ParsePath("limit")); limit.Exists() {
		n, err := limit.Int64()
		if err != nil {
			return Step{}, &CompileError{Field: "limit", Message: "limit must be an integer", Pos: limit.Pos()}
		}
		s.Limit = int(n)
	}
	return s, nil
}

// toValue converts a concrete CUE value to a Json value. Disjunctions
// resolve to their default.
func toValue(v cue.Value) (ir.Value, error) {
	if d, ok := v.Default(); ok {
		v = d
	}
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	switch v.Kind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Float(f), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.Array{}
		for iter.Next() {
			elem, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.Object{}
		for iter.Next() {
			field, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = field
		}
		return obj, nil
	default:
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("value must be concrete, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

// String renders the step as op followed by its set fields, e.g.
// "filter field=status equals=\"open\"".
func (s Step) String() string {
	parts := []string{s.Op}
	add := func(name, value string) {
		parts = append(parts, name+"="+value)
	}
	if s.Field != "" {
		add("field", s.Field)
	}
	if s.Text != "" {
		add("text", strconv.Quote(s.Text))
	}
	if s.Param != "" {
		add("param", s.Param)
	}
	if s.Equals != nil {
		add("equals", ir.Format(s.Equals))
	}
	if len(s.With) > 0 {
		add("with", strings.Join(s.With, ","))
	}
	if s.Reducer != "" {
		add("reducer", s.Reducer)
	}
	if s.Start != nil {
		add("start", ir.Format(s.Start))
	}
	if s.End != nil {
		add("end", ir.Format(s.End))
	}
	if s.Op == "take" && s.Param == "" {
		add("limit", strconv.Itoa(s.Limit))
	}
	return strings.Join(parts, " ")
}

// Source renders where the pipeline reads from: a collection name or
// "service/resource" for an external feed.
func (p Pipeline) Source() string {
	if p.External != nil {
		return p.External.Service + "/" + p.External.Resource
	}
	return p.From
}
