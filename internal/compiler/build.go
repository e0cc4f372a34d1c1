package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
	"github.com/roach88/recoll/internal/service"
)

// Service converts a validated definition into a service definition.
// External services are supplied by the caller; they are not part of the
// file format.
func (d *Definition) Service(externals map[string]resource.ExternalService) (service.Definition, error) {
	if errs := Validate(d); len(errs) > 0 {
		return service.Definition{}, fmt.Errorf("invalid definition: %w", errs[0])
	}
	order, _ := orderShared(d.Shared)

	inputs := make(map[string][]ir.Entry, len(d.Inputs))
	for name, entries := range d.Inputs {
		inputs[name] = ir.CopyEntries(entries)
	}

	def := service.Definition{
		InitialData:      inputs,
		Resources:        make(map[string]resource.Builder, len(d.Resources)),
		ExternalServices: externals,
	}
	if len(order) > 0 {
		def.CreateGraph = func(ctx *collection.Context, in collection.Named) (collection.Named, error) {
			named := make(collection.Named, len(in)+len(order))
			for name, c := range in {
				named[name] = c
			}
			shared := make(collection.Named, len(order))
			for _, name := range order {
				c, err := d.Shared[name].build(ctx, named, ir.Object{})
				if err != nil {
					return nil, fmt.Errorf("shared %s: %w", name, err)
				}
				named[name] = c
				shared[name] = c
			}
			return shared, nil
		}
	}
	for name, p := range d.Resources {
		def.Resources[name] = p.builder()
	}
	return def, nil
}

// builder resolves request params over the pipeline's defaults.
func (p Pipeline) builder() resource.Builder {
	return func(params ir.Value) (resource.Resource, error) {
		resolved := ir.Object{}
		for k, v := range p.Params {
			resolved[k] = v
		}
		if params != nil {
			obj, ok := params.(ir.Object)
			if !ok {
				return nil, ir.Errorf(ir.ErrCodeInvalidOperator, p.Name, "params must be an object, got %s", params.Kind())
			}
			for k, v := range obj {
				resolved[k] = v
			}
		}
		return resource.ResourceFunc(func(ctx *collection.Context, named collection.Named) (collection.Eager, error) {
			return p.build(ctx, named, resolved)
		}), nil
	}
}

func (p Pipeline) build(ctx *collection.Context, named collection.Named, params ir.Object) (collection.Eager, error) {
	var (
		cur collection.Eager
		err error
	)
	if p.External != nil {
		cur, err = ctx.UseExternalResource(p.External.Service, p.External.Resource, params)
	} else {
		cur, err = lookup(named, p.From)
	}
	if err != nil {
		return collection.Eager{}, err
	}

	for i, s := range p.Steps {
		cur, err = s.apply(ctx, named, params, cur)
		if err != nil {
			return collection.Eager{}, fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}
	}
	return cur, nil
}

func lookup(named collection.Named, name string) (collection.Eager, error) {
	c, ok := named[name]
	if !ok {
		return collection.Eager{}, ir.Errorf(ir.ErrCodeUnknownCollection, name, "no collection named %q", name)
	}
	return c, nil
}

func (s Step) apply(ctx *collection.Context, named collection.Named, params ir.Object, src collection.Eager) (collection.Eager, error) {
	switch s.Op {
	case "rekey":
		return ctx.Map(src, eachValue(func(key, v ir.Value) []ir.Pair {
			k, ok := field(v, s.Field)
			if !ok {
				return nil
			}
			return []ir.Pair{{Key: k, Value: v}}
		}))

	case "project":
		return ctx.Map(src, eachValue(func(key, v ir.Value) []ir.Pair {
			f, ok := field(v, s.Field)
			if !ok {
				return nil
			}
			return []ir.Pair{{Key: key, Value: f}}
		}))

	case "append":
		text := s.Text
		if s.Param != "" {
			pv, ok := params[s.Param].(ir.String)
			if !ok {
				return collection.Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, s.Param, "param must be a string")
			}
			text = string(pv)
		}
		return ctx.Map(src, eachValue(func(key, v ir.Value) []ir.Pair {
			str, ok := v.(ir.String)
			if !ok {
				str = ir.String(ir.Format(v))
			}
			return []ir.Pair{{Key: key, Value: str + ir.String(text)}}
		}))

	case "filter":
		want := s.Equals
		if s.Param != "" {
			want = params[s.Param]
		}
		return ctx.Map(src, eachValue(func(key, v ir.Value) []ir.Pair {
			got := v
			if s.Field != "" {
				f, ok := field(v, s.Field)
				if !ok {
					return nil
				}
				got = f
			}
			if !ir.Equal(got, want) {
				return nil
			}
			return []ir.Pair{{Key: key, Value: v}}
		}))

	case "flatten":
		return ctx.Map(src, eachValue(func(key, v ir.Value) []ir.Pair {
			arr, ok := v.(ir.Array)
			if !ok {
				return []ir.Pair{{Key: key, Value: v}}
			}
			out := make([]ir.Pair, len(arr))
			for i, elem := range arr {
				out[i] = ir.Pair{Key: key, Value: elem}
			}
			return out
		}))

	case "join":
		other, err := lookup(named, s.With[0])
		if err != nil {
			return collection.Eager{}, err
		}
		return ctx.Map(src, collection.MapperFunc(
			func(c *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
				joined, err := c.GetArray(other, key)
				if err != nil {
					return nil, err
				}
				right := ir.Array(ir.CopyAll(joined))
				if right == nil {
					right = ir.Array{}
				}
				out := make([]ir.Pair, len(values))
				for i, v := range values {
					out[i] = ir.Pair{Key: key, Value: ir.Object{"value": ir.Copy(v), "joined": right}}
				}
				return out, nil
			}))

	case "reduce":
		r, ok := collection.NativeByName(s.Reducer)
		if !ok {
			return collection.Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, s.Reducer, "unknown reducer")
		}
		return ctx.Reduce(src, r)

	case "merge":
		others := make([]collection.Eager, len(s.With))
		for i, name := range s.With {
			c, err := lookup(named, name)
			if err != nil {
				return collection.Eager{}, err
			}
			others[i] = c
		}
		return ctx.Merge(src, others...)

	case "slice":
		return ctx.Slice(src, s.Start, s.End)

	case "take":
		limit := s.Limit
		if s.Param != "" {
			n, ok := params[s.Param].(ir.Int)
			if !ok {
				return collection.Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, s.Param, "param must be an integer")
			}
			limit = int(n)
		}
		return ctx.Take(src, limit)
	}
	return collection.Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, s.Op, "unknown op (want one of %s)", strings.Join(stepOps, ", "))
}

// eachValue builds a mapper applying fn to every value of a key.
func eachValue(fn func(key, v ir.Value) []ir.Pair) collection.Mapper {
	return collection.MapperFunc(func(_ *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
		var out []ir.Pair
		for _, v := range values {
			out = append(out, fn(key, v)...)
		}
		return out, nil
	})
}

func field(v ir.Value, name string) (ir.Value, bool) {
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, false
	}
	f, ok := obj[name]
	return f, ok
}
