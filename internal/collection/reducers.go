package collection

import (
	"math"

	"github.com/roach88/recoll/internal/ir"
)

// Built-in reducers. They are NativeReducers and never take a handle.
var (
	Sum   NativeReducer = sumReducer{}
	Count NativeReducer = countReducer{}
	Min   NativeReducer = extremumReducer{name: "min", sign: -1}
	Max   NativeReducer = extremumReducer{name: "max", sign: 1}
)

// NativeByName resolves a built-in reducer by name.
func NativeByName(name string) (NativeReducer, bool) {
	switch name {
	case "sum":
		return Sum, true
	case "count":
		return Count, true
	case "min":
		return Min, true
	case "max":
		return Max, true
	}
	return nil, false
}

type sumReducer struct{}

func (sumReducer) NativeName() string { return "sum" }
func (sumReducer) Initial() ir.Value { return ir.Int(0) }

func (sumReducer) Add(acc, value ir.Value) (ir.Value, error) {
	return addNumbers(acc, value)
}

// Remove is exact on Ints only. Float addition does not invert, and an
// accumulator turned Float by a removed value must go back to Int, so any
// Float operand asks for a recompute.
func (sumReducer) Remove(acc, value ir.Value) (ir.Value, bool, error) {
	a, ok := acc.(ir.Int)
	if !ok {
		return acc, false, nil
	}
	v, ok := value.(ir.Int)
	if !ok {
		return acc, false, nil
	}
	out, err := subInts(a, v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// addNumbers computes acc + value. Int stays Int; any Float operand makes
// the result Float. Int overflow fails INVALID_OPERATOR.
func addNumbers(acc, value ir.Value) (ir.Value, error) {
	if acc == nil {
		acc = ir.Int(0)
	}
	switch a := acc.(type) {
	case ir.Int:
		switch v := value.(type) {
		case ir.Int:
			return addInts(a, v)
		case ir.Float:
			return ir.Float(float64(a) + float64(v)), nil
		}
	case ir.Float:
		switch v := value.(type) {
		case ir.Int:
			return a + ir.Float(v), nil
		case ir.Float:
			return a + v, nil
		}
	}
	return nil, ir.Errorf(ir.ErrCodeInvalidOperator, "sum", "cannot sum %s into %s", value.Kind(), ir.Format(acc))
}

// addInts returns a + b, failing on overflow.
func addInts(a, b ir.Int) (ir.Value, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return nil, ir.Errorf(ir.ErrCodeInvalidOperator, "sum", "integer overflow adding %d to %d", b, a)
	}
	return a + b, nil
}

// subInts returns a - b, failing on overflow.
func subInts(a, b ir.Int) (ir.Value, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return nil, ir.Errorf(ir.ErrCodeInvalidOperator, "sum", "integer overflow subtracting %d from %d", b, a)
	}
	return a - b, nil
}

