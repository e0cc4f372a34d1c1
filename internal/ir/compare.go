package ir

import (
	"cmp"
	"slices"
	"strings"
)

// Compare implements the Json total order used for collection keys:
//
//	null < false < true < numbers < strings < arrays < objects
//
// Numbers compare numerically; an Int equal to a Float sorts first.
// Strings compare byte-wise, arrays element-wise, and objects as the
// sequence of their (key, value) pairs in sorted key order. A shorter
// sequence that is a prefix of a longer one sorts first.
//
// A nil Value sorts before everything. It never appears in stored data but
// serves as a minimum bound for range scans.
func Compare(a, b Value) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	ka, kb := a.Kind(), b.Kind()
	if ka != kb {
		return cmp.Compare(ka, kb)
	}

	switch av := a.(type) {
	case Null:
		return 0
	case Bool:
		bv := b.(Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case Int, Float:
		return compareNumbers(a, b)
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Array:
		bv := b.(Array)
		n := min(len(av), len(bv))
		for i := 0; i < n; i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(av), len(bv))
	case Object:
		return compareObjects(av, b.(Object))
	}
	return 0
}

// Equal reports whether a and b are the same Json value.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Less is Compare(a, b) < 0, convenient for btree and sort callbacks.
func Less(a, b Value) bool {
	return Compare(a, b) < 0
}

func compareNumbers(a, b Value) int {
	switch av := a.(type) {
	case Int:
		switch bv := b.(type) {
		case Int:
			return cmp.Compare(av, bv)
		case Float:
			if c := cmp.Compare(float64(av), float64(bv)); c != 0 {
				return c
			}
			// Numerically equal: Int before Float.
			return -1
		}
	case Float:
		switch bv := b.(type) {
		case Float:
			return cmp.Compare(av, bv)
		case Int:
			if c := cmp.Compare(float64(av), float64(bv)); c != 0 {
				return c
			}
			return 1
		}
	}
	return 0
}

func compareObjects(a, b Object) int {
	ak, bk := a.SortedKeys(), b.SortedKeys()
	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ak), len(bk))
}

// SortValues sorts vs in place by the Json total order.
func SortValues(vs []Value) {
	slices.SortStableFunc(vs, Compare)
}

// EqualValues reports whether two value sequences are element-wise equal.
// Order matters; use MultisetEqual for order-insensitive comparison.
func EqualValues(a, b []Value) bool {
	return slices.EqualFunc(a, b, Equal)
}

// MultisetEqual reports whether a and b hold the same values with the same
// multiplicities, regardless of order.
func MultisetEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	added, removed := Diff(a, b)
	return len(added) == 0 && len(removed) == 0
}

// Diff computes the multiset difference between an old and a new value
// sequence. added holds values present in next but not in prev (counting
// multiplicity); removed holds values present in prev but not in next.
// Both results are sorted by the Json total order.
func Diff(prev, next []Value) (added, removed []Value) {
	p := slices.Clone(prev)
	n := slices.Clone(next)
	SortValues(p)
	SortValues(n)

	i, j := 0, 0
	for i < len(p) && j < len(n) {
		switch c := Compare(p[i], n[j]); {
		case c == 0:
			i++
			j++
		case c < 0:
			removed = append(removed, p[i])
			i++
		default:
			added = append(added, n[j])
			j++
		}
	}
	removed = append(removed, p[i:]...)
	added = append(added, n[j:]...)
	return added, removed
}
