package collection

import (
	"github.com/roach88/recoll/internal/ir"
)

// DefaultMaxVisits bounds how many times one propagation may process a node.
// A well-formed graph visits each node about once per write; dynamic reads
// that point backwards add a few revisits. Exceeding the limit means the
// recorded dependencies keep re-marking each other.
const DefaultMaxVisits = 100_000

// quota counts node visits during one propagation.
//
// Cycle detection catches re-entrant evaluation of one key (A → B → A on the
// stack). The quota catches the other runaway shape: evaluations that finish
// but keep dirtying each other through dynamic edges.
type quota struct {
	max     int
	current int
}

func newQuota(max int) *quota {
	if max <= 0 {
		max = DefaultMaxVisits
	}
	return &quota{max: max}
}

// check counts one visit and fails once the limit is passed.
func (q *quota) check(label string) error {
	q.current++
	if q.current > q.max {
		return ir.Errorf(ir.ErrCodeQuotaExceeded, label,
			"propagation exceeded %d node visits", q.max)
	}
	return nil
}
