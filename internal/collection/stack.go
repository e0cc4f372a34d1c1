package collection

import (
	"strings"

	"github.com/roach88/recoll/internal/ir"
)

// Frame is one evaluation in progress: a mapper running for a source key or
// a lazy compute running for a key.
type Frame struct {
	Node NodeID
	Key  ir.Value
}

// Stack tracks the evaluations in progress on a graph.
//
// The top frame receives every read made through a Context, becoming the
// reader side of the recorded dependency edge. Re-entrant lazy evaluation
// pushes further frames; a frame that is already on the stack would recurse
// forever and is reported as a cycle.
//
// Example cycle:
//
//	friends(lazy) @ "ann" → reads friends @ "bob"
//	→ reads friends @ "ann" ← CYCLE
//
// A Stack belongs to one graph and is only touched by the writer.
type Stack struct {
	frames []Frame
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{frames: make([]Frame, 0, 8)}
}

// Len returns the number of active frames.
func (s *Stack) Len() int { return len(s.frames) }

// Top returns the innermost frame.
func (s *Stack) Top() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// WouldCycle reports whether evaluating (node, key) would re-enter a frame
// already in progress.
func (s *Stack) WouldCycle(node NodeID, key ir.Value) bool {
	for _, f := range s.frames {
		if f.Node == node && ir.Equal(f.Key, key) {
			return true
		}
	}
	return false
}

// Push enters a frame. It fails with CYCLE if the frame is already active.
func (s *Stack) Push(node NodeID, key ir.Value, label string) error {
	if s.WouldCycle(node, key) {
		return ir.Errorf(ir.ErrCodeCycle, label, "recursive evaluation: %s", s.path(node, key))
	}
	s.frames = append(s.frames, Frame{Node: node, Key: key})
	return nil
}

// Pop leaves the innermost frame.
func (s *Stack) Pop() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

func (s *Stack) path(node NodeID, key ir.Value) string {
	parts := make([]string, 0, len(s.frames)+1)
	for _, f := range s.frames {
		parts = append(parts, frameString(f))
	}
	parts = append(parts, frameString(Frame{Node: node, Key: key}))
	return strings.Join(parts, " → ")
}

func frameString(f Frame) string {
	return "#" + nodeIDString(f.Node) + "@" + ir.Format(f.Key)
}
