package snapshot

import "github.com/ethdbg/edb/internal/model"

// pstack is a persistent (structurally-shared) singly-linked stack:
// pushing or popping allocates one node and leaves every existing
// reference to the prior top valid, giving O(1) extra memory per
// push/pop (spec.md §4.7 "memory discipline" / §9 persistent stack
// requirement). The engine keeps one per contract address
// (regionState.stack), rebuilt with pstackFromWords at every recorded
// opcode snapshot; OpcodeSnapshot.Stack itself is a plain copied slice.
type pstack struct {
	top  *pstackNode
	size int
}

type pstackNode struct {
	val  model.StackWord
	prev *pstackNode
}

func newPstack() *pstack { return &pstack{} }

// push returns a new stack sharing every node of s below the new top.
func (s *pstack) push(v model.StackWord) *pstack {
	return &pstack{top: &pstackNode{val: v, prev: s.top}, size: s.size + 1}
}

func (s *pstack) pop() *pstack {
	if s.top == nil {
		return s
	}
	return &pstack{top: s.top.prev, size: s.size - 1}
}

// materialize renders the current stack as a bottom-to-top slice, the
// order OpcodeSnapshot.Stack is defined in. O(n) in stack depth.
func (s *pstack) materialize() []model.StackWord {
	out := make([]model.StackWord, s.size)
	n := s.top
	for i := s.size - 1; i >= 0 && n != nil; i-- {
		out[i] = n.val
		n = n.prev
	}
	return out
}

// pstackFromWords builds a pstack holding words bottom-to-top; the
// engine calls it for every opcode snapshot it records.
func pstackFromWords(words []model.StackWord) *pstack {
	s := newPstack()
	for _, w := range words {
		s = s.push(w)
	}
	return s
}
