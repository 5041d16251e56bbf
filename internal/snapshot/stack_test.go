package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethdbg/edb/internal/model"
)

func TestPstackPushMaterializeOrder(t *testing.T) {
	s := newPstack()
	s = s.push(model.StackWord{1})
	s = s.push(model.StackWord{2})
	s = s.push(model.StackWord{3})

	require.Equal(t, []model.StackWord{{1}, {2}, {3}}, s.materialize())
	require.Equal(t, 3, s.size)
}

func TestPstackPopRestoresPriorTop(t *testing.T) {
	s := newPstack().push(model.StackWord{1}).push(model.StackWord{2})
	popped := s.pop()

	require.Equal(t, []model.StackWord{{1}}, popped.materialize())
	// s itself is untouched -- structural sharing, not mutation.
	require.Equal(t, []model.StackWord{{1}, {2}}, s.materialize())
}

func TestPstackPopEmptyIsNoop(t *testing.T) {
	s := newPstack()
	require.Same(t, s, s.pop())
}

func TestPstackSharesNodesAcrossBranches(t *testing.T) {
	base := newPstack().push(model.StackWord{1})
	left := base.push(model.StackWord{2})
	right := base.push(model.StackWord{3})

	require.Equal(t, []model.StackWord{{1}, {2}}, left.materialize())
	require.Equal(t, []model.StackWord{{1}, {3}}, right.materialize())
	require.Same(t, base.top, left.top.prev)
	require.Same(t, base.top, right.top.prev)
}

func TestPstackFromWords(t *testing.T) {
	words := []model.StackWord{{1}, {2}, {3}}
	s := pstackFromWords(words)
	require.Equal(t, words, s.materialize())
	require.Equal(t, 3, s.size)
}

func TestPstackFromWordsEmpty(t *testing.T) {
	s := pstackFromWords(nil)
	require.Equal(t, 0, s.size)
	require.Empty(t, s.materialize())
}
