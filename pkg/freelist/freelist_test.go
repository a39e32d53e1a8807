package freelist

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ttonchev/neo4j/pkg/pager"
)

func newTestList(t *testing.T) *List {
	t.Helper()

	p, err := pager.Open(pager.InMemoryFileName, 4096, false, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	list, err := Open(p)
	require.NoError(t, err)
	return list
}

func TestList_FreshIDsAreDistinctAndPositive(t *testing.T) {
	list := newTestList(t)

	seen := map[uint64]bool{}
	for i := uint64(0); i < 5; i++ {
		id, err := list.AcquireNewID(i, i+1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, uint64(MinOffloadID))
		require.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true

		gen, ok := list.AcquiredAt(id)
		require.True(t, ok)
		require.Equal(t, i+1, gen)
	}
}

func TestList_GenerationDelayedReuse(t *testing.T) {
	list := newTestList(t)

	id, err := list.AcquireNewID(5, 6)
	require.NoError(t, err)

	require.NoError(t, list.Release(id, 7))

	// release generation 7 is not stable yet at stable generation 5
	fresh, err := list.AcquireNewID(5, 6)
	require.NoError(t, err)
	require.NotEqual(t, id, fresh)

	// once generation 7 went stable the id is safe to reuse
	reused, err := list.AcquireNewID(8, 9)
	require.NoError(t, err)
	require.Equal(t, id, reused)

	gen, ok := list.AcquiredAt(reused)
	require.True(t, ok)
	require.EqualValues(t, 9, gen)
}

func TestList_ReleaseUnknownID(t *testing.T) {
	list := newTestList(t)

	err := list.Release(42, 1)
	require.True(t, errors.Is(err, ErrUnknownID))
}

func TestList_ValidatorTracksCeiling(t *testing.T) {
	list := newTestList(t)
	v := list.Validator()

	// page 0 is the tree state page, never a valid offload id
	require.False(t, v.Valid(0))
	require.False(t, v.Valid(1))

	id, err := list.AcquireNewID(1, 2)
	require.NoError(t, err)

	require.True(t, v.Valid(id))
	require.False(t, v.Valid(id+1))
}
