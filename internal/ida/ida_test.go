package ida

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocSmallestFirst(t *testing.T) {
	a := New(4)

	id0, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint32(0), id0)

	id1, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id1)

	a.Free(id0)

	id2, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, uint32(0), id2, "smallest free id must be reused first")
}

func TestAllocExhausted(t *testing.T) {
	a := New(2)
	_, err := a.Alloc()
	require.NoError(t, err)
	_, err = a.Alloc()
	require.NoError(t, err)

	_, err = a.Alloc()
	require.Error(t, err)
}

func TestFreeCoalesces(t *testing.T) {
	a := New(8)
	ids := make([]uint32, 4)
	for i := range ids {
		id, err := a.Alloc()
		require.NoError(t, err)
		ids[i] = id
	}
	require.Equal(t, uint32(4), a.InUse())

	// Free out of order; the allocator should still coalesce back into one
	// contiguous free span so the next 4 allocs return exactly ids[0..4).
	a.Free(ids[2])
	a.Free(ids[0])
	a.Free(ids[3])
	a.Free(ids[1])

	require.Equal(t, uint32(0), a.InUse())

	for i := 0; i < 4; i++ {
		id, err := a.Alloc()
		require.NoError(t, err)
		require.Equal(t, ids[i], id)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := New(4)
	id, err := a.Alloc()
	require.NoError(t, err)
	a.Free(id)

	require.Panics(t, func() {
		a.Free(id)
	})
}
