package handlemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertLookupRemove(t *testing.T) {
	m := New()

	h := m.Insert("payload")
	obj, ok := m.Lookup(h)
	require.True(t, ok)
	require.Equal(t, "payload", obj)

	m.Remove(h)
	_, ok = m.Lookup(h)
	require.False(t, ok)
}

func TestHandlesAreUnique(t *testing.T) {
	m := New()
	h1 := m.Insert(1)
	h2 := m.Insert(2)
	require.NotEqual(t, h1, h2)
}

func TestResetClearsEverything(t *testing.T) {
	m := New()
	h := m.Insert("a")
	m.Insert("b")
	require.Equal(t, 2, m.Len())

	m.Reset()
	require.Equal(t, 0, m.Len())

	_, ok := m.Lookup(h)
	require.False(t, ok)
}
