package store

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortedSetOrderingTiesByMember(t *testing.T) {
	z := NewSortedSet()
	z.Add("banana", 1)
	z.Add("apple", 1)
	z.Add("cherry", 0.5)

	require.Equal(t, []string{"cherry", "apple", "banana"}, z.Range(0, -1))
}

func TestSortedSetZeroSignNormalized(t *testing.T) {
	z := NewSortedSet()
	added, ok := z.Add("m", 0)
	require.True(t, ok)
	require.True(t, added)

	added, ok = z.Add("m", negZero())
	require.True(t, ok)
	require.False(t, added) // same normalized score, no-op
}

func negZero() float64 {
	return math.Copysign(0, -1)
}

func TestSortedSetInvariantCardinalityMatchesIndexes(t *testing.T) {
	z := NewSortedSet()
	for i, m := range []string{"a", "b", "c", "d"} {
		z.Add(m, float64(i))
	}
	require.Equal(t, 4, z.Len())
	require.Equal(t, 4, len(z.byMember))
	require.Equal(t, 4, len(z.ordered))

	z.Remove("b")
	require.Equal(t, 3, z.Len())
	require.Equal(t, 3, len(z.byMember))
	require.Equal(t, 3, len(z.ordered))
}

func TestSortedSetRankAfterUpdate(t *testing.T) {
	z := NewSortedSet()
	z.Add("a", 5)
	z.Add("b", 1)
	require.Equal(t, 1, z.Rank("a"))

	z.Add("a", 0)
	require.Equal(t, 0, z.Rank("a"))
}

func TestClampRangeNegativeIndices(t *testing.T) {
	s, e, ok := clampRange(-2, -1, 5)
	require.True(t, ok)
	require.Equal(t, int64(3), s)
	require.Equal(t, int64(4), e)
}

func TestClampRangeEmptyWhenStartPastEnd(t *testing.T) {
	_, _, ok := clampRange(4, 1, 5)
	require.False(t, ok)
}

func TestDequeBasics(t *testing.T) {
	d := NewDeque()
	d.PushBack([]byte("b"))
	d.PushFront([]byte("a"))
	d.PushBack([]byte("c"))
	require.Equal(t, 3, d.Len())
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, d.Slice(0, 2))

	v, ok := d.PopFront()
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)
	require.Equal(t, 2, d.Len())
}

func TestDequeGrows(t *testing.T) {
	d := NewDeque()
	for i := 0; i < 100; i++ {
		d.PushBack([]byte{byte(i)})
	}
	require.Equal(t, 100, d.Len())
	for i := 0; i < 100; i++ {
		v, ok := d.PopFront()
		require.True(t, ok)
		require.Equal(t, byte(i), v[0])
	}
	_, ok := d.PopFront()
	require.False(t, ok)
}
