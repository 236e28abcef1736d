package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestSetGet(t *testing.T) {
	ks := New()
	ks.Set("x", []byte("1"), 0)
	v, ok, err := ks.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestGetAbsent(t *testing.T) {
	ks := New()
	_, ok, err := ks.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	ks := NewWithClock(clk)
	ks.Set("x", []byte("v"), 100)

	v, ok, err := ks.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	clk.now = clk.now.Add(101 * time.Millisecond)
	_, ok, err = ks.Get("x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncrFromAbsent(t *testing.T) {
	ks := New()
	for i := int64(1); i <= 5; i++ {
		n, err := ks.Incr("c")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
}

func TestIncrNonInteger(t *testing.T) {
	ks := New()
	ks.Set("c", []byte("abc"), 0)
	_, err := ks.Incr("c")
	require.Error(t, err)
	v, _, _ := ks.Get("c")
	require.Equal(t, []byte("abc"), v) // unchanged
}

func TestSetOverwritesType(t *testing.T) {
	ks := New()
	_, err := ks.RPush("k", [][]byte{[]byte("a")})
	require.NoError(t, err)
	ks.Set("k", []byte("str"), 0)
	kind, ok := ks.Type("k")
	require.True(t, ok)
	require.Equal(t, KindString, kind)
}

func TestListPushRangePop(t *testing.T) {
	ks := New()
	n, err := ks.RPush("l", [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = ks.LPush("l", [][]byte{[]byte("z")})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	vals, err := ks.LRange("l", 0, -1)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("z"), []byte("a"), []byte("b"), []byte("c")}, vals)

	llen, err := ks.LLen("l")
	require.NoError(t, err)
	require.Equal(t, 4, llen)

	out, ok, err := ks.LPop("l", 0, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("z")}, out)

	out, ok, err = ks.LPop("l", 2, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, out)

	llen, _ = ks.LLen("l")
	require.Equal(t, 1, llen)

	// popping the last element deletes the key
	_, ok, err = ks.LPop("l", 0, false)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok2 := ks.Type("l")
	require.False(t, ok2)
}

func TestLRangeOutOfBounds(t *testing.T) {
	ks := New()
	ks.RPush("l", [][]byte{[]byte("a"), []byte("b")})
	vals, err := ks.LRange("l", 5, 10)
	require.NoError(t, err)
	require.Nil(t, vals)
}

func TestWrongType(t *testing.T) {
	ks := New()
	ks.Set("s", []byte("x"), 0)
	_, err := ks.RPush("s", [][]byte{[]byte("a")})
	require.Error(t, err)
	var wt *ErrWrongType
	require.ErrorAs(t, err, &wt)
}

func TestZAddRankRangeScore(t *testing.T) {
	ks := New()
	added, ok, err := ks.ZAdd("z", 1, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, added)

	added, ok, err = ks.ZAdd("z", 1, "b")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	added, ok, err = ks.ZAdd("z", 0.5, "c")
	require.NoError(t, err)
	require.Equal(t, 1, added)

	// idempotent re-add
	added, ok, err = ks.ZAdd("z", 0.5, "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, added)

	members, err := ks.ZRange("z", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, members)

	rank, ok, err := ks.ZRank("z", "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, rank)

	score, ok, err := ks.ZScore("z", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1.0, score)

	card, err := ks.ZCard("z")
	require.NoError(t, err)
	require.Equal(t, 3, card)

	removed, err := ks.ZRem("z", "a")
	require.NoError(t, err)
	require.True(t, removed)
	card, _ = ks.ZCard("z")
	require.Equal(t, 2, card)
}

func TestZAddRejectsNaN(t *testing.T) {
	ks := New()
	_, ok, err := ks.ZAdd("z", nanFloat(), "m")
	require.NoError(t, err)
	require.False(t, ok)
}

func nanFloat() float64 {
	var zero float64
	return zero / zero
}

func TestKeysExcludesExpired(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	ks := NewWithClock(clk)
	ks.Set("a", []byte("1"), 0)
	ks.Set("b", []byte("1"), 10)
	clk.now = clk.now.Add(20 * time.Millisecond)

	keys := ks.Keys()
	require.Equal(t, []string{"a"}, keys)
}

// fakeHandoff records whether it was asked to deliver, and if told to
// accept, pops one element via the provided pop func.
type fakeHandoff struct {
	accept    bool
	delivered [][]byte
}

func (h *fakeHandoff) Deliver(key string, pop func() ([]byte, bool)) bool {
	if !h.accept {
		return false
	}
	v, ok := pop()
	if ok {
		h.delivered = append(h.delivered, v)
	}
	return ok
}

func TestPushHandoffDeliversBeforeVisible(t *testing.T) {
	ks := New()
	h := &fakeHandoff{accept: true}
	ks.SetWaiterHandoff(h)

	n, err := ks.RPush("q", [][]byte{[]byte("v1")})
	require.NoError(t, err)
	require.Equal(t, 0, n) // handed off, list left empty
	require.Equal(t, [][]byte{[]byte("v1")}, h.delivered)

	llen, _ := ks.LLen("q")
	require.Equal(t, 0, llen)
}

func TestPushHandoffDeclined(t *testing.T) {
	ks := New()
	h := &fakeHandoff{accept: false}
	ks.SetWaiterHandoff(h)

	n, err := ks.RPush("q", [][]byte{[]byte("v1")})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
