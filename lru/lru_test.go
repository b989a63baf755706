package lru

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, capacity int, maxIdle time.Duration) (*Cache[string, int], *clock, *[]string) {
	t.Helper()
	clk := &clock{t: time.Unix(1700000000, 0)}
	var evicted []string
	c := New(Options[string, int]{
		Capacity: capacity,
		MaxIdle:  maxIdle,
		Now:      clk.now,
		OnEvict:  func(k string, _ int) { evicted = append(evicted, k) },
	})
	return c, clk, &evicted
}

func TestInsertLookup(t *testing.T) {
	c, _, _ := newTestCache(t, 3, 0)

	c.Insert("a", 1)
	v, ok := c.Lookup("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = c.Lookup("missing")
	require.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, _, evicted := newTestCache(t, 2, 0)

	c.Insert("a", 1)
	c.Insert("b", 2)
	_, _ = c.Lookup("a") // b is now least recently used
	c.Insert("c", 3)

	require.Equal(t, []string{"b"}, *evicted)
	require.Equal(t, 2, c.Len())
	require.True(t, c.Contains("a"))
	require.True(t, c.Contains("c"))
	require.False(t, c.Contains("b"))
}

func TestInsertReplaces(t *testing.T) {
	c, _, evicted := newTestCache(t, 2, 0)

	c.Insert("a", 1)
	c.Insert("a", 2)

	v, _ := c.Lookup("a")
	require.Equal(t, 2, v)
	require.Equal(t, 1, c.Len())
	require.Equal(t, []string{"a"}, *evicted)
}

func TestRemove(t *testing.T) {
	c, _, _ := newTestCache(t, 2, 0)
	c.Insert("a", 1)

	require.True(t, c.Remove("a"))
	require.False(t, c.Remove("a"))
	require.Equal(t, 0, c.Len())
}

func TestIdleExpiry(t *testing.T) {
	c, clk, _ := newTestCache(t, 10, time.Minute)

	c.Insert("a", 1)
	c.Insert("b", 2)

	clk.advance(45 * time.Second)
	_, ok := c.Lookup("a")
	require.True(t, ok)

	clk.advance(30 * time.Second)
	// b idle for 75s, a for 30s
	require.Equal(t, 1, c.RemoveExpired())
	require.True(t, c.Contains("a"))
	require.False(t, c.Contains("b"))

	clk.advance(2 * time.Minute)
	_, ok = c.Lookup("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestRemoveExpiredWithoutMaxIdle(t *testing.T) {
	c, clk, _ := newTestCache(t, 10, 0)
	c.Insert("a", 1)
	clk.advance(24 * time.Hour)

	require.Equal(t, 0, c.RemoveExpired())
	require.True(t, c.Contains("a"))
}

func TestRemoveAll(t *testing.T) {
	c, _, evicted := newTestCache(t, 10, 0)
	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Insert("c", 3)

	c.RemoveAll()
	require.Equal(t, 0, c.Len())
	require.Len(t, *evicted, 3)
}

func TestNonPositiveCapacity(t *testing.T) {
	c := New(Options[string, int]{})
	require.Equal(t, 1, c.Capacity())

	c.Insert("a", 1)
	c.Insert("b", 2)
	require.Equal(t, 1, c.Len())
	require.True(t, c.Contains("b"))
}

func TestInsertRefreshesRecency(t *testing.T) {
	c, _, evicted := newTestCache(t, 2, 0)

	c.Insert("a", 1)
	c.Insert("b", 2)
	c.Insert("a", 3) // replaces a and makes b least recently used
	c.Insert("c", 4)

	require.Equal(t, []string{"a", "b"}, *evicted)
	v, ok := c.Lookup("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestContainsKeepsRecency(t *testing.T) {
	c, _, evicted := newTestCache(t, 2, 0)

	c.Insert("a", 1)
	c.Insert("b", 2)
	require.True(t, c.Contains("a"))
	c.Insert("c", 3)

	require.Equal(t, []string{"a"}, *evicted)
}

func TestRemoveExpiredStopsAtFirstLiveEntry(t *testing.T) {
	c, clk, evicted := newTestCache(t, 10, time.Minute)

	c.Insert("a", 1)
	c.Insert("b", 2)
	clk.advance(50 * time.Second)
	c.Insert("c", 3)
	_, _ = c.Lookup("a")
	clk.advance(20 * time.Second)

	// b idle for 70s; c and a for 20s
	require.Equal(t, 1, c.RemoveExpired())
	require.Equal(t, []string{"b"}, *evicted)
	require.Equal(t, 2, c.Len())
	require.Zero(t, c.RemoveExpired())
}
