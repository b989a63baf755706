package prefetch

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

// recorder captures refill requests so tests can answer them explicitly.
type recorder struct {
	amounts []int64
	dones   []DoneFunc
}

func (r *recorder) transport(amount int64, done DoneFunc) {
	r.amounts = append(r.amounts, amount)
	r.dones = append(r.dones, done)
}

func (r *recorder) answer(t *testing.T, granted int64, validFor time.Duration, now time.Time) {
	t.Helper()
	require.NotEmpty(t, r.dones)
	done := r.dones[0]
	r.dones = r.dones[1:]
	done(granted, validFor, now)
}

func TestFirstRequestPassesOptimistically(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(1, epoch))
	require.Equal(t, []int64{10}, rec.amounts)
	require.Equal(t, int64(9), p.Available(epoch))
	require.Equal(t, 1, p.Inflight())

	rec.answer(t, 10, time.Minute, epoch)
	require.Equal(t, Open, p.Mode())
	require.Equal(t, 0, p.Inflight())
	require.Equal(t, int64(9), p.Available(epoch))
}

func TestRefillWhenBalanceLow(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(1, epoch))
	rec.answer(t, 10, time.Minute, epoch)

	now := epoch
	for range 4 {
		now = now.Add(10 * time.Millisecond)
		require.True(t, p.Check(1, now))
	}
	// balance 5 is not below half of the desired 10
	require.Len(t, rec.amounts, 1)

	now = now.Add(10 * time.Millisecond)
	require.True(t, p.Check(1, now))
	now = now.Add(10 * time.Millisecond)
	require.True(t, p.Check(1, now))
	require.Len(t, rec.amounts, 2)

	// the second refill is not optimistic
	require.Equal(t, int64(3), p.Available(now))
	rec.answer(t, 10, time.Minute, now)
	require.Equal(t, int64(13), p.Available(now))
}

func TestNotEnoughAmount(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(1, epoch))
	rec.answer(t, 5, time.Second, epoch)
	require.Equal(t, Closed, p.Mode())

	now := epoch.Add(time.Millisecond)
	require.False(t, p.Check(5, now))
	require.Len(t, rec.amounts, 1)

	now = now.Add(time.Millisecond)
	require.True(t, p.Check(4, now))
}

func TestFailedAllocationRejectsNext(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(1, epoch))
	rec.answer(t, -1, 0, epoch)

	require.Equal(t, Closed, p.Mode())
	require.Equal(t, int64(0), p.Available(epoch))

	now := epoch.Add(time.Millisecond)
	require.False(t, p.Check(1, now))
	require.Len(t, rec.amounts, 1)

	// after the close-wait window a new refill is attempted
	now = epoch.Add(600 * time.Millisecond)
	require.False(t, p.Check(1, now))
	require.Len(t, rec.amounts, 2)
	rec.answer(t, 10, time.Minute, now)
	require.Equal(t, Open, p.Mode())
	require.True(t, p.Check(1, now.Add(time.Millisecond)))
}

func TestPartialGrantShrinksOptimisticSlot(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(1, epoch))
	require.True(t, p.Check(1, epoch))
	rec.answer(t, 4, 30*time.Second, epoch)

	require.Equal(t, int64(2), p.Available(epoch))
	require.Equal(t, Closed, p.Mode())

	// the slot now expires on the granted schedule
	require.Equal(t, int64(0), p.Available(epoch.Add(31*time.Second)))
}

func TestGrantExpires(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(1, epoch))
	rec.answer(t, 10, time.Second, epoch)
	require.Equal(t, int64(9), p.Available(epoch))

	later := epoch.Add(2 * time.Second)
	require.Equal(t, int64(0), p.Available(later))
	// expired balance triggers an optimistic refill again
	require.True(t, p.Check(1, later))
	require.Len(t, rec.amounts, 2)
}

func TestLargeAmountUsesMinimumCheck(t *testing.T) {
	rec := &recorder{}
	p := New(rec.transport, Options{}, epoch)

	require.True(t, p.Check(25, epoch))
	require.Equal(t, []int64{25}, rec.amounts)
	require.Equal(t, int64(0), p.Available(epoch))
	rec.answer(t, 25, time.Minute, epoch)
	require.Equal(t, Open, p.Mode())

	// demand seen so far sizes the next refill
	require.True(t, p.Check(30, epoch.Add(time.Millisecond)))
	require.Equal(t, []int64{25, 30}, rec.amounts)

	rec.answer(t, 0, time.Minute, epoch.Add(2*time.Millisecond))
	require.Equal(t, Closed, p.Mode())
	require.False(t, p.Check(2, epoch.Add(3*time.Millisecond)))
}

func TestTimeCounter(t *testing.T) {
	c := newTimeCounter(20, time.Second, epoch)
	c.inc(3, epoch)
	c.inc(2, epoch.Add(400*time.Millisecond))
	require.Equal(t, int64(5), c.count(epoch.Add(900*time.Millisecond)))
	require.Equal(t, int64(2), c.count(epoch.Add(1100*time.Millisecond)))
	require.Equal(t, int64(0), c.count(epoch.Add(2*time.Second)))

	c.inc(7, epoch.Add(time.Hour))
	require.Equal(t, int64(7), c.count(epoch.Add(time.Hour)))
}

// rollingWindow grants up to rate per window, resetting at each window boundary.
type rollingWindow struct {
	rate     int64
	window   time.Duration
	avail    int64
	expireAt time.Time
}

func (s *rollingWindow) alloc(amount int64, now time.Time) (int64, time.Duration) {
	if !now.Before(s.expireAt) {
		s.avail = s.rate
		s.expireAt = now.Add(s.window)
	}
	granted := min(amount, s.avail)
	s.avail -= granted
	return granted, s.expireAt.Sub(now)
}

type delayed struct {
	at time.Time
	fn func(time.Time)
}

// delayedServer answers refills after a fixed delay.
type delayedServer struct {
	server  *rollingWindow
	delay   time.Duration
	pending []delayed
	now     time.Time
}

func (d *delayedServer) transport(amount int64, done DoneFunc) {
	granted, validFor := d.server.alloc(amount, d.now)
	d.pending = append(d.pending, delayed{at: d.now.Add(d.delay), fn: func(t time.Time) {
		done(granted, validFor, t)
	}})
}

func (d *delayedServer) tick(now time.Time) {
	for len(d.pending) > 0 && !now.Before(d.pending[0].at) {
		d.pending[0].fn(now)
		d.pending = d.pending[1:]
	}
}

func TestRollingWindowAccuracy(t *testing.T) {
	const (
		rate     = 1200
		duration = 10
	)
	window := time.Minute
	srv := &delayedServer{
		server: &rollingWindow{rate: rate, window: window, expireAt: epoch},
		delay:  200 * time.Millisecond,
	}
	p := New(srv.transport, Options{}, epoch)

	run := func(start time.Time, traffic int) int {
		step := window * duration / time.Duration(traffic)
		passed := 0
		now := start
		for range traffic {
			srv.now = now
			if p.Check(1, now) {
				passed++
			}
			srv.tick(now)
			now = now.Add(step)
		}
		return passed
	}

	tests := []struct {
		name    string
		traffic int
		margin  float64
	}{
		{name: "below rate", traffic: (rate - 100) * duration, margin: 0.01},
		{name: "at rate", traffic: rate * duration, margin: 0.02},
		{name: "above rate", traffic: (rate + 100) * duration, margin: 0.02},
		{name: "half rate", traffic: rate / 2 * duration, margin: 0.01},
		{name: "ten times rate", traffic: rate * 10 * duration, margin: 0.15},
	}

	start := epoch
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expected := min(rate*duration, tt.traffic)
			passed := run(start, tt.traffic)
			margin := math.Abs(float64(passed-expected)) / float64(expected)
			require.LessOrEqual(t, margin, tt.margin, "expected %d passed %d", expected, passed)
		})
		start = start.Add(window * duration)
	}
}
