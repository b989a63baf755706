package prefetch

import "time"

// timeCounter sums amounts seen within a sliding window split into
// fixed-width slots.
type timeCounter struct {
	slots    []int64
	width    time.Duration
	head     int       // index of the current slot
	headTime time.Time // start of the current slot
}

func newTimeCounter(slots int, window time.Duration, now time.Time) *timeCounter {
	width := window / time.Duration(slots)
	if width <= 0 {
		width = time.Nanosecond
	}
	return &timeCounter{
		slots:    make([]int64, slots),
		width:    width,
		headTime: now,
	}
}

// roll advances the current slot to now, clearing slots that fell out of the window.
func (c *timeCounter) roll(now time.Time) {
	if now.Before(c.headTime.Add(c.width)) {
		return
	}
	steps := int64(now.Sub(c.headTime) / c.width)
	if steps >= int64(len(c.slots)) {
		clear(c.slots)
		c.head = 0
		c.headTime = c.headTime.Add(time.Duration(steps) * c.width)
		return
	}
	for range steps {
		c.head = (c.head + 1) % len(c.slots)
		c.slots[c.head] = 0
	}
	c.headTime = c.headTime.Add(time.Duration(steps) * c.width)
}

func (c *timeCounter) inc(n int64, now time.Time) {
	c.roll(now)
	c.slots[c.head] += n
}

func (c *timeCounter) count(now time.Time) int64 {
	c.roll(now)
	var total int64
	for _, n := range c.slots {
		total += n
	}
	return total
}
