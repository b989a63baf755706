// Package prefetch rations a locally held quota balance and refills it from
// the backend ahead of demand.
package prefetch

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// maxOptimisticExpiry bounds an optimistic slot added before its grant arrives.
	maxOptimisticExpiry = 60 * time.Second

	counterSlots = 20
)

// Options configures a Prefetch.
type Options struct {
	// PredictWindow is the window over which demand is measured to size refills.
	PredictWindow time.Duration

	// MinPrefetchAmount is the smallest refill requested.
	MinPrefetchAmount int64

	// CloseWaitWindow is how long to wait before retrying a refill after a
	// short grant.
	CloseWaitWindow time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns the default prefetch options.
func DefaultOptions() Options {
	return Options{
		PredictWindow:     time.Second,
		MinPrefetchAmount: 10,
		CloseWaitWindow:   500 * time.Millisecond,
	}
}

// DoneFunc reports the outcome of a refill. A negative granted amount means
// the allocation failed.
type DoneFunc func(granted int64, validFor time.Duration, now time.Time)

// TransportFunc requests amount from the backend and arranges for done to be
// called once the grant is known. It is called without any lock held.
type TransportFunc func(amount int64, done DoneFunc)

// Mode is the refill mode.
type Mode int

const (
	// Open means the last refill was granted in full.
	Open Mode = iota
	// Closed means the last refill was short or failed.
	Closed
)

func (m Mode) String() string {
	if m == Open {
		return "open"
	}
	return "closed"
}

type slot struct {
	available int64
	expireAt  time.Time
	id        uint64
}

// Prefetch tracks the balance for one quota. It is safe for concurrent use.
type Prefetch struct {
	transport TransportFunc
	opts      Options
	logger    *slog.Logger

	mu           sync.Mutex
	queue        []slot // FIFO, oldest grant first
	counter      *timeCounter
	mode         Mode
	lastPrefetch time.Time
	inflight     int
	nextID       uint64
}

// New creates a prefetcher. Zero options take their defaults.
func New(transport TransportFunc, opts Options, now time.Time) *Prefetch {
	def := DefaultOptions()
	if opts.PredictWindow <= 0 {
		opts.PredictWindow = def.PredictWindow
	}
	if opts.MinPrefetchAmount <= 0 {
		opts.MinPrefetchAmount = def.MinPrefetchAmount
	}
	if opts.CloseWaitWindow <= 0 {
		opts.CloseWaitWindow = def.CloseWaitWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prefetch{
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With("component", "prefetch"),
		counter:   newTimeCounter(counterSlots, opts.PredictWindow, now),
		mode:      Open,
	}
}

// refill is a refill decided under the lock and issued after it is released.
type refill struct {
	amount int64
	slotID uint64
}

// Check reports whether amount can be taken from the local balance, starting
// a refill when the balance runs low.
func (p *Prefetch) Check(amount int64, now time.Time) bool {
	p.mu.Lock()
	r := p.attemptPrefetch(amount, now)
	p.counter.inc(amount, now)
	var ok bool
	if amount == 1 {
		ok = p.subtract(amount, now) == 0
	} else {
		ok = p.hasAvailable(amount, now)
		if ok {
			p.subtract(amount, now)
		}
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("rejected amount", "amount", amount)
	}
	if r != nil {
		p.transport(r.amount, func(granted int64, validFor time.Duration, t time.Time) {
			p.onResponse(r.slotID, r.amount, granted, validFor, t)
		})
	}
	return ok
}

// Available returns the unexpired balance.
func (p *Prefetch) Available(now time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countAvailable(now)
}

// Mode returns the current refill mode.
func (p *Prefetch) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Inflight returns the number of outstanding refills.
func (p *Prefetch) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight
}

func (p *Prefetch) countAvailable(now time.Time) int64 {
	var avail int64
	for _, s := range p.queue {
		if now.Before(s.expireAt) {
			avail += s.available
		}
	}
	return avail
}

func (p *Prefetch) hasAvailable(need int64, now time.Time) bool {
	var avail int64
	for _, s := range p.queue {
		if now.Before(s.expireAt) {
			avail += s.available
			if avail >= need {
				return true
			}
		}
	}
	return avail >= need
}

func (p *Prefetch) attemptPrefetch(amount int64, now time.Time) *refill {
	if p.mode == Closed && (p.inflight > 0 || now.Sub(p.lastPrefetch) < p.opts.CloseWaitWindow) {
		return nil
	}

	avail := p.countAvailable(now)
	desired := max(p.counter.count(now), p.opts.MinPrefetchAmount)
	p.logger.Debug("prefetch decision",
		"available", avail, "desired", desired, "inflight", p.inflight, "requested", amount)

	if !((avail < desired/2 && p.inflight == 0) || avail < amount) {
		return nil
	}

	r := &refill{amount: max(amount, desired)}
	if avail == 0 && p.mode == Open {
		// Hand out the refill before it is granted.
		r.slotID = p.add(r.amount, now.Add(maxOptimisticExpiry))
	}
	p.lastPrefetch = now
	p.inflight++
	p.logger.Debug("prefetch", "amount", r.amount, "slot", r.slotID)
	return r
}

func (p *Prefetch) add(amount int64, expireAt time.Time) uint64 {
	p.nextID++
	p.queue = append(p.queue, slot{available: amount, expireAt: expireAt, id: p.nextID})
	return p.nextID
}

// subtract takes delta from the oldest slots, dropping depleted or expired
// ones, and returns what could not be taken.
func (p *Prefetch) subtract(delta int64, now time.Time) int64 {
	for len(p.queue) > 0 && delta > 0 {
		s := &p.queue[0]
		if now.Before(s.expireAt) {
			if s.available > 0 {
				d := min(s.available, delta)
				s.available -= d
				delta -= d
			}
			if s.available > 0 {
				return 0
			}
		} else if s.available > 0 {
			p.logger.Debug("expired", "available", s.available)
		}
		p.queue = p.queue[1:]
	}
	return delta
}

func (p *Prefetch) findSlot(id uint64) *slot {
	for i := range p.queue {
		if p.queue[i].id == id {
			return &p.queue[i]
		}
	}
	return nil
}

func (p *Prefetch) onResponse(slotID uint64, requested, granted int64, validFor time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--

	p.logger.Debug("refill response", "requested", requested, "granted", granted, "valid_for", validFor, "slot", slotID)

	// A failed allocation grants nothing so the next request is rejected.
	if granted < 0 {
		granted = 0
	}

	if slotID != 0 {
		s := p.findSlot(slotID)
		if granted < requested {
			delta := requested - granted
			if s != nil {
				d := min(s.available, delta)
				s.available -= d
				delta -= d
			}
			if delta > 0 {
				p.subtract(delta, now)
				// subtract may have dropped the slot.
				s = p.findSlot(slotID)
			}
		}
		if s != nil && s.available > 0 {
			s.expireAt = now.Add(validFor)
		}
	} else if granted > 0 {
		p.add(granted, now.Add(validFor))
	}

	if granted == requested {
		p.mode = Open
	} else {
		p.mode = Closed
	}
}
