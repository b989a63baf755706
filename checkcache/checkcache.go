// Package checkcache caches policy decisions keyed by the signature of the
// attributes the backend said it looked at.
package checkcache

import (
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/lru"
	"github.com/wolfeidau/policy-cache/referenced"
)

// ErrNoPrecondition is the status returned for a check response without a
// precondition result.
var ErrNoPrecondition = status.Error(codes.InvalidArgument, "check response doesn't have precondition result")

// Options configures a Cache.
type Options struct {
	// NumEntries bounds the number of cached decisions. Zero or less disables caching.
	NumEntries int

	// NetworkFailOpen lets requests through when the backend is unreachable
	// or reports an internal error.
	NetworkFailOpen bool

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		NumEntries:      10000,
		NetworkFailOpen: true,
	}
}

// Result is the outcome of a cache lookup.
type Result struct {
	// Hit is false when the caller must ask the backend.
	Hit bool
	// Err is the cached decision. Nil means the request is allowed.
	Err error
	// RouteDirective is the cached directive, if any.
	RouteDirective *api.RouteDirective
}

type entry struct {
	err            error
	expireAt       time.Time // zero never expires; a past time is already spent
	useCount       int32     // negative is unlimited
	routeDirective *api.RouteDirective
}

func (e *entry) set(conv converter, pre *api.PreconditionResult, now time.Time) {
	e.err = conv.convert(pre.Status)
	e.expireAt = time.Time{}
	if pre.ValidDuration != 0 {
		e.expireAt = now.Add(pre.ValidDuration)
	}
	e.useCount = pre.ValidUseCount
	e.routeDirective = pre.RouteDirective
}

// expired reports whether the entry is spent, otherwise consumes one use.
func (e *entry) expired(now time.Time) bool {
	if (!e.expireAt.IsZero() && now.After(e.expireAt)) || e.useCount == 0 {
		return true
	}
	if e.useCount > 0 {
		e.useCount--
	}
	return false
}

// converter maps backend statuses to client errors.
type converter struct {
	failOpen bool
}

func (c converter) convert(st *status.Status) error {
	if st == nil {
		return nil
	}
	if st.Code() == codes.Internal && c.failOpen {
		return nil
	}
	return st.Err()
}

// registry holds reference sets in first-insertion order.
type registry struct {
	order  []*referenced.Attributes
	byHash map[policycache.Signature]struct{}
}

func (r *registry) add(a *referenced.Attributes) bool {
	h := a.Hash()
	if _, ok := r.byHash[h]; ok {
		return false
	}
	if r.byHash == nil {
		r.byHash = make(map[policycache.Signature]struct{})
	}
	r.byHash[h] = struct{}{}
	r.order = append(r.order, a)
	return true
}

func (r *registry) reset() {
	r.order = nil
	r.byHash = nil
}

// Cache is a decision cache. It is safe for concurrent use.
type Cache struct {
	conv            converter
	networkFailOpen bool
	logger          *slog.Logger
	now             func() time.Time

	mu   sync.Mutex
	lru  *lru.Cache[policycache.Signature, *entry] // nil when disabled
	refs registry
}

// New creates a decision cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		conv:            converter{failOpen: opts.NetworkFailOpen},
		networkFailOpen: opts.NetworkFailOpen,
		logger:          opts.Logger.With("component", "checkcache"),
		now:             opts.Now,
	}
	if opts.NumEntries > 0 {
		c.lru = lru.New(lru.Options[policycache.Signature, *entry]{
			Capacity: opts.NumEntries,
			Now:      opts.Now,
		})
	}
	return c
}

// Enabled reports whether decisions are cached.
func (c *Cache) Enabled() bool {
	return c.lru != nil
}

// Check looks for a cached decision matching bag.
func (c *Cache) Check(bag attribute.Bag) Result {
	if c.lru == nil {
		return Result{}
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ref := range c.refs.order {
		sig, ok := ref.Signature(bag, "")
		if !ok {
			continue
		}
		e, found := c.lru.Lookup(sig)
		if !found {
			continue
		}
		if e.expired(now) {
			c.lru.Remove(sig)
			return Result{}
		}
		return Result{Hit: true, Err: e.err, RouteDirective: e.routeDirective}
	}
	return Result{}
}

// OnResponse handles the outcome of a remote check. A transport error fails
// open when NetworkFailOpen is set.
func (c *Cache) OnResponse(bag attribute.Bag, resp *api.CheckResponse, transportErr error) error {
	if transportErr != nil {
		if c.networkFailOpen {
			return nil
		}
		return transportErr
	}
	return c.CacheResponse(bag, resp)
}

// CacheResponse stores the precondition in resp and returns the converted decision.
func (c *Cache) CacheResponse(bag attribute.Bag, resp *api.CheckResponse) error {
	if resp == nil || resp.Precondition == nil {
		return ErrNoPrecondition
	}
	pre := resp.Precondition
	if c.lru == nil {
		return c.conv.convert(pre.Status)
	}

	ref, err := referenced.Fill(bag, pre.ReferencedAttributes)
	if err != nil {
		c.logger.Warn("decode referenced attributes", "error", err)
		return c.conv.convert(pre.Status)
	}
	sig, ok := ref.Signature(bag, "")
	if !ok {
		c.logger.Warn("response referenced does not match request",
			"attributes", bag.String(), "referenced", ref.String())
		return c.conv.convert(pre.Status)
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs.add(ref) {
		c.logger.Debug("add referenced for check cache", "referenced", ref.String())
	}

	if e, found := c.lru.Lookup(sig); found {
		e.set(c.conv, pre, now)
		return e.err
	}
	e := &entry{}
	e.set(c.conv, pre, now)
	c.lru.Insert(sig, e)
	return e.err
}

// FlushAll drops every cached decision and reference set.
func (c *Cache) FlushAll() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.RemoveAll()
	c.refs.reset()
}

// Len returns the number of cached decisions.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
