// Package quotacache answers quota requirements from locally prefetched
// balances, falling back to the backend for quotas it has not yet learned.
package quotacache

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/lru"
	"github.com/wolfeidau/policy-cache/prefetch"
	"github.com/wolfeidau/policy-cache/quotaconfig"
	"github.com/wolfeidau/policy-cache/referenced"
)

// defaultGrantExpiry applies when the backend grants without a valid duration.
const defaultGrantExpiry = time.Minute

// Options configures a Cache.
type Options struct {
	// NumEntries bounds the number of cached quota balances. Zero or less
	// disables caching.
	NumEntries int

	// Expiration evicts balances not used within this duration.
	Expiration time.Duration

	// Prefetch configures every balance's prefetcher.
	Prefetch prefetch.Options

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		NumEntries: 10000,
		Expiration: 10 * time.Minute,
		Prefetch:   prefetch.DefaultOptions(),
	}
}

// Outcome is the local verdict for one quota.
type Outcome int

const (
	// Pending means the backend decides.
	Pending Outcome = iota
	// Passed means the local balance covered the charge.
	Passed
	// Rejected means the local balance could not cover the charge.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// responseFunc consumes the backend result for one quota. A nil result means
// the backend was not reached or omitted the quota. It reports whether the
// quota is granted.
type responseFunc func(bag attribute.Bag, result *api.QuotaResult) bool

// Quota is one requirement being checked.
type Quota struct {
	Name       string
	Amount     int64
	BestEffort bool
	Outcome    Outcome

	respond responseFunc
}

// NeedsResponse reports whether the quota must be sent to the backend.
func (q *Quota) NeedsResponse() bool {
	return q.respond != nil
}

var errNotDecided = status.Error(codes.Unavailable, "")

// CheckResult collects the quotas for one request.
type CheckResult struct {
	quotas []Quota
	err    error
	logger *slog.Logger
}

// Quotas returns the per-quota verdicts.
func (r *CheckResult) Quotas() []Quota {
	return r.quotas
}

// IsCacheHit reports whether the result was decided without the backend.
func (r *CheckResult) IsCacheHit() bool {
	return status.Code(r.err) != codes.Unavailable
}

// Err returns the quota decision. Nil means granted.
func (r *CheckResult) Err() error {
	return r.err
}

// BuildRequest adds the quotas that need a backend answer to req and reports
// whether any were added. It also settles the result when every quota was
// answered locally.
func (r *CheckResult) BuildRequest(req *api.CheckRequest) bool {
	var rejected []string
	pending := 0
	added := false
	for _, q := range r.quotas {
		switch q.Outcome {
		case Rejected:
			rejected = append(rejected, q.Name)
		case Pending:
			pending++
		}
		if q.respond != nil {
			if req.Quotas == nil {
				req.Quotas = make(map[string]api.QuotaParams)
			}
			req.Quotas[q.Name] = api.QuotaParams{Amount: q.Amount, BestEffort: q.BestEffort}
			added = true
		}
	}
	if len(rejected) > 0 {
		r.err = exhausted(rejected)
	} else if pending == 0 {
		r.err = nil
	}
	return added
}

// SetResponse feeds the backend answer to every quota that asked for one.
func (r *CheckResult) SetResponse(transportErr error, bag attribute.Bag, resp *api.CheckResponse) {
	var rejected []string
	for _, q := range r.quotas {
		if q.respond == nil {
			continue
		}
		var result *api.QuotaResult
		if transportErr == nil && resp != nil {
			if res, ok := resp.Quotas[q.Name]; ok {
				result = &res
			} else {
				r.logger.Warn("quota response did not have quota", "quota", q.Name)
			}
		}
		if !q.respond(bag, result) {
			rejected = append(rejected, q.Name)
		}
	}
	if len(rejected) > 0 {
		r.err = exhausted(rejected)
	} else {
		r.err = nil
	}
}

func exhausted(names []string) error {
	return status.Error(codes.ResourceExhausted, "Quota is exhausted for: "+strings.Join(names, ","))
}

// entry owns the prefetcher for one learned or pending quota balance.
type entry struct {
	name     string
	prefetch *prefetch.Prefetch
	cached   bool

	// current is the quota being checked while the prefetcher runs, so the
	// refill transport can attach its request. Guarded by the cache mutex.
	current *Quota
}

// quotaRefs holds the reference sets learned for one quota and the entry
// collecting its charges until the first response arrives.
type quotaRefs struct {
	order   []*referenced.Attributes
	byHash  map[policycache.Signature]struct{}
	pending *entry
}

func (q *quotaRefs) add(a *referenced.Attributes) bool {
	h := a.Hash()
	if _, ok := q.byHash[h]; ok {
		return false
	}
	if q.byHash == nil {
		q.byHash = make(map[policycache.Signature]struct{})
	}
	q.byHash[h] = struct{}{}
	q.order = append(q.order, a)
	return true
}

// Cache is a quota cache. It is safe for concurrent use.
type Cache struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	lru   *lru.Cache[policycache.Signature, *entry] // nil when disabled
	quota map[string]*quotaRefs
}

// New creates a quota cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prefetch.Logger == nil {
		opts.Prefetch.Logger = opts.Logger
	}
	c := &Cache{
		opts:   opts,
		logger: opts.Logger.With("component", "quotacache"),
		now:    opts.Now,
		quota:  make(map[string]*quotaRefs),
	}
	if opts.NumEntries > 0 {
		c.lru = lru.New(lru.Options[policycache.Signature, *entry]{
			Capacity: opts.NumEntries,
			MaxIdle:  opts.Expiration,
			Now:      opts.Now,
		})
	}
	return c
}

// Enabled reports whether balances are cached.
func (c *Cache) Enabled() bool {
	return c.lru != nil
}

// Check evaluates every requirement against the cache. Cached balances are
// only drawn down when useCache is set, since a request whose policy decision
// is not yet known may still be denied.
func (c *Cache) Check(bag attribute.Bag, reqs []quotaconfig.Requirement, useCache bool) *CheckResult {
	res := &CheckResult{
		quotas: make([]Quota, len(reqs)),
		err:    errNotDecided,
		logger: c.logger,
	}
	for i, req := range reqs {
		res.quotas[i] = Quota{Name: req.Quota, Amount: req.Charge}
		c.checkQuota(bag, useCache, &res.quotas[i])
	}
	return res
}

func (c *Cache) checkQuota(bag attribute.Bag, useCache bool, q *Quota) {
	if c.lru == nil || !useCache {
		q.BestEffort = false
		q.Outcome = Pending
		q.respond = func(_ attribute.Bag, result *api.QuotaResult) bool {
			// Fail open when the backend could not be reached.
			return result == nil ||
				result.Status.Code() == codes.Unavailable ||
				result.GrantedAmount > 0
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	refs := c.quota[q.Name]
	if refs == nil {
		refs = &quotaRefs{}
		c.quota[q.Name] = refs
	}
	for _, ref := range refs.order {
		sig, ok := ref.Signature(bag, q.Name)
		if !ok {
			continue
		}
		if e, found := c.lru.Lookup(sig); found {
			c.charge(e, q)
			return
		}
	}

	if refs.pending == nil {
		refs.pending = c.newEntry(q.Name)
	}
	e := refs.pending
	c.charge(e, q)

	saved := q.respond
	name := q.Name
	q.respond = func(bag attribute.Bag, result *api.QuotaResult) bool {
		c.promote(name, e, bag, result)
		if saved != nil {
			return saved(bag, result)
		}
		return true
	}
}

func (c *Cache) newEntry(name string) *entry {
	e := &entry{name: name}
	e.prefetch = prefetch.New(func(amount int64, done prefetch.DoneFunc) {
		c.alloc(e, amount, done)
	}, c.opts.Prefetch, c.now())
	return e
}

// charge runs the prefetcher for q. Called with the cache mutex held.
func (c *Cache) charge(e *entry, q *Quota) {
	e.current = q
	if e.prefetch.Check(q.Amount, c.now()) {
		q.Outcome = Passed
	} else {
		q.Outcome = Rejected
	}
	e.current = nil
}

// alloc attaches a refill request to the quota being charged.
func (c *Cache) alloc(e *entry, amount int64, done prefetch.DoneFunc) {
	q := e.current
	if q == nil {
		c.logger.Warn("refill requested outside a check", "quota", e.name)
		done(-1, defaultGrantExpiry, c.now())
		return
	}
	q.Amount = amount
	q.BestEffort = true
	q.respond = func(_ attribute.Bag, result *api.QuotaResult) bool {
		granted := int64(-1)
		validFor := defaultGrantExpiry
		if result != nil {
			granted = result.GrantedAmount
			if result.ValidDuration > 0 {
				validFor = result.ValidDuration
			}
		}
		done(granted, validFor, c.now())
		return true
	}
}

// promote moves a pending entry into the cache under the signature the
// backend's reference set yields for bag.
func (c *Cache) promote(name string, e *entry, bag attribute.Bag, result *api.QuotaResult) {
	if result == nil {
		return
	}
	ref, err := referenced.Fill(bag, result.ReferencedAttributes)
	if err != nil {
		c.logger.Debug("decode quota referenced attributes", "quota", name, "error", err)
		return
	}
	sig, ok := ref.Signature(bag, name)
	if !ok {
		c.logger.Warn("quota response referenced does not match request",
			"quota", name, "attributes", bag.String(), "referenced", ref.String())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(sig) {
		return
	}
	refs := c.quota[name]
	if refs == nil {
		refs = &quotaRefs{}
		c.quota[name] = refs
	}
	if refs.add(ref) {
		c.logger.Debug("add referenced for quota cache", "quota", name, "referenced", ref.String())
	}
	if refs.pending != e || e.cached {
		return
	}
	e.cached = true
	refs.pending = nil
	c.lru.Insert(sig, e)
}

// Flush drops balances idle longer than the configured expiration.
func (c *Cache) Flush() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.lru.RemoveExpired(); n > 0 {
		c.logger.Debug("flushed idle quota balances", "count", n)
	}
}

// FlushAll drops every balance, learned reference set and pending entry.
func (c *Cache) FlushAll() {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.RemoveAll()
	clear(c.quota)
}

// Len returns the number of cached balances.
func (c *Cache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
