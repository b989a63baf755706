// Package backend simulates a policy backend: it answers checks from a YAML
// policy, allocates quota from rolling windows and archives report batches.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/compress"
	"github.com/wolfeidau/policy-cache/lru"
	"github.com/wolfeidau/policy-cache/referenced"
)

// ReportPrefix is the archive key prefix for report records.
const ReportPrefix = "reports/"

// Options configures a Backend.
type Options struct {
	// MaxGlobalWords is the size of the global dictionary the backend knows.
	// Requests claiming a larger dictionary are rejected as invalid.
	MaxGlobalWords int32

	// Latency delays every call, to exercise client timeouts and caching.
	Latency time.Duration

	// DedupCapacity bounds how many deduplication IDs are remembered.
	DedupCapacity int

	// Archive receives report batches. Nil only counts them.
	Archive Archive

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultOptions returns options for a backend that knows the full dictionary.
func DefaultOptions() Options {
	return Options{
		MaxGlobalWords: int32(len(attribute.GlobalWords())), //nolint:gosec // fixed word list
		DedupCapacity:  1000,
		Logger:         slog.Default(),
	}
}

// Stats counts what the backend has served.
type Stats struct {
	Checks            int64 `json:"checks"`
	Denied            int64 `json:"denied"`
	Deduplicated      int64 `json:"deduplicated"`
	InvalidDictionary int64 `json:"invalid_dictionary"`
	QuotaRequests     int64 `json:"quota_requests"`
	QuotaExhausted    int64 `json:"quota_exhausted"`
	Reports           int64 `json:"reports"`
	ReportedEntries   int64 `json:"reported_entries"`
}

type counters struct {
	checks            atomic.Int64
	denied            atomic.Int64
	deduplicated      atomic.Int64
	invalidDictionary atomic.Int64
	quotaRequests     atomic.Int64
	quotaExhausted    atomic.Int64
	reports           atomic.Int64
	reportedEntries   atomic.Int64
}

type window struct {
	start  time.Time
	expiry time.Time
	used   int64
}

// Backend is an in-memory policy, quota and report backend.
// It is safe for concurrent use.
type Backend struct {
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	rules   []compiledRule
	def     Decision
	quotas  map[string]Quota
	codec   *compress.PayloadCodec
	archive Archive
	seq     atomic.Uint64
	stats   counters

	mu       sync.Mutex
	windows  map[policycache.Signature]*window
	dedup    *lru.Cache[string, *api.CheckResponse]
	failures []error
}

// New compiles policy into a Backend.
func New(policy Policy, opts Options) (*Backend, error) {
	if opts.MaxGlobalWords <= 0 {
		opts.MaxGlobalWords = int32(len(attribute.GlobalWords())) //nolint:gosec // fixed word list
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	rules, err := compileRules(policy.Rules)
	if err != nil {
		return nil, err
	}
	if policy.Default.Route != nil {
		if err := validateRoute(policy.Default.Route); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
	}

	quotas := make(map[string]Quota, len(policy.Quotas))
	for _, q := range policy.Quotas {
		if q.Name == "" {
			return nil, errors.New("quota without a name")
		}
		if q.Window <= 0 {
			q.Window = time.Minute
		}
		quotas[q.Name] = q
	}

	codec, err := compress.NewPayloadCodec()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		opts:    opts,
		logger:  opts.Logger.With("component", "backend"),
		now:     opts.Now,
		rules:   rules,
		def:     policy.Default,
		quotas:  quotas,
		codec:   codec,
		archive: opts.Archive,
		windows: make(map[policycache.Signature]*window),
		dedup: lru.New(lru.Options[string, *api.CheckResponse]{
			Capacity: opts.DedupCapacity,
			Now:      opts.Now,
		}),
	}
	b.logger.Info("policy loaded", "rules", len(rules), "quotas", len(quotas))
	return b, nil
}

// Close releases codec resources.
func (b *Backend) Close() {
	b.codec.Close()
}

// FailNext makes the next len(errs) calls return errs in order.
func (b *Backend) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

func (b *Backend) injected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.failures) == 0 {
		return nil
	}
	err := b.failures[0]
	b.failures = b.failures[1:]
	return err
}

func (b *Backend) delay(ctx context.Context) error {
	if b.opts.Latency <= 0 {
		if err := ctx.Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		return nil
	}
	t := time.NewTimer(b.opts.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	case <-t.C:
		return nil
	}
}

// Check answers a policy check and its quota allocations. A request repeating
// a remembered deduplication ID gets the original response.
func (b *Backend) Check(ctx context.Context, req *api.CheckRequest) (*api.CheckResponse, error) {
	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	if err := b.injected(); err != nil {
		return nil, err
	}
	b.stats.checks.Add(1)

	if req.GlobalWordCount > b.opts.MaxGlobalWords {
		b.stats.invalidDictionary.Add(1)
		return nil, api.InvalidDictionaryError()
	}
	bag, err := compress.Decompress(req.Attributes, req.GlobalWordCount, req.Attributes.Words)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decompress attributes: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.DeduplicationID != "" {
		if resp, ok := b.dedup.Lookup(req.DeduplicationID); ok {
			b.stats.deduplicated.Add(1)
			return resp, nil
		}
	}

	resp := &api.CheckResponse{Precondition: b.decide(bag)}
	if resp.Precondition.Status != nil {
		b.stats.denied.Add(1)
	}
	if len(req.Quotas) > 0 {
		resp.Quotas = make(map[string]api.QuotaResult, len(req.Quotas))
		for name, params := range req.Quotas {
			resp.Quotas[name] = b.allocate(bag, name, params)
		}
	}

	if req.DeduplicationID != "" {
		b.dedup.Insert(req.DeduplicationID, resp)
	}
	return resp, nil
}

// decide evaluates rules in order. Every rule examined up to the first match
// contributes its attributes to the reference set.
func (b *Backend) decide(bag attribute.Bag) *api.PreconditionResult {
	var names []string
	d := b.def
	rule := "default"
	for _, r := range b.rules {
		names = append(names, r.referenced...)
		if r.match.Matches(bag) {
			d = r.decision
			rule = r.name
			break
		}
	}

	res := &api.PreconditionResult{
		ValidDuration:        d.ValidDuration,
		ValidUseCount:        -1,
		ReferencedAttributes: reference(bag, names),
		RouteDirective:       d.Route.directive(),
	}
	if d.ValidUseCount != nil {
		res.ValidUseCount = *d.ValidUseCount
	}
	if code := codes.Code(d.Code); code != codes.OK {
		res.Status = status.New(code, d.Message)
	}
	b.logger.Debug("check decided", "rule", rule, "code", codes.Code(d.Code))
	return res
}

// reference declares names as exact when bag has them and absent otherwise.
func reference(bag attribute.Bag, names []string) api.ReferencedAttributes {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)

	var absent, exact []referenced.Key
	for _, n := range names {
		if _, ok := bag.Get(n); ok {
			exact = append(exact, referenced.Key{Name: n})
		} else {
			absent = append(absent, referenced.Key{Name: n})
		}
	}
	return referenced.Encode(absent, exact)
}

// allocate grants from the caller's window. Unknown quotas are unlimited.
// Callers hold b.mu.
func (b *Backend) allocate(bag attribute.Bag, name string, params api.QuotaParams) api.QuotaResult {
	b.stats.quotaRequests.Add(1)

	q, ok := b.quotas[name]
	if !ok {
		return api.QuotaResult{GrantedAmount: params.Amount}
	}

	now := b.now()
	key := windowKey(q, bag)
	w := b.windows[key]
	if w == nil || !now.Before(w.expiry) {
		w = &window{start: now, expiry: now.Add(q.Window)}
		b.windows[key] = w
	}

	granted := params.Amount
	if available := q.MaxAmount - w.used; granted > available {
		granted = 0
		if params.BestEffort {
			granted = max(available, 0)
		}
	}
	w.used += granted

	res := api.QuotaResult{
		GrantedAmount:        granted,
		ValidDuration:        q.ValidDuration,
		ReferencedAttributes: reference(bag, q.Referenced),
	}
	if res.ValidDuration == 0 {
		res.ValidDuration = w.expiry.Sub(now)
	}
	if granted == 0 && params.Amount > 0 {
		b.stats.quotaExhausted.Add(1)
		res.Status = status.Newf(codes.ResourceExhausted, "quota %s exhausted", name)
	}
	return res
}

func windowKey(q Quota, bag attribute.Bag) policycache.Signature {
	h := policycache.NewHasher()
	h.WriteString(q.Name)
	for _, n := range q.Referenced {
		h.WriteDelimiter()
		h.WriteString(n)
		if v, ok := bag.Get(n); ok {
			h.WriteDelimiter()
			h.WriteString(v.String())
		}
	}
	return h.Sum()
}

// Flush drops quota windows that have ended.
func (b *Backend) Flush() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, w := range b.windows {
		if !now.Before(w.expiry) {
			delete(b.windows, k)
		}
	}
}

// Len returns the number of open quota windows.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows)
}

// Report accepts a report batch, archiving it when an Archive is configured.
func (b *Backend) Report(ctx context.Context, req *api.ReportRequest) error {
	if err := b.delay(ctx); err != nil {
		return err
	}
	if err := b.injected(); err != nil {
		return err
	}
	if req.GlobalWordCount > b.opts.MaxGlobalWords {
		b.stats.invalidDictionary.Add(1)
		return api.InvalidDictionaryError()
	}

	bags, err := compress.DecompressReport(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decompress report: %v", err)
	}
	b.stats.reports.Add(1)
	b.stats.reportedEntries.Add(int64(len(bags)))

	if b.archive == nil {
		return nil
	}

	payload, err := b.codec.Encode(req)
	if err != nil {
		return status.Errorf(codes.Internal, "encode report: %v", err)
	}
	now := b.now()
	hdr := &RecordHeader{
		Encoding:   payload.Encoding.String(),
		Digest:     payload.Digest.String(),
		Size:       payload.Size,
		Entries:    len(bags),
		ReceivedAt: now.UTC().Format(time.RFC3339Nano),
	}
	var buf bytes.Buffer
	if err := WriteFramed(&buf, hdr, bytes.NewReader(payload.Data)); err != nil {
		return status.Errorf(codes.Internal, "frame report: %v", err)
	}
	key := fmt.Sprintf("%s%020d-%06d.pcr", ReportPrefix, now.UnixNano(), b.seq.Add(1))
	if err := b.archive.Write(ctx, key, &buf); err != nil {
		return status.Errorf(codes.Internal, "archive report: %v", err)
	}

	b.logger.Debug("report archived", "key", key, "entries", len(bags), "encoding", hdr.Encoding)
	return nil
}

// Stats returns a snapshot of the backend counters.
func (b *Backend) Stats() Stats {
	return Stats{
		Checks:            b.stats.checks.Load(),
		Denied:            b.stats.denied.Load(),
		Deduplicated:      b.stats.deduplicated.Load(),
		InvalidDictionary: b.stats.invalidDictionary.Load(),
		QuotaRequests:     b.stats.quotaRequests.Load(),
		QuotaExhausted:    b.stats.quotaExhausted.Load(),
		Reports:           b.stats.reports.Load(),
		ReportedEntries:   b.stats.reportedEntries.Load(),
	}
}

// Record is one archived report batch.
type Record struct {
	Key     string
	Header  RecordHeader
	Request *api.ReportRequest
}

// ReadReports decodes every report record in archive, oldest first.
func ReadReports(ctx context.Context, archive Archive) ([]Record, error) {
	keys, err := archive.List(ctx, ReportPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	codec, err := compress.NewPayloadCodec()
	if err != nil {
		return nil, err
	}
	defer codec.Close()

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := readRecord(ctx, archive, codec, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(ctx context.Context, archive Archive, codec *compress.PayloadCodec, key string) (Record, error) {
	rc, err := archive.Read(ctx, key)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = rc.Close() }()

	hdr, body, err := ReadFramed(rc)
	if err != nil {
		return Record{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Record{}, fmt.Errorf("reading body: %w", err)
	}
	enc, err := compress.ParseEncoding(hdr.Encoding)
	if err != nil {
		return Record{}, err
	}
	digest, err := policycache.ParseSignature(hdr.Digest)
	if err != nil {
		return Record{}, fmt.Errorf("parsing digest: %w", err)
	}
	req, err := codec.Decode(data, enc, digest)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Header: *hdr, Request: req}, nil
}
