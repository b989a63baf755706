// Package client ties the decision cache, quota cache and report batch into
// the check and report calls a proxy makes per request.
package client

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/checkcache"
	"github.com/wolfeidau/policy-cache/compress"
	"github.com/wolfeidau/policy-cache/quotacache"
	"github.com/wolfeidau/policy-cache/report"
	"github.com/wolfeidau/policy-cache/telemetry"
)

// ErrNoCheckTransport is returned by New without a check transport.
var ErrNoCheckTransport = errors.New("client: check transport is required")

// ErrNoReportTransport is returned by New without a report transport.
var ErrNoReportTransport = errors.New("client: report transport is required")

// CheckTransport sends a check request to the backend.
type CheckTransport func(ctx context.Context, req *api.CheckRequest) (*api.CheckResponse, error)

// CheckOptions configures the decision cache and remote check retries.
type CheckOptions struct {
	checkcache.Options

	// Retries is the number of times a failed remote check is retried.
	Retries int
	// BaseRetryDelay and MaxRetryDelay bound the jittered retry delay.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Options configures a Client.
type Options struct {
	Check  CheckOptions
	Quota  quotacache.Options
	Report report.Options

	CheckTransport  CheckTransport
	ReportTransport report.Transport

	// TimerFactory overrides Report.TimerFactory when set.
	TimerFactory report.TimerFactory

	// Compressor defaults to one over the well-known global words.
	Compressor *compress.Compressor

	// DeduplicationBase prefixes every check request's deduplication ID.
	// Defaults to a random UUID.
	DeduplicationBase string

	Logger *slog.Logger
}

// DefaultOptions returns the default client options, without transports.
func DefaultOptions() Options {
	return Options{
		Check: CheckOptions{
			Options:        checkcache.DefaultOptions(),
			BaseRetryDelay: 80 * time.Millisecond,
			MaxRetryDelay:  time.Second,
		},
		Quota:  quotacache.DefaultOptions(),
		Report: report.DefaultOptions(),
	}
}

// Statistics is a snapshot of the client counters.
type Statistics struct {
	TotalCheckCalls           int64 `json:"total_check_calls"`
	TotalCheckCacheHits       int64 `json:"total_check_cache_hits"`
	TotalCheckCacheMisses     int64 `json:"total_check_cache_misses"`
	TotalCheckCacheHitAccepts int64 `json:"total_check_cache_hit_accepts"`
	TotalCheckCacheHitDenies  int64 `json:"total_check_cache_hit_denies"`
	TotalRemoteCheckCalls     int64 `json:"total_remote_check_calls"`
	TotalRemoteCheckAccepts   int64 `json:"total_remote_check_accepts"`
	TotalRemoteCheckDenies    int64 `json:"total_remote_check_denies"`

	TotalQuotaCalls               int64 `json:"total_quota_calls"`
	TotalQuotaCacheHits           int64 `json:"total_quota_cache_hits"`
	TotalQuotaCacheMisses         int64 `json:"total_quota_cache_misses"`
	TotalQuotaCacheHitAccepts     int64 `json:"total_quota_cache_hit_accepts"`
	TotalQuotaCacheHitDenies      int64 `json:"total_quota_cache_hit_denies"`
	TotalRemoteQuotaCalls         int64 `json:"total_remote_quota_calls"`
	TotalRemoteQuotaAccepts       int64 `json:"total_remote_quota_accepts"`
	TotalRemoteQuotaDenies        int64 `json:"total_remote_quota_denies"`
	TotalRemoteQuotaPrefetchCalls int64 `json:"total_remote_quota_prefetch_calls"`

	TotalRemoteCalls             int64 `json:"total_remote_calls"`
	TotalRemoteCallSuccesses     int64 `json:"total_remote_call_successes"`
	TotalRemoteCallTimeouts      int64 `json:"total_remote_call_timeouts"`
	TotalRemoteCallSendErrors    int64 `json:"total_remote_call_send_errors"`
	TotalRemoteCallOtherErrors   int64 `json:"total_remote_call_other_errors"`
	TotalRemoteCallRetries       int64 `json:"total_remote_call_retries"`
	TotalRemoteCallCancellations int64 `json:"total_remote_call_cancellations"`

	TotalReportCalls             int64 `json:"total_report_calls"`
	TotalRemoteReportCalls       int64 `json:"total_remote_report_calls"`
	TotalRemoteReportSuccesses   int64 `json:"total_remote_report_successes"`
	TotalRemoteReportTimeouts    int64 `json:"total_remote_report_timeouts"`
	TotalRemoteReportSendErrors  int64 `json:"total_remote_report_send_errors"`
	TotalRemoteReportOtherErrors int64 `json:"total_remote_report_other_errors"`
}

type counters struct {
	checkCalls, checkHits, checkMisses, checkHitAccepts, checkHitDenies    atomic.Int64
	remoteCheckCalls, remoteCheckAccepts, remoteCheckDenies                atomic.Int64
	quotaCalls, quotaHits, quotaMisses, quotaHitAccepts, quotaHitDenies    atomic.Int64
	remoteQuotaCalls, remoteQuotaAccepts, remoteQuotaDenies, prefetchCalls atomic.Int64
	remoteCalls, successes, timeouts, sendErrors, otherErrors              atomic.Int64
	retries, cancellations                                                 atomic.Int64
}

// Client checks and reports requests through local caches. It is safe for
// concurrent use.
type Client struct {
	opts       Options
	logger     *slog.Logger
	check      *checkcache.Cache
	quota      *quotacache.Cache
	report     *report.Batch
	compressor *compress.Compressor

	dedupBase string
	dedupID   atomic.Uint64

	// ctx scopes background prefetch calls.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats counters
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.CheckTransport == nil {
		return nil, ErrNoCheckTransport
	}
	if opts.ReportTransport == nil {
		return nil, ErrNoReportTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Check.Logger == nil {
		opts.Check.Logger = opts.Logger
	}
	if opts.Quota.Logger == nil {
		opts.Quota.Logger = opts.Logger
	}
	if opts.Report.Logger == nil {
		opts.Report.Logger = opts.Logger
	}
	if opts.TimerFactory != nil {
		opts.Report.TimerFactory = opts.TimerFactory
	}
	if opts.Compressor == nil {
		opts.Compressor = compress.New(opts.Logger)
	}
	if opts.DeduplicationBase == "" {
		opts.DeduplicationBase = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		logger:     opts.Logger.With("component", "client"),
		check:      checkcache.New(opts.Check.Options),
		quota:      quotacache.New(opts.Quota),
		report:     report.New(opts.ReportTransport, opts.Compressor, opts.Report),
		compressor: opts.Compressor,
		dedupBase:  opts.DeduplicationBase,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Check decides whether the request in cc may proceed. It answers from the
// caches when it can and otherwise calls the backend, retrying transport
// failures. The result is also available from cc.Result.
func (c *Client) Check(ctx context.Context, cc *CheckContext) Result {
	c.stats.checkCalls.Add(1)

	cc.policy = c.check.Check(cc.bag)
	cc.result.CheckCacheHit = cc.policy.Hit
	if cc.policy.Hit {
		c.stats.checkHits.Add(1)
		if cc.policy.Err != nil {
			c.stats.checkHitDenies.Add(1)
			telemetry.RecordCheck(ctx, telemetry.CacheHit, "deny")
			return cc.finish(cc.policy.Err)
		}
		c.stats.checkHitAccepts.Add(1)
		telemetry.RecordCheck(ctx, telemetry.CacheHit, "allow")
		if !cc.QuotaRequired() {
			return cc.finish(nil)
		}
	} else {
		c.stats.checkMisses.Add(1)
	}

	req := &api.CheckRequest{}
	if cc.QuotaRequired() {
		c.stats.quotaCalls.Add(1)
		// Balances are only drawn down once the policy decision is known.
		cc.quota = c.quota.Check(cc.bag, cc.quotas, cc.policy.Hit)
		cc.remoteQuota = cc.quota.BuildRequest(req)
		cc.result.QuotaCacheHit = cc.quota.IsCacheHit()

		c.logger.Debug("quota cache checked",
			"hit", cc.result.QuotaCacheHit,
			"remote", cc.remoteQuota,
			"error", cc.quota.Err())

		if cc.result.QuotaCacheHit {
			c.stats.quotaHits.Add(1)
			if cc.quota.Err() == nil {
				c.stats.quotaHitAccepts.Add(1)
				telemetry.RecordQuota(ctx, telemetry.CacheHit, "allow")
			} else {
				c.stats.quotaHitDenies.Add(1)
				telemetry.RecordQuota(ctx, telemetry.CacheHit, "exhausted")
			}

			if cc.policy.Hit {
				res := cc.finish(cc.quota.Err())
				if cc.remoteQuota {
					c.prefetch(cc, req)
				}
				return res
			}
		} else {
			c.stats.quotaMisses.Add(1)
		}
	}

	c.prepare(cc, req, false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cc.setCancel(cancel, func() { c.stats.cancellations.Add(1) })
	defer cc.resetCancel()

	resp, err := c.remoteCheck(ctx, cc, req)
	return cc.finish(c.onResponse(ctx, cc, resp, err))
}

// prefetch sends a quota refill in the background for a request that was
// already answered from the caches.
func (c *Client) prefetch(cc *CheckContext, req *api.CheckRequest) {
	c.prepare(cc, req, true)
	quota := cc.quota
	bag := cc.bag

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		resp, err := c.remoteCheck(c.ctx, cc, req)
		quota.SetResponse(err, bag, resp)
		c.countQuota(c.ctx, quota.Err())
		if api.IsInvalidDictionary(err) {
			c.compressor.ShrinkGlobalDictionary()
		}
	}()
}

// prepare compresses the request and counts why it is sent.
func (c *Client) prepare(cc *CheckContext, req *api.CheckRequest, prefetch bool) {
	// The count is read first so a concurrent shrink can only lower the
	// indices actually used.
	req.GlobalWordCount = c.compressor.GlobalWordCount()
	req.Attributes = c.compressor.Compress(cc.bag)
	req.DeduplicationID = c.dedupBase + strconv.FormatUint(c.dedupID.Add(1)-1, 10)

	c.stats.remoteCalls.Add(1)
	if !cc.policy.Hit {
		c.stats.remoteCheckCalls.Add(1)
	}
	if cc.remoteQuota {
		c.stats.remoteQuotaCalls.Add(1)
	}
	if prefetch {
		c.stats.prefetchCalls.Add(1)
	}
}

// remoteCheck calls the transport, retrying failures up to Check.Retries times.
func (c *Client) remoteCheck(ctx context.Context, cc *CheckContext, req *api.CheckRequest) (*api.CheckResponse, error) {
	op := func() (*api.CheckResponse, error) {
		start := time.Now()
		resp, err := c.opts.CheckTransport(ctx, req)
		result := api.TransportStatus(err)
		c.countTransport(result)
		telemetry.RecordRemoteCall(ctx, "check", result.String(), time.Since(start))
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(newJitterBackOff(c.opts.Check.BaseRetryDelay, c.opts.Check.MaxRetryDelay)),
		backoff.WithMaxTries(uint(max(c.opts.Check.Retries, 0))+1),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.stats.retries.Add(1)
			n := cc.attempts.Add(1)
			c.logger.Debug("retrying remote check", "attempt", n, "delay", d, "error", err)
		}),
	)
}

// onResponse updates the caches from the backend answer and returns the
// final decision.
func (c *Client) onResponse(ctx context.Context, cc *CheckContext, resp *api.CheckResponse, transportErr error) error {
	if !cc.policy.Hit {
		cc.policy.Err = c.check.OnResponse(cc.bag, resp, transportErr)
		if transportErr == nil && resp != nil && resp.Precondition != nil {
			cc.policy.RouteDirective = resp.Precondition.RouteDirective
		}
		if cc.policy.Err == nil {
			c.stats.remoteCheckAccepts.Add(1)
			telemetry.RecordCheck(ctx, telemetry.CacheMiss, "allow")
		} else {
			c.stats.remoteCheckDenies.Add(1)
			telemetry.RecordCheck(ctx, telemetry.CacheMiss, "deny")
		}
	}

	if cc.QuotaRequired() {
		cc.quota.SetResponse(transportErr, cc.bag, resp)
		c.countQuota(ctx, cc.quota.Err())
	}

	if api.IsInvalidDictionary(transportErr) {
		c.compressor.ShrinkGlobalDictionary()
	}

	switch {
	case transportErr != nil:
		c.logger.Debug("remote check failed", "error", transportErr, "fail_open", c.opts.Check.NetworkFailOpen)
		if c.opts.Check.NetworkFailOpen {
			return nil
		}
		return transportErr
	case !cc.QuotaRequired(), cc.policy.Err != nil:
		return cc.policy.Err
	default:
		return cc.quota.Err()
	}
}

func (c *Client) countQuota(ctx context.Context, err error) {
	if err == nil {
		c.stats.remoteQuotaAccepts.Add(1)
		telemetry.RecordQuota(ctx, telemetry.CacheMiss, "allow")
	} else {
		c.stats.remoteQuotaDenies.Add(1)
		telemetry.RecordQuota(ctx, telemetry.CacheMiss, "exhausted")
	}
}

func (c *Client) countTransport(result api.TransportResult) {
	switch result {
	case api.Success:
		c.stats.successes.Add(1)
	case api.ResponseTimeout:
		c.stats.timeouts.Add(1)
	case api.SendError:
		c.stats.sendErrors.Add(1)
	default:
		c.stats.otherErrors.Add(1)
	}
}

// Report queues bag for the next report batch.
func (c *Client) Report(bag attribute.Bag) {
	c.report.Report(bag)
}

// Flush drops idle quota balances and publishes cache sizes.
func (c *Client) Flush() {
	c.quota.Flush()
	telemetry.UpdateCacheEntries(c.ctx, "check", c.check.Len())
	telemetry.UpdateCacheEntries(c.ctx, "quota", c.quota.Len())
}

// FlushAll drops every cached decision and quota balance.
func (c *Client) FlushAll() {
	c.check.FlushAll()
	c.quota.FlushAll()
}

// Statistics returns the current counters.
func (c *Client) Statistics() Statistics {
	s := &c.stats
	rs := c.report.Stats()
	return Statistics{
		TotalCheckCalls:           s.checkCalls.Load(),
		TotalCheckCacheHits:       s.checkHits.Load(),
		TotalCheckCacheMisses:     s.checkMisses.Load(),
		TotalCheckCacheHitAccepts: s.checkHitAccepts.Load(),
		TotalCheckCacheHitDenies:  s.checkHitDenies.Load(),
		TotalRemoteCheckCalls:     s.remoteCheckCalls.Load(),
		TotalRemoteCheckAccepts:   s.remoteCheckAccepts.Load(),
		TotalRemoteCheckDenies:    s.remoteCheckDenies.Load(),

		TotalQuotaCalls:               s.quotaCalls.Load(),
		TotalQuotaCacheHits:           s.quotaHits.Load(),
		TotalQuotaCacheMisses:         s.quotaMisses.Load(),
		TotalQuotaCacheHitAccepts:     s.quotaHitAccepts.Load(),
		TotalQuotaCacheHitDenies:      s.quotaHitDenies.Load(),
		TotalRemoteQuotaCalls:         s.remoteQuotaCalls.Load(),
		TotalRemoteQuotaAccepts:       s.remoteQuotaAccepts.Load(),
		TotalRemoteQuotaDenies:        s.remoteQuotaDenies.Load(),
		TotalRemoteQuotaPrefetchCalls: s.prefetchCalls.Load(),

		TotalRemoteCalls:             s.remoteCalls.Load(),
		TotalRemoteCallSuccesses:     s.successes.Load(),
		TotalRemoteCallTimeouts:      s.timeouts.Load(),
		TotalRemoteCallSendErrors:    s.sendErrors.Load(),
		TotalRemoteCallOtherErrors:   s.otherErrors.Load(),
		TotalRemoteCallRetries:       s.retries.Load(),
		TotalRemoteCallCancellations: s.cancellations.Load(),

		TotalReportCalls:             rs.TotalReportCalls,
		TotalRemoteReportCalls:       rs.TotalRemoteReportCalls,
		TotalRemoteReportSuccesses:   rs.TotalRemoteReportSuccesses,
		TotalRemoteReportTimeouts:    rs.TotalRemoteReportTimeouts,
		TotalRemoteReportSendErrors:  rs.TotalRemoteReportSendErrors,
		TotalRemoteReportOtherErrors: rs.TotalRemoteReportOtherErrors,
	}
}

// Close waits for background prefetches and flushes pending reports. If ctx
// ends first, outstanding calls are cancelled.
func (c *Client) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.cancel()
		<-done
	}
	defer c.cancel()
	return c.report.Close(ctx)
}
