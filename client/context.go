package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/checkcache"
	"github.com/wolfeidau/policy-cache/quotacache"
	"github.com/wolfeidau/policy-cache/quotaconfig"
)

// Result is the final outcome of a check.
type Result struct {
	// Err is the decision. Nil means the request may proceed.
	Err            error
	RouteDirective *api.RouteDirective
	CheckCacheHit  bool
	QuotaCacheHit  bool
}

// CheckContext carries one request through a check. It is not reusable.
type CheckContext struct {
	bag    attribute.Bag
	quotas []quotaconfig.Requirement

	policy      checkcache.Result
	quota       *quotacache.CheckResult
	remoteQuota bool
	result      Result
	final       attribute.Bag

	attempts atomic.Int32

	mu       sync.Mutex
	cancel   context.CancelFunc
	onCancel func()
}

// NewCheckContext creates a context for checking bag and charging quotas.
func NewCheckContext(bag attribute.Bag, quotas []quotaconfig.Requirement) *CheckContext {
	return &CheckContext{bag: bag, quotas: quotas, final: bag}
}

// Bag returns the request attributes.
func (cc *CheckContext) Bag() attribute.Bag {
	return cc.bag
}

// QuotaRequired reports whether any quota is charged.
func (cc *CheckContext) QuotaRequired() bool {
	return len(cc.quotas) > 0
}

// Result returns the final outcome. Only valid once Check has returned.
func (cc *CheckContext) Result() Result {
	return cc.result
}

// FinalAttributes returns the request attributes annotated with the cache
// hits, for reporting.
func (cc *CheckContext) FinalAttributes() attribute.Bag {
	return cc.final
}

// RetryAttempts returns how many times the remote check was retried.
func (cc *CheckContext) RetryAttempts() int {
	return int(cc.attempts.Load())
}

// Cancel aborts an in-flight remote check. It is a no-op otherwise.
func (cc *CheckContext) Cancel() {
	cc.mu.Lock()
	cancel, onCancel := cc.cancel, cc.onCancel
	cc.cancel, cc.onCancel = nil, nil
	cc.mu.Unlock()

	if cancel != nil {
		onCancel()
		cancel()
	}
}

func (cc *CheckContext) setCancel(cancel context.CancelFunc, onCancel func()) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cancel, cc.onCancel = cancel, onCancel
}

func (cc *CheckContext) resetCancel() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cancel, cc.onCancel = nil, nil
}

func (cc *CheckContext) finish(err error) Result {
	cc.result.Err = err
	cc.result.RouteDirective = cc.policy.RouteDirective
	cc.final = cc.bag.
		With(attribute.CheckCacheHit, attribute.Bool(cc.result.CheckCacheHit)).
		With(attribute.QuotaCacheHit, attribute.Bool(cc.result.QuotaCacheHit))
	return cc.result
}
