package client

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// jitterBackOff draws each delay uniformly from [base, min(max, base*2^attempt)].
type jitterBackOff struct {
	base     time.Duration
	maxDelay time.Duration
	attempt  int
	int64n   func(n int64) int64
}

var _ backoff.BackOff = (*jitterBackOff)(nil)

func newJitterBackOff(base, maxDelay time.Duration) *jitterBackOff {
	return &jitterBackOff{base: base, maxDelay: maxDelay, int64n: rand.Int64N}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	hi := b.maxDelay
	if b.attempt < 32 {
		if d := b.base << b.attempt; d > 0 && d < hi {
			hi = d
		}
	}
	b.attempt++
	if hi <= b.base {
		return b.base
	}
	return b.base + time.Duration(b.int64n(int64(hi-b.base)+1))
}

func (b *jitterBackOff) Reset() {
	b.attempt = 0
}
