package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// UpstreamTransport records every request proxied to an upstream once its
// response body is drained or closed. The route and policy decision are taken
// from the request tags, so the fetch is attributed to what allowed it.
type UpstreamTransport struct {
	base     http.RoundTripper
	upstream string
	now      func() time.Time
}

// NewUpstreamTransport wraps base for the named upstream. A nil base uses
// http.DefaultTransport.
func NewUpstreamTransport(base http.RoundTripper, upstream string) *UpstreamTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &UpstreamTransport{base: base, upstream: upstream, now: time.Now}
}

// UpstreamFetch describes one proxied request.
type UpstreamFetch struct {
	Upstream string
	Route    string
	Decision string
	Outcome  string
	Bytes    int64
	Duration time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fetch := &UpstreamFetch{Upstream: t.upstream, Route: RouteFromContext(ctx), Decision: "allow"}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags.Decision != "" {
		fetch.Decision = tags.Decision
	}
	start := t.now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.Outcome = failureOutcome(ctx, err)
		fetch.Duration = t.now().Sub(start)
		RecordUpstreamFetch(ctx, *fetch)
		return nil, err
	}

	fetch.Outcome = StatusClass(resp.StatusCode)
	resp.Body = &meteredBody{
		body:  resp.Body,
		ctx:   ctx,
		fetch: fetch,
		done: func() time.Duration {
			return t.now().Sub(start)
		},
	}
	return resp, nil
}

func failureOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}

// meteredBody counts body bytes and records the fetch on EOF or Close,
// whichever comes first.
type meteredBody struct {
	body  io.ReadCloser
	ctx   context.Context
	fetch *UpstreamFetch
	done  func() time.Duration
	once  sync.Once
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.fetch.Bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.record()
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.record()
	return b.body.Close()
}

func (b *meteredBody) record() {
	b.once.Do(func() {
		b.fetch.Duration = b.done()
		RecordUpstreamFetch(b.ctx, *b.fetch)
	})
}
