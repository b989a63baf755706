package checkcache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/referenced"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T, mutate func(*Options)) (*Cache, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1700000000, 0)}
	opts := DefaultOptions()
	opts.Now = clk.now
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), clk
}

func bagFor(ip, path string) attribute.Bag {
	return attribute.NewBuilder().
		String(attribute.SourceIP, ip).
		String(attribute.RequestPath, path).
		Build()
}

func response(st *status.Status, validFor time.Duration, uses int32, names ...string) *api.CheckResponse {
	return &api.CheckResponse{
		Precondition: &api.PreconditionResult{
			Status:               st,
			ValidDuration:        validFor,
			ValidUseCount:        uses,
			ReferencedAttributes: referenced.ExactNames(names...),
		},
	}
}

func TestMissBeforeAnyResponse(t *testing.T) {
	c, _ := newTestCache(t, nil)
	res := c.Check(bagFor("10.0.0.1", "/a"))
	require.False(t, res.Hit)
}

func TestCachesByReferencedAttributes(t *testing.T) {
	c, _ := newTestCache(t, nil)
	denied := status.New(codes.PermissionDenied, "no")

	err := c.CacheResponse(bagFor("10.0.0.1", "/a"), response(denied, time.Minute, -1, attribute.SourceIP))
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	// path is not referenced so a different path still hits
	res := c.Check(bagFor("10.0.0.1", "/b"))
	require.True(t, res.Hit)
	require.Equal(t, codes.PermissionDenied, status.Code(res.Err))

	res = c.Check(bagFor("10.0.0.2", "/a"))
	require.False(t, res.Hit)
}

func TestExpiresByDuration(t *testing.T) {
	c, clk := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, 10*time.Second, -1, attribute.SourceIP)))

	clk.advance(10 * time.Second)
	res := c.Check(bag)
	require.True(t, res.Hit)
	require.NoError(t, res.Err)

	clk.advance(time.Millisecond)
	require.False(t, c.Check(bag).Hit)
	require.Equal(t, 0, c.Len())
}

func TestZeroDurationNeverExpires(t *testing.T) {
	c, clk := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, 0, -1, attribute.SourceIP)))

	clk.advance(365 * 24 * time.Hour)
	require.True(t, c.Check(bag).Hit)
}

func TestPastExpiryNeverServed(t *testing.T) {
	c, clk := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, -time.Second, -1, attribute.SourceIP)))

	require.False(t, c.Check(bag).Hit)

	require.NoError(t, c.CacheResponse(bag, response(nil, -time.Second, -1, attribute.SourceIP)))
	clk.advance(time.Hour)
	require.False(t, c.Check(bag).Hit)
}

func TestUseCount(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, time.Minute, 2, attribute.SourceIP)))

	require.True(t, c.Check(bag).Hit)
	require.True(t, c.Check(bag).Hit)
	require.False(t, c.Check(bag).Hit)
}

func TestZeroUseCountIsSpent(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, time.Minute, 0, attribute.SourceIP)))
	require.False(t, c.Check(bag).Hit)
}

func TestRefreshInPlace(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, time.Minute, -1, attribute.SourceIP)))

	err := c.CacheResponse(bag, response(status.New(codes.PermissionDenied, "revoked"), time.Minute, -1, attribute.SourceIP))
	require.Error(t, err)
	require.Equal(t, 1, c.Len())

	res := c.Check(bag)
	require.True(t, res.Hit)
	require.Equal(t, codes.PermissionDenied, status.Code(res.Err))
}

func TestRouteDirectiveCached(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	resp := response(nil, time.Minute, -1, attribute.SourceIP)
	resp.Precondition.RouteDirective = &api.RouteDirective{
		RequestHeaderOperations: []api.HeaderOperation{{Name: "x-user", Value: "alice", Operation: api.HeaderReplace}},
	}
	require.NoError(t, c.CacheResponse(bag, resp))

	res := c.Check(bag)
	require.True(t, res.Hit)
	require.NotNil(t, res.RouteDirective)
	require.Equal(t, "x-user", res.RouteDirective.RequestHeaderOperations[0].Name)
}

func TestMissingPrecondition(t *testing.T) {
	c, _ := newTestCache(t, nil)
	err := c.CacheResponse(bagFor("10.0.0.1", "/a"), &api.CheckResponse{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Equal(t, 0, c.Len())
}

func TestInternalFailOpen(t *testing.T) {
	internal := status.New(codes.Internal, "boom")
	bag := bagFor("10.0.0.1", "/a")

	c, _ := newTestCache(t, nil)
	require.NoError(t, c.CacheResponse(bag, response(internal, time.Minute, -1, attribute.SourceIP)))

	closed, _ := newTestCache(t, func(o *Options) { o.NetworkFailOpen = false })
	err := closed.CacheResponse(bag, response(internal, time.Minute, -1, attribute.SourceIP))
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestOnResponseTransportError(t *testing.T) {
	bag := bagFor("10.0.0.1", "/a")
	transportErr := errors.New("connection refused")

	open, _ := newTestCache(t, nil)
	require.NoError(t, open.OnResponse(bag, nil, transportErr))

	closed, _ := newTestCache(t, func(o *Options) { o.NetworkFailOpen = false })
	require.ErrorIs(t, closed.OnResponse(bag, nil, transportErr), transportErr)

	err := closed.OnResponse(bag, response(status.New(codes.PermissionDenied, "no"), time.Minute, -1, attribute.SourceIP), nil)
	require.Equal(t, codes.PermissionDenied, status.Code(err))
	require.True(t, closed.Check(bag).Hit)
}

func TestDisabled(t *testing.T) {
	c, _ := newTestCache(t, func(o *Options) { o.NumEntries = 0 })
	require.False(t, c.Enabled())
	bag := bagFor("10.0.0.1", "/a")

	err := c.CacheResponse(bag, response(status.New(codes.PermissionDenied, "no"), time.Minute, -1, attribute.SourceIP))
	require.Equal(t, codes.PermissionDenied, status.Code(err))
	require.False(t, c.Check(bag).Hit)
	require.Equal(t, 0, c.Len())
	c.FlushAll()
}

func TestMismatchedReferencedNotCached(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")

	// destination.ip is referenced as exact but not in the bag
	err := c.CacheResponse(bag, response(status.New(codes.PermissionDenied, "no"), time.Minute, -1, attribute.DestinationIP))
	require.Equal(t, codes.PermissionDenied, status.Code(err))
	require.Equal(t, 0, c.Len())

	bad := response(nil, time.Minute, -1)
	bad.Precondition.ReferencedAttributes.AttributeMatches = []api.AttributeMatch{{Name: 9999, Condition: api.Exact}}
	require.NoError(t, c.CacheResponse(bag, bad))
	require.Equal(t, 0, c.Len())
}

func TestFirstRegisteredReferenceSetWins(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")

	require.NoError(t, c.CacheResponse(bag, response(nil, time.Minute, -1, attribute.SourceIP)))
	err := c.CacheResponse(bag, response(status.New(codes.PermissionDenied, "path"), time.Minute, -1, attribute.SourceIP, attribute.RequestPath))
	require.Error(t, err)
	require.Equal(t, 2, c.Len())

	res := c.Check(bag)
	require.True(t, res.Hit)
	require.NoError(t, res.Err)
}

func TestAbsenceReference(t *testing.T) {
	c, _ := newTestCache(t, nil)
	anon := bagFor("10.0.0.1", "/a")
	resp := &api.CheckResponse{Precondition: &api.PreconditionResult{
		Status:        status.New(codes.Unauthenticated, "login"),
		ValidDuration: time.Minute,
		ValidUseCount: -1,
		ReferencedAttributes: referenced.Encode(
			[]referenced.Key{{Name: attribute.SourceUser}},
			[]referenced.Key{{Name: attribute.RequestPath}},
		),
	}}
	require.Error(t, c.CacheResponse(anon, resp))

	res := c.Check(bagFor("10.0.0.9", "/a"))
	require.True(t, res.Hit)
	require.Equal(t, codes.Unauthenticated, status.Code(res.Err))

	authed := anon.With(attribute.SourceUser, attribute.String("alice"))
	require.False(t, c.Check(authed).Hit)
}

func TestFlushAll(t *testing.T) {
	c, _ := newTestCache(t, nil)
	bag := bagFor("10.0.0.1", "/a")
	require.NoError(t, c.CacheResponse(bag, response(nil, time.Minute, -1, attribute.SourceIP)))

	c.FlushAll()
	require.Equal(t, 0, c.Len())
	require.False(t, c.Check(bag).Hit)
	require.Empty(t, c.refs.order)
}

func TestCapacityEviction(t *testing.T) {
	c, _ := newTestCache(t, func(o *Options) { o.NumEntries = 2 })
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.NoError(t, c.CacheResponse(bagFor(ip, "/"), response(nil, time.Minute, -1, attribute.SourceIP)))
	}
	require.Equal(t, 2, c.Len())
	require.False(t, c.Check(bagFor("10.0.0.1", "/")).Hit)
	require.True(t, c.Check(bagFor("10.0.0.3", "/")).Hit)
}
