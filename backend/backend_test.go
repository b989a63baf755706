package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/compress"
	"github.com/wolfeidau/policy-cache/quotaconfig"
	"github.com/wolfeidau/policy-cache/referenced"
)

const testPolicy = `
rules:
  - name: deny-admin
    match:
      - clause:
          request.path: {prefix: /admin}
    code: PERMISSION_DENIED
    message: admin is off limits
    valid_duration: 1m
    valid_use_count: 5
  - name: tag-api
    match:
      - clause:
          request.host: {exact: api.example.com}
    referenced: [source.user]
    route:
      request_headers:
        - {name: x-policy, value: api}
      response_headers:
        - {name: server, operation: remove}
default:
  valid_duration: 30s
quotas:
  - name: requests
    max_amount: 3
    window: 1m
    referenced: [source.ip]
`

type fixture struct {
	backend *Backend
	comp    *compress.Compressor
	clock   time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	policy, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)

	f := &fixture{comp: compress.New(nil), clock: time.Unix(1700000000, 0)}
	opts.Now = func() time.Time { return f.clock }
	b, err := New(policy, opts)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	f.backend = b
	return f
}

func (f *fixture) request(bag attribute.Bag, quotas map[string]api.QuotaParams) *api.CheckRequest {
	return &api.CheckRequest{
		GlobalWordCount: f.comp.GlobalWordCount(),
		Attributes:      f.comp.Compress(bag),
		Quotas:          quotas,
	}
}

func refs(t *testing.T, bag attribute.Bag, ref api.ReferencedAttributes) (absent, exact []referenced.Key) {
	t.Helper()
	a, err := referenced.Fill(bag, ref)
	require.NoError(t, err)
	return a.AbsentKeys(), a.ExactKeys()
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)
	require.Len(t, p.Rules, 2)
	require.Equal(t, Code(codes.PermissionDenied), p.Rules[0].Code)
	require.Equal(t, time.Minute, p.Rules[0].ValidDuration)
	require.Equal(t, int32(5), *p.Rules[0].ValidUseCount)
	require.Equal(t, 30*time.Second, p.Default.ValidDuration)
	require.Equal(t, []Quota{{Name: "requests", MaxAmount: 3, Window: time.Minute, Referenced: []string{attribute.SourceIP}}}, p.Quotas)

	_, err = ParsePolicy([]byte("rules:\n  - code: NOT_A_CODE\n"))
	require.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Len(t, p.Rules, 2)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"bad regex", Policy{Rules: []Rule{{Match: []quotaconfig.AttributeMatch{{Clause: map[string]quotaconfig.StringMatch{"a": {Regex: "("}}}}}}}},
		{"bad header op", Policy{Rules: []Rule{{Decision: Decision{Route: &Route{RequestHeaders: []Header{{Name: "x", Operation: "mangle"}}}}}}}},
		{"unnamed header", Policy{Default: Decision{Route: &Route{ResponseHeaders: []Header{{Value: "v"}}}}}},
		{"unnamed quota", Policy{Quotas: []Quota{{MaxAmount: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.policy, Options{})
			require.Error(t, err)
		})
	}
}

func TestCheckDeny(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	bag := attribute.NewBuilder().String(attribute.RequestPath, "/admin/users").Build()

	resp, err := f.backend.Check(context.Background(), f.request(bag, nil))
	require.NoError(t, err)

	pre := resp.Precondition
	require.Equal(t, codes.PermissionDenied, pre.Status.Code())
	require.Equal(t, "admin is off limits", pre.Status.Message())
	require.Equal(t, time.Minute, pre.ValidDuration)
	require.Equal(t, int32(5), pre.ValidUseCount)

	absent, exact := refs(t, bag, pre.ReferencedAttributes)
	require.Empty(t, absent)
	require.Equal(t, []referenced.Key{{Name: attribute.RequestPath}}, exact)
	require.Equal(t, int64(1), f.backend.Stats().Denied)
}

func TestCheckAllowReferencesEvaluatedRules(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	bag := attribute.NewBuilder().
		String(attribute.RequestPath, "/books").
		String(attribute.RequestHost, "api.example.com").
		Build()

	resp, err := f.backend.Check(context.Background(), f.request(bag, nil))
	require.NoError(t, err)

	pre := resp.Precondition
	require.Nil(t, pre.Status)
	require.Equal(t, int32(-1), pre.ValidUseCount)
	require.Zero(t, pre.ValidDuration)

	absent, exact := refs(t, bag, pre.ReferencedAttributes)
	require.Equal(t, []referenced.Key{{Name: attribute.SourceUser}}, absent)
	require.Equal(t, []referenced.Key{{Name: attribute.RequestHost}, {Name: attribute.RequestPath}}, exact)

	require.Equal(t, &api.RouteDirective{
		RequestHeaderOperations:  []api.HeaderOperation{{Name: "x-policy", Value: "api", Operation: api.HeaderReplace}},
		ResponseHeaderOperations: []api.HeaderOperation{{Name: "server", Operation: api.HeaderRemove}},
	}, pre.RouteDirective)
}

func TestCheckDefaultDecision(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	bag := attribute.NewBuilder().String(attribute.RequestPath, "/books").Build()

	resp, err := f.backend.Check(context.Background(), f.request(bag, nil))
	require.NoError(t, err)
	require.Nil(t, resp.Precondition.Status)
	require.Equal(t, 30*time.Second, resp.Precondition.ValidDuration)
	require.Nil(t, resp.Precondition.RouteDirective)

	absent, exact := refs(t, bag, resp.Precondition.ReferencedAttributes)
	require.Equal(t, []referenced.Key{{Name: attribute.RequestHost}, {Name: attribute.SourceUser}}, absent)
	require.Equal(t, []referenced.Key{{Name: attribute.RequestPath}}, exact)
}

func TestQuotaWindow(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	alice := attribute.NewBuilder().String(attribute.SourceIP, "10.0.0.1").Build()
	bob := attribute.NewBuilder().String(attribute.SourceIP, "10.0.0.2").Build()

	resp, err := f.backend.Check(ctx, f.request(alice, map[string]api.QuotaParams{"requests": {Amount: 2}}))
	require.NoError(t, err)
	q := resp.Quotas["requests"]
	require.Nil(t, q.Status)
	require.Equal(t, int64(2), q.GrantedAmount)
	require.Equal(t, time.Minute, q.ValidDuration)
	_, exact := refs(t, alice, q.ReferencedAttributes)
	require.Equal(t, []referenced.Key{{Name: attribute.SourceIP}}, exact)

	// Not enough left for an all-or-nothing request
	f.clock = f.clock.Add(10 * time.Second)
	resp, err = f.backend.Check(ctx, f.request(alice, map[string]api.QuotaParams{"requests": {Amount: 2}}))
	require.NoError(t, err)
	q = resp.Quotas["requests"]
	require.Equal(t, codes.ResourceExhausted, q.Status.Code())
	require.Zero(t, q.GrantedAmount)
	require.Equal(t, 50*time.Second, q.ValidDuration)

	// Best effort takes what is left
	resp, err = f.backend.Check(ctx, f.request(alice, map[string]api.QuotaParams{"requests": {Amount: 2, BestEffort: true}}))
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.Quotas["requests"].GrantedAmount)
	require.Nil(t, resp.Quotas["requests"].Status)

	// Each source has its own window
	resp, err = f.backend.Check(ctx, f.request(bob, map[string]api.QuotaParams{"requests": {Amount: 3}}))
	require.NoError(t, err)
	require.Equal(t, int64(3), resp.Quotas["requests"].GrantedAmount)
	require.Equal(t, 2, f.backend.Len())

	// A new window refills
	f.clock = f.clock.Add(time.Minute)
	resp, err = f.backend.Check(ctx, f.request(alice, map[string]api.QuotaParams{"requests": {Amount: 3}}))
	require.NoError(t, err)
	require.Equal(t, int64(3), resp.Quotas["requests"].GrantedAmount)

	stats := f.backend.Stats()
	require.Equal(t, int64(5), stats.QuotaRequests)
	require.Equal(t, int64(1), stats.QuotaExhausted)
}

func TestQuotaUnknownIsUnlimited(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	resp, err := f.backend.Check(context.Background(),
		f.request(attribute.Bag{}, map[string]api.QuotaParams{"other": {Amount: 100}}))
	require.NoError(t, err)
	require.Equal(t, int64(100), resp.Quotas["other"].GrantedAmount)
	require.Nil(t, resp.Quotas["other"].Status)
}

func TestFlushDropsEndedWindows(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	bag := attribute.NewBuilder().String(attribute.SourceIP, "10.0.0.1").Build()
	_, err := f.backend.Check(context.Background(), f.request(bag, map[string]api.QuotaParams{"requests": {Amount: 1}}))
	require.NoError(t, err)

	f.backend.Flush()
	require.Equal(t, 1, f.backend.Len())

	f.clock = f.clock.Add(time.Minute)
	f.backend.Flush()
	require.Zero(t, f.backend.Len())
}

func TestCheckDeduplication(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	bag := attribute.NewBuilder().String(attribute.SourceIP, "10.0.0.1").Build()

	req := f.request(bag, map[string]api.QuotaParams{"requests": {Amount: 2}})
	req.DeduplicationID = "dedup-1"

	first, err := f.backend.Check(ctx, req)
	require.NoError(t, err)
	second, err := f.backend.Check(ctx, req)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int64(1), f.backend.Stats().Deduplicated)

	// The retry was not charged again
	resp, err := f.backend.Check(ctx, f.request(bag, map[string]api.QuotaParams{"requests": {Amount: 1}}))
	require.NoError(t, err)
	require.Equal(t, int64(1), resp.Quotas["requests"].GrantedAmount)
}

func TestCheckInvalidDictionary(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxGlobalWords = attribute.GlobalWordBaseSize
	f := newFixture(t, opts)
	bag := attribute.NewBuilder().String(attribute.RequestPath, "/books").Build()

	_, err := f.backend.Check(context.Background(), f.request(bag, nil))
	require.True(t, api.IsInvalidDictionary(err))

	require.True(t, f.comp.ShrinkGlobalDictionary())
	_, err = f.backend.Check(context.Background(), f.request(bag, nil))
	require.NoError(t, err)
	require.Equal(t, int64(1), f.backend.Stats().InvalidDictionary)
}

func TestCheckUndecodableAttributes(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	req := &api.CheckRequest{
		GlobalWordCount: f.comp.GlobalWordCount(),
		Attributes:      api.CompressedAttributes{Strings: map[int32]int32{-5: 0}},
	}
	_, err := f.backend.Check(context.Background(), req)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.False(t, api.IsInvalidDictionary(err))
}

func TestFailNext(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	ctx := context.Background()
	boom := errors.New("boom")
	f.backend.FailNext(api.SendErrorError(), boom)

	_, err := f.backend.Check(ctx, f.request(attribute.Bag{}, nil))
	require.Equal(t, api.SendError, api.TransportStatus(err))
	require.ErrorIs(t, f.backend.Report(ctx, &api.ReportRequest{GlobalWordCount: f.comp.GlobalWordCount()}), boom)

	_, err = f.backend.Check(ctx, f.request(attribute.Bag{}, nil))
	require.NoError(t, err)
}

func TestLatencyHonoursContext(t *testing.T) {
	opts := DefaultOptions()
	opts.Latency = time.Minute
	f := newFixture(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.backend.Check(ctx, f.request(attribute.Bag{}, nil))
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
	require.Zero(t, f.backend.Stats().Checks)
}

func TestReportArchivesBatches(t *testing.T) {
	for name, archive := range archives(t) {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Archive = archive
			f := newFixture(t, opts)
			ctx := context.Background()

			bags := []attribute.Bag{
				attribute.NewBuilder().String(attribute.RequestPath, "/a").Int64(attribute.ResponseCode, 200).Build(),
				attribute.NewBuilder().String(attribute.RequestPath, "/b").Int64(attribute.ResponseCode, 404).Build(),
			}
			batch := f.comp.NewBatchCompressor()
			for _, b := range bags {
				batch.Add(b)
			}
			require.NoError(t, f.backend.Report(ctx, batch.Finish()))

			stats := f.backend.Stats()
			require.Equal(t, int64(1), stats.Reports)
			require.Equal(t, int64(2), stats.ReportedEntries)

			records, err := ReadReports(ctx, archive)
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Equal(t, 2, records[0].Header.Entries)
			require.Equal(t, "identity", records[0].Header.Encoding)

			got, err := compress.DecompressReport(records[0].Request)
			require.NoError(t, err)
			require.Len(t, got, 2)
			for i := range bags {
				require.True(t, bags[i].Equal(got[i]), "bag %d: %s", i, got[i])
			}
		})
	}
}

func TestReportWithoutArchiveCounts(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	batch := f.comp.NewBatchCompressor()
	batch.Add(attribute.NewBuilder().String(attribute.RequestPath, "/a").Build())

	require.NoError(t, f.backend.Report(context.Background(), batch.Finish()))
	require.Equal(t, int64(1), f.backend.Stats().ReportedEntries)
}

func TestReportInvalidDictionary(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxGlobalWords = attribute.GlobalWordBaseSize
	f := newFixture(t, opts)

	batch := f.comp.NewBatchCompressor()
	batch.Add(attribute.NewBuilder().String(attribute.RequestPath, "/a").Build())
	require.True(t, api.IsInvalidDictionary(f.backend.Report(context.Background(), batch.Finish())))
	require.Zero(t, f.backend.Stats().Reports)
}
