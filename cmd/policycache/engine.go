package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/backend"
	"github.com/wolfeidau/policy-cache/client"
	"github.com/wolfeidau/policy-cache/expiry"
	"github.com/wolfeidau/policy-cache/quotaconfig"
	"github.com/wolfeidau/policy-cache/telemetry"
)

// EngineFlags configure the client and the simulated backend it talks to.
type EngineFlags struct {
	Policy    string `help:"YAML policy for the simulated backend." type:"existingfile" required:"" env:"POLICY_CACHE_POLICY"`
	QuotaSpec string `help:"YAML quota rules selecting the quotas each request is charged." type:"existingfile" env:"POLICY_CACHE_QUOTA_SPEC"`

	ArchiveDir        string        `help:"Directory report batches are archived to. Empty keeps counts only." env:"POLICY_CACHE_ARCHIVE_DIR"`
	ArchiveMaxAge     time.Duration `help:"Archived reports older than this are deleted on each sweep. Zero keeps them."`
	ArchiveMaxRecords int           `help:"Oldest archived reports beyond this many are deleted on each sweep. Zero keeps them."`
	BackendLatency    time.Duration `help:"Delay added to every backend call." default:"0s"`
	MaxGlobalWords    int32         `help:"Global dictionary size the backend accepts. Zero accepts all words."`

	CacheSize       int           `help:"Maximum cached decisions." default:"10000"`
	QuotaCacheSize  int           `help:"Maximum cached quota balances." default:"10000"`
	QuotaExpiration time.Duration `help:"Idle quota balances are dropped after this." default:"10m"`
	FailClosed      bool          `help:"Reject requests when the backend is unreachable."`
	Retries         int           `help:"Times a failed remote check is retried." default:"0"`
	BaseRetryDelay  time.Duration `help:"Smallest retry delay." default:"80ms"`
	MaxRetryDelay   time.Duration `help:"Largest retry delay." default:"1s"`
	ReportBatchSize int           `help:"Report batch size." default:"100"`
	ReportBatchTime time.Duration `help:"Longest a report waits in a batch." default:"1s"`

	OTLPEndpoint string `help:"OTLP gRPC metrics endpoint, e.g. localhost:4317." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Serve Prometheus metrics on /metrics." env:"POLICY_CACHE_PROMETHEUS"`
}

type engine struct {
	backend   *backend.Backend
	archive   backend.Archive
	retention *backend.Retention
	client    *client.Client
	quotas    *quotaconfig.Parser
}

func (f *EngineFlags) initMetrics(ctx context.Context) (func(context.Context) error, error) {
	if f.OTLPEndpoint == "" && !f.Prometheus {
		return func(context.Context) error { return nil }, nil
	}
	return telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "policycache",
		ServiceVersion:   version,
		OTLPEndpoint:     f.OTLPEndpoint,
		EnablePrometheus: f.Prometheus,
	})
}

func (f *EngineFlags) build(logger *slog.Logger) (*engine, error) {
	policy, err := backend.LoadPolicy(f.Policy)
	if err != nil {
		return nil, err
	}

	e := &engine{}
	if f.ArchiveDir != "" {
		fs, err := backend.NewFilesystem(f.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("creating report archive: %w", err)
		}
		e.archive = fs
		if f.ArchiveMaxAge > 0 || f.ArchiveMaxRecords > 0 {
			e.retention = backend.NewRetention(fs, backend.RetentionConfig{
				MaxAge:     f.ArchiveMaxAge,
				MaxRecords: f.ArchiveMaxRecords,
				Logger:     logger,
			})
		}
	}

	bopts := backend.DefaultOptions()
	bopts.Latency = f.BackendLatency
	bopts.Archive = e.archive
	bopts.Logger = logger
	if f.MaxGlobalWords > 0 {
		bopts.MaxGlobalWords = f.MaxGlobalWords
	}
	e.backend, err = backend.New(policy, bopts)
	if err != nil {
		return nil, fmt.Errorf("creating backend: %w", err)
	}

	if f.QuotaSpec != "" {
		spec, err := quotaconfig.Load(f.QuotaSpec)
		if err != nil {
			e.backend.Close()
			return nil, err
		}
		e.quotas, err = quotaconfig.New(spec)
		if err != nil {
			e.backend.Close()
			return nil, fmt.Errorf("compiling quota spec: %w", err)
		}
	}

	copts := client.DefaultOptions()
	copts.Check.NumEntries = f.CacheSize
	copts.Check.NetworkFailOpen = !f.FailClosed
	copts.Check.Retries = f.Retries
	copts.Check.BaseRetryDelay = f.BaseRetryDelay
	copts.Check.MaxRetryDelay = f.MaxRetryDelay
	copts.Quota.NumEntries = f.QuotaCacheSize
	copts.Quota.Expiration = f.QuotaExpiration
	copts.Report.MaxBatchEntries = f.ReportBatchSize
	copts.Report.MaxBatchTime = f.ReportBatchTime
	copts.CheckTransport = e.backend.Check
	copts.ReportTransport = e.backend.Report
	copts.Logger = logger
	e.client, err = client.New(copts)
	if err != nil {
		e.backend.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return e, nil
}

// sweepTargets are flushed periodically alongside the client caches.
func (e *engine) sweepTargets() []expiry.Target {
	targets := []expiry.Target{{Name: "backend", Flusher: e.backend}}
	if e.retention != nil {
		targets = append(targets, expiry.Target{Name: "archive", Flusher: e.retention})
	}
	return targets
}

// requirements returns the quotas bag is charged, if a quota spec is loaded.
func (e *engine) requirements(bag attribute.Bag) []quotaconfig.Requirement {
	if e.quotas == nil {
		return nil
	}
	return e.quotas.Requirements(bag)
}

// close flushes the client's pending reports, then releases the backend.
func (e *engine) close(ctx context.Context) error {
	defer e.backend.Close()
	return e.client.Close(ctx)
}
