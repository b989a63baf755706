package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/policy-cache/credentials"
	"github.com/wolfeidau/policy-cache/server"
)

// ServeCmd runs the HTTP sidecar.
type ServeCmd struct {
	EngineFlags `embed:""`

	Listen          string        `help:"Address to listen on." default:":8080" env:"POLICY_CACHE_LISTEN"`
	Upstream        string        `help:"URL allowed requests are proxied to. Empty answers them directly." env:"POLICY_CACHE_UPSTREAM"`
	AuthToken       string        `help:"Bearer token for /stats and /admin endpoints." env:"POLICY_CACHE_AUTH_TOKEN"`
	Credentials     string        `help:"YAML credentials template resolving the auth token and upstream headers." type:"existingfile" env:"POLICY_CACHE_CREDENTIALS"`
	OnePassword     bool          `help:"Enable the op template function, resolving 1Password references with the op CLI." name:"1password"`
	SweepInterval   time.Duration `help:"How often idle cache entries are flushed." default:"1m"`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests and pending reports." default:"10s"`
}

func (c *ServeCmd) Run(g *globals) error {
	logger := g.Logger
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := c.initMetrics(ctx)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Error("failed to shutdown metrics", "error", err)
		}
	}()

	creds, err := c.resolveCredentials(ctx, logger)
	if err != nil {
		return err
	}
	authToken := c.AuthToken
	if authToken == "" {
		authToken = creds.AuthToken
	}

	e, err := c.build(logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address:         c.Listen,
		Upstream:        c.Upstream,
		AuthToken:       authToken,
		UpstreamHeaders: creds.UpstreamHeaders(),
		Quotas:          e.quotas,
		SweepInterval:   c.SweepInterval,
		SweepTargets:    e.sweepTargets(),
		Logger:          logger,
	}, e.client)
	if err != nil {
		_ = e.close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("starting policycache",
		"version", version,
		"address", c.Listen,
		"upstream", c.Upstream,
		"policy", c.Policy,
		"archive_dir", c.ArchiveDir,
		"fail_closed", c.FailClosed,
		"auth_enabled", authToken != "",
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()

		return errors.Join(srv.Shutdown(shutdownCtx), e.close(shutdownCtx))
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	st := e.backend.Stats()
	logger.Info("server stopped", "checks", st.Checks, "reports", st.Reports, "reported_entries", st.ReportedEntries)
	return nil
}

func (c *ServeCmd) resolveCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	if c.Credentials == "" {
		return &credentials.Credentials{}, nil
	}
	opts := []credentials.ResolverOption{credentials.WithLogger(logger)}
	if c.OnePassword {
		opts = append(opts, credentials.WithProvider("op", credentials.CommandProvider("op", "read")))
	}
	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, c.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}
