package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/backend"
	"github.com/wolfeidau/policy-cache/client"
)

// BenchCmd drives the client with synthetic requests, bypassing HTTP.
type BenchCmd struct {
	EngineFlags `embed:""`

	Workers  int           `help:"Concurrent callers." default:"8"`
	Requests int           `help:"Total requests. Zero runs until --duration elapses." default:"0"`
	Duration time.Duration `help:"How long to run when --requests is zero." default:"10s"`
	IPs      int           `help:"Distinct source IPs." default:"16"`
	Paths    int           `help:"Distinct request paths." default:"64"`
	Users    []string      `help:"Source users to draw from." default:"alice,bob,admin"`
}

type benchSummary struct {
	Requests   int64             `json:"requests"`
	Allowed    int64             `json:"allowed"`
	Rejected   int64             `json:"rejected"`
	Elapsed    string            `json:"elapsed"`
	Throughput float64           `json:"requests_per_second"`
	Client     client.Statistics `json:"client"`
	Backend    backend.Stats     `json:"backend"`
}

func (c *BenchCmd) Run(g *globals) error {
	if c.Workers < 1 {
		return errors.New("--workers must be at least 1")
	}

	e, err := c.build(g.Logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if c.Requests == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	var issued, allowed, rejected atomic.Int64
	start := time.Now()

	eg, ctx := errgroup.WithContext(ctx)
	for w := range c.Workers {
		rng := rand.New(rand.NewPCG(uint64(w), uint64(start.UnixNano())))
		eg.Go(func() error {
			for ctx.Err() == nil {
				n := issued.Add(1)
				if c.Requests > 0 && n > int64(c.Requests) {
					issued.Add(-1)
					return nil
				}
				bag := c.syntheticBag(rng)

				cc := client.NewCheckContext(bag, e.requirements(bag))
				res := e.client.Check(ctx, cc)
				if res.Err != nil {
					rejected.Add(1)
				} else {
					allowed.Add(1)
				}
				e.client.Report(cc.FinalAttributes())
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		_ = e.close(context.Background())
		return err
	}
	elapsed := time.Since(start)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.close(closeCtx); err != nil {
		g.Logger.Warn("pending reports not flushed", "error", err)
	}

	total := allowed.Load() + rejected.Load()
	summary := benchSummary{
		Requests: total,
		Allowed:  allowed.Load(),
		Rejected: rejected.Load(),
		Elapsed:  elapsed.Round(time.Millisecond).String(),
		Client:   e.client.Statistics(),
		Backend:  e.backend.Stats(),
	}
	if elapsed > 0 {
		summary.Throughput = float64(total) / elapsed.Seconds()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func (c *BenchCmd) syntheticBag(rng *rand.Rand) attribute.Bag {
	b := attribute.NewBuilder().
		String(attribute.RequestMethod, "GET").
		String(attribute.RequestPath, fmt.Sprintf("/items/%d", rng.IntN(max(c.Paths, 1)))).
		String(attribute.SourceIP, fmt.Sprintf("10.0.0.%d", rng.IntN(max(c.IPs, 1)))).
		String(attribute.ContextProtocol, "http").
		Timestamp(attribute.RequestTime, time.Now())
	if len(c.Users) > 0 {
		b.String(attribute.SourceUser, c.Users[rng.IntN(len(c.Users))])
	}
	return b.Build()
}
