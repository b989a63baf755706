// Command policycache runs the policy sidecar against a simulated backend,
// benchmarks the client caches and inspects archived reports.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

type globals struct {
	Logger *slog.Logger
}

type cli struct {
	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"POLICY_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"POLICY_CACHE_LOG_FORMAT"`

	Serve   ServeCmd   `cmd:"" help:"Run the HTTP sidecar."`
	Bench   BenchCmd   `cmd:"" help:"Drive the client caches with synthetic traffic."`
	Reports ReportsCmd `cmd:"" help:"List archived report batches."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	parser, err := newParser(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	if err := ctx.Run(&globals{Logger: logger}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newParser(c *cli) (*kong.Kong, error) {
	return kong.New(c,
		kong.Name("policycache"),
		kong.Description("Policy decision and quota caching sidecar."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    os.Getenv("NO_COLOR") != "",
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
