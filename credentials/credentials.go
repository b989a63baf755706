// Package credentials resolves the secrets a sidecar needs from a YAML
// template, so tokens never have to appear on the command line.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved secrets.
type Credentials struct {
	// AuthToken guards the operator endpoints.
	AuthToken string `yaml:"auth_token,omitempty"`

	Upstream UpstreamAuth `yaml:"upstream,omitempty"`
}

// UpstreamAuth is attached to every request proxied upstream.
type UpstreamAuth struct {
	BearerToken string            `yaml:"bearer_token,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// UpstreamHeaders returns the canonicalized headers to set on proxied
// requests. BearerToken wins over an explicit Authorization header.
func (c *Credentials) UpstreamHeaders() map[string]string {
	if c == nil {
		return nil
	}
	out := make(map[string]string, len(c.Upstream.Headers)+1)
	for k, v := range c.Upstream.Headers {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	if c.Upstream.BearerToken != "" {
		out["Authorization"] = "Bearer " + c.Upstream.BearerToken
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// CommandProvider resolves a reference by running name with args and the
// reference appended, trimming the output. For example
// CommandProvider("op", "read") resolves 1Password references.
func CommandProvider(name string, args ...string) SecretProvider {
	return func(ctx context.Context, ref string) (string, error) {
		cmd := exec.CommandContext(ctx, name, append(args[:len(args):len(args)], ref)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %q: %s: %w", name, ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Provider lookups are memoized for one resolution.
	memo := make(map[string]string)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx, memo)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(&creds); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid credentials YAML after template execution: %w", err)
	}

	r.logger.Debug("resolved credentials",
		"auth_token", creds.AuthToken != "",
		"upstream_headers", len(creds.UpstreamHeaders()),
	)
	return &creds, nil
}

func (r *Resolver) funcs(ctx context.Context, memo map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		// A JSON string is a valid YAML flow scalar.
		"quote": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("quoting value: %w", err)
			}
			return string(b), nil
		},
	}

	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := memo[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			memo[key] = val
			return val, nil
		}
	}
	return fm
}
