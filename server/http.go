// Package server provides the HTTP sidecar that checks requests against the
// policy client before proxying them upstream.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/client"
	"github.com/wolfeidau/policy-cache/expiry"
	"github.com/wolfeidau/policy-cache/quotaconfig"
	"github.com/wolfeidau/policy-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Upstream is the URL allowed requests are proxied to.
	// When empty, allowed requests are answered directly.
	Upstream string

	// AuthToken protects /stats and /admin endpoints. Empty disables auth.
	AuthToken string

	// UpstreamHeaders are set on every proxied request, after the
	// decision's header operations.
	UpstreamHeaders map[string]string

	// Quotas selects the quotas each request is charged. Nil charges none.
	Quotas *quotaconfig.Parser

	// SweepInterval is how often idle cache entries are flushed.
	// Default is 1 minute.
	SweepInterval time.Duration

	// SweepTargets are flushed alongside the client's caches.
	SweepTargets []expiry.Target

	// Logger for the server
	Logger *slog.Logger
}

// Server is the policy sidecar.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	now        func() time.Time

	client    *client.Client
	proxy     *httputil.ReverseProxy
	expiryMgr *expiry.Manager
}

type directiveKey struct{}

// New creates a server that checks requests with c. The caller owns c.
func New(cfg Config, c *client.Client) (*Server, error) {
	if c == nil {
		return nil, errors.New("client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
		client: c,
	}

	if cfg.Upstream != "" {
		target, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parsing upstream url: %w", err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("upstream url %q must be absolute", cfg.Upstream)
		}
		s.proxy = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.SetXForwarded()
				for k, v := range cfg.UpstreamHeaders {
					pr.Out.Header.Set(k, v)
				}
			},
			Transport:      telemetry.NewUpstreamTransport(nil, "upstream"),
			ModifyResponse: modifyResponse,
			ErrorHandler:   s.proxyError,
		}
	}

	targets := append([]expiry.Target{{Name: "client", Flusher: expiry.FlusherFunc(c.Flush)}}, cfg.SweepTargets...)
	s.expiryMgr = expiry.NewManager(expiry.Config{
		Interval: cfg.SweepInterval,
		Logger:   cfg.Logger,
	}, targets...)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	guard := newOperatorGuard(s.config.AuthToken, s.logger)
	mux.Handle("GET /stats", guard.operator(s.handleStats))
	mux.Handle("POST /admin/flush", guard.operator(s.handleFlush))
	mux.Handle("POST /admin/sweep", guard.operator(s.handleSweep))

	// Everything else is checked and proxied
	mux.HandleFunc("/", s.handleCheck)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Statistics())
}

func (s *Server) handleFlush(w http.ResponseWriter, _ *http.Request) {
	s.client.FlushAll()
	s.logger.Info("caches flushed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res := s.expiryMgr.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"flushed":     res.Flushed,
		"removed":     res.Removed,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// handleCheck checks the request, then proxies it, answers it directly or
// rejects it. Every outcome is reported.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	start := s.now()

	bag := requestBag(r, start)
	var quotas []quotaconfig.Requirement
	if s.config.Quotas != nil {
		quotas = s.config.Quotas.Requirements(bag)
	}

	cc := client.NewCheckContext(bag, quotas)
	res := s.client.Check(r.Context(), cc)

	if res.CheckCacheHit && (len(quotas) == 0 || res.QuotaCacheHit) {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		now := s.now()
		s.client.Report(responseBag(cc.FinalAttributes(), rw, now.Sub(start), now))
	}()

	d := res.RouteDirective
	switch {
	case res.Err != nil:
		telemetry.SetDecision(r, decision(res.Err))
		s.logger.Debug("request rejected", "path", r.URL.Path, "error", res.Err)
		writeRejection(rw, res.Err)

	case d != nil && d.DirectResponseCode != 0:
		telemetry.SetDecision(r, "direct")
		applyHeaderOps(rw.Header(), d.ResponseHeaderOperations)
		rw.WriteHeader(int(d.DirectResponseCode))
		_, _ = rw.Write([]byte(d.DirectResponseBody))

	default:
		telemetry.SetDecision(r, "allow")
		if d != nil {
			applyHeaderOps(r.Header, d.RequestHeaderOperations)
			r = r.WithContext(context.WithValue(r.Context(), directiveKey{}, d))
		}
		if s.proxy == nil {
			applyResponseDirective(rw.Header(), d)
			writeJSON(rw, http.StatusOK, map[string]string{"decision": "allow"})
			return
		}
		s.proxy.ServeHTTP(rw, r)
	}
}

func modifyResponse(resp *http.Response) error {
	d, _ := resp.Request.Context().Value(directiveKey{}).(*api.RouteDirective)
	applyResponseDirective(resp.Header, d)
	return nil
}

func applyResponseDirective(h http.Header, d *api.RouteDirective) {
	if d != nil {
		applyHeaderOps(h, d.ResponseHeaderOperations)
	}
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
}

// decision names a rejection for logs and metrics.
func decision(err error) string {
	if status.Code(err) == codes.ResourceExhausted {
		return "exhausted"
	}
	return "deny"
}

// httpStatus maps a check decision to the HTTP status returned to the caller.
func httpStatus(err error) int {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable, codes.DeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func writeRejection(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, httpStatus(err), map[string]string{
		"error": st.Message(),
		"code":  st.Code().String(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}

		// Inject request tags so handlers can set cache_result, decision, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetRoute(r, deriveRoute(r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Decision != "" {
			attrs = append(attrs, "decision", tags.Decision)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the sweeper and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting expiry manager", "interval", s.config.SweepInterval)
	if err := s.expiryMgr.Start(context.Background()); err != nil {
		return fmt.Errorf("starting expiry manager: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Address, "upstream", s.config.Upstream)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.expiryMgr.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies the request path for metrics.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/admin/"):
		return "admin"
	default:
		return "proxy"
	}
}
