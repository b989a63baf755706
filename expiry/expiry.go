// Package expiry periodically flushes idle entries out of expiring caches.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/policy-cache/telemetry"
)

// Flusher drops its idle entries.
type Flusher interface {
	Flush()
}

// FlusherFunc adapts a function to a Flusher.
type FlusherFunc func()

// Flush calls f.
func (f FlusherFunc) Flush() { f() }

// sizer is implemented by flushers that can report how many entries they hold.
type sizer interface {
	Len() int
}

// Target is a named Flusher.
type Target struct {
	Name    string
	Flusher Flusher
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often to sweep. Default is 1 minute.
	Interval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Logger:   slog.Default(),
	}
}

// Manager runs every target's Flush on an interval.
type Manager struct {
	config  Config
	targets []Target
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new sweeper over targets.
func NewManager(cfg Config, targets ...Target) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		targets: targets,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Flushed  int
	Removed  int
	Duration time.Duration
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *SweepResult {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *SweepResult {
	start := m.now()
	result := &SweepResult{}

	for _, t := range m.targets {
		tstart := m.now()
		s, sized := t.Flusher.(sizer)
		before := 0
		if sized {
			before = s.Len()
		}

		t.Flusher.Flush()
		result.Flushed++

		removed := 0
		if sized {
			removed = max(before-s.Len(), 0)
		}
		result.Removed += removed
		telemetry.RecordSweep(ctx, t.Name, removed, m.now().Sub(tstart))
	}

	result.Duration = m.now().Sub(start)

	if result.Removed > 0 {
		m.logger.Info("sweep complete",
			"removed", result.Removed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing removed", "targets", result.Flushed)
	}

	return result
}
