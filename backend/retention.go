package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RetentionConfig bounds how many archived report records are kept.
type RetentionConfig struct {
	// MaxAge deletes records received longer ago than this. Zero keeps
	// records regardless of age.
	MaxAge time.Duration

	// MaxRecords deletes the oldest records beyond this many. Zero keeps
	// any number.
	MaxRecords int

	// Timeout bounds one pass over the archive (default: 1m).
	Timeout time.Duration

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// RetentionResult describes one retention pass.
type RetentionResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Kept      int           `json:"kept"`
	Expired   int           `json:"expired"`
	Evicted   int           `json:"evicted"`
	Errors    []string      `json:"errors,omitempty"`
}

// Retention deletes old report records from an archive. Its Flush method
// makes it usable as a periodic sweep target.
type Retention struct {
	archive Archive
	config  RetentionConfig
	logger  *slog.Logger

	mu      sync.Mutex
	kept    int
	lastRun *RetentionResult
}

// NewRetention creates a retention policy over archive.
func NewRetention(archive Archive, config RetentionConfig) *Retention {
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Retention{
		archive: archive,
		config:  config,
		logger:  config.Logger.With("component", "retention"),
	}
}

// Flush runs one retention pass.
func (r *Retention) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()
	_ = r.Run(ctx)
}

// Len returns how many records the last pass kept.
func (r *Retention) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kept
}

// Status returns the last pass result, or nil before the first pass.
func (r *Retention) Status() *RetentionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

// Run deletes expired records, then the oldest records over MaxRecords.
// Records whose keys carry no receive time are only subject to MaxRecords.
func (r *Retention) Run(ctx context.Context) *RetentionResult {
	// Passes are serialized so concurrent sweeps do not double count.
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &RetentionResult{StartedAt: r.config.Now()}
	defer func() {
		result.Duration = r.config.Now().Sub(result.StartedAt)
		r.lastRun = result
		r.kept = result.Kept
	}()

	keys, err := r.archive.List(ctx, ReportPrefix)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("listing records: %v", err))
		r.logger.Error("retention listing failed", "error", err)
		return result
	}

	kept := keys[:0:0]
	if r.config.MaxAge > 0 {
		cutoff := result.StartedAt.Add(-r.config.MaxAge)
		for _, key := range keys {
			if received, ok := ReceivedAt(key); ok && received.Before(cutoff) {
				if r.delete(ctx, key, result) {
					result.Expired++
				}
				continue
			}
			kept = append(kept, key)
		}
	} else {
		kept = keys
	}

	// Keys sort oldest first.
	if r.config.MaxRecords > 0 && len(kept) > r.config.MaxRecords {
		excess := len(kept) - r.config.MaxRecords
		for _, key := range kept[:excess] {
			if r.delete(ctx, key, result) {
				result.Evicted++
			}
		}
		kept = kept[excess:]
	}
	result.Kept = len(kept)

	if result.Expired > 0 || result.Evicted > 0 {
		r.logger.Info("retention pass completed",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"kept", result.Kept,
			"errors", len(result.Errors),
		)
	}
	return result
}

func (r *Retention) delete(ctx context.Context, key string, result *RetentionResult) bool {
	if err := r.archive.Delete(ctx, key); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("deleting %s: %v", key, err))
		r.logger.Warn("failed to delete report record", "key", key, "error", err)
		return false
	}
	return true
}

// ReceivedAt parses the receive time embedded in a report record key.
func ReceivedAt(key string) (time.Time, bool) {
	name, ok := strings.CutPrefix(key, ReportPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
