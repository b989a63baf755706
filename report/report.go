// Package report coalesces report attribute bags into batched backend calls.
package report

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
	"github.com/wolfeidau/policy-cache/compress"
	"github.com/wolfeidau/policy-cache/telemetry"
)

// errorLogEvery limits failed sends logged at warn level.
const errorLogEvery = 100

// Transport sends one batch to the backend.
type Transport func(ctx context.Context, req *api.ReportRequest) error

// Timer fires a callback once after Start. Start re-arms a running timer.
type Timer interface {
	Start(d time.Duration)
	Stop()
}

// TimerFactory creates a Timer that calls fn when it fires.
type TimerFactory func(fn func()) Timer

// Options configures a Batch.
type Options struct {
	// MaxBatchEntries flushes once the batch holds this many bags. One or
	// less flushes on every Report.
	MaxBatchEntries int

	// MaxBatchTime flushes a non-empty batch this long after its first bag.
	MaxBatchTime time.Duration

	Logger *slog.Logger

	// TimerFactory defaults to timers backed by time.AfterFunc.
	TimerFactory TimerFactory
}

// DefaultOptions returns the default batch options.
func DefaultOptions() Options {
	return Options{
		MaxBatchEntries: 100,
		MaxBatchTime:    time.Second,
	}
}

// Stats is a snapshot of the batch counters.
type Stats struct {
	TotalReportCalls             int64
	TotalRemoteReportCalls       int64
	TotalRemoteReportSuccesses   int64
	TotalRemoteReportTimeouts    int64
	TotalRemoteReportSendErrors  int64
	TotalRemoteReportOtherErrors int64
}

// Batch buffers reports and flushes them through a Transport.
type Batch struct {
	opts       Options
	logger     *slog.Logger
	transport  Transport
	compressor *compress.Compressor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	batch *compress.BatchCompressor
	timer Timer

	totalCalls   atomic.Int64
	remoteCalls  atomic.Int64
	successes    atomic.Int64
	timeouts     atomic.Int64
	sendErrors   atomic.Int64
	otherErrors  atomic.Int64
	failuresSeen atomic.Int64
}

// New creates a Batch that compresses bags with compressor and sends them
// through transport.
func New(transport Transport, compressor *compress.Compressor, opts Options) *Batch {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBatchTime <= 0 {
		opts.MaxBatchTime = DefaultOptions().MaxBatchTime
	}
	if opts.TimerFactory == nil {
		opts.TimerFactory = NewAfterFuncTimer
	}
	ctx, cancel := context.WithCancel(telemetry.WithRouteContext(context.Background(), "report"))
	return &Batch{
		opts:       opts,
		logger:     opts.Logger.With("component", "report"),
		transport:  transport,
		compressor: compressor,
		ctx:        ctx,
		cancel:     cancel,
		batch:      compressor.NewBatchCompressor(),
	}
}

// Report appends bag to the batch, flushing when the batch is full.
func (b *Batch) Report(bag attribute.Bag) {
	b.totalCalls.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.batch.Add(bag)
	n := b.batch.Len()
	if n >= b.opts.MaxBatchEntries {
		b.flushLocked("size")
		return
	}
	if n == 1 {
		if b.timer == nil {
			b.timer = b.opts.TimerFactory(b.onTimer)
		}
		b.timer.Start(b.opts.MaxBatchTime)
	}
}

// Flush sends the current batch, if any.
func (b *Batch) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked("explicit")
}

func (b *Batch) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked("timer")
}

// flushLocked hands the batch to a tracked goroutine. Called with b.mu held;
// the transport runs after the lock is released.
func (b *Batch) flushLocked(trigger string) {
	n := b.batch.Len()
	if n == 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.remoteCalls.Add(1)
	req := b.batch.Finish()
	b.batch.Clear()

	telemetry.RecordReportFlush(b.ctx, trigger, n)
	b.logger.Debug("flushing report batch", "entries", n, "trigger", trigger)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		start := time.Now()
		err := b.transport(b.ctx, req)
		b.complete(err, time.Since(start))
	}()
}

func (b *Batch) complete(err error, elapsed time.Duration) {
	result := api.TransportStatus(err)
	telemetry.RecordRemoteCall(b.ctx, "report", result.String(), elapsed)

	switch result {
	case api.Success:
		b.successes.Add(1)
		return
	case api.ResponseTimeout:
		b.timeouts.Add(1)
	case api.SendError:
		b.sendErrors.Add(1)
	default:
		b.otherErrors.Add(1)
	}

	if (b.failuresSeen.Add(1)-1)%errorLogEvery == 0 {
		b.logger.Warn("report failed", "result", result.String(), "error", err)
	} else {
		b.logger.Debug("report failed", "result", result.String(), "error", err)
	}

	if api.IsInvalidDictionary(err) {
		b.compressor.ShrinkGlobalDictionary()
	}
}

// Wait blocks until every in-flight send has completed.
func (b *Batch) Wait() {
	b.wg.Wait()
}

// Close flushes the batch and waits for in-flight sends. If ctx ends first
// the sends are cancelled and ctx's error is returned.
func (b *Batch) Close(ctx context.Context) error {
	b.mu.Lock()
	b.flushLocked("explicit")
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (b *Batch) Stats() Stats {
	return Stats{
		TotalReportCalls:             b.totalCalls.Load(),
		TotalRemoteReportCalls:       b.remoteCalls.Load(),
		TotalRemoteReportSuccesses:   b.successes.Load(),
		TotalRemoteReportTimeouts:    b.timeouts.Load(),
		TotalRemoteReportSendErrors:  b.sendErrors.Load(),
		TotalRemoteReportOtherErrors: b.otherErrors.Load(),
	}
}

type afterFuncTimer struct {
	fn func()

	mu sync.Mutex
	t  *time.Timer
}

// NewAfterFuncTimer returns a Timer backed by time.AfterFunc.
func NewAfterFuncTimer(fn func()) Timer {
	return &afterFuncTimer{fn: fn}
}

func (t *afterFuncTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, t.fn)
}

func (t *afterFuncTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
