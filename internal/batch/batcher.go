// Package batch implements the Idle/Accumulating/Flushing state machine
// that groups trace records into batches under triple thresholds (count,
// bytes, time) and hands them to a delivery function, permitting at most
// one in-flight delivery at a time (spec.md §4.5).
package batch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tenzoki/talon/internal/trace"
)

// Defaults mirror spec.md §4.5.
const (
	DefaultSize     = 100
	DefaultBytes    = 1 << 20 // 1 MiB
	DefaultInterval = 200 * time.Millisecond
)

// Config holds the triple-threshold batch parameters.
type Config struct {
	Size     int
	Bytes    int
	Interval time.Duration
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, Bytes: DefaultBytes, Interval: DefaultInterval}
}

// DeliverFunc hands a completed batch to the delivery subsystem. It must
// not block the batcher's accumulation of the next batch; Batcher invokes
// it in its own goroutine and only enforces single-flight via its
// internal semaphore.
type DeliverFunc func(ctx context.Context, b *Batch)

// Batcher runs the state machine described in spec.md §4.5. Create one per
// agent process; feed it records with Add, and call Run in its own
// goroutine to drive the batch timer.
type Batcher struct {
	cfg     Config
	clock   Clock
	logger  *log.Logger
	deliver DeliverFunc

	mu      sync.Mutex
	current *Batch
	timerC  <-chan time.Time

	sem chan struct{} // capacity 1: enforces a single in-flight delivery

	wg sync.WaitGroup
}

// New constructs a Batcher. logger may be nil, in which case a default
// stderr logger is used, matching the teacher's log.New(os.Stderr, ...)
// idiom.
func New(cfg Config, clock Clock, deliver DeliverFunc, logger *log.Logger) *Batcher {
	if clock == nil {
		clock = RealClock
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Batcher{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		deliver: deliver,
		sem:     make(chan struct{}, 1),
	}
}

// Add enqueues a trace record, applying the triple thresholds. It is safe
// for concurrent use from multiple ingestion handlers.
func (b *Batcher) Add(ctx context.Context, rec *trace.Record) {
	b.mu.Lock()

	if b.current == nil {
		b.current = newBatch(b.clock.Now())
		b.timerC = b.clock.After(b.cfg.Interval)
	}

	n := b.current.add(rec)
	count := b.current.Len()
	bytes := b.current.Bytes
	_ = n

	triggered := count >= b.cfg.Size || bytes >= b.cfg.Bytes
	var toFlush *Batch
	if triggered {
		toFlush = b.current
		b.current = nil
		b.timerC = nil
	}
	b.mu.Unlock()

	if toFlush != nil {
		b.dispatch(ctx, toFlush)
	}
}

// Tick must be invoked periodically by the caller's event loop (in the
// agent, the supervisor's consume loop, which owns the timer select) when
// the batch_ms timer fires with no new arrivals. It flushes an
// Accumulating batch whose age has exceeded the interval.
func (b *Batcher) Tick(ctx context.Context) {
	b.mu.Lock()
	var toFlush *Batch
	if b.current != nil && b.clock.Now().Sub(b.current.CreatedAt) >= b.cfg.Interval {
		toFlush = b.current
		b.current = nil
		b.timerC = nil
	}
	b.mu.Unlock()

	if toFlush != nil {
		b.dispatch(ctx, toFlush)
	}
}

// TimerC exposes the current batch's deadline channel for the caller's
// select loop; it is nil when Idle (no timer armed).
func (b *Batcher) TimerC() <-chan time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timerC
}

// ForceFlush hands any non-empty current batch to delivery synchronously,
// for use during shutdown (spec.md §4.5, §4.8). It blocks until the
// delivery call returns.
func (b *Batcher) ForceFlush(ctx context.Context) {
	b.mu.Lock()
	toFlush := b.current
	b.current = nil
	b.timerC = nil
	b.mu.Unlock()

	if toFlush.Len() == 0 {
		return
	}

	b.sem <- struct{}{}
	defer func() { <-b.sem }()
	b.deliver(ctx, toFlush)
}

// dispatch hands a completed batch to Delivery in its own goroutine,
// acquiring the single-flight semaphore first. A second flush that
// arrives while one is in flight simply waits on the semaphore; the
// batcher's accumulation of new records is unaffected (spec.md §4.5).
//
// Two batches racing for sem can acquire it in either order, so
// cross-batch delivery order is not strictly FIFO under concurrent
// dispatch. spec.md §4.5 tolerates reordering explicitly, so this is
// left as-is rather than funneled through a single serializing
// goroutine.
func (b *Batcher) dispatch(ctx context.Context, batch *Batch) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sem <- struct{}{}
		defer func() { <-b.sem }()
		b.deliver(ctx, batch)
	}()
}

// Wait blocks until all dispatched deliveries have returned. Used by the
// supervisor during graceful shutdown after ForceFlush.
func (b *Batcher) Wait() {
	b.wg.Wait()
}
