// Package supervisor wires the ingestion listener, batcher, delivery, and
// spool subsystems into one running agent process and drives its startup
// and graceful-shutdown sequence (spec.md §4.8), grounded on the
// teacher's cmd/orchestrator/main.go service-lifecycle pattern: a
// cancellable context, a sync.WaitGroup per long-running service, and a
// signal.Notify/select shutdown gate.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tenzoki/talon/internal/batch"
	"github.com/tenzoki/talon/internal/config"
	"github.com/tenzoki/talon/internal/delivery"
	"github.com/tenzoki/talon/internal/enrich"
	"github.com/tenzoki/talon/internal/ingest"
	"github.com/tenzoki/talon/internal/ipc"
	"github.com/tenzoki/talon/internal/spool"
	"github.com/tenzoki/talon/internal/trace"
)

// ShutdownGrace bounds how long the supervisor waits for in-flight IPC
// connections to finish after the listener has been closed on shutdown,
// before it cancels the run context and moves on (spec.md §4.8).
const ShutdownGrace = 2 * time.Second

// Supervisor owns every subsystem of a running agent process.
type Supervisor struct {
	cfg    *config.Config
	logger *log.Logger

	spool    *spool.Spool
	cache    *enrich.Cache
	enricher *enrich.Enricher
	mapper   *trace.Mapper
	delivery *delivery.Delivery
	batcher  *batch.Batcher
	ingest   *ingest.Listener
	server   *ipc.Server

	drainC chan struct{}

	wg sync.WaitGroup
}

// New assembles every subsystem from cfg without starting anything.
func New(cfg *config.Config, logger *log.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = log.Default()
	}

	sp, err := spool.New(cfg.SpoolDir, cfg.SpoolBytes, logger)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		spool:  sp,
		drainC: make(chan struct{}, 1),
	}

	s.cache = enrich.NewCache(enrich.DefaultTTL)
	s.enricher = enrich.NewEnricher(s.cache)

	host, _ := os.Hostname()
	s.mapper = trace.NewMapper(s.cache, host)

	deliveryCfg := delivery.Config{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Timeout:     time.Duration(cfg.TimeoutS) * time.Second,
		MaxRetries:  delivery.DefaultMaxRetries,
		BackoffBase: delivery.DefaultBackoffBase,
		BackoffMax:  delivery.DefaultBackoffMax,
	}
	s.delivery = delivery.New(deliveryCfg, s.spool, s, logger)

	batchCfg := batch.Config{
		Size:     cfg.BatchSize,
		Bytes:    cfg.BatchBytes,
		Interval: time.Duration(cfg.BatchMS) * time.Millisecond,
	}
	s.batcher = batch.New(batchCfg, batch.RealClock, s.delivery.Deliver, logger)

	s.ingest = ingest.New(cfg.ChanCapacity, ipc.DefaultMaxMessageSize, s.spool, logger)

	listener, err := ipc.Listen(cfg.SockPath)
	if err != nil {
		return nil, err
	}
	s.server = ipc.NewServer(listener, s.ingest.Handle, logger)

	return s, nil
}

// NotifyHealthy implements delivery.HealthNotifier: a successful delivery
// schedules a spool drain pass without blocking the delivery goroutine
// (spec.md §4.6 "Recovery signal").
func (s *Supervisor) NotifyHealthy() {
	select {
	case s.drainC <- struct{}{}:
	default:
	}
}

// Run starts every subsystem and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives, then performs the graceful shutdown sequence
// from spec.md §4.8. It returns once shutdown has completed.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ctx); err != nil {
			s.logger.Printf("supervisor: ipc server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.consumeLoop(ctx)

	s.wg.Add(1)
	go s.drainLoop(ctx)

	s.logger.Printf("talon-agent listening on %s, spooling to %s", s.cfg.SockPath, s.cfg.SpoolDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.logger.Printf("supervisor: received signal %s, shutting down", sig)
	case <-ctx.Done():
		s.logger.Printf("supervisor: context cancelled, shutting down")
	}

	return s.shutdown(cancel)
}

// consumeLoop drains the ingestion queue, refreshing enrichment,
// mapping envelopes to trace records, and handing them to the batcher.
// It also drives the batcher's interval timer since it is the only
// caller that owns a select loop over both the queue and the timer
// (spec.md §4.5).
func (s *Supervisor) consumeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case env, ok := <-s.ingest.Queue():
			if !ok {
				return
			}
			if path := transcriptPath(env.Payload); path != "" {
				s.enricher.Refresh(env.Env.SessionID, path)
			}
			rec := s.mapper.Map(env)
			s.batcher.Add(ctx, rec)
		case <-s.batcher.TimerC():
			s.batcher.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drainLoop replays the spool whenever NotifyHealthy signals a recovered
// collector, and otherwise on a slow periodic backstop so a spool
// written while the agent was previously down still drains on the next
// startup even without a live signal (spec.md §4.7).
func (s *Supervisor) drainLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	batchCfg := batch.Config{Size: s.cfg.BatchSize, Bytes: s.cfg.BatchBytes}

	replay := func() {
		// ErrIncomplete just means a transient failure stopped this pass
		// early; the next tick or health signal will retry what's left,
		// so it is logged, not escalated.
		if err := s.spool.Replay(ctx, s.delivery, batchCfg); err != nil && !errors.Is(err, spool.ErrEmpty) {
			s.logger.Printf("supervisor: spool replay error: %v", err)
		}
	}

	replay() // drain anything left over from a prior run

	for {
		select {
		case <-s.drainC:
			replay()
		case <-ticker.C:
			replay()
		case <-ctx.Done():
			return
		}
	}
}

// shutdown implements spec.md §4.8's graceful-shutdown sequence: stop
// accepting connections, wait out the grace period for in-flight ones,
// force-flush the batcher, wait for delivery to settle, then remove the
// IPC socket.
func (s *Supervisor) shutdown(cancel context.CancelFunc) error {
	s.server.Close()

	done := make(chan struct{})
	go func() {
		s.server.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownGrace):
		s.logger.Printf("supervisor: grace period exceeded, continuing shutdown with connections still open")
	}

	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.TimeoutS)*time.Second)
	defer flushCancel()
	s.batcher.ForceFlush(flushCtx)
	s.batcher.Wait()

	waitAll := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitAll)
	}()
	select {
	case <-waitAll:
	case <-time.After(ShutdownGrace):
	}

	if err := ipc.Cleanup(s.cfg.SockPath); err != nil {
		s.logger.Printf("supervisor: failed to remove socket: %v", err)
	}

	s.logger.Printf("supervisor: shutdown complete")
	return nil
}

// transcriptPath pulls an optional "transcript_path" string out of a raw
// envelope payload of unknown shape, returning "" when absent or the
// payload does not decode as an object (SPEC_FULL.md §4.12).
func transcriptPath(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if p, ok := obj["transcript_path"].(string); ok {
		return p
	}
	return ""
}
