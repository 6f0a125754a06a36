// Package delivery ships batches to the remote collector over HTTP, with
// gzip compression, bearer auth, classified error handling, and
// exponential backoff with full jitter (spec.md §4.6).
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tenzoki/talon/internal/batch"
	"github.com/tenzoki/talon/internal/trace"
)

// Defaults mirror spec.md §4.6.
const (
	DefaultTimeout      = 8 * time.Second
	DefaultMaxRetries   = 5
	DefaultBackoffBase  = 200 * time.Millisecond
	DefaultBackoffMax   = 30 * time.Second
)

// ErrPermanent is wrapped into the error returned by Deliver when the
// collector rejects a batch with a non-retryable 4xx; callers use
// errors.Is to distinguish it from transient failures that exhausted
// retries.
var ErrPermanent = errors.New("delivery: permanent rejection")

// Config holds the HTTP delivery parameters.
type Config struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the spec's default delivery parameters for a given
// endpoint and API key.
func DefaultConfig(endpoint, apiKey string) Config {
	return Config{
		Endpoint:    endpoint,
		APIKey:      apiKey,
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
	}
}

// Spool is the subset of the spool package's API that delivery needs: a
// place to divert batches on permanent network failure or permanent
// rejection (spec.md §4.6, §4.7).
type Spool interface {
	AppendBatch(b *batch.Batch) error
	QuarantineBatch(b *batch.Batch, reason string) error
}

// HealthNotifier is notified whenever a 2xx response is observed, so the
// supervisor can schedule a spool drain pass (spec.md §4.6 "Recovery
// signal").
type HealthNotifier interface {
	NotifyHealthy()
}

// Delivery ships batches to the collector and diverts them to the spool
// when delivery cannot make progress.
type Delivery struct {
	cfg     Config
	client  *http.Client
	spool   Spool
	health  HealthNotifier
	logger  *log.Logger
}

// New constructs a Delivery. logger may be nil for a default stderr
// logger.
func New(cfg Config, spool Spool, health HealthNotifier, logger *log.Logger) *Delivery {
	if logger == nil {
		logger = log.Default()
	}
	return &Delivery{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		spool:  spool,
		health: health,
		logger: logger,
	}
}

// Outcome reports what happened to a batch after Attempt's retry loop.
type Outcome int

const (
	// Delivered means the collector accepted the batch (2xx).
	Delivered Outcome = iota
	// PermanentlyRejected means a non-retryable 4xx was returned; the
	// caller is expected to quarantine the batch.
	PermanentlyRejected
	// RetriesExhausted means every attempt hit a transient failure; the
	// caller is expected to spool the batch for later replay.
	RetriesExhausted
)

// Attempt runs the retry/backoff loop against the collector and reports
// the outcome without touching the spool itself. Deliver (the live path)
// and the spool's replay loop both build on Attempt, differing only in
// what they do with a non-Delivered outcome: the live path always spools
// or quarantines; replay stops on RetriesExhausted so the still-pending
// spool bytes are retried on the next pass (spec.md §4.7).
func (d *Delivery) Attempt(ctx context.Context, records []*trace.Record) (Outcome, error) {
	if len(records) == 0 {
		return Delivered, nil
	}

	body, err := compress(records)
	if err != nil {
		return PermanentlyRejected, fmt.Errorf("delivery: encode batch: %w", err)
	}

	var lastErr error
	backoff := d.cfg.BackoffBase

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := fullJitter(backoff)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return RetriesExhausted, ctx.Err()
			}
			backoff *= 2
			if backoff > d.cfg.BackoffMax {
				backoff = d.cfg.BackoffMax
			}
		}

		status, err := d.post(ctx, body)
		if err == nil && status >= 200 && status < 300 {
			if d.health != nil {
				d.health.NotifyHealthy()
			}
			return Delivered, nil
		}

		if err != nil {
			lastErr = err
			continue // transport error: transient
		}

		switch classify(status) {
		case transientStatus:
			lastErr = fmt.Errorf("delivery: transient status %d", status)
			continue
		case permanentStatus:
			return PermanentlyRejected, fmt.Errorf("%w: status %d", ErrPermanent, status)
		}
	}

	return RetriesExhausted, lastErr
}

// Deliver attempts to send b to the collector via Attempt, then applies
// the live-path disposition: on retry exhaustion the batch is written to
// the spool (at-least-once, not at-most-once, from the batcher's
// perspective); on permanent rejection it is quarantined, logged once.
// Deliver matches batch.DeliverFunc exactly (no return value) so it can
// be handed to batch.New directly; a spool write failure here has
// nowhere further to propagate and is logged instead.
func (d *Delivery) Deliver(ctx context.Context, b *batch.Batch) {
	if b.Len() == 0 {
		return
	}

	outcome, err := d.Attempt(ctx, b.Records)
	switch outcome {
	case Delivered:
		return
	case PermanentlyRejected:
		d.logger.Printf("delivery: permanent rejection (%v), quarantining batch of %d records", err, b.Len())
		if qerr := d.spool.QuarantineBatch(b, err.Error()); qerr != nil {
			d.logger.Printf("delivery: failed to quarantine batch: %v", qerr)
		}
	default: // RetriesExhausted
		d.logger.Printf("delivery: retries exhausted (%v), spooling batch of %d records", err, b.Len())
		if serr := d.spool.AppendBatch(b); serr != nil {
			d.logger.Printf("delivery: failed to spool batch: %v", serr)
		}
	}
}

type classification int

const (
	transientStatus classification = iota
	permanentStatus
)

// classify maps an HTTP status code to the retry policy in spec.md §4.6.
func classify(status int) classification {
	switch {
	case status == 408, status == 429, status >= 500:
		return transientStatus
	default:
		return permanentStatus
	}
}

// post issues one HTTP attempt, returning the response status code, or an
// error for transport-level failures (connect/timeout/DNS), which are
// always transient.
func (d *Delivery) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("delivery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("delivery: transport: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// compress serializes records as a JSON array and gzips the result, using
// klauspost/compress for a drop-in faster encoder than the stdlib gzip
// package (SPEC_FULL.md §4.11).
func compress(records []*trace.Record) ([]byte, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("delivery: marshal batch: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, fmt.Errorf("delivery: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("delivery: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// fullJitter returns a uniform random duration in [0, d].
func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
