// Package spool implements the on-disk queue of trace records described in
// spec.md §4.7: an append-only events.jsonl with size-capped
// head-truncation rotation, a sibling quarantine.jsonl for permanently
// rejected or malformed records, and sequential replay coordinated with
// ingestion-driven writes via a single in-process lock (spec.md §5
// "single writer").
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/tenzoki/talon/internal/batch"
	"github.com/tenzoki/talon/internal/delivery"
	"github.com/tenzoki/talon/internal/trace"
)

// DefaultMaxBytes is the spool_bytes default (spec.md §4.7).
const DefaultMaxBytes = 50 << 20 // 50 MiB

const (
	eventsFile     = "events.jsonl"
	quarantineFile = "quarantine.jsonl"
)

// ErrEmpty is returned by Replay when there is nothing pending.
var ErrEmpty = errors.New("spool: empty")

// ErrIncomplete is returned by Replay when a transient failure stopped
// the pass before the spool was fully drained. Callers (notably the
// flush subcommand, spec.md §4.9/§6) must treat this as a failure, not
// partial success, even though some records may have been delivered or
// quarantined before the stop.
var ErrIncomplete = errors.New("spool: incomplete replay, transient failure")

// Attempter is the subset of *delivery.Delivery that Replay needs.
type Attempter interface {
	Attempt(ctx context.Context, records []*trace.Record) (delivery.Outcome, error)
}

// Spool owns events.jsonl and quarantine.jsonl under dir. All writers
// (ingestion-driven appends and replay's consuming reads) serialize
// through mu, matching spec.md §4.7's "file-scoped lock" requirement.
type Spool struct {
	dir      string
	maxBytes int64
	logger   *log.Logger

	mu sync.Mutex
}

// New ensures dir exists and returns a Spool rooted there.
func New(dir string, maxBytes int64, logger *log.Logger) (*Spool, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create dir: %w", err)
	}
	return &Spool{dir: dir, maxBytes: maxBytes, logger: logger}, nil
}

func (s *Spool) eventsPath() string     { return filepath.Join(s.dir, eventsFile) }
func (s *Spool) quarantinePath() string { return filepath.Join(s.dir, quarantineFile) }

// AppendBatch writes every record in b to events.jsonl, one JSON object
// per line, rotating first if the append would exceed maxBytes. Per
// spec.md §7 "Spool I/O failure", any error here should be logged by the
// caller and the batch dropped as a last resort; AppendBatch itself never
// panics and never blocks the agent from accepting new work.
func (s *Spool) AppendBatch(b *batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := marshalLines(b.Records)
	if len(buf) == 0 {
		return nil
	}

	if err := s.rotateIfNeededLocked(int64(len(buf))); err != nil {
		s.logger.Printf("spool: rotation failed: %v", err)
	}

	return appendFile(s.eventsPath(), buf)
}

// QuarantineBatch appends every record in b to quarantine.jsonl annotated
// with reason. Quarantined records are never replayed.
func (s *Spool) QuarantineBatch(b *batch.Batch, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantineRecordsLocked(b.Records, reason)
}

func (s *Spool) quarantineRecordsLocked(records []*trace.Record, reason string) error {
	if len(records) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.quarantinePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("spool: open quarantine file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		entry := quarantineEntry{Record: rec, Reason: reason}
		if err := enc.Encode(&entry); err != nil {
			s.logger.Printf("spool: failed to quarantine record: %v", err)
		}
	}
	return nil
}

// QuarantineRaw appends a single raw, unparseable message (e.g. an
// envelope that failed JSON validation at ingestion) to quarantine.jsonl
// tagged with reason (spec.md §4.2).
func (s *Spool) QuarantineRaw(data []byte, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantineRawLocked([][]byte{data}, reason)
}

// quarantineRawLocked appends raw, unparseable messages to
// quarantine.jsonl tagged with reason: envelopes that failed validation
// at ingestion (via QuarantineRaw), and spool lines that failed to parse
// back into a trace.Record during replay (disk corruption, truncated
// write). They are recorded as raw strings since there is no Record to
// wrap.
func (s *Spool) quarantineRawLocked(lines [][]byte, reason string) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.quarantinePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("spool: open quarantine file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, line := range lines {
		entry := quarantineEntry{Raw: string(line), Reason: reason}
		if err := enc.Encode(&entry); err != nil {
			s.logger.Printf("spool: failed to quarantine malformed line: %v", err)
		}
	}
	return nil
}

type quarantineEntry struct {
	Record *trace.Record `json:"record,omitempty"`
	Raw    string        `json:"raw,omitempty"`
	Reason string        `json:"reason"`
}

// rotateIfNeededLocked keeps the most recent half of events.jsonl by byte
// count when the file's size plus incoming would exceed maxBytes,
// favoring freshness over completeness under sustained outage (spec.md
// §4.7). Callers must already hold mu.
func (s *Spool) rotateIfNeededLocked(incoming int64) error {
	info, err := os.Stat(s.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size()+incoming <= s.maxBytes {
		return nil
	}

	data, err := os.ReadFile(s.eventsPath())
	if err != nil {
		return err
	}
	keepFrom := len(data) / 2
	// Keep rotation on a line boundary so no record is split.
	if idx := bytes.IndexByte(data[keepFrom:], '\n'); idx >= 0 {
		keepFrom += idx + 1
	}
	kept := data[keepFrom:]

	if err := writeFileAtomic(s.eventsPath(), kept); err != nil {
		return err
	}
	s.logger.Printf("spool: rotated events file, discarded %d of %d bytes", keepFrom, len(data))
	return nil
}

// Pending reports the current size in bytes of events.jsonl.
func (s *Spool) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.eventsPath())
	if err != nil {
		return 0
	}
	return info.Size()
}

// Replay reads events.jsonl sequentially, reassembles batches up to
// cfg's thresholds, and submits each to d. On success the consumed
// prefix is removed from the file. On permanent rejection the consumed
// records move to quarantine. On transient failure replay stops,
// leaving the remainder of the file for the next pass (spec.md §4.7),
// and Replay returns ErrIncomplete (wrapping the transient error) so
// callers can distinguish a full drain from a partial one.
//
// Exactly one replay pass runs at a time; mu also serializes against
// AppendBatch so ingestion-driven writes and replay reads never race.
func (s *Spool) Replay(ctx context.Context, d Attempter, cfg batch.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrEmpty
		}
		return fmt.Errorf("spool: read events file: %w", err)
	}
	if len(data) == 0 {
		return ErrEmpty
	}

	sc := newLineScanner(data)
	consumed := 0

	for {
		group, groupBytes, malformed, more := sc.nextGroup(cfg.Size, cfg.Bytes)
		if len(group) == 0 && len(malformed) == 0 {
			break
		}

		if len(malformed) > 0 {
			s.quarantineRawLocked(malformed, "unparseable spool line")
		}

		if len(group) > 0 {
			outcome, derr := d.Attempt(ctx, group)
			switch outcome {
			case delivery.Delivered:
				consumed += groupBytes
			case delivery.PermanentlyRejected:
				s.quarantineRecordsLocked(group, errString(derr))
				consumed += groupBytes
			default: // RetriesExhausted
				s.logger.Printf("spool: replay stopped on transient failure: %v", derr)
				if terr := s.truncateConsumedLocked(consumed); terr != nil {
					return terr
				}
				return fmt.Errorf("%w: %v", ErrIncomplete, derr)
			}
		} else {
			consumed += groupBytes
		}

		if !more {
			break
		}
	}

	return s.truncateConsumedLocked(consumed)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// truncateConsumedLocked removes the first consumedBytes of events.jsonl
// via copy-remaining-to-temp-and-rename. Callers must hold mu.
func (s *Spool) truncateConsumedLocked(consumedBytes int) error {
	if consumedBytes == 0 {
		return nil
	}
	data, err := os.ReadFile(s.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if consumedBytes >= len(data) {
		return os.WriteFile(s.eventsPath(), nil, 0o600)
	}
	return writeFileAtomic(s.eventsPath(), data[consumedBytes:])
}

func marshalLines(records []*trace.Record) []byte {
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			continue // a record that cannot serialize is dropped, not fatal
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("spool: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("spool: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
