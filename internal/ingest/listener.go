// Package ingest implements the Ingestion Listener: it accepts IPC
// connections from taps, parses envelopes, applies backpressure onto a
// bounded in-memory queue shared with the batcher, and quarantines
// malformed input without closing the connection (spec.md §4.2).
package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"

	"github.com/tenzoki/talon/internal/envelope"
	"github.com/tenzoki/talon/internal/ipc"
)

// DefaultQueueCapacity is the ingress queue's default bound (spec.md §4.2).
const DefaultQueueCapacity = 10000

// QuarantineSpool is the subset of the spool package's API the listener
// needs to record malformed envelopes.
type QuarantineSpool interface {
	QuarantineRaw(data []byte, reason string) error
}

// Listener accepts framed envelopes over IPC and pushes valid ones onto a
// bounded queue. The queue blocks producers when full by design: this
// is the flow-control path back into the host (spec.md §4.2) — the
// listener must never silently drop envelopes under load.
type Listener struct {
	queue      chan *envelope.Envelope
	maxMsgSize int
	spool      QuarantineSpool
	logger     *log.Logger

	oversizeCount  int64
	malformedCount int64
}

// New constructs a Listener with the given queue capacity and maximum
// envelope size. spool may be nil only in tests that don't exercise the
// quarantine path.
func New(queueCapacity, maxMsgSize int, spool QuarantineSpool, logger *log.Logger) *Listener {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if maxMsgSize <= 0 {
		maxMsgSize = ipc.DefaultMaxMessageSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		queue:      make(chan *envelope.Envelope, queueCapacity),
		maxMsgSize: maxMsgSize,
		spool:      spool,
		logger:     logger,
	}
}

// Queue exposes the receive side for the batcher's consumer loop.
func (l *Listener) Queue() <-chan *envelope.Envelope {
	return l.queue
}

// OversizeCount returns the number of connections closed for exceeding
// the size cap since startup.
func (l *Listener) OversizeCount() int64 {
	return atomic.LoadInt64(&l.oversizeCount)
}

// MalformedCount returns the number of envelopes quarantined for failing
// to parse or validate since startup.
func (l *Listener) MalformedCount() int64 {
	return atomic.LoadInt64(&l.malformedCount)
}

// Handle implements ipc.Handler: it reads framed envelopes from conn
// until the connection closes or a framing error occurs, accepting
// multiple messages on a single connection (spec.md §4.1). A framing
// error (including an oversized message) closes conn before returning.
func (l *Listener) Handle(ctx context.Context, conn net.Conn) {
	for {
		data, err := ipc.ReadFrame(conn, l.maxMsgSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // clean close between frames
			}
			if errors.Is(err, ipc.ErrOversize) {
				atomic.AddInt64(&l.oversizeCount, 1)
				l.logger.Printf("ingest: oversized message, closing connection")
			} else {
				l.logger.Printf("ingest: malformed framing, closing connection: %v", err)
			}
			conn.Close()
			return
		}

		env, perr := envelope.Parse(data)
		if perr != nil {
			atomic.AddInt64(&l.malformedCount, 1)
			if l.spool != nil {
				if qerr := l.spool.QuarantineRaw(data, perr.Error()); qerr != nil {
					l.logger.Printf("ingest: failed to quarantine malformed envelope: %v", qerr)
				}
			}
			continue // connection remains open (spec.md §4.2)
		}

		select {
		case l.queue <- env:
		case <-ctx.Done():
			return
		}
	}
}
