package batch

import (
	"encoding/json"
	"time"

	"github.com/tenzoki/talon/internal/trace"
)

// Batch is an ordered sequence of trace records flushed as one HTTP
// request. It holds references only; it owns nothing the producer
// continues to write to (spec.md §3).
type Batch struct {
	Records   []*trace.Record
	Bytes     int
	CreatedAt time.Time
}

func newBatch(now time.Time) *Batch {
	return &Batch{CreatedAt: now}
}

// add appends rec and returns its serialized size, which the caller adds
// to the batch's incremental byte counter. A record that fails to
// serialize is still appended (mapping guarantees valid JSON, but this
// must not be a panic path); its contribution to Bytes is then zero.
func (b *Batch) add(rec *trace.Record) int {
	b.Records = append(b.Records, rec)
	n := 0
	if data, err := json.Marshal(rec); err == nil {
		n = len(data) + 1 // +1 for the array separator/newline
	}
	b.Bytes += n
	return n
}

// Len reports the number of records currently in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}
