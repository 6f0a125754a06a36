package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tenzoki/talon/internal/batch"
	"github.com/tenzoki/talon/internal/trace"
)

type fakeSpool struct {
	appended    []*batch.Batch
	quarantined []*batch.Batch
	reasons     []string
}

func (f *fakeSpool) AppendBatch(b *batch.Batch) error {
	f.appended = append(f.appended, b)
	return nil
}

func (f *fakeSpool) QuarantineBatch(b *batch.Batch, reason string) error {
	f.quarantined = append(f.quarantined, b)
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeHealth struct{ notified int32 }

func (h *fakeHealth) NotifyHealthy() { atomic.AddInt32(&h.notified, 1) }

func testBatch(n int) *batch.Batch {
	b := &batch.Batch{}
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, &trace.Record{Schema: trace.SchemaVersion})
	}
	return b
}

func fastConfig(endpoint string) Config {
	return Config{
		Endpoint:    endpoint,
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func TestDeliverSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("missing Content-Encoding: gzip header")
		}
		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip.NewReader: %v", err)
		}
		defer gr.Close()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spool := &fakeSpool{}
	health := &fakeHealth{}
	d := New(fastConfig(srv.URL), spool, health, nil)

	d.Deliver(context.Background(), testBatch(1))
	if len(spool.appended) != 0 || len(spool.quarantined) != 0 {
		t.Error("expected no spool activity on success")
	}
	if atomic.LoadInt32(&health.notified) != 1 {
		t.Error("expected NotifyHealthy on 2xx")
	}
}

func TestDeliverPermanentRejectionQuarantines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	spool := &fakeSpool{}
	d := New(fastConfig(srv.URL), spool, nil, nil)

	d.Deliver(context.Background(), testBatch(1))
	if len(spool.quarantined) != 1 {
		t.Fatalf("quarantined %d batches, want 1", len(spool.quarantined))
	}
	if len(spool.appended) != 0 {
		t.Error("expected no spool append on permanent rejection")
	}
}

func TestDeliverTransientExhaustsToSpool(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	spool := &fakeSpool{}
	cfg := fastConfig(srv.URL)
	d := New(cfg, spool, nil, nil)

	d.Deliver(context.Background(), testBatch(1))
	if got := atomic.LoadInt32(&calls); got != int32(cfg.MaxRetries+1) {
		t.Errorf("calls = %d, want %d", got, cfg.MaxRetries+1)
	}
	if len(spool.appended) != 1 {
		t.Fatalf("appended %d batches, want 1", len(spool.appended))
	}
}

func TestDeliverSucceedsAfterTransientRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spool := &fakeSpool{}
	d := New(fastConfig(srv.URL), spool, nil, nil)

	d.Deliver(context.Background(), testBatch(1))
	if len(spool.appended) != 0 {
		t.Error("expected recovery before retries exhausted")
	}
}

func TestDeliverEmptyBatchIsNoop(t *testing.T) {
	d := New(fastConfig("http://unused.invalid"), &fakeSpool{}, nil, nil)
	d.Deliver(context.Background(), &batch.Batch{})
}

func TestDeliverTransportErrorIsTransient(t *testing.T) {
	spool := &fakeSpool{}
	d := New(fastConfig("http://127.0.0.1:1"), spool, nil, nil) // nothing listening
	d.Deliver(context.Background(), testBatch(1))
	if len(spool.appended) != 1 {
		t.Fatalf("appended %d batches, want 1", len(spool.appended))
	}
}

func TestClassify(t *testing.T) {
	cases := map[int]classification{
		200: permanentStatus, // not consulted for 2xx in practice; classify only called for non-2xx paths
		408: transientStatus,
		429: transientStatus,
		500: transientStatus,
		503: transientStatus,
		400: permanentStatus,
		403: permanentStatus,
		404: permanentStatus,
	}
	for status, want := range cases {
		if status == 200 {
			continue
		}
		if got := classify(status); got != want {
			t.Errorf("classify(%d) = %v, want %v", status, got, want)
		}
	}
}
