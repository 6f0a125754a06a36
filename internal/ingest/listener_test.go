package ingest

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/tenzoki/talon/internal/ipc"
)

type fakeQuarantine struct {
	data   [][]byte
	reason []string
}

func (f *fakeQuarantine) QuarantineRaw(data []byte, reason string) error {
	f.data = append(f.data, data)
	f.reason = append(f.reason, reason)
	return nil
}

func pipeHandle(t *testing.T, l *Listener, write func(conn net.Conn)) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		l.Handle(context.Background(), server)
		close(done)
	}()
	write(client)
	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after client close")
	}
}

func validEnvelopeJSON() []byte {
	return []byte(`{"event":"Stop","payload":{},"ts":"2025-01-13T12:34:56.789Z","env":{"session_id":"s1","host":"h","pid":1},"plugin":"talon","version":"0.1.0"}`)
}

func TestHandleValidEnvelopeEnqueues(t *testing.T) {
	l := New(10, ipc.DefaultMaxMessageSize, nil, nil)
	pipeHandle(t, l, func(conn net.Conn) {
		if err := ipc.WriteFrame(conn, validEnvelopeJSON()); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	})

	select {
	case env := <-l.Queue():
		if env.Event != "Stop" {
			t.Errorf("Event = %q, want Stop", env.Event)
		}
	default:
		t.Fatal("expected envelope on queue")
	}
}

func TestHandleMalformedEnvelopeQuarantines(t *testing.T) {
	fq := &fakeQuarantine{}
	l := New(10, ipc.DefaultMaxMessageSize, fq, nil)
	bad := []byte(`{not valid json`)

	pipeHandle(t, l, func(conn net.Conn) {
		if err := ipc.WriteFrame(conn, bad); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	})

	if len(fq.data) != 1 || !bytes.Equal(fq.data[0], bad) {
		t.Fatalf("expected malformed envelope quarantined, got %v", fq.data)
	}
	if l.MalformedCount() != 1 {
		t.Errorf("MalformedCount = %d, want 1", l.MalformedCount())
	}
}

func TestHandleOversizeClosesConnection(t *testing.T) {
	l := New(10, 10, nil, nil) // tiny cap
	pipeHandle(t, l, func(conn net.Conn) {
		ipc.WriteFrame(conn, make([]byte, 100))
	})
	if l.OversizeCount() != 1 {
		t.Errorf("OversizeCount = %d, want 1", l.OversizeCount())
	}
}

func TestHandleMultipleEnvelopesOneConnection(t *testing.T) {
	l := New(10, ipc.DefaultMaxMessageSize, nil, nil)
	pipeHandle(t, l, func(conn net.Conn) {
		for i := 0; i < 3; i++ {
			if err := ipc.WriteFrame(conn, validEnvelopeJSON()); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
		}
	})

	count := 0
	for {
		select {
		case <-l.Queue():
			count++
		default:
			if count != 3 {
				t.Fatalf("enqueued %d envelopes, want 3", count)
			}
			return
		}
	}
}
