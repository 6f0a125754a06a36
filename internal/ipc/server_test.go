package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServerAcceptsAndFrames(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "talon.sock")
	l, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	received := make(chan []byte, 1)
	srv := NewServer(l, func(ctx context.Context, conn net.Conn) {
		data, err := ReadFrame(conn, DefaultMaxMessageSize)
		if err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		received <- data
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("received %q, want hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "talon.sock")

	l1, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen (first): %v", err)
	}
	// Simulate a crash: the socket file is left behind without closing
	// cleanly via Cleanup.
	l1.(*net.UnixListener).SetUnlinkOnClose(false)
	l1.Close()

	l2, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen (second, should remove stale socket): %v", err)
	}
	defer l2.Close()
}

func TestListenSocketPermissions(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "talon.sock")
	l, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket permissions = %o, want 0600", perm)
	}
}

func TestCleanupRemovesSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "talon.sock")
	l, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	if err := Cleanup(sockPath); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("expected socket file removed after Cleanup")
	}
}
