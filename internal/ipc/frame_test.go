package ipc

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"event":"Stop"}`)

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf, DefaultMaxMessageSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, 100)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := ReadFrame(&buf, 10); err != ErrOversize {
		t.Fatalf("ReadFrame = %v, want ErrOversize", err)
	}
}

func TestReadFrameMultipleMessagesOnOneConnection(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if err := WriteFrame(&buf, m); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for _, want := range msgs {
		got, err := ReadFrame(&buf, DefaultMaxMessageSize)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestReadFrameEOFOnCleanClose(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ReadFrame(&buf, DefaultMaxMessageSize); err != io.EOF {
		t.Fatalf("ReadFrame = %v, want io.EOF reading from empty buffer", err)
	}
}
