// Package ipc implements the length-framed bidirectional message channel
// between tap and agent: a Unix domain socket on POSIX, a loopback TCP
// port on Windows, same wire format on both (spec.md §4.1).
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageSize is the oversized-message cap (spec.md §4.1).
const DefaultMaxMessageSize = 2 << 20 // 2 MiB

// ErrOversize is returned by ReadFrame when a message exceeds maxSize.
var ErrOversize = errors.New("ipc: message exceeds size cap")

// WriteFrame writes payload as one 4-byte big-endian length prefix
// followed by payload's bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A message whose
// declared length exceeds maxSize is rejected with ErrOversize without
// attempting to read the (potentially huge) payload.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // includes io.EOF for a clean close between frames
	}
	n := binary.BigEndian.Uint32(header[:])
	if int(n) > maxSize {
		return nil, ErrOversize
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}
	return payload, nil
}
