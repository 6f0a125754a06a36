//go:build windows

package ipc

import (
	"fmt"
	"net"
)

// Listen binds the IPC endpoint for the current platform. On Windows
// there is no Unix domain socket, so addr is interpreted as a
// "127.0.0.1:<port>" loopback TCP address; the wire format on top is
// identical (spec.md §4.1).
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen tcp %s: %w", addr, err)
	}
	return l, nil
}

// Cleanup is a no-op on Windows: there is no socket file to remove.
func Cleanup(addr string) error {
	return nil
}
