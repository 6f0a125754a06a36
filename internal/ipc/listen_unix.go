//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
)

// Listen binds the IPC endpoint for the current platform. On POSIX this
// is a Unix domain socket at addr: any stale socket file left by a prior
// crash is unlinked before bind, and the resulting socket file is
// restricted to owner-only permissions (spec.md §4.1).
func Listen(addr string) (net.Listener, error) {
	if err := removeStaleSocket(addr); err != nil {
		return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen unix %s: %w", addr, err)
	}

	if err := os.Chmod(addr, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}

	return l, nil
}

// removeStaleSocket unlinks addr if it exists as a socket file from a
// prior, uncleanly-terminated agent. A connect attempt would be more
// precise (distinguishing "stale" from "another agent is already
// running"), but the supervisor is expected to be the sole owner of a
// given socket path; a stale file is the overwhelmingly common case and
// bind would otherwise fail with "address already in use".
func removeStaleSocket(addr string) error {
	info, err := os.Stat(addr)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove non-socket file at %s", addr)
	}
	return os.Remove(addr)
}

// Cleanup removes the socket file on clean shutdown (spec.md §4.8).
func Cleanup(addr string) error {
	err := os.Remove(addr)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
