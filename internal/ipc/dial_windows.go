//go:build windows

package ipc

import "net"

// Dial connects to the IPC endpoint as a client. On Windows addr is a
// "127.0.0.1:<port>" loopback TCP address.
func Dial(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}
