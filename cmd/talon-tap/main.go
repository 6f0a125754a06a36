// Command talon-tap is the short-lived process invoked synchronously
// from a host hook. It reads one JSON document from stdin, wraps it in
// an envelope, and ships it to the agent over IPC, exiting 0
// unconditionally: a hook must never fail because observability did
// (spec.md §4.1, §6).
//
// If the agent is unreachable, talon-tap launches it as a detached
// background process from TALON_AGENT_PATH and retries briefly before
// giving up silently.
package main

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/tenzoki/talon/internal/config"
	"github.com/tenzoki/talon/internal/envelope"
	"github.com/tenzoki/talon/internal/ipc"
)

const (
	defaultMaxStdinBytes = 2 << 20 // 2 MiB
	relaunchRetryTotal   = 2 * time.Second
	relaunchRetryStep    = 100 * time.Millisecond
)

func main() {
	os.Exit(run())
}

// run implements the tap's entire contract and never returns non-zero:
// every failure mode here is swallowed after being attempted, per
// spec.md §6's "never fail the hook" invariant. The int return exists
// only so main can still call os.Exit in one place.
func run() int {
	event := os.Getenv("TALON_EVENT")
	sessionID := os.Getenv("TALON_SESSION_ID")
	plugin := envOr("TALON_PLUGIN", "talon")
	version := envOr("TALON_PLUGIN_VERSION", "0.1.0")

	payload, err := readStdin(maxStdinBytes())
	if err != nil {
		return 0
	}

	env := buildEnvelope(event, sessionID, plugin, version, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}

	sock := envOr("TALON_SOCK", config.DefaultSockAddr())
	if sendEnvelope(sock, data) {
		return 0
	}

	relaunchAgent()
	retryDeadline := time.Now().Add(relaunchRetryTotal)
	for time.Now().Before(retryDeadline) {
		time.Sleep(relaunchRetryStep)
		if sendEnvelope(sock, data) {
			return 0
		}
	}
	return 0
}

// buildEnvelope assembles an envelope.Envelope from tap-time context.
// Unknown or empty fields are left zero-valued; the mapper downstream
// degrades gracefully for incomplete envelopes (spec.md §4.3).
func buildEnvelope(event, sessionID, plugin, version string, payload json.RawMessage) *envelope.Envelope {
	host, _ := os.Hostname()
	return &envelope.Envelope{
		Event:   event,
		Payload: payload,
		TS:      time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Env: envelope.Env{
			SessionID: sessionID,
			Host:      host,
			PID:       os.Getpid(),
		},
		Plugin:  plugin,
		Version: version,
	}
}

// sendEnvelope dials the agent and writes one framed message, reporting
// whether the send succeeded. Any error (no listener, write failure) is
// treated uniformly as "unreachable".
func sendEnvelope(sock string, data []byte) bool {
	conn, err := ipc.Dial(sock)
	if err != nil {
		return false
	}
	defer conn.Close()
	return ipc.WriteFrame(conn, data) == nil
}

// relaunchAgent starts the agent as a detached background process from
// TALON_AGENT_PATH, if set. Failure to launch is silent: the tap has no
// way to surface it without risking the host hook.
func relaunchAgent() {
	binPath := os.Getenv("TALON_AGENT_PATH")
	if binPath == "" {
		return
	}
	cmd := exec.Command(binPath, "start")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	_ = cmd.Start()
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}
}

// readStdin reads up to max bytes from stdin as the hook payload. An
// empty stdin yields an empty JSON object, not an error.
func readStdin(max int64) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, max))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(data), nil
}

func maxStdinBytes() int64 {
	v := os.Getenv("TALON_TAP_MAX_STDIN_BYTES")
	if v == "" {
		return defaultMaxStdinBytes
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return defaultMaxStdinBytes
	}
	return n
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
