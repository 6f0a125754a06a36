// Command talon-agent runs the long-lived collector-side agent: it
// accepts envelopes over IPC from taps, batches and ships trace records
// to a remote collector, and spools anything it cannot deliver
// (spec.md §4, §6).
//
// Usage:
//
//	talon-agent start [flags]
//	talon-agent flush [flags]
//
// start runs the agent until SIGINT/SIGTERM. flush performs one
// synchronous spool replay pass and exits, for use from cron or a
// host-triggered maintenance hook.
//
// Exit codes (spec.md §6): 0 success, 1 configuration error, 2 runtime
// startup failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tenzoki/talon/internal/batch"
	"github.com/tenzoki/talon/internal/config"
	"github.com/tenzoki/talon/internal/delivery"
	"github.com/tenzoki/talon/internal/spool"
	"github.com/tenzoki/talon/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "flush":
		runFlush(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: talon-agent <start|flush> [flags]")
}

// runStart parses start's flags, resolves configuration, and runs the
// supervisor until a shutdown signal arrives.
func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	f := registerCommonFlags(fs)
	batchSize := fs.Int("batch-size", 0, "max records per batch (default 100)")
	batchMS := fs.Int("batch-ms", 0, "max batch age in milliseconds (default 200)")
	batchBytes := fs.Int("batch-bytes", 0, "max batch size in bytes (default 1048576)")
	chanCapacity := fs.Int("chan-capacity", 0, "ingestion queue capacity (default 10000)")
	fs.Parse(args)

	f.BatchSize = orNil(*batchSize)
	f.BatchMS = orNil(*batchMS)
	f.BatchBytes = orNil(*batchBytes)
	f.ChanCapacity = orNil(*chanCapacity)

	cfg, err := config.Resolve(*f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "talon-agent:", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "talon-agent: ", log.LstdFlags)
	if cfg.Debug {
		logger.Printf("resolved config: %+v", cfg)
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Printf("startup failed: %v", err)
		os.Exit(2)
	}

	if err := sup.Run(context.Background()); err != nil {
		logger.Printf("run failed: %v", err)
		os.Exit(2)
	}
	os.Exit(0)
}

// runFlush resolves configuration, then performs one synchronous spool
// replay pass against the configured collector and exits.
func runFlush(args []string) {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	f := registerCommonFlags(fs)
	fs.Parse(args)

	cfg, err := config.Resolve(*f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "talon-agent:", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "talon-agent: ", log.LstdFlags)

	sp, err := spool.New(cfg.SpoolDir, cfg.SpoolBytes, logger)
	if err != nil {
		logger.Printf("flush: %v", err)
		os.Exit(2)
	}

	d := delivery.New(delivery.DefaultConfig(cfg.Endpoint, cfg.APIKey), sp, noopHealth{}, logger)

	if err := sp.Replay(context.Background(), d, batch.DefaultConfig()); err != nil {
		if errors.Is(err, spool.ErrEmpty) {
			logger.Printf("spool empty, nothing to flush")
			os.Exit(0)
		}
		if errors.Is(err, spool.ErrIncomplete) {
			logger.Printf("flush incomplete, transient failures remain: %v", err)
			os.Exit(2)
		}
		logger.Printf("flush failed: %v", err)
		os.Exit(2)
	}
	os.Exit(0)
}

type noopHealth struct{}

func (noopHealth) NotifyHealthy() {}

// registerCommonFlags registers the flags shared by both subcommands
// (spec.md §6) and returns the config.Flags they populate.
func registerCommonFlags(fs *flag.FlagSet) *config.Flags {
	f := &config.Flags{}
	f.Endpoint = fs.String("endpoint", "", "collector HTTP endpoint (required; or TRACE_ENDPOINT)")
	f.APIKey = fs.String("api-key", "", "bearer token for the collector (or TRACE_API_KEY)")
	f.SockPath = fs.String("sock", "", "IPC socket path (or TALON_SOCK)")
	f.SpoolDir = fs.String("spool-dir", "", "spool directory (or TALON_SPOOL_DIR)")
	f.ConfigPath = fs.String("config", "", "path to a YAML defaults file (or TALON_CONFIG_PATH)")
	debug := fs.Bool("debug", false, "enable debug logging (or TALON_DEBUG)")
	f.Debug = debug
	var spoolBytes int64
	fs.Int64Var(&spoolBytes, "spool-bytes", 0, "max spool file size in bytes (default 52428800)")
	f.SpoolBytes = &spoolBytes
	return f
}

// orNil converts a flag.Int default-zero sentinel into a pointer, letting
// config.Resolve's priority chain treat an unset flag the same as one
// never registered.
func orNil(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
