// Package config resolves the agent's runtime configuration from three
// layers, highest priority first: CLI flags, environment variables, and
// an optional YAML defaults file — grounded on the teacher's
// public/agent/framework.go flag-then-env resolution and
// internal/config/config.go YAML-defaults pattern (SPEC_FULL.md §4.10).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tenzoki/talon/internal/batch"
	"github.com/tenzoki/talon/internal/delivery"
	"github.com/tenzoki/talon/internal/spool"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	Endpoint   string
	APIKey     string
	TimeoutS   int
	SampleRate float64 // reserved; recognized but not applied (spec.md §9)

	SockPath string

	BatchSize    int
	BatchMS      int
	BatchBytes   int
	ChanCapacity int
	SpoolBytes   int64
	SpoolDir     string

	Debug bool
}

// FileDefaults is the shape of the optional YAML config file, unmarshaled
// with gopkg.in/yaml.v3 matching the teacher's internal/config/config.go.
// Every field is optional; zero values mean "let a higher/lower layer
// decide".
type FileDefaults struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	TimeoutS     int    `yaml:"timeout_s"`
	SockPath     string `yaml:"sock"`
	BatchSize    int    `yaml:"batch_size"`
	BatchMS      int    `yaml:"batch_ms"`
	BatchBytes   int    `yaml:"batch_bytes"`
	ChanCapacity int    `yaml:"chan_capacity"`
	SpoolBytes   int64  `yaml:"spool_bytes"`
	SpoolDir     string `yaml:"spool_dir"`
	Debug        bool   `yaml:"debug"`
}

// LoadFile reads and parses the optional YAML defaults file. A missing
// file is not an error: callers fall back to built-in defaults.
func LoadFile(path string) (FileDefaults, error) {
	var fd FileDefaults
	if path == "" {
		return fd, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fd, nil
		}
		return fd, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return fd, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fd, nil
}

// ResolveConfigPath follows the teacher's StandardConfigResolver
// convention (public/agent/config.go), adapted to Talon's own env vars:
// explicit --config flag, then TALON_CONFIG_PATH, then
// ./config/talon-agent.yaml, then no file (embedded defaults apply).
func ResolveConfigPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if p := os.Getenv("TALON_CONFIG_PATH"); p != "" {
		if fileExists(p) {
			return p
		}
	}
	p := filepath.Join("config", "talon-agent.yaml")
	if fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Flags mirrors the CLI surface from spec.md §6 / SPEC_FULL.md §6. A
// pointer is nil when the corresponding flag wasn't registered for the
// current subcommand (e.g. flush has no --batch-* flags).
type Flags struct {
	Endpoint     *string
	APIKey       *string
	TimeoutS     *int
	SockPath     *string
	BatchSize    *int
	BatchMS      *int
	BatchBytes   *int
	ChanCapacity *int
	SpoolBytes   *int64
	SpoolDir     *string
	Debug        *bool
	ConfigPath   *string
}

// Resolve merges flags, environment variables, and file defaults into a
// Config, applying built-in defaults last. Priority (highest first):
// flag > env > file > built-in default (SPEC_FULL.md §4.10).
func Resolve(f Flags) (*Config, error) {
	configPath := ""
	if f.ConfigPath != nil {
		configPath = *f.ConfigPath
	}
	fd, err := LoadFile(ResolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Endpoint:     resolveString(f.Endpoint, "TRACE_ENDPOINT", fd.Endpoint, ""),
		APIKey:       resolveString(f.APIKey, "TRACE_API_KEY", fd.APIKey, ""),
		TimeoutS:     resolveInt(f.TimeoutS, "TRACE_TIMEOUT_S", fd.TimeoutS, int(delivery.DefaultTimeout.Seconds())),
		SampleRate:   resolveSampleRate(),
		SockPath:     resolveString(f.SockPath, "TALON_SOCK", fd.SockPath, DefaultSockAddr()),
		BatchSize:    resolveInt(f.BatchSize, "", fd.BatchSize, batch.DefaultSize),
		BatchMS:      resolveInt(f.BatchMS, "", fd.BatchMS, int(batch.DefaultInterval.Milliseconds())),
		BatchBytes:   resolveInt(f.BatchBytes, "", fd.BatchBytes, batch.DefaultBytes),
		ChanCapacity: resolveInt(f.ChanCapacity, "", fd.ChanCapacity, 10000),
		SpoolBytes:   resolveInt64(f.SpoolBytes, "", fd.SpoolBytes, spool.DefaultMaxBytes),
		SpoolDir:     resolveString(f.SpoolDir, "TALON_SPOOL_DIR", fd.SpoolDir, DefaultSpoolDir()),
		Debug:        resolveBool(f.Debug, "TALON_DEBUG", fd.Debug),
	}

	if cfg.Endpoint == "" {
		return cfg, fmt.Errorf("config: --endpoint (or TRACE_ENDPOINT) is required")
	}

	return cfg, nil
}

// resolveSampleRate reads TRACE_SAMPLE_RATE for completeness; it is
// recognized but not applied anywhere in this revision (spec.md §9).
func resolveSampleRate() float64 {
	v := os.Getenv("TRACE_SAMPLE_RATE")
	if v == "" {
		return 0
	}
	var f float64
	fmt.Sscanf(v, "%g", &f)
	return f
}

func resolveString(flagVal *string, envKey, fileVal, def string) string {
	if flagVal != nil && *flagVal != "" {
		return *flagVal
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

func resolveInt(flagVal *int, envKey string, fileVal, def int) int {
	if flagVal != nil && *flagVal != 0 {
		return *flagVal
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}
	if fileVal != 0 {
		return fileVal
	}
	return def
}

func resolveInt64(flagVal *int64, envKey string, fileVal, def int64) int64 {
	if flagVal != nil && *flagVal != 0 {
		return *flagVal
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			var n int64
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}
	if fileVal != 0 {
		return fileVal
	}
	return def
}

func resolveBool(flagVal *bool, envKey string, fileVal bool) bool {
	if flagVal != nil && *flagVal {
		return true
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v == "1" || v == "true" {
			return true
		}
	}
	return fileVal
}
