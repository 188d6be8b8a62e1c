// Package config implements the read-only tunable lookup of spec §4.8.
// Values are resolved once at startup, in increasing order of
// precedence: compiled-in defaults, a .env file (github.com/joho/godotenv),
// the process environment, then CLI flags (wired by cmd/gdbbridge).
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is a read-only bag of tunables. Once built by Load, nothing in
// this package mutates it; gdbserver/gdbclient only read it.
type Config struct {
	// GDBDefaultPort is the TCP port the server binds when none is
	// given explicitly (gdb_default_port, default 2000).
	GDBDefaultPort int
	// GDBLoop, when true, makes the server re-accept after a client
	// disconnects (gdb_loop, default false).
	GDBLoop bool
	// GDBCXferSize is the per-packet chunk size the RSP client uses
	// when splitting memory reads/writes (gdbc_xfer_size), clamped to
	// [2, device.MaxXfer].
	GDBCXferSize int
	// LockedFlash and BSL are flash-permission flags consumed by
	// device backends on write/erase.
	LockedFlash bool
	BSL         bool
}

const (
	defaultPort      = 2000
	defaultXferSize  = 2048
	minXferSize      = 2
	maxXferSize      = 8192 // same value as device.MaxXfer, kept as a separate literal
)

// Defaults returns the compiled-in defaults (spec §4.8).
func Defaults() Config {
	return Config{
		GDBDefaultPort: defaultPort,
		GDBLoop:        false,
		GDBCXferSize:   defaultXferSize,
		LockedFlash:    false,
		BSL:            false,
	}
}

// Load builds a Config starting from Defaults, optionally overlaying a
// .env file (ignored if envFile is empty or does not exist), then the
// process environment. CLI flags are applied afterwards by the caller
// (cmd/gdbbridge), since pflag owns its own default-vs-explicit
// bookkeeping.
func Load(envFile string) Config {
	cfg := Defaults()

	if envFile != "" {
		if vars, err := godotenv.Read(envFile); err == nil {
			applyEnv(&cfg, func(key string) (string, bool) {
				v, ok := vars[key]
				return v, ok
			})
		}
	}

	applyEnv(&cfg, func(key string) (string, bool) {
		return os.LookupEnv(key)
	})

	cfg.GDBCXferSize = Clamp(cfg.GDBCXferSize)
	return cfg
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("GDB_DEFAULT_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GDBDefaultPort = n
		}
	}
	if v, ok := lookup("GDB_LOOP"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GDBLoop = b
		}
	}
	if v, ok := lookup("GDBC_XFER_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GDBCXferSize = n
		}
	}
	if v, ok := lookup("LOCKED_FLASH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LockedFlash = b
		}
	}
	if v, ok := lookup("BSL"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.BSL = b
		}
	}
}

// Clamp bounds an xfer size into [2, GDB_MAX_XFER], per spec §4.8.
func Clamp(x int) int {
	if x < minXferSize {
		return minXferSize
	}
	if x > maxXferSize {
		return maxXferSize
	}
	return x
}
