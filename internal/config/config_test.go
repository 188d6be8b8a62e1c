package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlbeer/mspdebug-sub002/internal/config"
)

func TestConfig_Defaults_MatchCompiledInValues(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	require.Equal(t, 2000, cfg.GDBDefaultPort)
	require.False(t, cfg.GDBLoop)
	require.Equal(t, 2048, cfg.GDBCXferSize)
	require.False(t, cfg.LockedFlash)
	require.False(t, cfg.BSL)
}

func TestConfig_Load_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("GDB_DEFAULT_PORT", "3000")
	t.Setenv("GDB_LOOP", "true")
	t.Setenv("LOCKED_FLASH", "true")

	cfg := config.Load("")
	require.Equal(t, 3000, cfg.GDBDefaultPort)
	require.True(t, cfg.GDBLoop)
	require.True(t, cfg.LockedFlash)
}

func TestConfig_Load_EnvFileIsOverriddenByProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GDB_DEFAULT_PORT=4000\nGDB_LOOP=true\n"), 0o644))

	// Process environment takes precedence over the .env file.
	t.Setenv("GDB_DEFAULT_PORT", "5000")

	cfg := config.Load(envFile)
	require.Equal(t, 5000, cfg.GDBDefaultPort)
	require.True(t, cfg.GDBLoop, "value only set in the .env file must still apply")
}

func TestConfig_Load_MissingEnvFileIsIgnored(t *testing.T) {
	t.Parallel()

	cfg := config.Load(filepath.Join(t.TempDir(), "does-not-exist.env"))
	require.Equal(t, config.Defaults().GDBDefaultPort, cfg.GDBDefaultPort)
}

func TestConfig_Clamp_BoundsIntoRange(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2, config.Clamp(0))
	require.Equal(t, 2, config.Clamp(1))
	require.Equal(t, 8192, config.Clamp(9000))
	require.Equal(t, 4096, config.Clamp(4096))
}

func TestConfig_Load_ClampsXferSizeFromEnv(t *testing.T) {
	t.Setenv("GDBC_XFER_SIZE", "1")

	cfg := config.Load("")
	require.Equal(t, 2, cfg.GDBCXferSize)
}
