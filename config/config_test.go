package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server: {}\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "memory", cfg.Ledger.Driver)
	require.Equal(t, 3, cfg.Dispatch.WaveSize)
	require.Equal(t, 3, cfg.Dispatch.MaxWaves)
	require.Equal(t, 0.3, cfg.Liquidity.Alpha)
	require.Equal(t, 0.20, cfg.Registry.CommissionRate)
}

func TestLoadReadsFileValues(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  addr: ":9090"
ledger:
  driver: sqlite
  path: /tmp/facts.db
dispatch:
  wave_size: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "sqlite", cfg.Ledger.Driver)
	require.Equal(t, "/tmp/facts.db", cfg.Ledger.Path)
	require.Equal(t, 5, cfg.Dispatch.WaveSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", "ledger:\n  driver: memory\n")
	t.Setenv("DL_LEDGER__DRIVER", "sqlite")
	t.Setenv("DL_LEDGER__PATH", "/tmp/override.db")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Ledger.Driver)
	require.Equal(t, "/tmp/override.db", cfg.Ledger.Path)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "config.yaml", "ledger:\n  driver: postgres\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	path := writeConfig(t, "config.toml", "x = 1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server": {"addr": ":7070"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
}
