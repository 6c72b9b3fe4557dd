package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

// resetRuntimeConfig forgets the cached config file so each test can point
// CONFIG_FILE somewhere else.
func resetRuntimeConfig(t *testing.T) {
	t.Helper()
	runtimeConfigOnce = sync.Once{}
	runtimeConfigErr = nil
	runtimeConfigValues = nil
	runtimeConfigLoaded = false
	runtimeConfigPath = ""
	runtimeConfigPhase = ""
	t.Cleanup(func() { runtimeConfigOnce = sync.Once{} })
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config-test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEngineConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_PHASE", "unit-test-missing")
	t.Setenv("CONFIG_FILE", "")
	resetRuntimeConfig(t)

	cfg, err := LoadEngineConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, defaultOptionsProgramID, cfg.OptionsProgramID)
	require.Equal(t, LedgerDriverMemory, cfg.Ledger.Driver)
	require.Empty(t, cfg.Ledger.Location())
	require.Equal(t, 150, cfg.BlockhashWindow)
	require.False(t, cfg.FaucetEnabled)
	require.True(t, cfg.KeeperEnabled)
	require.Equal(t, 5*time.Second, cfg.KeeperPollInterval)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.Equal(t, "info", cfg.Log.Level)

	source, err := CurrentConfigSource()
	require.NoError(t, err)
	require.False(t, source.Loaded)
	require.Equal(t, "unit-test-missing", source.Phase)
}

func TestLoadEngineConfigFromYAML(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	path := writeConfigFile(t, `
engine:
  listen_addr: ":9090"
  allowed_origins: ["http://localhost:3000", "https://app.example"]
  log:
    format: json
ledger:
  driver: pebble
  path: /var/lib/options
options:
  program_id: `+programID.String()+`
faucet:
  enabled: true
keeper:
  poll_interval: 750ms
`)
	t.Setenv("CONFIG_FILE", path)
	resetRuntimeConfig(t)

	cfg, err := LoadEngineConfig()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, []string{"http://localhost:3000", "https://app.example"}, cfg.AllowedOrigins)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, LedgerDriverPebble, cfg.Ledger.Driver)
	require.Equal(t, "/var/lib/options", cfg.Ledger.Location())
	require.Equal(t, programID, cfg.OptionsProgramID)
	require.True(t, cfg.FaucetEnabled)
	require.Equal(t, 750*time.Millisecond, cfg.KeeperPollInterval)

	source, err := CurrentConfigSource()
	require.NoError(t, err)
	require.True(t, source.Loaded)
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	path := writeConfigFile(t, "ledger:\n  driver: pebble\n")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("LEDGER_DSN", "postgres://u:p@db:5432/options")
	resetRuntimeConfig(t)

	cfg, err := LoadEngineConfig()
	require.NoError(t, err)
	require.Equal(t, LedgerDriverPostgres, cfg.Ledger.Driver)
	require.Equal(t, "postgres://u:p@db:5432/options", cfg.Ledger.Location())
}

func TestLoadEngineConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "driver", key: "LEDGER_DRIVER", value: "sqlite"},
		{name: "duration", key: "KEEPER_POLL_INTERVAL", value: "soon"},
		{name: "negative duration", key: "ENGINE_READ_TIMEOUT", value: "-1s"},
		{name: "window", key: "RUNTIME_BLOCKHASH_WINDOW", value: "0"},
		{name: "bool", key: "FAUCET_ENABLED", value: "maybe"},
		{name: "program id", key: "OPTIONS_PROGRAM_ID", value: "not-a-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv("CONFIG_PHASE", "unit-test-missing")
			t.Setenv(tt.key, tt.value)
			resetRuntimeConfig(t)

			_, err := LoadEngineConfig()
			require.Error(t, err)
		})
	}
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	resetRuntimeConfig(t)

	_, err := LoadEngineConfig()
	require.Error(t, err)
}

func TestLoadClientConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CONFIG_PHASE", "unit-test-missing")
	t.Setenv("OPTIONS_API_URL", "http://engine:8080/")
	t.Setenv("OPTIONS_KEYPAIR_PATH", "/keys/id.json")
	resetRuntimeConfig(t)

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	require.Equal(t, "http://engine:8080", cfg.APIURL)
	require.Equal(t, "/keys/id.json", cfg.KeypairPath)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestFlattenConfig(t *testing.T) {
	out, err := flattenConfig(map[string]any{
		"engine": map[string]any{
			"listen-addr": ":1",
			"nested":      map[string]any{"Key Name": 3},
		},
		"list": []any{"a", " ", 2, true},
		"skip": nil,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"ENGINE_LISTEN_ADDR":     ":1",
		"ENGINE_NESTED_KEY_NAME": "3",
		"LIST":                   "a,2,true",
	}, out)
}
