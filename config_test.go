package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "saferun.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
data_dir = "/srv/saferun"
network = "testnet"
log_level = "warning,blockchain:debug"
db_sync_interval = "5m"
mempool_livetime = "12h"
max_prepare_blocks_threads = 8
offline = true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DataDir != "/srv/saferun" || cfg.Network != "testnet" {
		t.Fatalf("unexpected paths: %+v", cfg)
	}
	if cfg.DBSyncInterval != 5*time.Minute || cfg.MempoolLivetime != 12*time.Hour {
		t.Fatalf("durations not decoded: %v %v", cfg.DBSyncInterval, cfg.MempoolLivetime)
	}
	if cfg.MaxPrepareBlocksThreads != 8 || !cfg.Offline {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.DBBackend != "bolt" || cfg.PruneInterval != DefaultConfig().PruneInterval {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if got := cfg.ChainDir(); got != filepath.Join("/srv/saferun", "testnet") {
		t.Fatalf("chain dir: got %s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "data_dri = \"/tmp\"\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "data_dri") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"network":       func(c *Config) { c.Network = "regtest" },
		"backend":       func(c *Config) { c.DBBackend = "leveldb" },
		"log format":    func(c *Config) { c.LogFormat = "xml" },
		"threads":       func(c *Config) { c.MaxPrepareBlocksThreads = 0 },
		"miner threads": func(c *Config) { c.MiningThreads = 0 },
		"interval":      func(c *Config) { c.PruneInterval = 0 },
		"miner address": func(c *Config) { c.MinerAddress = "not-an-address" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
network = "devnet"
db_backend = "memory"
mempool_max_weight = 1000
`)

	var got Config
	app := cli.NewApp()
	app.Flags = globalFlags
	app.Action = func(ctx *cli.Context) error {
		var err error
		got, err = configFromContext(ctx)
		return err
	}
	err := app.Run([]string{"saferund",
		"--config-file", path,
		"--network", "fakechain",
		"--mempool-livetime", "1h",
	})
	if err != nil {
		t.Fatalf("app failed: %v", err)
	}
	if got.Network != "fakechain" {
		t.Fatalf("flag did not override file: %s", got.Network)
	}
	if got.DBBackend != "memory" || got.MempoolMaxWeight != 1000 {
		t.Fatalf("file values lost: %+v", got)
	}
	if got.MempoolLivetime != time.Hour {
		t.Fatalf("livetime: got %v", got.MempoolLivetime)
	}
	// Flags that were not given leave the file and defaults alone.
	if got.LogLevel != "info" {
		t.Fatalf("log level: got %q", got.LogLevel)
	}
}
