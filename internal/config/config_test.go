package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != chain.Mainnet {
		t.Errorf("Network = %s, want mainnet", cfg.Network)
	}
	if cfg.Polling.InactiveConcurrency != DefaultInactiveConcurrency {
		t.Errorf("InactiveConcurrency = %d, want %d", cfg.Polling.InactiveConcurrency, DefaultInactiveConcurrency)
	}
	if cfg.Polling.UpdateCoalesceDelay != 10*time.Millisecond {
		t.Errorf("UpdateCoalesceDelay = %v, want 10ms", cfg.Polling.UpdateCoalesceDelay)
	}
	if cfg.Ledger.AppTimeout != 1250*time.Millisecond {
		t.Errorf("AppTimeout = %v, want 1.25s", cfg.Ledger.AppTimeout)
	}
	if cfg.Ledger.AppAttemptPause != 125*time.Millisecond {
		t.Errorf("AppAttemptPause = %v, want 125ms", cfg.Ledger.AppAttemptPause)
	}
	if cfg.Ledger.USBVendorID != 0x2c97 {
		t.Errorf("USBVendorID = %#x, want 0x2c97", cfg.Ledger.USBVendorID)
	}
	if cfg.Polling.Inactive.PollingStartDelay != nil {
		t.Error("inactive timing should fall back to polling_period")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"negative period", func(c *Config) { c.Polling.Active.PollingPeriod.Focused = -time.Second }, ErrNegativePeriod},
		{"negative start delay", func(c *Config) {
			p := Period{Focused: -1}
			c.Polling.Inactive.PollingStartDelay = &p
		}, ErrNegativePeriod},
		{"zero concurrency", func(c *Config) { c.Polling.InactiveConcurrency = 0 }, ErrBadConcurrency},
		{"bad ledger mode", func(c *Config) { c.Ledger.Mode = "nfc" }, ErrUnknownLedgerMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Network = "devnet"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown network")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Network = chain.Testnet
	cfg.Polling.Active.PollingPeriod = Every(10 * time.Second)
	cfg.Polling.Active.ForcedPollingPeriod = Every(time.Minute)
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !loaded.IsTestnet() {
		t.Error("expected testnet")
	}
	if loaded.Polling.Active.PollingPeriod.NotFocused != 10*time.Second {
		t.Errorf("PollingPeriod = %v, want 10s", loaded.Polling.Active.PollingPeriod)
	}
	if loaded.Polling.Active.PollingStartDelay == nil || loaded.Polling.Active.PollingStartDelay.Focused != 2*time.Second {
		t.Errorf("PollingStartDelay = %v, want 2s focused", loaded.Polling.Active.PollingStartDelay)
	}
	if loaded.SocketURL(chain.Testnet) == "" {
		t.Error("testnet socket url missing")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	data := []byte("polling:\n  inactive_concurrency: -1\n")
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(dir); !errors.Is(err, ErrBadConcurrency) {
		t.Errorf("LoadConfig() error = %v, want ErrBadConcurrency", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath = %s", got)
	}
	if got := ExpandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("ExpandPath = %s, want /tmp/x", got)
	}
}
