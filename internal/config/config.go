// Package config provides the daemon configuration and the built-in defaults
// for polling cadence, ledger handshakes and backend endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/walletsync/internal/chain"
)

// =============================================================================
// Polling
// =============================================================================

// Period is a delay with one value for a focused app and one for a
// backgrounded app.
type Period struct {
	Focused    time.Duration `yaml:"focused"`
	NotFocused time.Duration `yaml:"not_focused"`
}

// Every returns a Period with the same value in both states.
func Every(d time.Duration) Period {
	return Period{Focused: d, NotFocused: d}
}

// TimingConfig describes the cadence of one class of wallet polling.
type TimingConfig struct {
	PollOnStart  bool   `yaml:"poll_on_start"`
	MinPollDelay Period `yaml:"min_poll_delay"`
	// PollingStartDelay is used before the first socket connection and
	// right after a disconnect. Nil means PollingPeriod.
	PollingStartDelay   *Period `yaml:"polling_start_delay,omitempty"`
	PollingPeriod       Period  `yaml:"polling_period"`
	ForcedPollingPeriod Period  `yaml:"forced_polling_period"`
}

// PollingConfig groups active and inactive account cadences.
type PollingConfig struct {
	Active   TimingConfig `yaml:"active"`
	Inactive TimingConfig `yaml:"inactive"`

	// InactiveConcurrency bounds background refreshes per (chain, network).
	InactiveConcurrency int `yaml:"inactive_concurrency"`

	// UpdateCoalesceDelay collapses bursts of socket events into one update.
	UpdateCoalesceDelay time.Duration `yaml:"update_coalesce_delay"`
}

// Default polling constants.
const (
	DefaultInactiveConcurrency = 3
	DefaultUpdateCoalesceDelay = 10 * time.Millisecond
)

// DefaultActiveTiming is the cadence of the account the user is looking at.
func DefaultActiveTiming() TimingConfig {
	start := Period{Focused: 2 * time.Second, NotFocused: 10 * time.Second}
	return TimingConfig{
		PollOnStart:         true,
		MinPollDelay:        Period{Focused: time.Second, NotFocused: 10 * time.Second},
		PollingStartDelay:   &start,
		PollingPeriod:       Period{Focused: 5 * time.Second, NotFocused: 20 * time.Second},
		ForcedPollingPeriod: Period{Focused: time.Minute, NotFocused: 5 * time.Minute},
	}
}

// DefaultInactiveTiming is the cadence of background accounts.
func DefaultInactiveTiming() TimingConfig {
	return TimingConfig{
		PollOnStart:         true,
		MinPollDelay:        Period{Focused: 10 * time.Second, NotFocused: time.Minute},
		PollingPeriod:       Period{Focused: 30 * time.Second, NotFocused: 2 * time.Minute},
		ForcedPollingPeriod: Period{Focused: 5 * time.Minute, NotFocused: 10 * time.Minute},
	}
}

// =============================================================================
// Backend
// =============================================================================

// BackendConfig holds backend endpoints per network.
type BackendConfig struct {
	// SocketURLs maps a network to its activity socket endpoint.
	SocketURLs map[chain.Network]string `yaml:"socket_urls"`
	Lite       LiteConfig               `yaml:"lite"`
}

// LiteConfig tunes the lite-server balance fetcher.
type LiteConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger USB vendor id.
const LedgerVendorID = 0x2c97

// LedgerConfig holds hardware wallet settings.
type LedgerConfig struct {
	// Mode is the preferred transport: "ble" or "usb".
	Mode               string        `yaml:"mode"`
	AppTimeout         time.Duration `yaml:"app_timeout"`
	AppAttemptPause    time.Duration `yaml:"app_attempt_pause"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	DiscoveryBatchSize int           `yaml:"discovery_batch_size"`
	USBVendorID        uint16        `yaml:"usb_vendor_id"`
}

// =============================================================================
// Daemon
// =============================================================================

// Config holds all configuration for the daemon.
type Config struct {
	Network chain.Network `yaml:"network"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Polling PollingConfig `yaml:"polling"`
	Backend BackendConfig `yaml:"backend"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Metrics MetricsConfig `yaml:"metrics"`
	RPC     RPCConfig     `yaml:"rpc"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RPCConfig holds the JSON-RPC / WebSocket endpoint.
type RPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		Storage: StorageConfig{
			DataDir: "~/.walletsync",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Polling: PollingConfig{
			Active:              DefaultActiveTiming(),
			Inactive:            DefaultInactiveTiming(),
			InactiveConcurrency: DefaultInactiveConcurrency,
			UpdateCoalesceDelay: DefaultUpdateCoalesceDelay,
		},
		Backend: BackendConfig{
			SocketURLs: map[chain.Network]string{
				chain.Mainnet: "wss://api.mytonwallet.org/ws",
				chain.Testnet: "wss://api-testnet.mytonwallet.org/ws",
			},
			Lite: LiteConfig{
				RequestsPerSecond: 10,
				Burst:             5,
				CacheTTL:          3 * time.Second,
				BreakerFailures:   5,
				BreakerTimeout:    30 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			Mode:               "usb",
			AppTimeout:         1250 * time.Millisecond,
			AppAttemptPause:    125 * time.Millisecond,
			ScanTimeout:        15 * time.Second,
			DiscoveryBatchSize: 5,
			USBVendorID:        LedgerVendorID,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:8645",
		},
	}
}

// Validation errors.
var (
	ErrNegativePeriod    = errors.New("polling periods must not be negative")
	ErrBadConcurrency    = errors.New("inactive_concurrency must be positive")
	ErrUnknownLedgerMode = errors.New("ledger mode must be ble or usb")
)

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	for name, timing := range map[string]TimingConfig{"active": c.Polling.Active, "inactive": c.Polling.Inactive} {
		if err := timing.validate(); err != nil {
			return fmt.Errorf("polling.%s: %w", name, err)
		}
	}
	if c.Polling.InactiveConcurrency <= 0 {
		return ErrBadConcurrency
	}
	if c.Ledger.Mode != "ble" && c.Ledger.Mode != "usb" {
		return fmt.Errorf("%w: %q", ErrUnknownLedgerMode, c.Ledger.Mode)
	}
	return nil
}

func (t TimingConfig) validate() error {
	periods := []Period{t.MinPollDelay, t.PollingPeriod, t.ForcedPollingPeriod}
	if t.PollingStartDelay != nil {
		periods = append(periods, *t.PollingStartDelay)
	}
	for _, p := range periods {
		if p.Focused < 0 || p.NotFocused < 0 {
			return ErrNegativePeriod
		}
	}
	return nil
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == chain.Testnet
}

// SocketURL returns the activity socket endpoint for a network.
func (c *Config) SocketURL(network chain.Network) string {
	return c.Backend.SocketURLs[network]
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# walletsync daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
