package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.hearth/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	DisplayName    string `toml:"display_name"`

	Broker Broker `toml:"broker"`
	Sync   Sync   `toml:"sync"`
}

// Broker holds the MQTT connection settings.
type Broker struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Sync holds the tunables of the catch-up and delivery machinery.
type Sync struct {
	// PhaseSize is how many messages one sync phase carries.
	PhaseSize int `toml:"phase_size"`
	// PhaseDelaySeconds is the pause between sync phases.
	PhaseDelaySeconds int `toml:"phase_delay_seconds"`
	// ReceiptDrainMillis is the interval between queued read receipts.
	ReceiptDrainMillis int `toml:"receipt_drain_millis"`
	// StatusScanWindow limits the reverse scan of a status update to the
	// newest N log entries. 0 scans the whole log.
	StatusScanWindow int `toml:"status_scan_window"`
	// Slots is the number of conversation slots a profile holds.
	Slots int `toml:"slots"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Broker:         Broker{URL: "tcp://localhost:1883"},
		Sync: Sync{
			PhaseSize:          20,
			PhaseDelaySeconds:  5,
			ReceiptDrainMillis: 150,
			StatusScanWindow:   0,
			Slots:              10,
		},
	}
}

// PhaseDelay returns the configured inter-phase pause as a duration.
func (s Sync) PhaseDelay() time.Duration {
	return time.Duration(s.PhaseDelaySeconds) * time.Second
}

// ReceiptDrain returns the configured receipt drain interval as a duration.
func (s Sync) ReceiptDrain() time.Duration {
	return time.Duration(s.ReceiptDrainMillis) * time.Millisecond
}

// Load reads config from the given path. A missing file yields the default
// config; a present but unparseable file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// normalize backfills zero values with defaults so a sparse config file
// does not zero out the sync machinery.
func (c *Config) normalize() {
	def := Default()
	if c.Broker.URL == "" {
		c.Broker.URL = def.Broker.URL
	}
	if c.Sync.PhaseSize <= 0 {
		c.Sync.PhaseSize = def.Sync.PhaseSize
	}
	if c.Sync.PhaseDelaySeconds <= 0 {
		c.Sync.PhaseDelaySeconds = def.Sync.PhaseDelaySeconds
	}
	if c.Sync.ReceiptDrainMillis <= 0 {
		c.Sync.ReceiptDrainMillis = def.Sync.ReceiptDrainMillis
	}
	if c.Sync.Slots <= 0 {
		c.Sync.Slots = def.Sync.Slots
	}
}
