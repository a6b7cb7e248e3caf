// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/arena/lib/policy"
)

// Config is the master configuration for the arena service.
type Config struct {
	// Storage configures the SQLite database.
	Storage StorageConfig `yaml:"storage"`

	// Keys configures the flag encryption keyring.
	Keys KeysConfig `yaml:"keys"`

	// Listen configures the control socket.
	Listen ListenConfig `yaml:"listen"`

	// Provisioner configures timeouts and retries for workload calls.
	Provisioner ProvisionerConfig `yaml:"provisioner"`

	// Reaper configures the expiry sweep.
	Reaper ReaperConfig `yaml:"reaper"`

	// Policy is the global default policy plus per-challenge
	// overrides.
	Policy PolicyConfig `yaml:"policy"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	// Path is the database file location. Required.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Default: 4.
	PoolSize int `yaml:"pool_size"`
}

// KeysConfig configures the flag encryption keyring.
type KeysConfig struct {
	// Path is the keyring file location. Required. The file is
	// created with a fresh key on first start; it must be
	// owner-readable only.
	Path string `yaml:"path"`
}

// ListenConfig configures the control socket.
type ListenConfig struct {
	// SocketPath is the Unix socket the service listens on.
	// Default: /run/arena/arena.sock.
	SocketPath string `yaml:"socket_path"`
}

// ProvisionerConfig configures the workload provisioner.
type ProvisionerConfig struct {
	// StartCommand is the argv run to start a workload. Required. The
	// command receives instance metadata in ARENA_* environment
	// variables and must print an opaque workload handle on stdout.
	StartCommand []string `yaml:"start_command"`

	// StopCommand is the argv run to tear a workload down. Required.
	// The handle printed by StartCommand is passed in
	// ARENA_WORKLOAD_HANDLE.
	StopCommand []string `yaml:"stop_command"`

	// StartTimeout bounds each workload start attempt. Default: 30s.
	StartTimeout time.Duration `yaml:"-"`

	// StopTimeout bounds each workload teardown attempt. Default: 30s.
	StopTimeout time.Duration `yaml:"-"`

	// RetryAttempts is how many times a transient failure is retried.
	// Default: 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the initial backoff between retries; it doubles
	// per attempt. Default: 2s.
	RetryBackoff time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the timeout fields from duration strings.
func (p *ProvisionerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		StartCommand  []string `yaml:"start_command"`
		StopCommand   []string `yaml:"stop_command"`
		StartTimeout  string   `yaml:"start_timeout"`
		StopTimeout   string   `yaml:"stop_timeout"`
		RetryAttempts int      `yaml:"retry_attempts"`
		RetryBackoff  string   `yaml:"retry_backoff"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.StartCommand = raw.StartCommand
	p.StopCommand = raw.StopCommand
	p.RetryAttempts = raw.RetryAttempts

	var err error
	if p.StartTimeout, err = parseDuration("provisioner.start_timeout", raw.StartTimeout); err != nil {
		return err
	}
	if p.StopTimeout, err = parseDuration("provisioner.stop_timeout", raw.StopTimeout); err != nil {
		return err
	}
	if p.RetryBackoff, err = parseDuration("provisioner.retry_backoff", raw.RetryBackoff); err != nil {
		return err
	}
	return nil
}

// ReaperConfig configures the expiry sweep.
type ReaperConfig struct {
	// Interval between sweeps. Default: 30s.
	Interval time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the interval from a duration string.
func (r *ReaperConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var err error
	if r.Interval, err = parseDuration("reaper.interval", raw.Interval); err != nil {
		return err
	}
	return nil
}

// PolicyConfig is the default policy plus per-challenge overrides.
type PolicyConfig struct {
	// Default applies to every challenge without an override.
	Default policy.Policy `yaml:"default"`

	// Overrides is keyed by challenge id.
	Overrides map[string]policy.Policy `yaml:"overrides"`
}

// parseDuration parses an optional duration field. Empty means "use
// the default", signalled as zero.
func parseDuration(field, text string) (time.Duration, error) {
	if text == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	return d, nil
}

// Default returns the configuration used before the file is applied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{PoolSize: 4},
		Listen:  ListenConfig{SocketPath: "/run/arena/arena.sock"},
		Provisioner: ProvisionerConfig{
			StartTimeout:  30 * time.Second,
			StopTimeout:   30 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  2 * time.Second,
		},
		Reaper: ReaperConfig{Interval: 30 * time.Second},
		Policy: PolicyConfig{Default: policy.Default()},
	}
}

// Load loads configuration from the ARENA_CONFIG environment variable.
// There are no fallbacks: if ARENA_CONFIG is not set, this fails.
func Load() (*Config, error) {
	path := os.Getenv("ARENA_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("ARENA_CONFIG environment variable not set; " +
			"set it to the path of your arena.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, applies it
// over the defaults, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills fields the file left at zero. Custom duration
// unmarshaling reports "absent" as zero, so the defaults from
// [Default] are re-applied here.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Storage.PoolSize <= 0 {
		c.Storage.PoolSize = defaults.Storage.PoolSize
	}
	if c.Listen.SocketPath == "" {
		c.Listen.SocketPath = defaults.Listen.SocketPath
	}
	if c.Provisioner.StartTimeout <= 0 {
		c.Provisioner.StartTimeout = defaults.Provisioner.StartTimeout
	}
	if c.Provisioner.StopTimeout <= 0 {
		c.Provisioner.StopTimeout = defaults.Provisioner.StopTimeout
	}
	if c.Provisioner.RetryAttempts <= 0 {
		c.Provisioner.RetryAttempts = defaults.Provisioner.RetryAttempts
	}
	if c.Provisioner.RetryBackoff <= 0 {
		c.Provisioner.RetryBackoff = defaults.Provisioner.RetryBackoff
	}
	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = defaults.Reaper.Interval
	}
	if c.Policy.Default == (policy.Policy{}) {
		c.Policy.Default = defaults.Policy.Default
	}
}

// Validate checks the configuration for errors. Any error here is
// fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Keys.Path == "" {
		errs = append(errs, fmt.Errorf("keys.path is required"))
	}
	if c.Listen.SocketPath == "" {
		errs = append(errs, fmt.Errorf("listen.socket_path is required"))
	}
	if len(c.Provisioner.StartCommand) == 0 {
		errs = append(errs, fmt.Errorf("provisioner.start_command is required"))
	}
	if len(c.Provisioner.StopCommand) == 0 {
		errs = append(errs, fmt.Errorf("provisioner.stop_command is required"))
	}

	if err := c.Policy.Default.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy.default: %w", err))
	}
	for challengeID, override := range c.Policy.Overrides {
		if challengeID == "" {
			errs = append(errs, fmt.Errorf("policy.overrides: empty challenge id"))
			continue
		}
		if err := override.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy.overrides[%s]: %w", challengeID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
