// Package config holds the manager's startup configuration: defaults,
// validation, and an optional TOML file layered underneath CLI flags.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the manager's full runtime configuration (spec.md §6/§10).
type Config struct {
	UnixSocket string `toml:"unix_socket"`
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`

	Workers int `toml:"workers"`

	LocalAnalyzerID uint64   `toml:"local_analyzer_id"`
	LocalPermission uint8    `toml:"local_permission"`
	RelayDestinations []string `toml:"relay_destinations"`

	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	NoiseEnabled bool  `toml:"noise_enabled"`

	AzureTableConnString string `toml:"azure_table_conn_string"`
	AzureTableName       string `toml:"azure_table_name"`
	AzureQueueConnString string `toml:"azure_queue_conn_string"`
	AzureQueueName       string `toml:"azure_queue_name"`
}

// applyDefaults fills zero values with sensible defaults, matching the
// teacher's server.Config.applyDefaults pattern.
func (c *Config) applyDefaults() {
	if c.UnixSocket == "" && c.ListenAddr == "" {
		c.UnixSocket = "/var/lib/prelude/socket"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.LocalPermission == 0 {
		c.LocalPermission = 0x7 // IDMEF_READ|IDMEF_WRITE|ADMIN_READ equivalent default
	}
}

// Validate checks field invariants after defaults have been applied.
func (c *Config) Validate() error {
	if c.UnixSocket == "" && c.ListenAddr == "" {
		return fmt.Errorf("config: at least one of unix_socket or listen_addr must be set")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be > 0, got %d", c.Workers)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls_cert_file and tls_key_file must be set together")
	}
	if c.AzureTableConnString != "" && c.AzureTableName == "" {
		return fmt.Errorf("config: azure_table_name required when azure_table_conn_string is set")
	}
	if c.AzureQueueConnString != "" && c.AzureQueueName == "" {
		return fmt.Errorf("config: azure_queue_name required when azure_queue_conn_string is set")
	}
	return nil
}

// Load reads a Config from a TOML file at path, applies defaults, and
// validates it. An absent path is not an error: Load returns a fresh,
// defaulted, validated Config so callers may run entirely off flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
