// Package config loads pagekv process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/pagekv/pkg/logger"
	"github.com/sushant-115/pagekv/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig locates the store file and tunes its pager.
type StoreConfig struct {
	Path string `yaml:"path"`
	// Password enables encryption. PasswordEnv names an environment variable
	// read when Password is empty.
	Password        string `yaml:"password"`
	PasswordEnv     string `yaml:"password_env"`
	CacheSize       int    `yaml:"cache_size"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
	// BackupBytesPerSec throttles backups; 0 is unlimited.
	BackupBytesPerSec int64 `yaml:"backup_bytes_per_sec"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:            "data/pagekv.db",
			CacheSize:       256,
			CreateIfMissing: true,
		},
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName:      "pagekv",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and rejects unknown keys. ${VAR}
// references are expanded in store.path and logger.output_file only; every
// other value, passwords included, is taken literally.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)
	cfg.Logger.OutputFile = os.ExpandEnv(cfg.Logger.OutputFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the store cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Store.Path == "":
		return errors.New("store.path must be set")
	case c.Store.CacheSize < 0:
		return fmt.Errorf("store.cache_size must not be negative, got %d", c.Store.CacheSize)
	case c.Store.BackupBytesPerSec < 0:
		return fmt.Errorf("store.backup_bytes_per_sec must not be negative, got %d", c.Store.BackupBytesPerSec)
	case c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535:
		return fmt.Errorf("telemetry.prometheus_port out of range: %d", c.Telemetry.PrometheusPort)
	}
	return nil
}

// ResolvePassword returns the configured password, falling back to PasswordEnv.
func (s StoreConfig) ResolvePassword() string {
	if s.Password != "" || s.PasswordEnv == "" {
		return s.Password
	}
	return os.Getenv(s.PasswordEnv)
}
