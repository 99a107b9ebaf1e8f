// Package config loads PlateMate settings from defaults, an optional config
// file, PLATEMATE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/platemate/platemate/internal/daemon"
	"github.com/platemate/platemate/internal/logging"
	"github.com/platemate/platemate/internal/reconcile"
	"github.com/platemate/platemate/internal/remote/pgremote"
	"github.com/platemate/platemate/internal/store/db"
	"github.com/platemate/platemate/internal/store/streak"
	"github.com/platemate/platemate/internal/store/txmgr"
	"github.com/platemate/platemate/internal/store/watcher"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: store.busy_timeout is read from
// PLATEMATE_STORE_BUSY_TIMEOUT.
const EnvPrefix = "PLATEMATE"

// FileName is the config file looked up in the data directory.
const FileName = "config.toml"

// Config is the complete application configuration.
type Config struct {
	// DataDir holds the database, the inbox and the config file.
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`
	// UserID is the default user for CLI commands.
	UserID string `mapstructure:"user_id" toml:"user_id"`

	Store   db.Config        `mapstructure:"store" toml:"store"`
	Tx      txmgr.Config     `mapstructure:"tx" toml:"tx"`
	Watcher watcher.Config   `mapstructure:"watcher" toml:"watcher"`
	Streak  streak.Config    `mapstructure:"streak" toml:"streak"`
	Sync    reconcile.Config `mapstructure:"sync" toml:"sync"`
	Remote  Remote           `mapstructure:"remote" toml:"remote"`
	Daemon  daemon.Config    `mapstructure:"daemon" toml:"daemon"`
	Log     logging.Config   `mapstructure:"log" toml:"log"`
}

// Remote selects the sync authority. URL takes precedence over Postgres;
// with neither set sync is disabled.
type Remote struct {
	URL      string          `mapstructure:"url" toml:"url"`
	Token    string          `mapstructure:"token" toml:"token"`
	Timeout  time.Duration   `mapstructure:"timeout" toml:"timeout"`
	Postgres pgremote.Config `mapstructure:"postgres" toml:"postgres"`
	// Listen is the address `plate remote serve` binds.
	Listen string `mapstructure:"listen" toml:"listen"`
}

// Enabled reports whether a remote is configured.
func (r Remote) Enabled() bool {
	return r.URL != "" || r.Postgres.DSN != ""
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := ".platemate"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".platemate")
	}
	return Config{
		DataDir: dataDir,
		Store:   db.DefaultConfig("plate.db"),
		Tx:      txmgr.DefaultConfig(),
		Watcher: watcher.DefaultConfig(),
		Streak:  streak.DefaultConfig(),
		Sync:    reconcile.DefaultConfig(),
		Remote: Remote{
			Timeout:  15 * time.Second,
			Postgres: pgremote.Config{Table: pgremote.DefaultTable},
			Listen:   "127.0.0.1:8470",
		},
		Daemon: daemon.DefaultConfig(),
		Log: logging.Config{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load builds the configuration. path names a config file; when empty,
// FileName in the data directory is used if it exists. flags, if not nil,
// are bound by their names with dashes read as dots, e.g. --store.path or
// --data-dir.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	var defaults bytes.Buffer
	if err := toml.NewEncoder(&defaults).Encode(Default()); err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(&defaults); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	if path == "" {
		candidate := filepath.Join(v.GetString("data_dir"), FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve makes relative paths absolute under DataDir.
func (c *Config) resolve() {
	under := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}
	c.Store.Path = under(c.Store.Path)
	c.Daemon.InboxDir = under(c.Daemon.InboxDir)
	c.Log.File = under(c.Log.File)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.Store.BusyTimeout <= 0 {
		problems = append(problems, "store.busy_timeout must be positive")
	}
	if c.Store.BusyRetries < 0 {
		problems = append(problems, "store.busy_retries must not be negative")
	}
	if c.Streak.MinEntriesPerDay < 1 {
		problems = append(problems, "streak.min_entries_per_day must be at least 1")
	}
	if c.Streak.Timezone != "" {
		if _, err := time.LoadLocation(c.Streak.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("streak.timezone: %v", err))
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Write stores cfg as TOML at path. It refuses to overwrite an existing
// file unless force is set.
func Write(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
