// Package config loads satchel configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// then SATCHEL_ environment variables (dots become underscores, so
// remote.base_url is SATCHEL_REMOTE_BASE_URL).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full satchel configuration tree.
type Config struct {
	// DataDir holds the database, logs, and the default spool dir.
	DataDir string `mapstructure:"data_dir"`

	Remote     RemoteConfig     `mapstructure:"remote"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Spool      SpoolConfig      `mapstructure:"spool"`
	Status     StatusConfig     `mapstructure:"status"`
	Log        LogConfig        `mapstructure:"log"`
}

// RemoteConfig describes the remote service.
type RemoteConfig struct {
	// BaseURL of the remote service. Required for syncing.
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds each remote request.
	Timeout time.Duration `mapstructure:"timeout"`

	// DeviceID identifies this installation to the server. Generated and
	// persisted on first run when empty.
	DeviceID string `mapstructure:"device_id"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// Interval between background drain passes.
	Interval time.Duration `mapstructure:"interval"`

	// MaxRetries is the default retry budget per queue item.
	MaxRetries int `mapstructure:"max_retries"`

	// Retention is how long completed queue items are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// EncryptionConfig controls payload encryption at rest.
type EncryptionConfig struct {
	// Enabled turns on encryption for sensitive collections. When set,
	// a passphrase must be supplied at startup.
	Enabled bool `mapstructure:"enabled"`

	// SensitiveCollections lists collections stored encrypted.
	SensitiveCollections []string `mapstructure:"sensitive_collections"`
}

// SpoolConfig configures the mutation spool directory.
type SpoolConfig struct {
	// Enabled turns the spool watcher on in daemon mode.
	Enabled bool `mapstructure:"enabled"`

	// Dir overrides the default spool directory (DataDir/spool).
	Dir string `mapstructure:"dir"`

	// Debounce is how long a spool file must sit unchanged before it is
	// ingested.
	Debounce time.Duration `mapstructure:"debounce"`
}

// StatusConfig configures the WebSocket status server.
type StatusConfig struct {
	// Enabled turns the status server on in daemon mode.
	Enabled bool `mapstructure:"enabled"`

	// Port to listen on.
	Port int `mapstructure:"port"`
}

// LogConfig configures daemon log output.
type LogConfig struct {
	// File is the daemon log path. Empty logs to stderr.
	File string `mapstructure:"file"`

	// MaxSizeMB caps a log file's size before rotation.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups caps how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAgeDays caps how long rotated files are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// DefaultDataDir returns ~/.satchel, falling back to .satchel in the
// working directory when the home dir cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".satchel"
	}
	return filepath.Join(home, ".satchel")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.device_id", "")

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retention", 7*24*time.Hour)

	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.sensitive_collections", []string{})

	v.SetDefault("spool.enabled", false)
	v.SetDefault("spool.dir", "")
	v.SetDefault("spool.debounce", 100*time.Millisecond)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8137)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Load reads configuration. path names an explicit config file; when
// empty, satchel.yaml in the default data dir is used if present. A
// missing config file is not an error, the defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SATCHEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("satchel")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDerived()

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Encryption.Enabled && len(c.Encryption.SensitiveCollections) == 0 {
		return errors.New("encryption.enabled requires at least one sensitive collection")
	}
	if c.Status.Enabled && (c.Status.Port < 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port out of range: %d", c.Status.Port)
	}
	return nil
}

// applyDerived fills in paths that default relative to the data dir.
func (c *Config) applyDerived() {
	if c.Spool.Dir == "" {
		c.Spool.Dir = filepath.Join(c.DataDir, "spool")
	}
}

// DatabasePath returns the satchel database file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "satchel.db")
}
