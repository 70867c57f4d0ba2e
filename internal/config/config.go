// Package config loads server settings from defaults, an optional YAML or
// JSON file, RELAYCHAT_* environment variables and bound CLI flags, in
// increasing order of precedence.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/andy6609/relaychat/internal/chat"
)

const EnvPrefix = "RELAYCHAT"

type TranscriptConfig struct {
	Dir     string `mapstructure:"dir"`
	Enabled bool   `mapstructure:"enabled"`
}

type RelayConfig struct {
	Stamp bool `mapstructure:"stamp"`
}

type ConnConfig struct {
	SendQueue    int           `mapstructure:"send_queue"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

type AdminConfig struct {
	// Addr is the admin HTTP listen address; empty disables it.
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Config struct {
	Capacity   int              `mapstructure:"capacity"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Conn       ConnConfig       `mapstructure:"conn"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capacity", chat.DefaultCapacity)
	v.SetDefault("transcript.dir", ".")
	v.SetDefault("transcript.enabled", true)
	v.SetDefault("relay.stamp", true)
	v.SetDefault("conn.send_queue", 256)
	v.SetDefault("conn.write_timeout", 5*time.Second)
	v.SetDefault("conn.read_timeout", time.Duration(0))
	v.SetDefault("admin.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
}

// Loader wraps a viper instance so flags can be bound before Load.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag makes an explicitly set flag override the key.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return errors.Newf("flag for %s not defined", key)
	}
	return errors.Wrapf(l.v.BindPFlag(key, flag), "bind flag %s", flag.Name)
}

// Load reads path when non-empty, then decodes and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			l.v.SetConfigType("yaml")
		case ".json":
			l.v.SetConfigType("json")
		}
		if err := l.v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.Newf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Conn.SendQueue <= 0 {
		return errors.Newf("conn.send_queue must be positive, got %d", c.Conn.SendQueue)
	}
	if c.Conn.WriteTimeout < 0 || c.Conn.ReadTimeout < 0 {
		return errors.New("conn timeouts must not be negative")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return errors.New("transcript.dir is required when the transcript is enabled")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Newf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) ChatOptions() chat.Options {
	return chat.Options{
		Capacity:      c.Capacity,
		SendQueueSize: c.Conn.SendQueue,
		WriteTimeout:  c.Conn.WriteTimeout,
		ReadTimeout:   c.Conn.ReadTimeout,
		StampMessages: c.Relay.Stamp,
	}
}
