// Package config loads popis settings from an optional YAML file, a .env file
// and POPIS_ environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "POPIS_"

// Config is the complete popis configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	NATS     NATSConfig     `koanf:"nats"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	IDGen    IDGenConfig    `koanf:"idgen"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type AuthConfig struct {
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL    string `koanf:"url"`
	Prefix string `koanf:"prefix"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// IDGenConfig sets the snowflake node used for session codes. Nodes must be
// unique when several processes share a database.
type IDGenConfig struct {
	Node int64 `koanf:"node"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{Path: "popis.sqlite3"},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		NATS:     NATSConfig{Prefix: "popis"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Metrics:  MetricsConfig{Enabled: true},
		IDGen:    IDGenConfig{Node: 1},
	}
}

// Load reads configuration. An empty path skips the YAML file. A missing
// .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps POPIS_SERVER_ADDR to server.addr and POPIS_AUTH_TOKEN_TTL to
// auth.token_ttl. Only the first underscore separates the section.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = d.Auth.TokenTTL
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = d.NATS.Prefix
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.IDGen.Node < 0 || c.IDGen.Node > 1023 {
		return fmt.Errorf("idgen.node must be between 0 and 1023, got %d", c.IDGen.Node)
	}
	if c.Auth.TokenTTL < time.Minute {
		return fmt.Errorf("auth.token_ttl must be at least 1m, got %s", c.Auth.TokenTTL)
	}
	return nil
}
