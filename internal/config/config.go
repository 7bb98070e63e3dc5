// Package config loads daemon configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the control-plane port when none is configured.
const DefaultPort = 4620

// Config is the daemon's static configuration.
type Config struct {
	// Host is the bind address for the control plane.
	Host string `yaml:"host"`

	// Port is the control-plane port. 0 asks the kernel for a free one.
	Port int `yaml:"port"`

	// Token, when set, gates every endpoint behind bearer auth.
	Token string `yaml:"token"`

	// DataDir overrides the default ~/.agent-worker registry root.
	DataDir string `yaml:"data_dir"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host: "127.0.0.1",
		Port: DefaultPort,
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path when it exists, applies environment
// overrides, and fills defaults. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnv(&cfg)
				return cfg, nil
			}
			return cfg, err
		}
		expanded := os.ExpandEnv(string(data))
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return cfg, fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
	return cfg, nil
}

// applyEnv layers AGENTD_* environment variables over cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTD_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("AGENTD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("AGENTD_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("AGENTD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
