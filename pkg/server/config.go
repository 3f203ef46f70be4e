package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved runtime configuration.
type Config struct {
	TCPPort       int
	WSPort        int
	MetricsPort   int
	DatabasePath  string
	Storage       string // "memory" or "sqlite"
	Codec         string // "json" or "compact"
	TokenTTL      time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		TCPPort:       6470,
		WSPort:        0,
		MetricsPort:   0,
		DatabasePath:  "~/.relaychat/relay.db",
		Storage:       "sqlite",
		Codec:         "json",
		TokenTTL:      3000 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Session SessionSection `toml:"session"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	WSPort       int    `toml:"ws_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	Storage      string `toml:"storage"`
	Codec        string `toml:"codec"`
}

type SessionSection struct {
	TokenTTLSeconds      int `toml:"token_ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// DefaultTOMLConfig returns the default config file contents.
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      defaults.TCPPort,
			WSPort:       defaults.WSPort,
			MetricsPort:  defaults.MetricsPort,
			DatabasePath: defaults.DatabasePath,
			Storage:      defaults.Storage,
			Codec:        defaults.Codec,
		},
		Session: SessionSection{
			TokenTTLSeconds:      int(defaults.TokenTTL / time.Second),
			SweepIntervalSeconds: int(defaults.SweepInterval / time.Second),
		},
	}
}

// LoadConfig loads configuration from a TOML file, writing a default file
// when none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Failing to persist the default is not fatal; run with it.
		_ = writeDefaultConfig(expanded, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# relaychat server configuration
# This file was auto-generated with default values.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToConfig converts the file representation to the runtime configuration,
// falling back to defaults for unset fields.
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.WSPort != 0 {
		cfg.WSPort = c.Server.WSPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if strings.TrimSpace(c.Server.Storage) != "" {
		cfg.Storage = c.Server.Storage
	}
	if strings.TrimSpace(c.Server.Codec) != "" {
		cfg.Codec = c.Server.Codec
	}
	if c.Session.TokenTTLSeconds != 0 {
		cfg.TokenTTL = time.Duration(c.Session.TokenTTLSeconds) * time.Second
	}
	if c.Session.SweepIntervalSeconds != 0 {
		cfg.SweepInterval = time.Duration(c.Session.SweepIntervalSeconds) * time.Second
	}

	return cfg
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
