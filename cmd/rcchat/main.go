package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.rcchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Store   ConfigStore   `toml:"store"`
	Redis   ConfigRedis   `toml:"redis"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoints and logging.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	WSURL    string `toml:"ws_url"`
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
}

// ConfigStore selects the snapshot backend.
type ConfigStore struct {
	Backend string `toml:"backend"` // file, redis or memory
	DataDir string `toml:"data_dir"`
}

// ConfigRedis configures the redis snapshot backend.
type ConfigRedis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.rcchat (or $RCCHAT_HOME), creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("RCCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".rcchat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes cfg as TOML, replacing the file atomically.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "config.*.tmp")
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.ws_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "env":
			cfg.Default.Env = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "store":
		switch field {
		case "backend":
			switch value {
			case "file", "redis", "memory":
			default:
				return fmt.Errorf("store.backend must be file, redis or memory")
			}
			cfg.Store.Backend = value
		case "data_dir":
			cfg.Store.DataDir = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "redis":
		switch field {
		case "addr":
			cfg.Redis.Addr = value
		case "password":
			cfg.Redis.Password = value
		case "db":
			db, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis.db must be an integer: %w", err)
			}
			cfg.Redis.DB = db
		case "prefix":
			cfg.Redis.Prefix = value
		default:
			return fmt.Errorf("unknown field %q in section [redis]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, redis, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "rcchat",
	Short: "rcchat client CLI",
	Long:  "Command-line client for the chat service.\nManage configuration, sign in, browse chats and listen for messages.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
