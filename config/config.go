package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPort is the well-known console port.
const DefaultPort = 2225

var ErrInvalid = errors.New("invalid config")

// Serve configures the simulated console.
type Serve struct {
	Listen   string   `toml:"listen"`
	DataPath string   `toml:"data_path"`
	Stages   []string `toml:"stages"`
	MediaDir string   `toml:"media_dir"`
	PlaysDir string   `toml:"plays_dir"`
}

type Config struct {
	ConsoleURL   string `toml:"console_url"`
	ConsoleHost  string `toml:"console_host"`
	ConsolePort  int    `toml:"console_port"`
	Role         string `toml:"role"`
	GameID       string `toml:"game_id"`
	MediaBaseURL string `toml:"media_base_url"`
	LogLevel     string `toml:"log_level"`
	// RequestTimeout and ReconnectDelay are in milliseconds.
	RequestTimeout int `toml:"request_timeout"`
	ReconnectDelay int `toml:"reconnect_delay"`

	Serve Serve `toml:"serve"`
}

func Default() Config {
	return Config{
		ConsoleHost:    "localhost",
		ConsolePort:    DefaultPort,
		Role:           "none",
		LogLevel:       "info",
		RequestTimeout: 4000,
		ReconnectDelay: 1000,
		Serve: Serve{
			Listen: fmt.Sprintf(":%d", DefaultPort),
		},
	}
}

// Load reads path over the defaults. A missing file is not an error, and
// an empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("KOPPELIA_CONSOLE_URL")); v != "" {
		c.ConsoleURL = v
	}
	if v := strings.TrimSpace(os.Getenv("KOPPELIA_ROLE")); v != "" {
		c.Role = v
	}
	for _, key := range []string{"PUBLIC_GAME_ID", "GAME_ID"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			c.GameID = v
			break
		}
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.ConsolePort <= 0 || c.ConsolePort > 65535 {
		return fmt.Errorf("%w: console_port %d out of range", ErrInvalid, c.ConsolePort)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalid)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: reconnect_delay must be positive", ErrInvalid)
	}
	switch c.Role {
	case "controller", "monitor", "none", "":
	default:
		return fmt.Errorf("%w: role %q, want controller, monitor or none", ErrInvalid, c.Role)
	}
	if c.ConsoleURL != "" {
		if _, err := c.Endpoint(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

func (c *Config) Backoff() time.Duration {
	return time.Duration(c.ReconnectDelay) * time.Millisecond
}

// MediaBase returns the origin media links are built on. Without an explicit
// value it is the console host on the media port.
func (c *Config) MediaBase() string {
	if c.MediaBaseURL != "" {
		return c.MediaBaseURL
	}
	return fmt.Sprintf("http://%s:%d", c.ConsoleHost, mediaPort)
}

const mediaPort = 2227
