package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/nnlgsakib/openhash-nodeman/internal/logger"
	"github.com/spf13/viper"
)

// Config is the top-level TOML structure for the supervisor.
type Config struct {
	ExecutablePath string              `mapstructure:"executable_path"` // empty -> next to our own binary
	DataDir        string              `mapstructure:"data_dir"`        // empty -> platform default
	StopGrace      time.Duration       `mapstructure:"stop_grace"`      // SIGTERM -> SIGKILL escalation window
	Node           NodeDefaults        `mapstructure:"node"`
	Feed           FeedConfig          `mapstructure:"feed"`
	Server         ServerConfig        `mapstructure:"server"`
	Log            LogConfig           `mapstructure:"log"`
	Mirror         logger.MirrorConfig `mapstructure:"mirror"`
}

// NodeDefaults seeds start requests that omit fields.
type NodeDefaults struct {
	APIPort uint16 `mapstructure:"api_port"`
	P2PPort uint16 `mapstructure:"p2p_port"`
	DBPath  string `mapstructure:"db_path"`
}

// FeedConfig describes the remote release feed.
type FeedConfig struct {
	URL       string        `mapstructure:"url"`
	AssetName string        `mapstructure:"asset_name"` // empty -> platform default
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"` // per-request header timeout
}

// ServerConfig describes the local control API.
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

const (
	defaultFeedURL   = "https://api.github.com/repos/nnlgsakib/open-hash-db/releases/latest"
	defaultUserAgent = "OpenHash-Nodeman"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StopGrace: 5 * time.Second,
		Node:      NodeDefaults{APIPort: 8080, P2PPort: 9000},
		Feed: FeedConfig{
			URL:       defaultFeedURL,
			UserAgent: defaultUserAgent,
			Timeout:   30 * time.Second,
		},
		Server: ServerConfig{Listen: "127.0.0.1:7420"},
		Log:    LogConfig{Level: "info", Color: true},
	}
}

// Load reads a TOML config file and merges it over Default. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveExecutablePath returns the configured executable path, or the
// platform executable name next to the currently running binary.
func (c *Config) ResolveExecutablePath() string {
	if c.ExecutablePath != "" {
		return c.ExecutablePath
	}
	self, err := os.Executable()
	if err != nil {
		return ExecutableName()
	}
	return filepath.Join(filepath.Dir(self), ExecutableName())
}

// ResolveDataDir returns the configured data directory or the platform
// default.
func (c *Config) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataPath()
}

// ResolveAssetName returns the release asset to download for this platform.
func (c *Config) ResolveAssetName() string {
	if c.Feed.AssetName != "" {
		return c.Feed.AssetName
	}
	return ExecutableName()
}

// ExecutableName is the platform-specific node executable filename, which
// is also the release asset name.
func ExecutableName() string {
	if runtime.GOOS == "windows" {
		return "openhash.exe"
	}
	return "openhash"
}

// DefaultDataPath returns the per-user default node database directory.
func DefaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "OpenHash")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "OpenHash")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "openhash")
		}
	}
	return filepath.Join(os.TempDir(), "openhash")
}
