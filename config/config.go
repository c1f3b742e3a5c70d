package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime settings for the market daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	MarketsFile   string `toml:"MarketsFile"`

	Log     LogConfig       `toml:"log"`
	Auth    AuthConfig      `toml:"auth"`
	Limits  RateLimitConfig `toml:"limits"`
	Indexer IndexerConfig   `toml:"indexer"`
}

// LogConfig controls the structured log sink. An empty File logs to
// stdout only; otherwise lines are mirrored to a size rotated file.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// AuthConfig describes the bearer token checks on the mutation surface.
// The HMAC secret itself never lives in the file; SecretEnv names the
// environment variable holding it.
type AuthConfig struct {
	Enabled   bool   `toml:"Enabled"`
	SecretEnv string `toml:"SecretEnv"`
	Issuer    string `toml:"Issuer"`
	Audience  string `toml:"Audience"`
}

// RateLimitConfig throttles clients per remote address.
type RateLimitConfig struct {
	Mutations RateLimit `toml:"mutations"`
	Views     RateLimit `toml:"views"`
}

// RateLimit is a token bucket definition.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// IndexerConfig points the event indexer at its database. Driver is
// "postgres" or "sqlite"; an empty DSN disables indexing.
type IndexerConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Load loads the configuration from the given path, creating a default
// file (and a default markets file beside it) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "JWTSecret" {
			return nil, fmt.Errorf("config file %s embeds a JWTSecret; move it to the environment and set auth.SecretEnv", path)
		}
	}

	cfg.applyDefaults(path)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8440"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./termlend-data"
	}
	if strings.TrimSpace(cfg.MarketsFile) == "" {
		cfg.MarketsFile = defaultMarketsPath(path)
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 64
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 4
	}
	if cfg.Limits.Mutations.RequestsPerMinute <= 0 {
		cfg.Limits.Mutations = RateLimit{RequestsPerMinute: 120, Burst: 20}
	}
	if cfg.Limits.Views.RequestsPerMinute <= 0 {
		cfg.Limits.Views = RateLimit{RequestsPerMinute: 600, Burst: 60}
	}
	if strings.TrimSpace(cfg.Indexer.Driver) == "" {
		cfg.Indexer.Driver = "sqlite"
	}
}

func (cfg *Config) validate() error {
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.SecretEnv) == "" {
		return fmt.Errorf("auth.SecretEnv is required while auth is enabled")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Indexer.Driver)) {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("indexer.Driver must be sqlite or postgres, got %q", cfg.Indexer.Driver)
	}
	return nil
}

// createDefault creates and saves a default configuration file plus a
// starter markets file next to it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8440",
		DataDir:       "./termlend-data",
	}
	cfg.applyDefaults(path)

	if _, err := os.Stat(cfg.MarketsFile); os.IsNotExist(err) {
		if err := writeDefaultMarkets(cfg.MarketsFile); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultMarketsPath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "markets.yaml")
}
