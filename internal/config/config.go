// Package config loads and validates the Chorus runtime configuration.
//
// Configuration comes from an optional YAML (or JSON5) file with $include
// resolution and environment variable expansion, layered over environment
// fallbacks. Server-wide agent defaults live separately in <home>/config.json
// so the admin surface can edit them at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultHomeDirName is the per-user home directory when CHORUS_HOME is unset.
const DefaultHomeDirName = ".chorus-agents"

// Config is the top-level runtime configuration.
type Config struct {
	Home     string         `yaml:"home"`
	Discord  DiscordConfig  `yaml:"discord"`
	LLM      LLMConfig      `yaml:"llm"`
	Database DatabaseConfig `yaml:"database"`
	Defaults GlobalDefaults `yaml:"defaults"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type DiscordConfig struct {
	Token      string `yaml:"token"`
	DevGuildID string `yaml:"dev_guild_id"`
}

type LLMConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads the configuration file at path, fills gaps from the
// environment, applies defaults, and validates the result. An empty path
// yields an environment-only configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration with no file input.
func FromEnv() (*Config, error) {
	return Load("")
}

// ResolvePath returns the config file to load: the explicit path if given,
// else CHORUS_CONFIG, else <home>/chorus.yaml when that file exists, else
// empty (environment-only).
func ResolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if fromEnv := strings.TrimSpace(os.Getenv("CHORUS_CONFIG")); fromEnv != "" {
		return fromEnv
	}
	candidate := filepath.Join(DefaultHome(), "chorus.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// DefaultHome resolves the agent home directory from CHORUS_HOME, falling
// back to ~/.chorus-agents.
func DefaultHome() string {
	if home := strings.TrimSpace(os.Getenv("CHORUS_HOME")); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return DefaultHomeDirName
	}
	return filepath.Join(userHome, DefaultHomeDirName)
}

// applyEnv fills unset fields from environment variables. File values win;
// the environment only covers gaps.
func applyEnv(cfg *Config) {
	if cfg.Home == "" {
		cfg.Home = DefaultHome()
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	}
	if cfg.Discord.DevGuildID == "" {
		cfg.Discord.DevGuildID = strings.TrimSpace(os.Getenv("DEV_GUILD_ID"))
	}
	if cfg.Discord.DevGuildID == "" {
		cfg.Discord.DevGuildID = strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID"))
	}
	if cfg.LLM.Anthropic.APIKey == "" {
		cfg.LLM.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if cfg.LLM.OpenAI.APIKey == "" {
		cfg.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	cfg.Defaults.applyDefaults()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text; got %q", c.Logging.Format)
	}
	if err := c.Defaults.validate(); err != nil {
		return err
	}
	// Bare paths are sqlite files; URLs must carry a known scheme.
	if url := c.Database.URL; strings.Contains(url, "://") {
		switch {
		case strings.HasPrefix(url, "postgres://"),
			strings.HasPrefix(url, "postgresql://"),
			strings.HasPrefix(url, "sqlite://"):
		default:
			return fmt.Errorf("database.url has unsupported scheme: %s", url)
		}
	}
	return nil
}

// RequireDiscordToken errors when no Discord token is configured. Only the
// serve command needs one; offline CLI commands do not.
func (c *Config) RequireDiscordToken() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("DISCORD_TOKEN is required but missing or empty")
	}
	return nil
}

// AgentsDir returns the directory holding per-agent state.
func (c *Config) AgentsDir() string { return filepath.Join(c.Home, "agents") }

// SessionsDir returns the directory holding session snapshot files.
func (c *Config) SessionsDir() string { return filepath.Join(c.Home, "sessions") }

// DefaultsPath returns the path of the persisted global defaults file.
func (c *Config) DefaultsPath() string { return filepath.Join(c.Home, "config.json") }

// ModelCachePath returns the path of the model discovery cache.
func (c *Config) ModelCachePath() string { return filepath.Join(c.Home, "available_models.json") }
