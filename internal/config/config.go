package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Supported MCP transport types for the remote property catalogue.
const (
	ClientTypeSSE            = "sse"
	ClientTypeStreamableHTTP = "streamable_http"
	ClientTypeStdio          = "stdio"
)

// Property lookup sources.
const (
	PropertySourceSQLite = "sqlite"
	PropertySourceMCP    = "mcp"
)

// Config holds the application configuration
type Config struct {
	LLM            LLMConfig
	Telegram       TelegramConfig
	Database       DatabaseConfig
	Server         ServerConfig
	Log            LogConfig
	Bot            BotConfig
	PropertyLookup PropertyLookupConfig `mapstructure:"property_lookup"`
}

// LLMConfig holds the completion and transcription configuration
type LLMConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	APIKey             string `mapstructure:"api_key"`
	Model              string `mapstructure:"model"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	SystemPrompt       string `mapstructure:"system_prompt"`
}

// TelegramConfig holds the chat transport configuration
type TelegramConfig struct {
	BotToken    string `mapstructure:"bot_token"`
	PollTimeout int    `mapstructure:"poll_timeout"`
}

// DatabaseConfig holds the sqlite CRM store location
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds the health server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// BotConfig tunes the conversational session orchestrator.
type BotConfig struct {
	ResetCommand     string        `mapstructure:"reset_command"`
	SegmentMarker    string        `mapstructure:"segment_marker"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	IdleTTL          time.Duration `mapstructure:"idle_ttl"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
	SegmentDelay     time.Duration `mapstructure:"segment_delay"`
	ImageDelay       time.Duration `mapstructure:"image_delay"`
	MaxAudioBytes    int64         `mapstructure:"max_audio_bytes"`
	TempDir          string        `mapstructure:"temp_dir"`
	FollowUpDelay    time.Duration `mapstructure:"follow_up_delay"`
	FollowUpInterval time.Duration `mapstructure:"follow_up_interval"`
}

// PropertyLookupConfig selects where property codes are resolved.
type PropertyLookupConfig struct {
	Source string          `mapstructure:"source"`
	Tool   string          `mapstructure:"tool"`
	MCP    MCPServerConfig `mapstructure:"mcp"`
}

// MCPServerConfig describes how to reach an MCP server.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    string            `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.transcription_model", "whisper-1")
	v.SetDefault("llm.system_prompt", "")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.poll_timeout", 30)

	v.SetDefault("database.path", "leadbot.db")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")

	v.SetDefault("bot.reset_command", "/reset")
	v.SetDefault("bot.segment_marker", "|||")
	v.SetDefault("bot.min_interval", time.Second)
	v.SetDefault("bot.history_limit", 20)
	v.SetDefault("bot.idle_ttl", 6*time.Hour)
	v.SetDefault("bot.reap_interval", time.Hour)
	v.SetDefault("bot.segment_delay", 1500*time.Millisecond)
	v.SetDefault("bot.image_delay", 500*time.Millisecond)
	v.SetDefault("bot.max_audio_bytes", 25*1024*1024)
	v.SetDefault("bot.temp_dir", "")
	v.SetDefault("bot.follow_up_delay", 24*time.Hour)
	v.SetDefault("bot.follow_up_interval", 15*time.Minute)

	v.SetDefault("property_lookup.source", PropertySourceSQLite)
	v.SetDefault("property_lookup.tool", "search_properties")
	v.SetDefault("property_lookup.mcp.name", "catalogue")
	v.SetDefault("property_lookup.mcp.type", "")
	v.SetDefault("property_lookup.mcp.url", "")
	v.SetDefault("property_lookup.mcp.command", "")
}

// Load reads config.yaml (or the file at path / $CONFIG_PATH), a local .env
// file and LEADBOT_* environment overrides, in increasing precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEADBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Bot.TempDir == "" {
		cfg.Bot.TempDir = os.TempDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the orchestrator tunables are usable.
func (c *Config) Validate() error {
	b := c.Bot
	if strings.TrimSpace(b.ResetCommand) == "" {
		return errors.New("bot.reset_command cannot be empty")
	}
	if strings.TrimSpace(b.SegmentMarker) == "" {
		return errors.New("bot.segment_marker cannot be empty")
	}
	if b.HistoryLimit <= 0 {
		return errors.New("bot.history_limit must be > 0")
	}
	if b.MaxAudioBytes <= 0 {
		return errors.New("bot.max_audio_bytes must be > 0")
	}
	durations := map[string]time.Duration{
		"bot.min_interval":       b.MinInterval,
		"bot.idle_ttl":           b.IdleTTL,
		"bot.reap_interval":      b.ReapInterval,
		"bot.follow_up_delay":    b.FollowUpDelay,
		"bot.follow_up_interval": b.FollowUpInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}
	if b.SegmentDelay < 0 || b.ImageDelay < 0 {
		return errors.New("bot pacing delays cannot be negative")
	}
	switch c.PropertyLookup.Source {
	case PropertySourceSQLite:
	case PropertySourceMCP:
		switch c.PropertyLookup.MCP.Type {
		case ClientTypeSSE, ClientTypeStreamableHTTP:
			if c.PropertyLookup.MCP.URL == "" {
				return errors.New("property_lookup.mcp.url is required")
			}
		case ClientTypeStdio:
			if c.PropertyLookup.MCP.Command == "" {
				return errors.New("property_lookup.mcp.command is required")
			}
		default:
			return fmt.Errorf("unsupported property_lookup.mcp.type %q", c.PropertyLookup.MCP.Type)
		}
	default:
		return fmt.Errorf("unsupported property_lookup.source %q", c.PropertyLookup.Source)
	}
	return nil
}
