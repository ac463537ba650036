package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	History   HistoryConfig
	Redis     RedisConfig
	Presence  PresenceConfig
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Log       LogConfig
}

// Supported conversation backends.
const (
	ProviderOpenAI  = "openai"
	ProviderService = "service"
)

// LLMConfig selects and configures the conversation streaming backend.
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// HistoryConfig points at the SQLite file holding sessions and messages.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// RedisConfig enables cross-instance presence fan-out. An empty URL keeps
// presence in-process.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// PresenceConfig holds the cursor staleness window and sweep cadence.
type PresenceConfig struct {
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WebSocketConfig holds browser connection timings.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config.yaml from the working directory, or the file named by
// CONFIG_PATH. A missing file is not an error: defaults and RFPDESK_* env
// variables still apply.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RFPDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.timeout", "2m")
	v.SetDefault("history.db_path", "history.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("presence.stale_after", "5s")
	v.SetDefault("presence.sweep_interval", "2s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("log.level", "info")
}
