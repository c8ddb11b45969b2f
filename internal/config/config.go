package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfiguration marks a configuration that cannot serve chat turns.
var ErrConfiguration = errors.New("configuration error")

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Case    CaseConfig    `mapstructure:"case"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Log     LogConfig     `mapstructure:"log"`
	Session SessionConfig `mapstructure:"session"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	// Timeout bounds the whole request. Zero leaves the completion stream
	// to the transport defaults.
	Timeout               time.Duration `mapstructure:"timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

type ChatConfig struct {
	DefaultModel       string   `mapstructure:"default_model"`
	AllowedModels      []string `mapstructure:"allowed_models"`
	DefaultTemperature float32  `mapstructure:"default_temperature"`
	WelcomeMessage     string   `mapstructure:"welcome_message"`
}

type CaseConfig struct {
	Path string `mapstructure:"path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.dial_timeout", 10*time.Second)
	v.SetDefault("openai.response_header_timeout", 60*time.Second)

	v.SetDefault("chat.default_model", "gpt-4.1")
	v.SetDefault("chat.allowed_models", []string{"gpt-4.1", "gpt-4o-mini", "gpt-4.1-mini"})
	v.SetDefault("chat.default_temperature", 0.3)
	v.SetDefault("chat.welcome_message", "Hi! Ask me anything about the Japan carry trade case.")

	v.SetDefault("case.path", "case_data/japan_carry_trade.md")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("session.ttl", 2*time.Hour)
	v.SetDefault("session.cleanup_interval", 10*time.Minute)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// 配置文件优先，未设置时回退到环境变量
	if loaded.OpenAI.APIKey == "" {
		loaded.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := loaded.validate(); err != nil {
		return nil, err
	}

	return loaded, nil
}

// validate rejects values that no session could work with. A missing API
// key is not checked here: it blocks chat turns, not the process.
func (c *Config) validate() error {
	if c.Case.Path == "" {
		return fmt.Errorf("%w: case.path is empty", ErrConfiguration)
	}
	if len(c.Chat.AllowedModels) == 0 {
		return fmt.Errorf("%w: chat.allowed_models is empty", ErrConfiguration)
	}
	if c.Chat.DefaultTemperature < 0 || c.Chat.DefaultTemperature > 1 {
		return fmt.Errorf("%w: chat.default_temperature %.2f outside [0, 1]", ErrConfiguration, c.Chat.DefaultTemperature)
	}
	if !c.Chat.IsAllowedModel(c.Chat.DefaultModel) {
		return fmt.Errorf("%w: chat.default_model %q not in chat.allowed_models", ErrConfiguration, c.Chat.DefaultModel)
	}
	return nil
}

// IsAllowedModel reports whether name is one of the selectable models.
func (c ChatConfig) IsAllowedModel(name string) bool {
	for _, m := range c.AllowedModels {
		if m == name {
			return true
		}
	}
	return false
}

// CheckAPIKey returns ErrConfiguration when no API key was provided.
func (c OpenAIConfig) CheckAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: missing OpenAI API key; set openai.api_key in the config file or the OPENAI_API_KEY environment variable", ErrConfiguration)
	}
	return nil
}
