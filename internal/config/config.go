package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Chat      ChatConfig      `mapstructure:"chat"`
}

// StoreConfig holds conversation-store REST client configuration
type StoreConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TransportConfig holds real-time transport configuration
type TransportConfig struct {
	// Kind selects the transport implementation: "websocket" or "redis".
	Kind             string        `mapstructure:"kind"`
	WSURL            string        `mapstructure:"ws_url"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteChannelSize int           `mapstructure:"write_channel_size"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds redis pub/sub transport configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChatConfig holds engine tuning knobs
type ChatConfig struct {
	TypingQuietPeriod time.Duration `mapstructure:"typing_quiet_period"`
	EchoMatchWindow   time.Duration `mapstructure:"echo_match_window"`
	HistoryPageSize   int           `mapstructure:"history_page_size"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Store.BaseURL == "" {
		c.Store.BaseURL = "http://127.0.0.1:8080"
	}
	if c.Store.DialTimeout == 0 {
		c.Store.DialTimeout = 10 * time.Second
	}
	if c.Store.ReadTimeout == 0 {
		c.Store.ReadTimeout = 30 * time.Second
	}
	if c.Store.WriteTimeout == 0 {
		c.Store.WriteTimeout = 30 * time.Second
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "websocket"
	}
	if c.Transport.WSURL == "" {
		c.Transport.WSURL = "ws://127.0.0.1:8080/ws"
	}
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = 51200
	}
	if c.Transport.WriteWait == 0 {
		c.Transport.WriteWait = 10 * time.Second
	}
	if c.Transport.PongWait == 0 {
		c.Transport.PongWait = 30 * time.Second
	}
	if c.Transport.PingPeriod == 0 {
		c.Transport.PingPeriod = (c.Transport.PongWait * 9) / 10
	}
	if c.Transport.WriteChannelSize == 0 {
		c.Transport.WriteChannelSize = 256
	}
	if c.Transport.ReconnectWait == 0 {
		c.Transport.ReconnectWait = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "chatsync:"
	}
	if c.Chat.TypingQuietPeriod == 0 {
		c.Chat.TypingQuietPeriod = 2 * time.Second
	}
	if c.Chat.EchoMatchWindow == 0 {
		c.Chat.EchoMatchWindow = 2 * time.Second
	}
	if c.Chat.HistoryPageSize == 0 {
		c.Chat.HistoryPageSize = 50
	}
	if c.Chat.RefreshInterval == 0 {
		c.Chat.RefreshInterval = 30 * time.Second
	}
}
