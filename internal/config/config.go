package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"hype-trade-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Server   ServerConfig   `mapstructure:"server"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// FeedConfig covers the upstream Hyperliquid WebSocket feed.
type FeedConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	Coin             string        `mapstructure:"coin"`
	Channels         []string      `mapstructure:"channels"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// MonitorConfig governs the ingestion pipeline.
type MonitorConfig struct {
	MinNotionalUSD       float64       `mapstructure:"min_notional_usd"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	NotifyTimeout        time.Duration `mapstructure:"notify_timeout"`
	AutoStart            bool          `mapstructure:"auto_start"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ServerConfig tunes the HTTP control/query surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HYPEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hypewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("feed.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("feed.coin", "HYPE")
	v.SetDefault("feed.channels", []string{"trades", "fills"})
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.write_timeout", "5s")

	v.SetDefault("monitor.min_notional_usd", 100.0)
	v.SetDefault("monitor.max_reconnect_attempts", 5)
	v.SetDefault("monitor.reconnect_base_delay", "5s")
	v.SetDefault("monitor.notify_timeout", "10s")
	v.SetDefault("monitor.auto_start", true)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Feed.WSURL == "" {
		return fmt.Errorf("feed.ws_url is required")
	}
	if c.Feed.Coin == "" {
		return fmt.Errorf("feed.coin is required")
	}
	if len(c.Feed.Channels) == 0 {
		return fmt.Errorf("feed.channels must name at least one channel")
	}
	if c.Monitor.MinNotionalUSD < 0 {
		return fmt.Errorf("monitor.min_notional_usd cannot be negative")
	}
	if c.Monitor.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("monitor.max_reconnect_attempts must be greater than zero")
	}
	if c.Monitor.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("monitor.reconnect_base_delay must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token 必须配置")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
