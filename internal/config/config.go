// Package config defines all configuration for the trading bridge.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BRIDGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Market   MarketConfig   `mapstructure:"market"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Router   RouterConfig   `mapstructure:"router"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the REST and external WebSocket listen settings.
// The WS proxy walks forward from WSPort if the port is already bound
// (a dev reloader may have spawned two processes).
type ServerConfig struct {
	RESTPort       int      `mapstructure:"rest_port"`
	WSPort         int      `mapstructure:"ws_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// BrokerConfig points at the broker adapter service. PollInterval drives
// the quote-polling fallback stream used when the adapter exposes no
// WebSocket feed.
type BrokerConfig struct {
	Name         string        `mapstructure:"name"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ContractsAt  string        `mapstructure:"contracts_at"` // daily master-contract download, "HH:MM"
}

// MarketConfig holds the market calendar: timezone, per-exchange session
// windows ("HH:MM-HH:MM"), and per-segment intraday square-off times.
type MarketConfig struct {
	Timezone  string            `mapstructure:"timezone"`
	Sessions  map[string]string `mapstructure:"sessions"`   // exchange -> "09:15-15:30"
	SquareOff map[string]string `mapstructure:"square_off"` // segment  -> "15:15"
}

// CacheConfig selects and tunes the cache backend.
//
//   - Backend: "memory", "disk", "redis", or "" for auto-selection
//     (redis if it answers a health ping within PingTimeout, else disk).
//   - MultiInstance forces redis; startup fails if it is unreachable.
//   - KeyFile is the path to the 32-byte encryption key for the
//     auth/api_keys/tokens namespaces.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	MultiInstance bool          `mapstructure:"multi_instance"`
	KeyFile       string        `mapstructure:"key_file"`
	MemoryMaxKeys int           `mapstructure:"memory_max_keys"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
}

// AuthConfig tunes the API-key gate.
type AuthConfig struct {
	ForcedLogoutAt string        `mapstructure:"forced_logout_at"` // "03:00" market tz
	NegativeTTL    time.Duration `mapstructure:"negative_ttl"`
}

// FeedConfig tunes the upstream market-data connection and fanout.
type FeedConfig struct {
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	DownAfter        time.Duration `mapstructure:"down_after"` // notify subscribers past this outage
}

// RouterConfig tunes the order router.
type RouterConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"` // global REST request cap
	RateBurst     float64       `mapstructure:"rate_burst"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"` // max wait before RATE_LIMITED
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// SandboxConfig tunes the virtual execution engine.
type SandboxConfig struct {
	StartingCapital float64 `mapstructure:"starting_capital"`
	EquityLeverage  float64 `mapstructure:"equity_leverage"` // MIS margin divisor
	FNOMarginPct    float64 `mapstructure:"fno_margin_pct"`  // fallback % of notional
	ResetSchedule   string  `mapstructure:"reset_schedule"`  // cron spec, default Sunday 00:00
}

// AlertsConfig tunes the scheduled-alert engine. Cooldowns and history
// intervals are per-alert settings, not global ones.
type AlertsConfig struct {
	Workers int `mapstructure:"workers"`
}

// MonitorConfig tunes the trade monitor.
type MonitorConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval"` // pending-entry order status polling
}

// TelegramConfig holds the bot credentials. Empty token disables notification.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	BaseURL  string `mapstructure:"base_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BRIDGE_TELEGRAM_BOT_TOKEN,
// BRIDGE_CACHE_REDIS_PASSWORD, BRIDGE_CACHE_KEY_FILE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("BRIDGE_TELEGRAM_BOT_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}
	if pass := os.Getenv("BRIDGE_CACHE_REDIS_PASSWORD"); pass != "" {
		cfg.Cache.RedisPassword = pass
	}
	if kf := os.Getenv("BRIDGE_CACHE_KEY_FILE"); kf != "" {
		cfg.Cache.KeyFile = kf
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.rest_port", 5000)
	v.SetDefault("server.ws_port", 8765)
	v.SetDefault("broker.name", "zerodha")
	v.SetDefault("broker.poll_interval", time.Second)
	v.SetDefault("broker.contracts_at", "08:30")
	v.SetDefault("market.timezone", "Asia/Kolkata")
	v.SetDefault("cache.dir", "data")
	v.SetDefault("cache.memory_max_keys", 10000)
	v.SetDefault("cache.ping_timeout", 2*time.Second)
	v.SetDefault("auth.forced_logout_at", "03:00")
	v.SetDefault("auth.negative_ttl", time.Minute)
	v.SetDefault("feed.reconnect_initial", 5*time.Second)
	v.SetDefault("feed.reconnect_max", 60*time.Second)
	v.SetDefault("feed.max_reconnects", 10)
	v.SetDefault("feed.down_after", 30*time.Second)
	v.SetDefault("router.rate_per_second", 50)
	v.SetDefault("router.rate_burst", 50)
	v.SetDefault("router.queue_timeout", time.Second)
	v.SetDefault("router.dedup_window", 2*time.Second)
	v.SetDefault("router.read_timeout", 5*time.Second)
	v.SetDefault("router.write_timeout", 10*time.Second)
	v.SetDefault("sandbox.starting_capital", 10000000)
	v.SetDefault("sandbox.equity_leverage", 5)
	v.SetDefault("sandbox.fno_margin_pct", 15)
	v.SetDefault("sandbox.reset_schedule", "0 0 * * 0")
	v.SetDefault("alerts.workers", 10)
	v.SetDefault("monitor.flush_interval", 30*time.Second)
	v.SetDefault("monitor.poll_interval", 2*time.Second)
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.RESTPort <= 0 || c.Server.RESTPort > 65535 {
		return fmt.Errorf("server.rest_port must be 1-65535")
	}
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("server.ws_port must be 1-65535")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	switch c.Cache.Backend {
	case "", "memory", "disk", "redis":
	default:
		return fmt.Errorf("cache.backend must be one of: memory, disk, redis (or empty for auto)")
	}
	if c.Cache.MultiInstance && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required in multi-instance mode")
	}
	if _, err := parseClock(c.Auth.ForcedLogoutAt); err != nil {
		return fmt.Errorf("auth.forced_logout_at: %w", err)
	}
	if _, err := parseClock(c.Broker.ContractsAt); err != nil {
		return fmt.Errorf("broker.contracts_at: %w", err)
	}
	if c.Router.RatePerSecond <= 0 {
		return fmt.Errorf("router.rate_per_second must be > 0")
	}
	if c.Sandbox.StartingCapital <= 0 {
		return fmt.Errorf("sandbox.starting_capital must be > 0")
	}
	if c.Alerts.Workers <= 0 {
		return fmt.Errorf("alerts.workers must be > 0")
	}
	for seg, at := range c.Market.SquareOff {
		if _, err := parseClock(at); err != nil {
			return fmt.Errorf("market.square_off[%s]: %w", seg, err)
		}
	}
	return nil
}

// Location returns the configured market timezone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return h*60 + m, nil
}

// ClockMinutes parses "HH:MM" into minutes since midnight for schedule consumers.
func ClockMinutes(s string) (int, error) { return parseClock(s) }
