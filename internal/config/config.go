package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the client.
// The values are read by viper from a config file or environment variables.
type Config struct {
	API         APIConfig
	RateLimits  map[string]RateLimitConfig `mapstructure:"rate_limits"`
	Balance     BalanceConfig
	Quote       QuoteConfig
	Instruments map[string]InstrumentConfig
	Chain       ChainConfig
	PriceFeed   PriceFeedConfig `mapstructure:"price_feed"`
	Database    DatabaseConfig
	Logging     LoggingConfig
}

// APIConfig defines how the backend is reached.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	AuthToken string        `mapstructure:"auth_token"`
	UserAgent string        `mapstructure:"user_agent"`
}

// RateLimitConfig is one fixed window: at most MaxRequests per Window.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// BalanceConfig defines the balance cache settings.
type BalanceConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// QuoteConfig defines the quote countdown settings.
type QuoteConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// InstrumentConfig defines per-metal trading constraints.
type InstrumentConfig struct {
	MinGrams float64 `mapstructure:"min_grams"`
}

// ChainConfig defines the on-chain token reader. An empty RPCURL disables it.
type ChainConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	ChainID        int64             `mapstructure:"chain_id"`
	TokenContracts map[string]string `mapstructure:"token_contracts"`
	RequestsPerSec float64           `mapstructure:"requests_per_sec"`
	Burst          int
}

// PriceFeedConfig defines the live price websocket. An empty URL disables it.
type PriceFeedConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig defines the activity journal connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// DSN returns a postgres connection URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.DBName,
	}
	return u.String()
}

// LoggingConfig defines the logger settings. Output is "stdout", "stderr" or a file path.
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.auxite.io")
	v.SetDefault("api.timeout", time.Duration(0))
	v.SetDefault("api.auth_token", "")
	v.SetDefault("api.user_agent", "auxite-client/1.0")

	v.SetDefault("rate_limits.withdraw.max_requests", 3)
	v.SetDefault("rate_limits.withdraw.window", 5*time.Minute)
	v.SetDefault("rate_limits.trade.max_requests", 30)
	v.SetDefault("rate_limits.trade.window", time.Minute)
	v.SetDefault("rate_limits.general.max_requests", 60)
	v.SetDefault("rate_limits.general.window", time.Minute)

	v.SetDefault("balance.cache_ttl", 10*time.Second)
	v.SetDefault("quote.tick_interval", time.Second)

	v.SetDefault("instruments.auxg.min_grams", 0.01)
	v.SetDefault("instruments.auxs.min_grams", 1.0)
	v.SetDefault("instruments.auxpt.min_grams", 0.01)
	v.SetDefault("instruments.auxpd.min_grams", 0.01)

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 84532)
	v.SetDefault("chain.requests_per_sec", 5.0)
	v.SetDefault("chain.burst", 4)

	v.SetDefault("price_feed.url", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "auxite")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "auxite")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}

// LoadConfig reads configuration from a config.yaml under path and from AUXITE_* environment
// variables. A missing config file is not an error; defaults apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("AUXITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	err = config.Validate()
	return
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	for _, category := range []string{"withdraw", "trade", "general"} {
		rl, ok := c.RateLimits[category]
		if !ok {
			return fmt.Errorf("missing rate limit for category %q", category)
		}
		if rl.MaxRequests <= 0 || rl.Window <= 0 {
			return fmt.Errorf("rate limit for %q must have positive max_requests and window", category)
		}
	}
	if c.Balance.CacheTTL <= 0 {
		return errors.New("balance.cache_ttl must be positive")
	}
	if c.Quote.TickInterval <= 0 {
		return errors.New("quote.tick_interval must be positive")
	}
	if c.PriceFeed.URL != "" && !strings.HasPrefix(c.PriceFeed.URL, "ws://") && !strings.HasPrefix(c.PriceFeed.URL, "wss://") {
		return fmt.Errorf("invalid price_feed.url %q", c.PriceFeed.URL)
	}
	return nil
}
