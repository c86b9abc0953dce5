package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"yield-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig              `mapstructure:"app"`
	Logging  logging.Config         `mapstructure:"logging"`
	Database DatabaseConfig         `mapstructure:"database"`
	Earning  EarningConfig          `mapstructure:"earning"`
	Feeds    FeedsConfig            `mapstructure:"feeds"`
	Chains   map[string]ChainConfig `mapstructure:"chains"`
	Export   ExportConfig           `mapstructure:"export"`
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
}

// EarningConfig tunes the orchestration service.
type EarningConfig struct {
	PersistSoftDelay time.Duration `mapstructure:"persist_soft_delay"`
	PersistMaxDelay  time.Duration `mapstructure:"persist_max_delay"`
	ReloadDelay      time.Duration `mapstructure:"reload_delay"`
	StatRefresh      time.Duration `mapstructure:"stat_refresh"`
	TargetCacheTTL   time.Duration `mapstructure:"target_cache_ttl"`
	SlippagePercent  float64       `mapstructure:"slippage_percent"`
	Addresses        []string      `mapstructure:"addresses"`
}

// FeedsConfig covers the off-chain statistics endpoint.
type FeedsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainConfig describes one chain's connectivity and activation state.
// Which protocol families a chain hosts is a static table in the earning
// package; config only toggles chains and points at endpoints.
type ChainConfig struct {
	Active          bool    `mapstructure:"active"`
	Endpoint        string  `mapstructure:"endpoint"`
	EvmRPC          string  `mapstructure:"evm_rpc"`
	SlippagePercent float64 `mapstructure:"slippage_percent"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("YIELDENGINE")
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
	v.SetDefault("app.name", "yield-engine")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("earning.persist_soft_delay", "300ms")
	v.SetDefault("earning.persist_max_delay", "3s")
	v.SetDefault("earning.reload_delay", "1s")
	v.SetDefault("earning.stat_refresh", "15m")
	v.SetDefault("earning.target_cache_ttl", "10m")
	v.SetDefault("earning.slippage_percent", 0.985)

	v.SetDefault("feeds.base_url", "https://yield-stats.subquery.dev/api/v1")
	v.SetDefault("feeds.request_timeout", "8s")
	v.SetDefault("feeds.user_agent", "yield-engine/1.0")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Earning.PersistSoftDelay <= 0 {
		return fmt.Errorf("earning.persist_soft_delay must be greater than zero")
	}
	if c.Earning.PersistMaxDelay < c.Earning.PersistSoftDelay {
		return fmt.Errorf("earning.persist_max_delay must not be below the soft delay")
	}
	if c.Earning.SlippagePercent <= 0 || c.Earning.SlippagePercent > 1 {
		return fmt.Errorf("earning.slippage_percent must be in (0, 1]")
	}
	for name, chain := range c.Chains {
		if chain.Active && chain.Endpoint == "" && chain.EvmRPC == "" {
			return fmt.Errorf("chains.%s: active chain needs an endpoint", name)
		}
		if chain.SlippagePercent < 0 || chain.SlippagePercent > 1 {
			return fmt.Errorf("chains.%s: slippage_percent must be in [0, 1]", name)
		}
	}
	return nil
}

// Slippage resolves the slippage coefficient for one chain, falling back to
// the global default.
func (c *Config) Slippage(chain string) float64 {
	if cc, ok := c.Chains[chain]; ok && cc.SlippagePercent > 0 {
		return cc.SlippagePercent
	}
	return c.Earning.SlippagePercent
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
