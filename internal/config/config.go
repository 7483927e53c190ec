package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "swap"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值构成的配置，主要用于测试与本地启动。
func Default() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.app_code", "swap-router")

	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("chains", []map[string]interface{}{
		{
			"id":                    1,
			"name":                  "mainnet",
			"auction_network":       "mainnet",
			"aggregator_supported":  true,
			"approval_reset_tokens": []string{"0xdAC17F958D2ee523a2206206994597C13D831ec7"},
		},
		{
			"id":                   100,
			"name":                 "gnosis",
			"auction_network":      "xdai",
			"aggregator_supported": true,
		},
		{
			"id":                   42161,
			"name":                 "arbitrum",
			"auction_network":      "arbitrum_one",
			"aggregator_supported": true,
		},
		{
			"id":                   8453,
			"name":                 "base",
			"auction_network":      "base",
			"aggregator_supported": true,
		},
		{
			"id":                   137,
			"name":                 "polygon",
			"aggregator_supported": true,
		},
	})

	v.SetDefault("aggregator.http.base_url", "https://api.paraswap.io")
	v.SetDefault("aggregator.http.timeout", "10s")
	v.SetDefault("aggregator.http.requests_per_second", 5)
	v.SetDefault("aggregator.http.burst", 5)
	v.SetDefault("aggregator.http.retry.max_attempts", 3)
	v.SetDefault("aggregator.http.retry.min_delay", "300ms")
	v.SetDefault("aggregator.http.retry.max_delay", "3s")
	v.SetDefault("aggregator.partner_id", "swap-router")
	v.SetDefault("aggregator.version", "6.2")

	v.SetDefault("auction.http.base_url", "https://api.cow.fi")
	v.SetDefault("auction.http.timeout", "10s")
	v.SetDefault("auction.http.requests_per_second", 5)
	v.SetDefault("auction.http.burst", 5)
	v.SetDefault("auction.http.retry.max_attempts", 3)
	v.SetDefault("auction.http.retry.min_delay", "300ms")
	v.SetDefault("auction.http.retry.max_delay", "3s")
	v.SetDefault("auction.partner_fee_recipient", "")

	v.SetDefault("swap.partner_fee_bps", 15)
	v.SetDefault("swap.dust_margin_bps", 10)
	v.SetDefault("swap.default_slippage_bps", 50)
	v.SetDefault("swap.max_slippage_bps", 3000)
	v.SetDefault("swap.price_impact_warn_bps", 500)
	v.SetDefault("swap.min_sell_amount", 1)
	v.SetDefault("swap.debounce", "400ms")
	v.SetDefault("swap.refresh_interval", "15s")
	v.SetDefault("swap.order_poll_interval", "5s")
	v.SetDefault("swap.market_expiry", "30m")
	v.SetDefault("swap.limit_expiry", "168h")
	v.SetDefault("swap.pair_preference_ttl", "720h")
	v.SetDefault("swap.reserve_ttl", "30s")

	v.SetDefault("approval.cache_ttl", "30s")
	v.SetDefault("approval.prefer_permit", true)
	v.SetDefault("approval.permit_deadline", "1h")

	v.SetDefault("flashloan.premium_bps", 5)

	v.SetDefault("pricing.enabled", false)
	v.SetDefault("pricing.timeframe", "1h")
	v.SetDefault("pricing.lookback", 48)
	v.SetDefault("pricing.slippage_multiplier", 0.5)
	v.SetDefault("pricing.min_slippage_bps", 10)
	v.SetDefault("pricing.max_slippage_bps", 300)
	v.SetDefault("pricing.cache_ttl", "1m")
	v.SetDefault("pricing.retry.max_attempts", 3)
	v.SetDefault("pricing.retry.min_delay", "500ms")
	v.SetDefault("pricing.retry.max_delay", "5s")

	v.SetDefault("database.path", "data/swap_router.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
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
