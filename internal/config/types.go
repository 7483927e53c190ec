package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了路由服务运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Chains     []ChainConfig    `mapstructure:"chains"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Auction    AuctionConfig    `mapstructure:"auction"`
	Swap       SwapConfig       `mapstructure:"swap"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	FlashLoan  FlashLoanConfig  `mapstructure:"flashloan"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	AppCode     string `mapstructure:"app_code"`
}

// ServerConfig 描述 HTTP 接口参数。
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChainConfig 描述单条链的接入信息，地址字段为空时使用内置默认值。
type ChainConfig struct {
	ID                  uint64              `mapstructure:"id"`
	Name                string              `mapstructure:"name"`
	RPCURL              string              `mapstructure:"rpc_url"`
	WrappedNative       string              `mapstructure:"wrapped_native"`
	AuctionNetwork      string              `mapstructure:"auction_network"`
	AggregatorSupported bool                `mapstructure:"aggregator_supported"`
	ApprovalResetTokens []string            `mapstructure:"approval_reset_tokens"`
	PermitTokens        []PermitTokenConfig `mapstructure:"permit_tokens"`
	Settlement          string              `mapstructure:"settlement"`
	VaultRelayer        string              `mapstructure:"vault_relayer"`
	EthFlow             string              `mapstructure:"eth_flow"`
	Adapters            map[string]string   `mapstructure:"adapters"`
}

// PermitTokenConfig 描述支持 EIP-2612 的代币及其签名域。
type PermitTokenConfig struct {
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig 描述场所 HTTP 接入参数。
type HTTPConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// AggregatorConfig 描述聚合器场所。
type AggregatorConfig struct {
	HTTP      HTTPConfig `mapstructure:"http"`
	PartnerID string     `mapstructure:"partner_id"`
	Version   string     `mapstructure:"version"`
}

// UnsupportedAssetsConfig 按流程与链声明拍卖场所不支持的资产，"ALL" 为通配。
type UnsupportedAssetsConfig struct {
	Flow   string   `mapstructure:"flow"`
	Chain  string   `mapstructure:"chain"`
	Assets []string `mapstructure:"assets"`
}

// AuctionConfig 描述批量拍卖场所。
type AuctionConfig struct {
	HTTP                HTTPConfig                `mapstructure:"http"`
	PartnerFeeRecipient string                    `mapstructure:"partner_fee_recipient"`
	Unsupported         []UnsupportedAssetsConfig `mapstructure:"unsupported"`
}

// SwapConfig 控制报价、金额与订单追踪节奏。
type SwapConfig struct {
	PartnerFeeBps      uint32        `mapstructure:"partner_fee_bps"`
	DustMarginBps      uint32        `mapstructure:"dust_margin_bps"`
	DefaultSlippageBps uint32        `mapstructure:"default_slippage_bps"`
	MaxSlippageBps     uint32        `mapstructure:"max_slippage_bps"`
	PriceImpactWarnBps uint32        `mapstructure:"price_impact_warn_bps"`
	MinSellAmount      uint64        `mapstructure:"min_sell_amount"`
	Debounce           time.Duration `mapstructure:"debounce"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	OrderPollInterval  time.Duration `mapstructure:"order_poll_interval"`
	MarketExpiry       time.Duration `mapstructure:"market_expiry"`
	LimitExpiry        time.Duration `mapstructure:"limit_expiry"`
	PairPreferenceTTL  time.Duration `mapstructure:"pair_preference_ttl"`
	ReserveTTL         time.Duration `mapstructure:"reserve_ttl"`
}

// ApprovalConfig 控制授权缓存与 permit 偏好。
type ApprovalConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	PreferPermit   bool          `mapstructure:"prefer_permit"`
	PermitDeadline time.Duration `mapstructure:"permit_deadline"`
}

// HelperDeploymentConfig 描述闪电贷辅助合约工厂的部署信息。
type HelperDeploymentConfig struct {
	ChainID        uint64 `mapstructure:"chain_id"`
	Flow           string `mapstructure:"flow"`
	Factory        string `mapstructure:"factory"`
	Implementation string `mapstructure:"implementation"`
	// Lender 为闪电贷出借方（借贷池），写入订单附加数据。
	Lender string `mapstructure:"lender"`
}

// FlashLoanConfig 控制闪电贷费率与辅助合约部署。
type FlashLoanConfig struct {
	PremiumBps  uint32                   `mapstructure:"premium_bps"`
	Deployments []HelperDeploymentConfig `mapstructure:"deployments"`
}

// PricingConfig 控制美元参考价与波动率滑点建议。
type PricingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Markets            map[string]string `mapstructure:"markets"`
	Timeframe          string            `mapstructure:"timeframe"`
	Lookback           int               `mapstructure:"lookback"`
	SlippageMultiplier float64           `mapstructure:"slippage_multiplier"`
	MinSlippageBps     uint32            `mapstructure:"min_slippage_bps"`
	MaxSlippageBps     uint32            `mapstructure:"max_slippage_bps"`
	CacheTTL           time.Duration     `mapstructure:"cache_ttl"`
	Retry              RetryConfig       `mapstructure:"retry"`
}

// WalletConfig 描述本地开发签名器。
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}
	if len(c.Chains) == 0 {
		err = multierr.Append(err, errors.New("chains 至少包含一条链"))
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ID == 0 {
			err = multierr.Append(err, fmt.Errorf("chains[%d].id 不能为0", i))
			continue
		}
		if _, dup := seen[ch.ID]; dup {
			err = multierr.Append(err, fmt.Errorf("chains[%d].id=%d 重复", i, ch.ID))
		}
		seen[ch.ID] = struct{}{}
	}
	err = multierr.Append(err, c.Aggregator.HTTP.validate("aggregator.http"))
	err = multierr.Append(err, c.Auction.HTTP.validate("auction.http"))
	for i, u := range c.Auction.Unsupported {
		if u.Flow == "" || u.Chain == "" {
			err = multierr.Append(err, fmt.Errorf("auction.unsupported[%d] 需要 flow 与 chain", i))
		}
	}
	if c.Swap.PartnerFeeBps > 1000 {
		err = multierr.Append(err, errors.New("swap.partner_fee_bps 不应超过1000"))
	}
	if c.Swap.DustMarginBps > 500 {
		err = multierr.Append(err, errors.New("swap.dust_margin_bps 不应超过500"))
	}
	if c.Swap.MaxSlippageBps == 0 || c.Swap.MaxSlippageBps >= 10000 {
		err = multierr.Append(err, errors.New("swap.max_slippage_bps 必须位于(0,10000)"))
	}
	if c.Swap.DefaultSlippageBps > c.Swap.MaxSlippageBps {
		err = multierr.Append(err, errors.New("swap.default_slippage_bps 不能大于 max_slippage_bps"))
	}
	if c.Swap.Debounce < 0 {
		err = multierr.Append(err, errors.New("swap.debounce 不能为负"))
	}
	if c.Swap.RefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("swap.refresh_interval 必须大于0"))
	}
	if c.Swap.OrderPollInterval <= 0 {
		err = multierr.Append(err, errors.New("swap.order_poll_interval 必须大于0"))
	}
	if c.Swap.MarketExpiry <= 0 || c.Swap.LimitExpiry <= 0 {
		err = multierr.Append(err, errors.New("swap.market_expiry 与 limit_expiry 必须大于0"))
	}
	if c.Swap.PairPreferenceTTL <= 0 {
		err = multierr.Append(err, errors.New("swap.pair_preference_ttl 必须大于0"))
	}
	if c.Swap.ReserveTTL < 0 {
		err = multierr.Append(err, errors.New("swap.reserve_ttl 不能为负"))
	}
	if c.Approval.CacheTTL < 0 {
		err = multierr.Append(err, errors.New("approval.cache_ttl 不能为负"))
	}
	if c.Approval.PermitDeadline <= 0 {
		err = multierr.Append(err, errors.New("approval.permit_deadline 必须大于0"))
	}
	if c.FlashLoan.PremiumBps > 10000 {
		err = multierr.Append(err, errors.New("flashloan.premium_bps 不应超过10000"))
	}
	for i, d := range c.FlashLoan.Deployments {
		if d.ChainID == 0 || d.Flow == "" || d.Factory == "" || d.Implementation == "" {
			err = multierr.Append(err, fmt.Errorf("flashloan.deployments[%d] 字段不完整", i))
		}
	}
	if c.Pricing.Enabled {
		if c.Pricing.Timeframe == "" {
			err = multierr.Append(err, errors.New("pricing.timeframe 不能为空"))
		}
		if c.Pricing.Lookback < 15 {
			err = multierr.Append(err, errors.New("pricing.lookback 至少为15"))
		}
		if c.Pricing.MinSlippageBps > c.Pricing.MaxSlippageBps {
			err = multierr.Append(err, errors.New("pricing.min_slippage_bps 不能大于 max_slippage_bps"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (h HTTPConfig) validate(prefix string) error {
	var err error
	if strings.TrimSpace(h.BaseURL) == "" {
		err = multierr.Append(err, fmt.Errorf("%s.base_url 不能为空", prefix))
	}
	if h.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.timeout 必须大于0", prefix))
	}
	if h.RequestsPerSecond < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.requests_per_second 不能为负", prefix))
	}
	if h.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.retry.max_attempts 必须大于0", prefix))
	}
	if h.Retry.MinDelay <= 0 || h.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.retry.delay 必须为正", prefix))
	}
	if h.Retry.MinDelay > h.Retry.MaxDelay {
		err = multierr.Append(err, fmt.Errorf("%s.retry.min_delay 不能大于 max_delay", prefix))
	}
	return err
}
