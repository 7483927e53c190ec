package pricing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"swap-router/internal/config"
)

// ErrMaintenance 表示行情源处于维护状态，不重试。
var ErrMaintenance = errors.New("pricing: 行情源维护中")

// Candle 为计算参考价与波动率所需的K线字段。
type Candle struct {
	Time  time.Time
	High  float64
	Low   float64
	Close float64
}

type ohlcvFetcher interface {
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
}

// Client 从公共行情源拉取参考K线。
type Client struct {
	retry  config.RetryConfig
	logger *zap.Logger
	source ohlcvFetcher
	load   func() error

	mu     sync.Mutex
	loaded bool
}

// NewClient 使用 Binance USDⓈ-M 公共行情，无需密钥。
func NewClient(cfg config.PricingConfig, logger *zap.Logger) *Client {
	ex := ccxt.NewBinanceusdm(map[string]interface{}{
		"enableRateLimit": true,
		"options":         map[string]interface{}{"defaultType": "future"},
	})
	return newClient(cfg.Retry, ex, func() error {
		_, err := ex.LoadMarkets()
		return err
	}, logger)
}

func newClient(retry config.RetryConfig, source ohlcvFetcher, load func() error, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{retry: retry, logger: logger.Named("pricing"), source: source, load: load}
}

// FetchCandles 返回 market 最近 limit 根K线。
func (c *Client) FetchCandles(ctx context.Context, market, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	var raw []ccxt.OHLCV
	err := c.withRetry(ctx, market, func() (err error) {
		if err = c.loadMarkets(ctx); err != nil {
			return err
		}
		raw, err = c.source.FetchOHLCV(market,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pricing: 拉取 %s K线失败: %w", market, err)
	}

	out := make([]Candle, len(raw))
	for i, k := range raw {
		out[i] = Candle{Time: time.UnixMilli(k.Timestamp).UTC(), High: k.High, Low: k.Low, Close: k.Close}
	}
	return out, nil
}

// loadMarkets 只在首次成功前调用行情源元数据接口，失败时下次再试。
func (c *Client) loadMarkets(ctx context.Context) error {
	if c.load == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.load(); err != nil {
		return err
	}
	c.loaded = true
	c.logger.Debug("行情源市场元数据已加载")
	return nil
}

// withRetry 对可重试错误按指数退避重试，上限为 retry.MaxAttempts 次。
func (c *Client) withRetry(ctx context.Context, market string, fn func() error) error {
	b := newBackoff(c.retry)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Debug("行情请求重试成功", zap.String("market", market), zap.Int("attempts", attempt))
			}
			return nil
		}
		err, retryable := classifyError(err)
		if !retryable || attempt >= b.attempts {
			return err
		}
		wait := b.next()
		c.logger.Debug("行情请求失败，稍后重试",
			zap.String("market", market),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

type backoff struct {
	attempts int
	delay    time.Duration
	max      time.Duration
}

func newBackoff(cfg config.RetryConfig) *backoff {
	b := &backoff{attempts: cfg.MaxAttempts, delay: cfg.MinDelay, max: cfg.MaxDelay}
	if b.attempts <= 0 {
		b.attempts = 1
	}
	if b.delay <= 0 {
		b.delay = 500 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = 5 * time.Second
	}
	return b
}

func (b *backoff) next() time.Duration {
	wait := min(b.delay, b.max)
	b.delay = min(b.delay*2, b.max)
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyError 返回规范化后的错误以及是否值得重试。
func classifyError(err error) (error, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OnMaintenanceErrType:
			msg := strings.TrimSpace(ccxtErr.Message)
			if msg == "" {
				msg = "under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, msg), false
		case ccxt.NetworkErrorErrType, ccxt.RequestTimeoutErrType, ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			return err, true
		}
		return err, false
	}
	var netErr net.Error
	return err, errors.As(err, &netErr)
}
