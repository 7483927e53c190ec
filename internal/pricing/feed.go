// Package pricing 提供美元参考价与基于波动率的滑点建议。
package pricing

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swap-router/internal/amount"
	"swap-router/internal/config"
	"swap-router/internal/swap"
)

// PeggedMarket 表示按 1 美元计价的稳定币。
const PeggedMarket = "USD"

const atrPeriod = 14

type candleSource interface {
	FetchCandles(ctx context.Context, market, timeframe string, limit int64) ([]Candle, error)
}

type marketStats struct {
	price   decimal.Decimal
	atrBps  float64
	fetched time.Time
}

// Feed 按代币符号映射行情市场，缓存最新价格与 ATR。
type Feed struct {
	source  candleSource
	cfg     config.PricingConfig
	markets map[string]string
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	stats map[string]marketStats
}

// NewFeed 创建行情源。markets 的键为代币符号，不区分大小写。
func NewFeed(source candleSource, cfg config.PricingConfig, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	markets := make(map[string]string, len(cfg.Markets))
	for symbol, market := range cfg.Markets {
		markets[strings.ToLower(strings.TrimSpace(symbol))] = strings.TrimSpace(market)
	}
	return &Feed{
		source:  source,
		cfg:     cfg,
		markets: markets,
		logger:  logger.Named("pricing"),
		now:     time.Now,
		stats:   make(map[string]marketStats),
	}
}

// USDValue 返回金额的美元估值，无行情时返回 false。
func (f *Feed) USDValue(ctx context.Context, token swap.Token, amt *uint256.Int) (decimal.Decimal, bool) {
	market, ok := f.market(token)
	if !ok {
		return decimal.Zero, false
	}
	value := amount.ToDecimal(amt, token.Decimals)
	if market == PeggedMarket {
		return value, true
	}
	st, ok := f.load(ctx, market)
	if !ok {
		return decimal.Zero, false
	}
	return value.Mul(st.price), true
}

// SuggestSlippageBps 按 ATR 占价格的比例乘以系数给出滑点，并限制在配置区间内。
func (f *Feed) SuggestSlippageBps(ctx context.Context, token swap.Token) (uint32, bool) {
	market, ok := f.market(token)
	if !ok || market == PeggedMarket {
		return 0, false
	}
	st, ok := f.load(ctx, market)
	if !ok || st.atrBps <= 0 {
		return 0, false
	}
	bps := uint32(math.Round(st.atrBps * f.cfg.SlippageMultiplier))
	if bps < f.cfg.MinSlippageBps {
		bps = f.cfg.MinSlippageBps
	}
	if f.cfg.MaxSlippageBps > 0 && bps > f.cfg.MaxSlippageBps {
		bps = f.cfg.MaxSlippageBps
	}
	return bps, true
}

// Warm 并行预取多个代币的行情。
func (f *Feed) Warm(ctx context.Context, tokens ...swap.Token) error {
	group, groupCtx := errgroup.WithContext(ctx)
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		market, ok := f.market(token)
		if !ok || market == PeggedMarket {
			continue
		}
		if _, dup := seen[market]; dup {
			continue
		}
		seen[market] = struct{}{}
		group.Go(func() error {
			_, err := f.refresh(groupCtx, market)
			return err
		})
	}
	return group.Wait()
}

func (f *Feed) market(token swap.Token) (string, bool) {
	market, ok := f.markets[strings.ToLower(token.Symbol)]
	return market, ok && market != ""
}

func (f *Feed) load(ctx context.Context, market string) (marketStats, bool) {
	f.mu.Lock()
	st, ok := f.stats[market]
	f.mu.Unlock()
	if ok && f.now().Sub(st.fetched) < f.cfg.CacheTTL {
		return st, true
	}
	fresh, err := f.refresh(ctx, market)
	if err != nil {
		if ok {
			return st, true
		}
		return marketStats{}, false
	}
	return fresh, true
}

func (f *Feed) refresh(ctx context.Context, market string) (marketStats, error) {
	lookback := f.cfg.Lookback
	if lookback < atrPeriod+1 {
		lookback = atrPeriod + 1
	}
	candles, err := f.source.FetchCandles(ctx, market, f.cfg.Timeframe, int64(lookback))
	if err != nil {
		f.logger.Warn("获取参考行情失败", zap.String("market", market), zap.Error(err))
		return marketStats{}, err
	}
	series := NewSeries(candles)
	last := Last(series.Close)
	if series.Len() == 0 || math.IsNaN(last) || last <= 0 {
		return marketStats{}, errEmptySeries
	}

	st := marketStats{
		price:   decimal.NewFromFloat(last),
		fetched: f.now(),
	}
	if series.Len() > atrPeriod {
		atr := Last(talib.Atr(series.High, series.Low, series.Close, atrPeriod))
		if !math.IsNaN(atr) && atr > 0 {
			st.atrBps = SafeDivide(atr, last) * amount.BpsDenominator
		}
	}

	f.mu.Lock()
	f.stats[market] = st
	f.mu.Unlock()

	f.logger.Debug("参考行情已更新",
		zap.String("market", market),
		zap.String("price", st.price.String()),
		zap.Float64("atr_bps", st.atrBps),
	)
	return st, nil
}
