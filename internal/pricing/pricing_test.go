package pricing

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/config"
	"swap-router/internal/swap"
)

type fakeCandles struct {
	calls   int
	candles []Candle
	err     error
}

func (f *fakeCandles) FetchCandles(_ context.Context, _ string, _ string, limit int64) ([]Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func flatCandles(n int, price, spread float64) []Candle {
	out := make([]Candle, n)
	for i := range out {
		out[i] = Candle{High: price + spread/2, Low: price - spread/2, Close: price}
	}
	return out
}

func testConfig() config.PricingConfig {
	return config.PricingConfig{
		Enabled:            true,
		Markets:            map[string]string{"weth": "ETH/USDT:USDT", "USDC": PeggedMarket},
		Timeframe:          "1h",
		Lookback:           48,
		SlippageMultiplier: 0.5,
		MinSlippageBps:     10,
		MaxSlippageBps:     300,
		CacheTTL:           time.Minute,
	}
}

func TestUSDValue(t *testing.T) {
	src := &fakeCandles{candles: flatCandles(48, 2000, 40)}
	feed := NewFeed(src, testConfig(), nil)
	ctx := context.Background()

	weth := swap.Token{Symbol: "WETH", Decimals: 18}
	v, ok := feed.USDValue(ctx, weth, uint256.NewInt(1_500_000_000_000_000_000))
	require.True(t, ok)
	assert.Equal(t, "3000", v.String())

	usdc := swap.Token{Symbol: "usdc", Decimals: 6}
	v, ok = feed.USDValue(ctx, usdc, uint256.NewInt(2_500_000))
	require.True(t, ok)
	assert.Equal(t, "2.5", v.String())

	_, ok = feed.USDValue(ctx, swap.Token{Symbol: "XYZ"}, uint256.NewInt(1))
	assert.False(t, ok)

	_, _ = feed.USDValue(ctx, weth, uint256.NewInt(1))
	assert.Equal(t, 1, src.calls)
}

func TestSuggestSlippageFromATR(t *testing.T) {
	// 每根K线振幅 40，ATR=40，占价格 200bps，乘以 0.5 得 100bps。
	src := &fakeCandles{candles: flatCandles(48, 2000, 40)}
	feed := NewFeed(src, testConfig(), nil)

	bps, ok := feed.SuggestSlippageBps(context.Background(), swap.Token{Symbol: "WETH"})
	require.True(t, ok)
	assert.Equal(t, uint32(100), bps)

	_, ok = feed.SuggestSlippageBps(context.Background(), swap.Token{Symbol: "USDC"})
	assert.False(t, ok)
}

func TestSuggestSlippageClamped(t *testing.T) {
	src := &fakeCandles{candles: flatCandles(48, 100, 40)}
	feed := NewFeed(src, testConfig(), nil)

	bps, ok := feed.SuggestSlippageBps(context.Background(), swap.Token{Symbol: "WETH"})
	require.True(t, ok)
	assert.Equal(t, uint32(300), bps)
}

func TestFeedFallsBackToStaleStats(t *testing.T) {
	src := &fakeCandles{candles: flatCandles(48, 2000, 40)}
	feed := NewFeed(src, testConfig(), nil)
	now := time.Now()
	feed.now = func() time.Time { return now }

	weth := swap.Token{Symbol: "WETH", Decimals: 0}
	_, ok := feed.USDValue(context.Background(), weth, uint256.NewInt(1))
	require.True(t, ok)

	src.err = errors.New("down")
	now = now.Add(time.Hour)
	v, ok := feed.USDValue(context.Background(), weth, uint256.NewInt(1))
	require.True(t, ok)
	assert.Equal(t, "2000", v.String())
	assert.Equal(t, 2, src.calls)
}

func TestWarmFetchesDistinctMarkets(t *testing.T) {
	src := &fakeCandles{candles: flatCandles(48, 2000, 40)}
	feed := NewFeed(src, testConfig(), nil)

	err := feed.Warm(context.Background(),
		swap.Token{Symbol: "WETH"}, swap.Token{Symbol: "weth"}, swap.Token{Symbol: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

type fakeOHLCV struct {
	failures int
	calls    int
}

func (f *fakeOHLCV) FetchOHLCV(string, ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.DNSError{Err: "timeout", IsTimeout: true}
	}
	return []ccxt.OHLCV{{Timestamp: 1_700_000_000_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}, nil
}

func TestClientRetriesNetworkErrors(t *testing.T) {
	src := &fakeOHLCV{failures: 2}
	loads := 0
	client := newClient(config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, src, func() error {
		loads++
		return nil
	}, nil)

	candles, err := client.FetchCandles(context.Background(), "ETH/USDT:USDT", "1h", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1.5, candles[0].Close)
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, 1, loads)
}

func TestClientStopsAfterMaxAttempts(t *testing.T) {
	src := &fakeOHLCV{failures: 5}
	client := newClient(config.RetryConfig{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, src, nil, nil)

	_, err := client.FetchCandles(context.Background(), "ETH/USDT:USDT", "1h", 1)
	require.Error(t, err)
	assert.Equal(t, 2, src.calls)
}
