package quote

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/swap"
	"swap-router/internal/venue"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	user = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type fakeVenue struct {
	mu       sync.Mutex
	calls    int32
	requests []venue.QuoteRequest
	err      error
	suggest  *uint32
}

func (f *fakeVenue) Provider() swap.Provider { return swap.ProviderAggregator }

func (f *fakeVenue) Quote(_ context.Context, req venue.QuoteRequest) (*swap.Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := amount.Add(req.Amount, req.Amount)
	return &swap.Quote{
		Provider:             swap.ProviderAggregator,
		SellToken:            req.SellToken.QuoteAddress(),
		BuyToken:             req.BuyToken.QuoteAddress(),
		SrcSpotAmount:        req.Amount,
		DestSpotAmount:       out,
		AfterFeesAmount:      out,
		SuggestedSlippageBps: f.suggest,
	}, nil
}

func (f *fakeVenue) count() int {
	return int(atomic.LoadInt32(&f.calls))
}

func newTestOrchestrator(t *testing.T, v venue.Venue, opts Options) (*Orchestrator, *swap.Store) {
	t.Helper()
	reg, err := chain.NewRegistry([]config.ChainConfig{{ID: 137, AggregatorSupported: true}})
	require.NoError(t, err)
	sel, err := venue.NewSelector(reg, nil, nil)
	require.NoError(t, err)
	store := swap.NewStore()
	o, err := NewOrchestrator(Config{
		Store:    store,
		Venues:   venue.NewSet(v),
		Selector: sel,
		Options:  opts,
	})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, store
}

func newSession(t *testing.T, store *swap.Store, in uint64, orderType swap.OrderType) swap.Session {
	t.Helper()
	sess, err := store.Create(swap.Session{
		ChainID:     chain.Polygon,
		User:        user,
		Flow:        swap.TokenSwap{},
		Source:      swap.Token{AddressToSwap: usdc, Decimals: 6, ChainID: chain.Polygon},
		Destination: swap.Token{AddressToSwap: dai, Decimals: 18, ChainID: chain.Polygon},
		Intent: swap.Intent{
			Side:        swap.SideSell,
			OrderType:   orderType,
			InputAmount: uint256.NewInt(in),
		},
	})
	require.NoError(t, err)
	return sess
}

func setInput(t *testing.T, store *swap.Store, sess swap.Session, in uint64) {
	t.Helper()
	intent := sess.Intent
	intent.InputAmount = uint256.NewInt(in)
	_, err := store.Apply(sess.ID, swap.Patch{Intent: swap.Set(intent)})
	require.NoError(t, err)
}

func TestStaleQuoteIsDropped(t *testing.T) {
	v := &fakeVenue{}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour, DefaultSlippageBps: 50})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)

	first, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	setInput(t, store, first, 2_000_000)
	second, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.FetchKey, second.FetchKey)

	ctx := context.Background()
	o.fetch(ctx, second)
	o.fetch(ctx, first)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Quote)
	assert.Equal(t, second.FetchKey, got.Quote.Key)
	assert.Equal(t, "2000000", amount.String(got.Quote.SrcSpotAmount))
	assert.Equal(t, 2, v.count())
}

func TestInFlightQuoteDoesNotRevertNewerInput(t *testing.T) {
	v := &fakeVenue{}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour, DefaultSlippageBps: 50})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)

	first, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	// 防抖计时尚未触发，新的报价键由输入写入本身产生。
	setInput(t, store, first, 2_000_000)
	o.fetch(context.Background(), first)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "2000000", amount.String(got.Intent.InputAmount))
	assert.Nil(t, got.Quote)
	assert.Equal(t, got.InputKey(), got.FetchKey)
	assert.NotEqual(t, first.FetchKey, got.FetchKey)
}

func TestQuoteKeepsManualSlippage(t *testing.T) {
	suggested := uint32(900)
	v := &fakeVenue{suggest: &suggested}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour, DefaultSlippageBps: 50, MaxSlippageBps: 3000})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)

	prepared, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)

	intent := prepared.Intent
	intent.SlippageBps = 300
	intent.SlippageOverridden = true
	_, err = store.Apply(sess.ID, swap.Patch{Intent: swap.Set(intent)})
	require.NoError(t, err)

	o.fetch(context.Background(), prepared)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Quote)
	assert.Equal(t, uint32(300), got.Intent.SlippageBps)
	assert.True(t, got.Intent.SlippageOverridden)
}

func TestQuoteSetsSlippageFromSuggestion(t *testing.T) {
	suggested := uint32(900)
	v := &fakeVenue{suggest: &suggested}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour, DefaultSlippageBps: 50, MaxSlippageBps: 500})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)

	prepared, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)
	o.fetch(context.Background(), prepared)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), got.Intent.SlippageBps)
	assert.Nil(t, got.QuoteError)
}

func TestQuoteErrorIsRecorded(t *testing.T) {
	v := &fakeVenue{err: &venue.Error{Provider: swap.ProviderAggregator, Status: 400, Code: "ESTIMATED_LOSS_GREATER_THAN_MAX_IMPACT", Message: "impact"}}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)

	prepared, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)
	o.fetch(context.Background(), prepared)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Quote)
	require.NotNil(t, got.QuoteError)
	assert.Equal(t, swap.ProviderAggregator, got.QuoteError.Provider)
}

func TestLimitOrderFetchesOnce(t *testing.T) {
	v := &fakeVenue{}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour})
	sess := newSession(t, store, 1_000_000, swap.OrderLimit)

	prepared, ok, err := o.prepare(sess.ID, false)
	require.NoError(t, err)
	require.True(t, ok)
	o.fetch(context.Background(), prepared)

	_, ok, err = o.prepare(sess.ID, false)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = o.prepare(sess.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDisabledReasons(t *testing.T) {
	base := swap.Session{
		Source:      swap.Token{AddressToSwap: usdc, ChainID: chain.Polygon},
		Destination: swap.Token{AddressToSwap: dai, ChainID: chain.Polygon},
		Intent:      swap.Intent{Side: swap.SideSell, InputAmount: uint256.NewInt(1)},
	}
	assert.Empty(t, Disabled(base))

	zero := base
	zero.Intent.InputAmount = nil
	assert.NotEmpty(t, Disabled(zero))

	same := base
	same.Destination = same.Source
	assert.NotEmpty(t, Disabled(same))

	blocked := base
	blocked.Guards = swap.Guards{ActionsBlocked: map[swap.GuardReason]bool{swap.GuardZeroLTV: true}}
	assert.NotEmpty(t, Disabled(blocked))

	inflight := base
	inflight.Tx.InFlight = true
	assert.NotEmpty(t, Disabled(inflight))
}

func TestRunnerDebouncesInput(t *testing.T) {
	v := &fakeVenue{}
	o, store := newTestOrchestrator(t, v, Options{Debounce: 20 * time.Millisecond, RefreshInterval: time.Hour})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)

	require.NoError(t, o.Start(context.Background(), sess.ID))
	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)

	for i := uint64(2); i <= 5; i++ {
		current, err := store.Get(sess.ID)
		require.NoError(t, err)
		setInput(t, store, current, i*1_000_000)
		o.NotifyInput(sess.ID)
	}
	require.Eventually(t, func() bool {
		got, err := store.Get(sess.ID)
		return err == nil && got.Quote != nil && amount.String(got.Quote.SrcSpotAmount) == "5000000"
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, v.count(), 3)
}

func TestPauseFreezesCountdown(t *testing.T) {
	v := &fakeVenue{}
	o, store := newTestOrchestrator(t, v, Options{RefreshInterval: time.Hour})
	sess := newSession(t, store, 1_000_000, swap.OrderMarket)
	require.NoError(t, o.Start(context.Background(), sess.ID))

	require.NoError(t, o.SetPaused(sess.ID, true))
	require.Eventually(t, func() bool {
		phase, _ := o.Countdown(sess.ID)
		return phase == PhasePaused
	}, time.Second, 5*time.Millisecond)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.RefreshPaused)

	o.Stop(sess.ID)
	phase, left := o.Countdown(sess.ID)
	assert.Equal(t, PhaseStopped, phase)
	assert.Zero(t, left)
}

func TestRefreshStateTransitions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewRefreshState(30 * time.Second)
	require.Error(t, s.Apply(EventPause, now))

	require.NoError(t, s.Apply(EventStart, now))
	assert.Equal(t, 30*time.Second, s.Remaining(now))

	require.NoError(t, s.Apply(EventPause, now.Add(10*time.Second)))
	assert.Equal(t, 20*time.Second, s.Remaining(now.Add(25*time.Second)))
	require.Error(t, s.Apply(EventCycle, now.Add(25*time.Second)))

	require.NoError(t, s.Apply(EventResume, now.Add(40*time.Second)))
	assert.Equal(t, 15*time.Second, s.Remaining(now.Add(45*time.Second)))

	require.NoError(t, s.Apply(EventCycle, now.Add(50*time.Second)))
	assert.Equal(t, 30*time.Second, s.Remaining(now.Add(50*time.Second)))

	require.NoError(t, s.Apply(EventStop, now))
	assert.Zero(t, s.Remaining(now))
}
