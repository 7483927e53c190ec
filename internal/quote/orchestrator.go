// Package quote 按会话调度报价：输入防抖、市价单定时刷新、过期结果丢弃。
package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/normalizer"
	"swap-router/internal/swap"
	"swap-router/internal/venue"
)

// Pricer 提供美元估值与滑点建议，均为尽力而为。
type Pricer interface {
	USDValue(ctx context.Context, token swap.Token, amt *uint256.Int) (decimal.Decimal, bool)
	SuggestSlippageBps(ctx context.Context, token swap.Token) (uint32, bool)
}

// Observer 接收报价结果，用于指标与事件。
type Observer interface {
	ObserveQuote(sess swap.Session, provider swap.Provider, latency time.Duration, err error)
}

// Hook 在报价写入会话后调用，用于重新计算阻断条件与授权。
type Hook func(ctx context.Context, sess swap.Session)

// Options 为调度参数。
type Options struct {
	Debounce           time.Duration
	RefreshInterval    time.Duration
	PartnerFeeBps      uint32
	DefaultSlippageBps uint32
	MaxSlippageBps     uint32
	PriceImpactWarnBps uint32
}

// Orchestrator 为每个会话维护一个调度协程。
type Orchestrator struct {
	store    *swap.Store
	venues   venue.Set
	selector *venue.Selector
	pricer   Pricer
	observer Observer
	onQuote  Hook
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	runners map[uuid.UUID]*runner
	wg      sync.WaitGroup
}

// Config 汇总调度器依赖，Pricer、Observer 与 OnQuote 可为空。
type Config struct {
	Store    *swap.Store
	Venues   venue.Set
	Selector *venue.Selector
	Pricer   Pricer
	Observer Observer
	OnQuote  Hook
	Options  Options
	Logger   *zap.Logger
}

// NewOrchestrator 创建报价调度器。
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Selector == nil {
		return nil, errors.New("quote: store 与 selector 不能为空")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Options.RefreshInterval <= 0 {
		cfg.Options.RefreshInterval = 15 * time.Second
	}
	return &Orchestrator{
		store:    cfg.Store,
		venues:   cfg.Venues,
		selector: cfg.Selector,
		pricer:   cfg.Pricer,
		observer: cfg.Observer,
		onQuote:  cfg.OnQuote,
		opts:     cfg.Options,
		logger:   logger.Named("quote"),
		now:      time.Now,
		runners:  make(map[uuid.UUID]*runner),
	}, nil
}

// Disabled 返回禁止报价的原因，空串表示允许。
func Disabled(sess swap.Session) string {
	switch {
	case amount.IsZero(sess.Intent.AuthoritativeAmount()):
		return "金额为零"
	case sess.Source.SameAsset(sess.Destination):
		return "源资产与目标资产相同"
	case sess.Guards.Blocked():
		return "存在阻断条件"
	case sess.Tx.InFlight:
		return "交易进行中"
	case sess.Tx.Succeeded:
		return "交易已完成"
	default:
		return ""
	}
}

// Start 为会话启动调度协程并立即安排一次报价，重复调用无副作用。
func (o *Orchestrator) Start(ctx context.Context, id uuid.UUID) error {
	if _, err := o.store.Get(id); err != nil {
		return err
	}
	o.mu.Lock()
	if _, ok := o.runners[id]; ok {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := newRunner(o, id, cancel)
	o.runners[id] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r.run(runCtx)
	}()
	r.post(cmdRefresh)
	return nil
}

// NotifyInput 通知输入已变化，重新开始防抖计时。
func (o *Orchestrator) NotifyInput(id uuid.UUID) {
	o.dispatch(id, cmdInput)
}

// RefreshNow 立即重新报价。
func (o *Orchestrator) RefreshNow(id uuid.UUID) {
	o.dispatch(id, cmdRefresh)
}

// SetPaused 暂停或恢复自动刷新，并写入会话。
func (o *Orchestrator) SetPaused(id uuid.UUID, paused bool) error {
	if _, err := o.store.Apply(id, swap.Patch{RefreshPaused: swap.Set(paused)}); err != nil {
		return err
	}
	if paused {
		o.dispatch(id, cmdPause)
	} else {
		o.dispatch(id, cmdResume)
	}
	return nil
}

// Countdown 返回自动刷新状态与剩余时间。
func (o *Orchestrator) Countdown(id uuid.UUID) (Phase, time.Duration) {
	o.mu.Lock()
	r, ok := o.runners[id]
	o.mu.Unlock()
	if !ok {
		return PhaseStopped, 0
	}
	return r.countdown(o.now())
}

// Stop 停止会话的调度协程。
func (o *Orchestrator) Stop(id uuid.UUID) {
	o.mu.Lock()
	r, ok := o.runners[id]
	delete(o.runners, id)
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Close 停止全部调度协程并等待退出。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for id, r := range o.runners {
		r.cancel()
		delete(o.runners, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(id uuid.UUID, c command) {
	o.mu.Lock()
	r, ok := o.runners[id]
	o.mu.Unlock()
	if ok {
		r.post(c)
	}
}

// prepare 选择场所并写入当前报价键，返回是否应发起请求。
func (o *Orchestrator) prepare(id uuid.UUID, force bool) (swap.Session, bool, error) {
	sess, err := o.store.Get(id)
	if err != nil {
		return swap.Session{}, false, err
	}

	provider := o.selector.Select(venue.SelectInput{
		ChainID:           sess.ChainID,
		Source:            sess.Source.QuoteAddress(),
		Destination:       sess.Destination.QuoteAddress(),
		Flow:              sess.Kind(),
		FlashLoanRequired: sess.Kind().RequiresFlashLoan(),
		Locked:            sess.ProviderLocked,
		Current:           sess.Provider,
	})
	if provider != sess.Provider {
		if sess, err = o.store.Apply(id, swap.Patch{Provider: swap.Set(provider)}); err != nil {
			return swap.Session{}, false, err
		}
	}

	key := sess.InputKey()
	if sess.FetchKey != key {
		patch := swap.Patch{FetchKey: swap.Set(key)}
		if sess.Quote != nil && sess.Quote.Key != key {
			patch.Quote = swap.Set[*swap.Quote](nil)
			patch.QuoteError = swap.Set[*swap.QuoteError](nil)
		}
		if sess, err = o.store.Apply(id, patch); err != nil {
			return swap.Session{}, false, err
		}
	}

	if sess.Provider == swap.ProviderNone {
		o.logger.Debug("无可用场所", zap.String("session", id.String()))
		return sess, false, nil
	}
	if reason := Disabled(sess); reason != "" {
		o.logger.Debug("报价已禁用", zap.String("session", id.String()), zap.String("reason", reason))
		return sess, false, nil
	}
	if !force && sess.Intent.OrderType == swap.OrderLimit && sess.Quote != nil && sess.Quote.Key == key {
		return sess, false, nil
	}
	return sess, true, nil
}

// fetch 请求报价并以报价键为条件写回，键已变化时结果被丢弃。
func (o *Orchestrator) fetch(ctx context.Context, sess swap.Session) {
	v, ok := o.venues.Get(sess.Provider)
	if !ok {
		return
	}
	key := sess.FetchKey
	dir := normalizer.Resolve(sess.Kind(), sess.Source, sess.Destination, sess.Intent)
	req := venue.QuoteRequest{
		Key:                 key,
		ChainID:             sess.ChainID,
		Flow:                sess.Kind(),
		SellToken:           dir.SellToken,
		BuyToken:            dir.BuyToken,
		Kind:                dir.ProcessedSide,
		Amount:              dir.Amount,
		User:                sess.User,
		Receiver:            sess.User,
		PartnerFeeBps:       o.opts.PartnerFeeBps,
		SmartContractWallet: sess.SmartContractWallet,
	}

	start := o.now()
	q, err := v.Quote(ctx, req)
	latency := o.now().Sub(start)
	if ctx.Err() != nil {
		return
	}
	if o.observer != nil {
		o.observer.ObserveQuote(sess, sess.Provider, latency, err)
	}

	patch := swap.Patch{ExpectFetchKey: swap.Set(key)}
	if err != nil {
		qe := venue.ToQuoteError(sess.Provider, err)
		patch.Quote = swap.Set[*swap.Quote](nil)
		patch.QuoteError = swap.Set(qe)
		o.logger.Info("报价失败",
			zap.String("session", sess.ID.String()),
			zap.String("provider", string(sess.Provider)),
			zap.String("message", qe.Message),
			zap.Error(err),
		)
	} else {
		q.Key = key
		o.enrich(ctx, sess, dir, q)
		patch.Quote = swap.Set(q)
		patch.QuoteError = swap.Set[*swap.QuoteError](nil)
		patch.Warnings = swap.Set(o.warnings(q))
		if !sess.Intent.SlippageOverridden {
			patch.SuggestedSlippage = swap.Set(o.slippageFor(ctx, dir, q))
		}
	}

	updated, applyErr := o.store.Apply(sess.ID, patch)
	if errors.Is(applyErr, swap.ErrSuperseded) {
		o.logger.Debug("丢弃过期报价", zap.String("session", sess.ID.String()), zap.String("key", key.String()))
		return
	}
	if applyErr != nil {
		o.logger.Warn("写入报价失败", zap.String("session", sess.ID.String()), zap.Error(applyErr))
		return
	}
	if err == nil && o.onQuote != nil {
		o.onQuote(ctx, updated)
	}
}

func (o *Orchestrator) enrich(ctx context.Context, sess swap.Session, dir normalizer.Direction, q *swap.Quote) {
	if o.pricer == nil {
		return
	}
	if q.SrcSpotUSD.IsZero() {
		if v, ok := o.pricer.USDValue(ctx, dir.SellToken, q.SrcSpotAmount); ok {
			q.SrcSpotUSD = v
		}
	}
	if q.DestSpotUSD.IsZero() {
		if v, ok := o.pricer.USDValue(ctx, dir.BuyToken, q.DestSpotAmount); ok {
			q.DestSpotUSD = v
		}
	}
}

func (o *Orchestrator) slippageFor(ctx context.Context, dir normalizer.Direction, q *swap.Quote) uint32 {
	bps := o.opts.DefaultSlippageBps
	switch {
	case q.SuggestedSlippageBps != nil:
		bps = *q.SuggestedSlippageBps
	case o.pricer != nil:
		if v, ok := o.pricer.SuggestSlippageBps(ctx, dir.SellToken); ok {
			bps = v
		}
	}
	if o.opts.MaxSlippageBps > 0 && bps > o.opts.MaxSlippageBps {
		bps = o.opts.MaxSlippageBps
	}
	return bps
}

func (o *Orchestrator) warnings(q *swap.Quote) []string {
	if o.opts.PriceImpactWarnBps == 0 || q.SrcSpotUSD.IsZero() || q.DestSpotUSD.IsZero() {
		return nil
	}
	floor := q.SrcSpotUSD.Mul(decimal.NewFromInt(int64(amount.BpsDenominator - o.opts.PriceImpactWarnBps))).
		Div(decimal.NewFromInt(amount.BpsDenominator))
	if q.DestSpotUSD.LessThan(floor) {
		impact := decimal.NewFromInt(1).Sub(q.DestSpotUSD.Div(q.SrcSpotUSD)).Mul(decimal.NewFromInt(100))
		return []string{fmt.Sprintf("价格影响约 %s%%", impact.StringFixed(2))}
	}
	return nil
}
