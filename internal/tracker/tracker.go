// Package tracker 轮询拍卖订单状态直至终态。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/swap"
	"swap-router/internal/venue/auction"
)

// OrderSource 查询场所侧订单。
type OrderSource interface {
	GetOrder(ctx context.Context, id chain.ID, uid string) (*auction.OrderView, error)
}

// Recorder 持久化订单记录。
type Recorder interface {
	SaveOrder(ctx context.Context, rec swap.OrderRecord) error
	OpenOrders(ctx context.Context) ([]swap.OrderRecord, error)
}

// Sink 接收订单状态变化。
type Sink interface {
	OrderUpdated(ctx context.Context, rec swap.OrderRecord)
}

// InvalidateFunc 在订单成交后刷新用户余额与储备。
type InvalidateFunc func(ctx context.Context, chainID chain.ID, user common.Address)

// Config 汇总追踪器依赖，除 Source 外均可为空。
type Config struct {
	Source     OrderSource
	Sessions   *swap.Store
	Recorder   Recorder
	Sink       Sink
	Invalidate InvalidateFunc
	Interval   time.Duration
	Logger     *zap.Logger
}

// Tracker 为每个未完成订单运行一个轮询协程。
type Tracker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	active     map[string]struct{}
	invalidate InvalidateFunc
}

// New 创建订单追踪器。
func New(cfg Config) (*Tracker, error) {
	if cfg.Source == nil {
		return nil, errors.New("tracker: 订单来源不能为空")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:        cfg,
		logger:     logger.Named("tracker"),
		now:        time.Now,
		base:       base,
		cancel:     cancel,
		active:     make(map[string]struct{}),
		invalidate: cfg.Invalidate,
	}, nil
}

// SetInvalidate 替换成交后的余额失效回调，用于与会话服务互相引用的场景。
func (t *Tracker) SetInvalidate(fn InvalidateFunc) {
	t.mu.Lock()
	t.invalidate = fn
	t.mu.Unlock()
}

// Track 开始轮询订单，重复提交同一订单无副作用。
func (t *Tracker) Track(rec swap.OrderRecord) {
	if rec.Provider != swap.ProviderAuction || rec.Status.Terminal() {
		return
	}
	t.mu.Lock()
	if _, ok := t.active[rec.ID]; ok {
		t.mu.Unlock()
		return
	}
	t.active[rec.ID] = struct{}{}
	t.mu.Unlock()

	t.persist(t.base, rec)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.release(rec.ID)
		t.poll(t.base, rec)
	}()
}

// Resume 恢复追踪已持久化的未完成订单。
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	if t.cfg.Recorder == nil {
		return 0, nil
	}
	open, err := t.cfg.Recorder.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: 读取未完成订单失败: %w", err)
	}
	resumed := 0
	for _, rec := range open {
		if rec.Provider != swap.ProviderAuction {
			continue
		}
		t.Track(rec)
		resumed++
	}
	if resumed > 0 {
		t.logger.Info("恢复订单追踪", zap.Int("orders", resumed))
	}
	return resumed, nil
}

// Active 返回正在追踪的订单数。
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Close 停止全部轮询并等待退出。
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) release(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

func (t *Tracker) poll(ctx context.Context, rec swap.OrderRecord) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		next, done := t.check(ctx, rec)
		rec = next
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check 查询一次订单，返回更新后的记录以及是否已到终态。
func (t *Tracker) check(ctx context.Context, rec swap.OrderRecord) (swap.OrderRecord, bool) {
	view, err := t.cfg.Source.GetOrder(ctx, rec.ChainID, rec.ID)
	if err != nil {
		if ctx.Err() != nil {
			return rec, true
		}
		t.logger.Warn("查询订单失败", zap.String("uid", rec.ID), zap.Error(err))
		return rec, false
	}
	status, ok := view.Status.ToRecordStatus()
	if !ok {
		t.logger.Warn("未知订单状态", zap.String("uid", rec.ID), zap.String("status", string(view.Status)))
		return rec, false
	}
	if status == rec.Status {
		return rec, false
	}

	next := Apply(rec, view, status, t.now().UTC())
	t.persist(ctx, next)
	t.logger.Info("订单状态变化",
		zap.String("uid", next.ID),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(next.Status)),
	)
	t.mu.Lock()
	invalidate := t.invalidate
	t.mu.Unlock()
	if next.Status == swap.OrderFilled && invalidate != nil {
		invalidate(ctx, next.ChainID, next.User)
	}
	return next, next.Status.Terminal()
}

// Apply 将场所订单视图合并进记录。成交时计算价格改善，取消或过期不计算。
func Apply(rec swap.OrderRecord, view *auction.OrderView, status swap.OrderStatus, now time.Time) swap.OrderRecord {
	next := rec
	if !rec.Status.CanTransition(status) {
		return rec
	}
	next.Status = status
	next.UpdatedAt = now
	if v, err := amount.FromString(view.ExecutedSellAmount); err == nil && !v.IsZero() {
		next.ExecutedSellAmount = v
	}
	if v, err := amount.FromString(view.ExecutedBuyAmount); err == nil && !v.IsZero() {
		next.ExecutedBuyAmount = v
	}
	next.Surplus = nil
	if status == swap.OrderFilled {
		next.Surplus = next.ComputeSurplus()
	}
	return next
}

func (t *Tracker) persist(ctx context.Context, rec swap.OrderRecord) {
	if t.cfg.Recorder != nil {
		if err := t.cfg.Recorder.SaveOrder(ctx, rec); err != nil {
			t.logger.Warn("保存订单失败", zap.String("uid", rec.ID), zap.Error(err))
		}
	}
	if t.cfg.Sessions != nil && rec.SessionID != "" {
		if id, err := uuid.Parse(rec.SessionID); err == nil {
			if _, err := t.cfg.Sessions.Apply(id, swap.Patch{Order: swap.Set(&rec)}); err != nil && !errors.Is(err, swap.ErrSessionNotFound) {
				t.logger.Warn("更新会话订单失败", zap.String("uid", rec.ID), zap.Error(err))
			}
		}
	}
	if t.cfg.Sink != nil {
		t.cfg.Sink.OrderUpdated(ctx, rec)
	}
}
