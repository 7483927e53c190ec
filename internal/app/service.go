package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/guard"
	"swap-router/internal/history"
	"swap-router/internal/monitor"
	"swap-router/internal/normalizer"
	"swap-router/internal/quote"
	"swap-router/internal/reserve"
	"swap-router/internal/swap"
	"swap-router/internal/wallet"
)

var (
	// ErrInvalidInput 表示请求参数不合法。
	ErrInvalidInput = errors.New("app: 参数不合法")
	// ErrReserveMissing 表示仓位流程缺少储备快照。
	ErrReserveMissing = errors.New("app: 缺少储备数据")
)

const backgroundTimeout = 20 * time.Second

// TokenInput 描述请求中的资产。
type TokenInput struct {
	Address    string `json:"address"`
	Underlying string `json:"underlying,omitempty"`
	Decimals   uint8  `json:"decimals"`
	Symbol     string `json:"symbol"`
	Type       string `json:"tokenType,omitempty"`
}

// InputsRequest 为会话输入的部分更新，未设置的字段保持不变。
// 金额为十进制字符串，按对应资产精度解析。
type InputsRequest struct {
	Source        *TokenInput `json:"source,omitempty"`
	Destination   *TokenInput `json:"destination,omitempty"`
	Side          *string     `json:"side,omitempty"`
	OrderType     *string     `json:"orderType,omitempty"`
	InputAmount   *string     `json:"inputAmount,omitempty"`
	OutputAmount  *string     `json:"outputAmount,omitempty"`
	SlippageBps   *uint32     `json:"slippageBps,omitempty"`
	ExpirySeconds *int64      `json:"expirySeconds,omitempty"`
	Provider      *string     `json:"provider,omitempty"`
}

// CreateRequest 创建会话。User 为空时使用签名器地址；资产为空时读取上次的交易对偏好。
type CreateRequest struct {
	ChainID uint64 `json:"chainId"`
	Flow    string `json:"flow"`
	User    string `json:"user,omitempty"`
	InputsRequest
}

// Warmer 预取参考行情。
type Warmer interface {
	Warm(ctx context.Context, tokens ...swap.Token) error
}

// ServiceDeps 汇总会话服务依赖，History、Monitor、Metrics、Warmer 可为空。
type ServiceDeps struct {
	Store    *swap.Store
	Chains   *chain.Registry
	Signer   wallet.Signer
	Quotes   *quote.Orchestrator
	Executor SessionExecutor
	Guards   *guard.Evaluator
	Reserves reserve.Provider
	History  *history.Store
	Monitor  *monitor.Service
	Sessions SessionGauge
	Warmer   Warmer
}

// SessionExecutor 为执行器的会话级入口。
type SessionExecutor interface {
	RefreshApproval(ctx context.Context, id uuid.UUID) (swap.Session, error)
	Approve(ctx context.Context, id uuid.UUID) (swap.Session, error)
	Execute(ctx context.Context, id uuid.UUID) (*swap.OrderRecord, error)
}

// SessionGauge 接收活跃会话数。
type SessionGauge interface {
	SetActiveSessions(n int)
}

// ServiceOptions 控制金额归一化参数。
type ServiceOptions struct {
	PartnerFeeBps      uint32
	DustMarginBps      uint32
	DefaultSlippageBps uint32
}

// Service 管理会话生命周期，是 HTTP 接口背后的唯一入口。
type Service struct {
	deps   ServiceDeps
	opts   ServiceOptions
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建会话服务。
func NewService(deps ServiceDeps, opts ServiceOptions, logger *zap.Logger) (*Service, error) {
	if deps.Store == nil || deps.Chains == nil || deps.Signer == nil || deps.Executor == nil || deps.Guards == nil {
		return nil, errors.New("app: store、chains、signer、executor、guards 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.Named("service"),
		base:   base,
		cancel: cancel,
	}, nil
}

// BindQuotes 在报价调度器创建后注入，二者互相引用。
func (s *Service) BindQuotes(q *quote.Orchestrator) {
	s.deps.Quotes = q
}

// Create 创建会话并启动报价调度。
func (s *Service) Create(ctx context.Context, req CreateRequest) (swap.Session, error) {
	id := chain.ID(req.ChainID)
	if _, ok := s.deps.Chains.Get(id); !ok {
		return swap.Session{}, fmt.Errorf("%w: 链 %d 未配置", ErrInvalidInput, req.ChainID)
	}
	kind, err := swap.ParseFlowKind(req.Flow)
	if err != nil {
		return swap.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	user := s.deps.Signer.Address()
	if strings.TrimSpace(req.User) != "" {
		if user, err = chain.ParseAddress(req.User); err != nil {
			return swap.Session{}, fmt.Errorf("%w: user: %v", ErrInvalidInput, err)
		}
	}

	sess := swap.Session{
		ChainID: id,
		User:    user,
		Intent: swap.Intent{
			Side:        swap.SideSell,
			OrderType:   swap.OrderMarket,
			SlippageBps: s.opts.DefaultSlippageBps,
		},
	}
	if req.Source == nil && req.Destination == nil && s.deps.History != nil {
		if pair, err := s.deps.History.LoadPair(ctx, kind, id); err == nil {
			sess.Source, sess.Destination = pair.Source, pair.Destination
		}
	}
	if req.Source != nil {
		if sess.Source, err = parseToken(id, *req.Source); err != nil {
			return swap.Session{}, err
		}
	}
	if req.Destination != nil {
		if sess.Destination, err = parseToken(id, *req.Destination); err != nil {
			return swap.Session{}, err
		}
	}

	var snap reserve.Snapshot
	if s.deps.Reserves != nil {
		snap, err = s.deps.Reserves.Observe(ctx, id, user)
		if err != nil && !errors.Is(err, reserve.ErrNotObserved) {
			s.logger.Warn("读取储备快照失败", zap.Error(err))
		}
	}
	var src, dst swap.Reserve
	if kind.IsPosition() {
		var ok bool
		if src, ok = snap.Reserve(sess.Source.QuoteAddress()); !ok {
			return swap.Session{}, fmt.Errorf("%w: %s", ErrReserveMissing, sess.Source.Symbol)
		}
		if dst, ok = snap.Reserve(sess.Destination.QuoteAddress()); !ok {
			return swap.Session{}, fmt.Errorf("%w: %s", ErrReserveMissing, sess.Destination.Symbol)
		}
	}
	if sess.Flow, err = swap.NewFlow(kind, src, dst); err != nil {
		return swap.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	scw, err := s.deps.Signer.IsSmartContractWallet(ctx, id, user)
	if err != nil {
		s.logger.Warn("检测智能合约钱包失败，按普通账户处理", zap.String("user", user.Hex()), zap.Error(err))
	}
	sess.SmartContractWallet = scw

	patch, err := s.inputsPatch(sess, req.InputsRequest)
	if err != nil {
		return swap.Session{}, err
	}
	created, err := s.deps.Store.Create(sess)
	if err != nil {
		return swap.Session{}, err
	}
	if created, err = s.applyInputs(created.ID, created, req.InputsRequest, patch); err != nil {
		return swap.Session{}, err
	}
	s.reportActive()

	s.afterInput(ctx, created, true)
	if s.deps.Quotes != nil {
		if err := s.deps.Quotes.Start(s.base, created.ID); err != nil {
			return swap.Session{}, err
		}
	}
	s.logger.Info("会话已创建",
		zap.String("session", created.ID.String()),
		zap.String("flow", string(kind)),
		zap.Uint64("chain", uint64(id)),
	)
	return s.deps.Store.Get(created.ID)
}

// Get 返回会话。
func (s *Service) Get(id uuid.UUID) (swap.Session, error) {
	return s.deps.Store.Get(id)
}

// List 返回全部会话。
func (s *Service) List() []swap.Session {
	return s.deps.Store.List()
}

// UpdateInputs 合并输入变化并触发防抖报价。
func (s *Service) UpdateInputs(ctx context.Context, id uuid.UUID, req InputsRequest) (swap.Session, error) {
	current, err := s.deps.Store.Get(id)
	if err != nil {
		return swap.Session{}, err
	}
	patch, err := s.inputsPatch(current, req)
	if err != nil {
		return swap.Session{}, err
	}
	updated, err := s.applyInputs(id, current, req, patch)
	if err != nil {
		return swap.Session{}, err
	}
	s.afterInput(ctx, updated, req.Source != nil || req.Destination != nil)
	if s.deps.Quotes != nil {
		s.deps.Quotes.NotifyInput(id)
	}
	return s.deps.Store.Get(id)
}

// Refresh 立即重新报价。
func (s *Service) Refresh(id uuid.UUID) error {
	if _, err := s.deps.Store.Get(id); err != nil {
		return err
	}
	if s.deps.Quotes != nil {
		s.deps.Quotes.RefreshNow(id)
	}
	return nil
}

// SetPaused 暂停或恢复自动刷新。
func (s *Service) SetPaused(id uuid.UUID, paused bool) (swap.Session, error) {
	if s.deps.Quotes == nil {
		return s.deps.Store.Apply(id, swap.Patch{RefreshPaused: swap.Set(paused)})
	}
	if err := s.deps.Quotes.SetPaused(id, paused); err != nil {
		return swap.Session{}, err
	}
	return s.deps.Store.Get(id)
}

// Countdown 返回自动刷新状态。
func (s *Service) Countdown(id uuid.UUID) (quote.Phase, time.Duration) {
	if s.deps.Quotes == nil {
		return quote.PhaseStopped, 0
	}
	return s.deps.Quotes.Countdown(id)
}

// Approve 执行授权或 permit 签名。
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (swap.Session, error) {
	sess, err := s.deps.Executor.Approve(ctx, id)
	if err != nil {
		if s.deps.Monitor != nil {
			s.deps.Monitor.RecordError(ctx, "授权失败", err, map[string]interface{}{"session": id.String()})
		}
		return sess, err
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.RecordApproval(ctx, sess)
	}
	return sess, nil
}

// Execute 提交交易或订单，成功后写入订单历史。
func (s *Service) Execute(ctx context.Context, id uuid.UUID) (*swap.OrderRecord, error) {
	rec, err := s.deps.Executor.Execute(ctx, id)
	if err != nil {
		return nil, err
	}
	s.OrderSettled(ctx, *rec)
	return rec, nil
}

// OrderSettled 写入订单历史，成交后刷新余额。确认超时的交易在后台确认后也经由此处。
func (s *Service) OrderSettled(ctx context.Context, rec swap.OrderRecord) {
	if s.deps.History != nil {
		if err := s.deps.History.SaveOrder(ctx, rec); err != nil {
			s.logger.Warn("保存订单历史失败", zap.String("order", rec.ID), zap.Error(err))
		}
	}
	if rec.Status == swap.OrderFilled && s.deps.Reserves != nil {
		s.Invalidate(ctx, rec.ChainID, rec.User)
	}
}

// CloseSession 停止调度并删除会话。
func (s *Service) CloseSession(id uuid.UUID) bool {
	if s.deps.Quotes != nil {
		s.deps.Quotes.Stop(id)
	}
	ok := s.deps.Store.Delete(id)
	s.reportActive()
	return ok
}

// Invalidate 在余额变化后刷新储备快照，并重新评估该用户的会话。
func (s *Service) Invalidate(ctx context.Context, chainID chain.ID, user common.Address) {
	if s.deps.Reserves == nil {
		return
	}
	s.deps.Reserves.Invalidate(ctx, chainID, user)
	for _, sess := range s.deps.Store.List() {
		if sess.ChainID != chainID || sess.User != user {
			continue
		}
		s.observe(ctx, sess)
	}
}

// OnQuote 在报价写入后重新计算阻断条件与授权状态。
func (s *Service) OnQuote(ctx context.Context, sess swap.Session) {
	s.evaluate(sess)
	if _, err := s.deps.Executor.RefreshApproval(ctx, sess.ID); err != nil && !errors.Is(err, swap.ErrSuperseded) {
		s.logger.Debug("刷新授权状态失败", zap.String("session", sess.ID.String()), zap.Error(err))
	}
}

// Shutdown 停止后台任务。
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) afterInput(ctx context.Context, sess swap.Session, tokensChanged bool) {
	s.observe(ctx, sess)
	if !tokensChanged {
		return
	}
	if s.deps.History != nil && sess.Source.AddressToSwap != (common.Address{}) && sess.Destination.AddressToSwap != (common.Address{}) {
		pair := history.Pair{Source: sess.Source, Destination: sess.Destination}
		if err := s.deps.History.SavePair(ctx, sess.Kind(), sess.ChainID, pair); err != nil {
			s.logger.Warn("保存交易对偏好失败", zap.Error(err))
		}
	}
	if s.deps.Warmer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			warmCtx, cancel := context.WithTimeout(s.base, backgroundTimeout)
			defer cancel()
			if err := s.deps.Warmer.Warm(warmCtx, sess.Source, sess.Destination); err != nil {
				s.logger.Debug("预取参考行情失败", zap.Error(err))
			}
		}()
	}
}

// observe 将储备快照中的余额与储备写入会话，然后重新评估阻断条件。
func (s *Service) observe(ctx context.Context, sess swap.Session) {
	if s.deps.Reserves == nil {
		s.evaluate(sess)
		return
	}
	if tracker, ok := s.deps.Reserves.(interface {
		Track(chainID chain.ID, user common.Address, tokens ...common.Address)
	}); ok && !sess.Source.IsNative() && sess.Source.AddressToSwap != (common.Address{}) {
		tracker.Track(sess.ChainID, sess.User, sess.Source.AddressToSwap)
	}
	snap, err := s.deps.Reserves.Observe(ctx, sess.ChainID, sess.User)
	if err != nil {
		if !errors.Is(err, reserve.ErrNotObserved) {
			s.logger.Warn("读取储备快照失败", zap.Error(err))
		}
		s.evaluate(sess)
		return
	}

	var patch swap.Patch
	if bal := snap.Balance(sess.Source.AddressToSwap); bal != nil {
		src := sess.Source
		src.Balance = bal
		patch.Source = swap.Set(src)
	}
	if pos, ok := sess.Position(); ok {
		src, srcOK := snap.Reserve(pos.SourceReserve.Underlying)
		dst, dstOK := snap.Reserve(pos.DestinationReserve.Underlying)
		if srcOK && dstOK {
			patch.Reserves = swap.Set(swap.ReservePair{Source: src, Destination: dst})
		}
	}
	updated, err := s.deps.Store.Apply(sess.ID, patch)
	if err != nil {
		s.logger.Debug("写入储备快照失败", zap.String("session", sess.ID.String()), zap.Error(err))
		return
	}
	s.evaluateWith(updated, snap.Collateral())
}

func (s *Service) evaluate(sess swap.Session) {
	var collateral []swap.Reserve
	if s.deps.Reserves != nil {
		ctx, cancel := context.WithTimeout(s.base, backgroundTimeout)
		snap, err := s.deps.Reserves.Observe(ctx, sess.ChainID, sess.User)
		cancel()
		if err == nil {
			collateral = snap.Collateral()
		}
	}
	s.evaluateWith(sess, collateral)
}

func (s *Service) evaluateWith(sess swap.Session, collateral []swap.Reserve) {
	in := guard.Input{Session: sess, Collateral: collateral}
	if res, err := normalizer.Normalize(normalizer.Params{
		Flow:          sess.Kind(),
		Source:        sess.Source,
		Destination:   sess.Destination,
		Intent:        sess.Intent,
		Quote:         sess.Quote,
		PartnerFeeBps: s.opts.PartnerFeeBps,
		DustMarginBps: s.opts.DustMarginBps,
	}); err == nil {
		in.Amounts = &res
	}
	if _, err := s.deps.Store.Apply(sess.ID, s.deps.Guards.Evaluate(in)); err != nil {
		s.logger.Debug("写入阻断条件失败", zap.String("session", sess.ID.String()), zap.Error(err))
	}
}

func (s *Service) inputsPatch(sess swap.Session, req InputsRequest) (swap.Patch, error) {
	var (
		patch swap.Patch
		err   error
	)
	source, destination := sess.Source, sess.Destination
	if req.Source != nil {
		if source, err = parseToken(sess.ChainID, *req.Source); err != nil {
			return patch, err
		}
		patch.Source = swap.Set(source)
	}
	if req.Destination != nil {
		if destination, err = parseToken(sess.ChainID, *req.Destination); err != nil {
			return patch, err
		}
		patch.Destination = swap.Set(destination)
	}

	intent := sess.Intent
	changed := false
	if req.Side != nil {
		if intent.Side, err = swap.ParseSide(*req.Side); err != nil {
			return patch, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		changed = true
	}
	if req.OrderType != nil {
		if intent.OrderType, err = swap.ParseOrderType(*req.OrderType); err != nil {
			return patch, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		changed = true
	}
	if req.InputAmount != nil {
		if intent.InputAmount, err = parseAmount(*req.InputAmount, source.Decimals); err != nil {
			return patch, err
		}
		changed = true
	}
	if req.OutputAmount != nil {
		if intent.OutputAmount, err = parseAmount(*req.OutputAmount, destination.Decimals); err != nil {
			return patch, err
		}
		changed = true
	}
	if req.SlippageBps != nil {
		if *req.SlippageBps >= amount.BpsDenominator {
			return patch, fmt.Errorf("%w: slippageBps 必须小于 %d", ErrInvalidInput, amount.BpsDenominator)
		}
		intent.SlippageBps = *req.SlippageBps
		intent.SlippageOverridden = true
		changed = true
	}
	if req.ExpirySeconds != nil {
		if *req.ExpirySeconds < 0 {
			return patch, fmt.Errorf("%w: expirySeconds 不能为负", ErrInvalidInput)
		}
		intent.Expiry = time.Duration(*req.ExpirySeconds) * time.Second
		changed = true
	}
	if changed {
		patch.Intent = swap.Set(intent)
	}

	if req.Provider != nil {
		provider := swap.Provider(strings.ToLower(strings.TrimSpace(*req.Provider)))
		switch provider {
		case swap.ProviderNone, swap.ProviderAggregator, swap.ProviderAuction:
		default:
			return patch, fmt.Errorf("%w: 未知场所 %q", ErrInvalidInput, *req.Provider)
		}
		// 指定场所即锁定；空串解除锁定，交还给选择器。
		patch.Provider = swap.Set(provider)
		patch.ProviderLocked = swap.Set(provider != swap.ProviderNone)
	}
	return patch, nil
}

// applyInputs 写入输入补丁。指定场所时先解除旧的锁定，否则新场所会被忽略。
func (s *Service) applyInputs(id uuid.UUID, current swap.Session, req InputsRequest, patch swap.Patch) (swap.Session, error) {
	if req.Provider != nil && current.ProviderLocked {
		if _, err := s.deps.Store.Apply(id, swap.Patch{ProviderLocked: swap.Set(false)}); err != nil {
			return swap.Session{}, err
		}
	}
	return s.deps.Store.Apply(id, patch)
}

func (s *Service) reportActive() {
	if s.deps.Sessions != nil {
		s.deps.Sessions.SetActiveSessions(len(s.deps.Store.List()))
	}
}

func parseToken(id chain.ID, in TokenInput) (swap.Token, error) {
	addr, err := chain.ParseAddress(in.Address)
	if err != nil {
		return swap.Token{}, fmt.Errorf("%w: token address: %v", ErrInvalidInput, err)
	}
	tok := swap.Token{
		AddressToSwap: addr,
		Decimals:      in.Decimals,
		Symbol:        strings.TrimSpace(in.Symbol),
		ChainID:       id,
		Type:          swap.ParseTokenType(in.Type),
	}
	if in.Underlying != "" {
		if tok.UnderlyingAddress, err = chain.ParseAddress(in.Underlying); err != nil {
			return swap.Token{}, fmt.Errorf("%w: underlying address: %v", ErrInvalidInput, err)
		}
	}
	return tok, nil
}

func parseAmount(raw string, decimals uint8) (*uint256.Int, error) {
	v, err := amount.Parse(raw, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}
