// Package execution 按流程与场所矩阵执行授权、签名与下单。
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/approval"
	"swap-router/internal/chain"
	"swap-router/internal/flashloan"
	"swap-router/internal/normalizer"
	"swap-router/internal/swap"
	"swap-router/internal/venue/aggregator"
	"swap-router/internal/wallet"
)

type cellKey struct {
	flow     swap.FlowKind
	provider swap.Provider
}

type cellFunc func(e *Executor, ctx context.Context, plan Plan) (*swap.OrderRecord, error)

var matrix = func() map[cellKey]cellFunc {
	m := map[cellKey]cellFunc{
		{swap.FlowTokenSwap, swap.ProviderAggregator}: (*Executor).tokenSwapAggregator,
		{swap.FlowTokenSwap, swap.ProviderAuction}:    (*Executor).tokenSwapAuction,
	}
	for _, kind := range swap.FlowKinds {
		if !kind.IsPosition() {
			continue
		}
		m[cellKey{kind, swap.ProviderAggregator}] = (*Executor).positionAggregator
		m[cellKey{kind, swap.ProviderAuction}] = (*Executor).positionAuction
	}
	return m
}()

// Deps 汇总执行器依赖。Auction、Helpers、Tracker、Observer 可为空。
type Deps struct {
	Store      *swap.Store
	Chains     *chain.Registry
	Signer     wallet.Signer
	Approvals  Approvals
	Aggregator AggregatorVenue
	Auction    AuctionVenue
	Helpers    Helpers
	Tracker    OrderTracker
	Observer   Observer
	// Translate 将场所错误翻译为用户可读信息。
	Translate func(error) string
}

// SettledFunc 在后台确认的成交交易完成会话后调用。
type SettledFunc func(ctx context.Context, rec swap.OrderRecord)

// Executor 将会话转化为链上交易或拍卖订单。
type Executor struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	onSettled SettledFunc
}

// NewExecutor 创建执行器。
func NewExecutor(deps Deps, opts Options, logger *zap.Logger) (*Executor, error) {
	if deps.Store == nil || deps.Chains == nil || deps.Signer == nil || deps.Approvals == nil {
		return nil, errors.New("execution: store、chains、signer、approvals 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MarketExpiry <= 0 {
		opts.MarketExpiry = 30 * time.Minute
	}
	if opts.LimitExpiry <= 0 {
		opts.LimitExpiry = 7 * 24 * time.Hour
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 5 * time.Minute
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = time.Hour
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		deps:   deps,
		opts:   opts,
		logger: logger.Named("execution"),
		now:    time.Now,
		base:   base,
		cancel: cancel,
	}, nil
}

// SetSettled 注册后台确认完成时的回调。
func (e *Executor) SetSettled(fn SettledFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSettled = fn
}

// Close 停止后台确认等待。
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

// BuildPlan 由会话推导执行计划。
func (e *Executor) BuildPlan(sess swap.Session) (Plan, error) {
	info, ok := e.deps.Chains.Get(sess.ChainID)
	if !ok {
		return Plan{}, fmt.Errorf("execution: %w", swap.ErrUnsupported)
	}
	res, err := normalizer.Normalize(normalizer.Params{
		Flow:          sess.Kind(),
		Source:        sess.Source,
		Destination:   sess.Destination,
		Intent:        sess.Intent,
		Quote:         sess.Quote,
		PartnerFeeBps: e.opts.PartnerFeeBps,
		DustMarginBps: e.opts.DustMarginBps,
	})
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Session: sess, Chain: info, Amounts: res, ValidTo: e.validTo(sess)}
	if pos, ok := sess.Position(); ok {
		plan.SellReserve = pos.SourceReserve
		if sess.Kind().Inverted() {
			plan.SellReserve = pos.DestinationReserve
		}
	}
	return plan, nil
}

// validTo 以报价时间为基准，同一报价推导出相同的有效期与辅助合约地址。
func (e *Executor) validTo(sess swap.Session) uint32 {
	expiry := sess.Intent.Expiry
	if expiry <= 0 {
		expiry = e.opts.MarketExpiry
		if sess.Intent.OrderType == swap.OrderLimit {
			expiry = e.opts.LimitExpiry
		}
	}
	base := e.now()
	if sess.Quote != nil && !sess.Quote.FetchedAt.IsZero() {
		base = sess.Quote.FetchedAt
	}
	return uint32(base.Add(expiry).Unix())
}

// Target 返回计划所需的授权。原生资产卖出无需授权。
func (e *Executor) Target(plan Plan) (Target, error) {
	sess := plan.Session
	var (
		token   = plan.Amounts.SellToken
		kind    = swap.ApprovalAllowance
		spender common.Address
	)

	if _, ok := sess.Position(); ok {
		if sess.Kind() == swap.FlowDebtSwap {
			kind = swap.ApprovalDelegation
			token = swap.Token{AddressToSwap: plan.SellReserve.VariableDebtToken, Decimals: plan.SellReserve.Decimals, Symbol: plan.SellReserve.Symbol, ChainID: sess.ChainID}
		} else {
			token = swap.Token{AddressToSwap: plan.SellReserve.AToken, Decimals: plan.SellReserve.Decimals, Symbol: plan.SellReserve.Symbol, ChainID: sess.ChainID, Type: swap.TokenAToken}
		}
		switch sess.Provider {
		case swap.ProviderAggregator:
			adapter, ok := plan.Chain.Adapter(string(sess.Kind()))
			if !ok {
				return Target{}, fmt.Errorf("execution: 缺少 %s 适配器: %w", sess.Kind(), swap.ErrUnsupported)
			}
			spender = adapter
		case swap.ProviderAuction:
			helper, err := e.helperAddress(plan)
			if err != nil {
				return Target{}, err
			}
			spender = helper
		default:
			return Target{}, fmt.Errorf("execution: %w", swap.ErrUnsupported)
		}
	} else {
		if token.IsNative() {
			return Target{}, nil
		}
		switch sess.Provider {
		case swap.ProviderAggregator:
			route, err := priceRoute(sess)
			if err != nil {
				return Target{}, err
			}
			spender = route.TokenTransferProxy
		case swap.ProviderAuction:
			spender = plan.Chain.VaultRelayer
		default:
			return Target{}, fmt.Errorf("execution: %w", swap.ErrUnsupported)
		}
	}

	return Target{
		Token: token,
		Request: approval.Request{
			Key: swap.ApprovalKey{
				ChainID: sess.ChainID,
				Owner:   sess.User,
				Token:   token.AddressToSwap,
				Spender: spender,
			},
			Kind:   kind,
			Amount: e.approvalAmount(plan),
			Permit: sess.Approval.Signature,
		},
	}, nil
}

// approvalAmount 为卖出数量，闪电贷流程另加闪电贷费用。
func (e *Executor) approvalAmount(plan Plan) *uint256.Int {
	out := amount.Clone(plan.Amounts.SellAmount)
	if plan.Session.Kind().RequiresFlashLoan() {
		out = amount.Add(out, e.flashLoanFee(plan))
	}
	return out
}

func (e *Executor) flashLoanFee(plan Plan) *uint256.Int {
	if e.deps.Helpers == nil {
		return new(uint256.Int)
	}
	return e.deps.Helpers.Fee(plan.Amounts.FlashLoanAmount)
}

func (e *Executor) helperParams(plan Plan) flashloan.Params {
	return flashloan.Params{
		ChainID:         plan.Session.ChainID,
		Flow:            plan.Session.Kind(),
		Owner:           plan.Session.User,
		SellToken:       plan.Amounts.SellToken.QuoteAddress(),
		BuyToken:        plan.Amounts.BuyToken.QuoteAddress(),
		SellAmount:      plan.Amounts.SellAmount,
		BuyAmount:       plan.Amounts.BuyAmount,
		FlashLoanAmount: plan.Amounts.FlashLoanAmount,
		FlashLoanFee:    e.flashLoanFee(plan),
		ValidTo:         plan.ValidTo,
	}
}

func (e *Executor) helperAddress(plan Plan) (common.Address, error) {
	if e.deps.Helpers == nil {
		return common.Address{}, fmt.Errorf("execution: %w", flashloan.ErrNotDeployed)
	}
	return e.deps.Helpers.HelperAddress(e.helperParams(plan))
}

// RefreshApproval 重新检查授权并写回会话，报价键已变化时结果被丢弃。
func (e *Executor) RefreshApproval(ctx context.Context, id uuid.UUID) (swap.Session, error) {
	sess, err := e.deps.Store.Get(id)
	if err != nil {
		return swap.Session{}, err
	}
	plan, err := e.BuildPlan(sess)
	if err != nil {
		return sess, err
	}
	target, err := e.Target(plan)
	if err != nil {
		return sess, err
	}

	record := swap.ApprovalRecord{State: swap.ApprovalSufficient}
	if target.Required() {
		if record, err = e.deps.Approvals.Check(ctx, target.Request); err != nil {
			e.logger.Warn("检查授权失败", zap.String("session", id.String()), zap.Error(err))
		}
	}
	return e.deps.Store.Apply(id, swap.Patch{
		Approval:       swap.Set(record),
		ExpectFetchKey: swap.Set(sess.FetchKey),
	})
}

// Approve 完成当前计划所需的授权。仓位流程在聚合器场所优先使用签名授权。
func (e *Executor) Approve(ctx context.Context, id uuid.UUID) (swap.Session, error) {
	sess, err := e.deps.Store.Get(id)
	if err != nil {
		return swap.Session{}, err
	}
	if sess.Tx.InFlight {
		return sess, swap.ErrTxInFlight
	}
	if err := e.checkSigner(sess); err != nil {
		return sess, err
	}
	plan, err := e.BuildPlan(sess)
	if err != nil {
		return sess, err
	}
	target, err := e.Target(plan)
	if err != nil {
		return sess, err
	}
	if !target.Required() {
		return e.deps.Store.Apply(id, swap.Patch{Approval: swap.Set(swap.ApprovalRecord{State: swap.ApprovalSufficient})})
	}

	if sess.Kind().IsPosition() && sess.Provider == swap.ProviderAggregator &&
		e.deps.Approvals.PermitAvailable(sess.ChainID, target.Request.Kind, target.Token) {
		permit, err := e.deps.Approvals.SignPermit(ctx, e.deps.Signer, approval.PermitRequest{
			Key:        target.Request.Key,
			Kind:       target.Request.Kind,
			Amount:     target.Request.Amount,
			DomainName: target.Token.Symbol,
		})
		if err == nil {
			target.Request.Permit = permit
			record, err := e.deps.Approvals.Check(ctx, target.Request)
			if err != nil {
				return sess, err
			}
			return e.deps.Store.Apply(id, swap.Patch{Approval: swap.Set(record)})
		}
		if !errors.Is(err, approval.ErrPermitUnavailable) {
			return e.fail(sess, err)
		}
		e.logger.Debug("签名授权不可用，改用链上授权", zap.String("session", id.String()))
	}

	if _, err := e.ensureApproval(ctx, id, target); err != nil {
		var pe *PendingError
		if errors.As(err, &pe) {
			return e.pending(sess, pe)
		}
		return e.fail(sess, err)
	}
	return e.clearBroadcast(id)
}

// clearBroadcast 在授权交易确认后解除进行中状态，保留最后的交易哈希。
func (e *Executor) clearBroadcast(id uuid.UUID) (swap.Session, error) {
	current, err := e.deps.Store.Get(id)
	if err != nil || !current.Tx.InFlight {
		return current, err
	}
	return e.deps.Store.Apply(id, swap.Patch{Tx: swap.Set(swap.TxState{Hash: current.Tx.Hash})})
}

// ensureApproval 检查授权，不足时发送授权交易并重新检查。
func (e *Executor) ensureApproval(ctx context.Context, id uuid.UUID, target Target) (swap.ApprovalRecord, error) {
	if !target.Required() {
		return swap.ApprovalRecord{State: swap.ApprovalSufficient}, nil
	}
	record, err := e.deps.Approvals.Check(ctx, target.Request)
	if err != nil {
		return record, err
	}
	if !record.Satisfied() {
		if _, err := e.deps.Approvals.Approve(ctx, e.signerFor(id), record); err != nil {
			var pe *PendingError
			if errors.As(err, &pe) {
				pe.Approval = record.Key
			}
			return record, err
		}
		if record, err = e.deps.Approvals.Check(ctx, target.Request); err != nil {
			return record, err
		}
		if !record.Satisfied() {
			return record, fmt.Errorf("execution: 授权后额度仍不足")
		}
	}
	if _, err := e.deps.Store.Apply(id, swap.Patch{Approval: swap.Set(record)}); err != nil {
		return record, err
	}
	return record, nil
}

// Execute 校验会话并提交交易或订单，失败时会话保持可重试。
func (e *Executor) Execute(ctx context.Context, id uuid.UUID) (*swap.OrderRecord, error) {
	sess, err := e.deps.Store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := e.validate(sess); err != nil {
		return nil, err
	}
	plan, err := e.BuildPlan(sess)
	if err != nil {
		return nil, err
	}
	if e.opts.MinSellAmount > 0 && amount.Less(plan.Amounts.SellAmount, uint256.NewInt(e.opts.MinSellAmount)) {
		return nil, fmt.Errorf("execution: %w", swap.ErrAmountTooSmall)
	}
	cell, ok := matrix[cellKey{sess.Kind(), sess.Provider}]
	if !ok {
		return nil, fmt.Errorf("execution: %s×%s: %w", sess.Kind(), sess.Provider, swap.ErrUnsupported)
	}

	if _, err := e.deps.Store.Apply(id, swap.Patch{Tx: swap.Set(swap.TxState{InFlight: true})}); err != nil {
		return nil, err
	}
	e.logger.Info("开始执行",
		zap.String("session", id.String()),
		zap.String("flow", string(sess.Kind())),
		zap.String("provider", string(sess.Provider)),
		zap.String("sell", plan.Amounts.SellAmountFormatted),
		zap.String("buy", plan.Amounts.BuyAmountFormatted),
	)

	rec, err := cell(e, ctx, plan)
	if err != nil {
		var pe *PendingError
		if errors.As(err, &pe) {
			_, pendingErr := e.pending(sess, pe)
			return nil, pendingErr
		}
		_, failErr := e.fail(sess, err)
		return nil, failErr
	}
	return e.complete(id, rec)
}

// complete 写入成交结果并锁定场所，拍卖订单交给追踪器。
func (e *Executor) complete(id uuid.UUID, rec *swap.OrderRecord) (*swap.OrderRecord, error) {
	now := e.now().UTC()
	rec.SessionID = id.String()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	updated, err := e.deps.Store.Apply(id, swap.Patch{
		Tx:             swap.Set(swap.TxState{Succeeded: true, Hash: rec.TxHash}),
		Order:          swap.Set(rec),
		ProviderLocked: swap.Set(true),
	})
	if err != nil {
		return rec, err
	}
	if rec.Provider == swap.ProviderAuction && !rec.Status.Terminal() && e.deps.Tracker != nil {
		e.deps.Tracker.Track(*rec)
	}
	if e.deps.Observer != nil {
		e.deps.Observer.ObserveExecution(updated, rec, nil)
	}
	e.logger.Info("执行完成",
		zap.String("session", id.String()),
		zap.String("order", rec.ID),
		zap.String("status", string(rec.Status)),
	)
	return rec, nil
}

func (e *Executor) validate(sess swap.Session) error {
	switch {
	case sess.Tx.InFlight:
		return swap.ErrTxInFlight
	case sess.Guards.Blocked():
		if g := sess.Guards.Active(); g != nil {
			return fmt.Errorf("%w: %s", swap.ErrActionBlocked, g.Message)
		}
		return swap.ErrActionBlocked
	case sess.Provider == swap.ProviderNone:
		return fmt.Errorf("execution: %w", swap.ErrUnsupported)
	case sess.Intent.OrderType == swap.OrderMarket && sess.Quote == nil:
		return fmt.Errorf("execution: %w", swap.ErrQuoteRequired)
	case sess.Quote != nil && sess.Quote.Key != sess.InputKey():
		return fmt.Errorf("execution: 报价已过期: %w", swap.ErrQuoteRequired)
	}
	return e.checkSigner(sess)
}

func (e *Executor) checkSigner(sess swap.Session) error {
	if e.deps.Signer.Address() != sess.User {
		return fmt.Errorf("execution: 签名地址 %s 与会话用户 %s 不一致: %w", e.deps.Signer.Address().Hex(), sess.User.Hex(), swap.ErrUnsupported)
	}
	return nil
}

// fail 将错误分类写入会话错误槽；参数漂移时同时重置授权。
func (e *Executor) fail(sess swap.Session, err error) (swap.Session, error) {
	exec := swap.ClassifyExecution(err, e.deps.Translate)
	patch := swap.Patch{Tx: swap.Set(swap.TxState{Error: exec})}
	if exec.Kind == swap.ExecDrift {
		patch.Approval = swap.Set(swap.ApprovalRecord{State: swap.ApprovalUnknown})
		if !sess.Approval.Key.IsZero() {
			e.deps.Approvals.Invalidate(sess.Approval.Key)
		}
	}
	updated, applyErr := e.deps.Store.Apply(sess.ID, patch)
	if applyErr != nil {
		e.logger.Warn("写入执行错误失败", zap.String("session", sess.ID.String()), zap.Error(applyErr))
		updated = sess
	}
	if e.deps.Observer != nil {
		e.deps.Observer.ObserveExecution(updated, nil, exec)
	}
	if exec.Informational() {
		e.logger.Info("用户取消", zap.String("session", sess.ID.String()))
	} else {
		e.logger.Warn("执行失败",
			zap.String("session", sess.ID.String()),
			zap.String("kind", string(exec.Kind)),
			zap.String("message", exec.Message),
			zap.Error(err),
		)
	}
	return updated, exec
}

// send 发送交易并等待一个确认。广播后哈希即写入会话，超时返回 *PendingError。
func (e *Executor) send(ctx context.Context, id uuid.UUID, req wallet.TxRequest) (common.Hash, error) {
	pending, err := e.signerFor(id).SendTransaction(ctx, req)
	if err != nil {
		return common.Hash{}, err
	}
	if err := pending.Wait(ctx, 1); err != nil {
		var pe *PendingError
		if errors.As(err, &pe) {
			return pending.Hash(), err
		}
		return pending.Hash(), fmt.Errorf("execution: 等待交易 %s 确认失败: %w", pending.Hash().Hex(), err)
	}
	return pending.Hash(), nil
}

func (e *Executor) newRecord(plan Plan, provider swap.Provider, id string, status swap.OrderStatus) *swap.OrderRecord {
	return &swap.OrderRecord{
		ID:         id,
		Provider:   provider,
		ChainID:    plan.Session.ChainID,
		Owner:      plan.Session.User,
		User:       plan.Session.User,
		Flow:       plan.Session.Kind(),
		Kind:       plan.Amounts.ProcessedSide,
		Status:     status,
		SellToken:  plan.Amounts.SellToken.AddressToSwap,
		BuyToken:   plan.Amounts.BuyToken.AddressToSwap,
		SellAmount: amount.Clone(plan.Amounts.SellAmount),
		BuyAmount:  amount.Clone(plan.Amounts.BuyAmount),
	}
}

func priceRoute(sess swap.Session) (*aggregator.PriceRoute, error) {
	if sess.Quote == nil {
		return nil, fmt.Errorf("execution: %w", swap.ErrQuoteRequired)
	}
	route, ok := sess.Quote.Payload.(*aggregator.PriceRoute)
	if !ok || route == nil {
		return nil, fmt.Errorf("execution: 报价载荷不是聚合器路由: %w", swap.ErrQuoteRequired)
	}
	return route, nil
}
