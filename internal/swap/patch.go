package swap

import (
	"github.com/holiman/uint256"

	"swap-router/internal/amount"
)

// Opt 是补丁中的可选字段，未设置时合并不触碰该字段。
type Opt[T any] struct {
	set bool
	val T
}

// Set 构造已设置的字段。
func Set[T any](v T) Opt[T] {
	return Opt[T]{set: true, val: v}
}

// Get 返回值以及是否设置。
func (o Opt[T]) Get() (T, bool) {
	return o.val, o.set
}

// ReservePair 为仓位流程的两个储备快照。
type ReservePair struct {
	Source      Reserve `json:"source"`
	Destination Reserve `json:"destination"`
}

// Patch 是各子系统提交的部分更新，按字段合并，后写者胜。
// Guards 按原因键合并，值为 nil 表示清除该原因。
// ExpectFetchKey 设置时，仅当会话当前报价键与之相同才生效。
// 输入变化而补丁未指定 FetchKey 时，报价键随之更新，在途请求的结果因此失效。
// SuggestedSlippage 仅在用户未手动设置滑点时生效。
type Patch struct {
	Source              Opt[Token]
	Destination         Opt[Token]
	Intent              Opt[Intent]
	SuggestedSlippage   Opt[uint32]
	Reserves            Opt[ReservePair]
	FetchKey            Opt[FetchKey]
	Quote               Opt[*Quote]
	QuoteError          Opt[*QuoteError]
	Warnings            Opt[[]string]
	Provider            Opt[Provider]
	ProviderLocked      Opt[bool]
	Approval            Opt[ApprovalRecord]
	Guards              map[GuardReason]*GuardError
	Tx                  Opt[TxState]
	Order               Opt[*OrderRecord]
	RefreshPaused       Opt[bool]
	SmartContractWallet Opt[bool]
	ExpectFetchKey      Opt[FetchKey]
}

// Reduce 将补丁合并进会话，纯函数。
func Reduce(s Session, p Patch) (Session, error) {
	if want, ok := p.ExpectFetchKey.Get(); ok && s.FetchKey != want {
		return s, ErrSuperseded
	}

	next := s.Clone()

	if v, ok := p.Source.Get(); ok {
		next.Source = v
	}
	if v, ok := p.Destination.Get(); ok {
		next.Destination = v
	}
	if v, ok := p.Intent.Get(); ok {
		next.Intent = v
	}
	if v, ok := p.SuggestedSlippage.Get(); ok && !next.Intent.SlippageOverridden {
		next.Intent.SlippageBps = v
	}
	if v, ok := p.Reserves.Get(); ok {
		pos, isPosition := next.Flow.(PositionSwap)
		if !isPosition {
			return s, ErrFlowImmutable
		}
		pos.SourceReserve = v.Source
		pos.DestinationReserve = v.Destination
		next.Flow = pos
	}
	if v, ok := p.Provider.Get(); ok && !next.ProviderLocked {
		next.Provider = v
	}
	if v, ok := p.ProviderLocked.Get(); ok {
		next.ProviderLocked = v
	}
	if v, ok := p.FetchKey.Get(); ok {
		next.FetchKey = v
	}
	if v, ok := p.SmartContractWallet.Get(); ok {
		next.SmartContractWallet = v
	}
	if v, ok := p.RefreshPaused.Get(); ok {
		next.RefreshPaused = v
	}

	tokensChanged := tokenMoved(s.Source, next.Source) || tokenMoved(s.Destination, next.Destination)
	amountsChanged := !amount.Equal(norm(s.Intent.InputAmount), norm(next.Intent.InputAmount)) ||
		!amount.Equal(norm(s.Intent.OutputAmount), norm(next.Intent.OutputAmount)) ||
		s.Intent.Side != next.Intent.Side || s.Intent.OrderType != next.Intent.OrderType

	providerChanged := s.Provider != next.Provider

	if tokensChanged || amountsChanged || providerChanged {
		if _, ok := p.FetchKey.Get(); !ok {
			next.FetchKey = next.InputKey()
		}
		// 输入变化后旧报价立即失效。
		if next.Quote != nil && next.Quote.Key != next.InputKey() {
			next.Quote = nil
			next.QuoteError = nil
		}
		next.Approval = ApprovalRecord{State: ApprovalUnknown}
		if next.Tx.Succeeded && !next.Tx.InFlight {
			next.Tx = TxState{}
		}
	}

	if v, ok := p.Quote.Get(); ok {
		next.Quote = v
	}
	if v, ok := p.QuoteError.Get(); ok {
		next.QuoteError = v
	}
	if v, ok := p.Warnings.Get(); ok {
		next.Warnings = v
	}
	if v, ok := p.Approval.Get(); ok {
		next.Approval = v
	}
	if v, ok := p.Tx.Get(); ok {
		next.Tx = v
	}
	if v, ok := p.Order.Get(); ok {
		next.Order = mergeOrder(next.Order, v)
	}

	for reason, g := range p.Guards {
		if g == nil {
			delete(next.Guards.Errors, reason)
			delete(next.Guards.ActionsBlocked, reason)
			continue
		}
		next.Guards.Errors[reason] = g
		next.Guards.ActionsBlocked[reason] = g.ActionBlocked
	}

	next.Version = s.Version + 1
	return next, nil
}

func mergeOrder(current, incoming *OrderRecord) *OrderRecord {
	if current == nil || incoming == nil || current.ID != incoming.ID {
		return incoming
	}
	if !current.Status.CanTransition(incoming.Status) {
		return current
	}
	return incoming
}

func tokenMoved(a, b Token) bool {
	return a.AddressToSwap != b.AddressToSwap || a.QuoteAddress() != b.QuoteAddress() || a.ChainID != b.ChainID
}

func norm(v *uint256.Int) *uint256.Int {
	return amount.Clone(v)
}
