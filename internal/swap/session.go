package swap

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
)

// Session 是兑换会话的根聚合，只能经由 Store.Apply 修改。
type Session struct {
	ID                  uuid.UUID      `json:"id"`
	ChainID             chain.ID       `json:"chainId"`
	User                common.Address `json:"user"`
	SmartContractWallet bool           `json:"smartContractWallet"`
	Flow                Flow           `json:"-"`
	Source              Token          `json:"source"`
	Destination         Token          `json:"destination"`
	Intent              Intent         `json:"intent"`
	FetchKey            FetchKey       `json:"fetchKey"`
	Quote               *Quote         `json:"quote,omitempty"`
	QuoteError          *QuoteError    `json:"quoteError,omitempty"`
	Warnings            []string       `json:"warnings,omitempty"`
	Provider            Provider       `json:"provider"`
	ProviderLocked      bool           `json:"providerLocked"`
	Approval            ApprovalRecord `json:"approval"`
	Guards              Guards         `json:"guards"`
	Tx                  TxState        `json:"tx"`
	Order               *OrderRecord   `json:"order,omitempty"`
	RefreshPaused       bool           `json:"refreshPaused"`
	Version             uint64         `json:"version"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Kind 返回流程类型。
func (s Session) Kind() FlowKind {
	if s.Flow == nil {
		return ""
	}
	return s.Flow.Kind()
}

// Position 在仓位流程下返回仓位载荷。
func (s Session) Position() (PositionSwap, bool) {
	p, ok := s.Flow.(PositionSwap)
	return p, ok
}

// InputKey 由当前输入推导报价键。
func (s Session) InputKey() FetchKey {
	return FetchKey{
		ChainID:   s.ChainID,
		Flow:      s.Kind(),
		User:      s.User,
		SrcToken:  s.Source.QuoteAddress(),
		DestToken: s.Destination.QuoteAddress(),
		Amount:    amount.String(s.Intent.AuthoritativeAmount()),
		Side:      s.Intent.Side,
		OrderType: s.Intent.OrderType,
		Provider:  s.Provider,
	}
}

// Clone 复制会话，map 与切片独立；报价、订单等指针值按不可变对象共享。
func (s Session) Clone() Session {
	out := s
	out.Guards = s.Guards.clone()
	if s.Warnings != nil {
		out.Warnings = append([]string(nil), s.Warnings...)
	}
	return out
}
