package swap

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"swap-router/internal/chain"
)

// Provider 标识流动性场所。
type Provider string

const (
	ProviderNone       Provider = ""
	ProviderAggregator Provider = "aggregator"
	ProviderAuction    Provider = "auction"
)

// FetchKey 是报价请求的完整元组，报价只对与之完全相同的元组有效。
type FetchKey struct {
	ChainID   chain.ID       `json:"chainId"`
	Flow      FlowKind       `json:"flow"`
	User      common.Address `json:"user"`
	SrcToken  common.Address `json:"srcToken"`
	DestToken common.Address `json:"destToken"`
	Amount    string         `json:"amount"`
	Side      Side           `json:"side"`
	OrderType OrderType      `json:"orderType"`
	Provider  Provider       `json:"provider"`
}

// IsZero 表示尚未生成过报价键。
func (k FetchKey) IsZero() bool {
	return k == FetchKey{}
}

// String 用于日志。
func (k FetchKey) String() string {
	return fmt.Sprintf("%d:%s:%s>%s:%s:%s:%s:%s", k.ChainID, k.Flow, k.SrcToken.Hex(), k.DestToken.Hex(), k.Amount, k.Side, k.OrderType, k.Provider)
}

// QuotePayload 是场所私有的报价载荷，在场所边界处一次性收窄。
type QuotePayload interface {
	Provider() Provider
}

// Quote 为归一化后的报价，Sell/Buy 为实际交易方向。
type Quote struct {
	Provider             Provider        `json:"provider"`
	Key                  FetchKey        `json:"key"`
	SellToken            common.Address  `json:"sellToken"`
	BuyToken             common.Address  `json:"buyToken"`
	SrcSpotAmount        *uint256.Int    `json:"srcSpotAmount"`
	DestSpotAmount       *uint256.Int    `json:"destSpotAmount"`
	SrcSpotUSD           decimal.Decimal `json:"srcSpotUSD"`
	DestSpotUSD          decimal.Decimal `json:"destSpotUSD"`
	AfterFeesAmount      *uint256.Int    `json:"afterFeesAmount"`
	SuggestedSlippageBps *uint32         `json:"suggestedSlippageBps,omitempty"`
	Payload              QuotePayload    `json:"-"`
	FetchedAt            time.Time       `json:"fetchedAt"`
}

// QuoteError 是场所拒绝报价后翻译过的错误，不致命。
type QuoteError struct {
	Provider Provider `json:"provider"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Raw      error    `json:"-"`
}

// Error 实现 error。
func (e *QuoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap 返回原始错误。
func (e *QuoteError) Unwrap() error {
	return e.Raw
}
