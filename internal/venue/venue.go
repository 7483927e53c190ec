// Package venue 定义流动性场所接口、场所选择与公共 HTTP 传输。
package venue

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/chain"
	"swap-router/internal/swap"
)

// QuoteRequest 为归一化报价请求，Sell/Buy 为实际交易方向。
// Kind 为处理后的方向：sell 时 Amount 是卖出数量，buy 时是买入数量。
type QuoteRequest struct {
	Key                 swap.FetchKey
	ChainID             chain.ID
	Flow                swap.FlowKind
	SellToken           swap.Token
	BuyToken            swap.Token
	Kind                swap.Side
	Amount              *uint256.Int
	User                common.Address
	Receiver            common.Address
	PartnerFeeBps       uint32
	SmartContractWallet bool
}

// Venue 为两个场所的统一报价接口。
type Venue interface {
	Provider() swap.Provider
	Quote(ctx context.Context, req QuoteRequest) (*swap.Quote, error)
}

// Set 按场所索引实现。
type Set map[swap.Provider]Venue

// NewSet 构造场所集合。
func NewSet(venues ...Venue) Set {
	out := make(Set, len(venues))
	for _, v := range venues {
		out[v.Provider()] = v
	}
	return out
}

// Get 查找场所。
func (s Set) Get(p swap.Provider) (Venue, bool) {
	v, ok := s[p]
	return v, ok
}
