// Package reserve 维护用户余额与借贷储备快照。
package reserve

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/swap"
)

// Snapshot 是某用户在某链上的观测结果。
type Snapshot struct {
	ChainID   chain.ID                        `json:"chainId"`
	User      common.Address                  `json:"user"`
	Balances  map[common.Address]*uint256.Int `json:"balances"`
	Reserves  []swap.Reserve                  `json:"reserves"`
	FetchedAt time.Time                       `json:"fetchedAt"`
}

// Balance 返回钱包余额，未观测时为 nil。
func (s Snapshot) Balance(token common.Address) *uint256.Int {
	v, ok := s.Balances[token]
	if !ok || v == nil {
		return nil
	}
	return amount.Clone(v)
}

// Reserve 按标的资产查找储备。
func (s Snapshot) Reserve(underlying common.Address) (swap.Reserve, bool) {
	for _, r := range s.Reserves {
		if r.Underlying == underlying {
			return r, true
		}
	}
	return swap.Reserve{}, false
}

// Collateral 返回用户启用为抵押品的储备。
func (s Snapshot) Collateral() []swap.Reserve {
	var out []swap.Reserve
	for _, r := range s.Reserves {
		if r.UsedAsCollateral {
			out = append(out, r)
		}
	}
	return out
}

// Clone 返回深拷贝。
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Balances != nil {
		out.Balances = make(map[common.Address]*uint256.Int, len(s.Balances))
		for k, v := range s.Balances {
			out.Balances[k] = amount.Clone(v)
		}
	}
	out.Reserves = append([]swap.Reserve(nil), s.Reserves...)
	return out
}
