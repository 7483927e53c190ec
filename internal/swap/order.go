package swap

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/chain"
)

// OrderStatus 为订单生命周期状态。
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Terminal 表示终态，之后不再轮询。
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// CanTransition 校验状态单调推进：终态不可再变。
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	return !s.Terminal()
}

// OrderRecord 为提交后的订单记录。ID 为拍卖订单 UID 或链上交易哈希。
// Owner 为订单所有者（用户、ETH-flow 合约或辅助合约），User 为发起会话的用户。
type OrderRecord struct {
	ID                 string         `json:"id"`
	TxHash             string         `json:"txHash,omitempty"`
	SessionID          string         `json:"sessionId,omitempty"`
	Provider           Provider       `json:"provider"`
	ChainID            chain.ID       `json:"chainId"`
	Owner              common.Address `json:"owner"`
	User               common.Address `json:"user"`
	Flow               FlowKind       `json:"flow"`
	Kind               Side           `json:"kind"`
	Status             OrderStatus    `json:"status"`
	SellToken          common.Address `json:"sellToken"`
	BuyToken           common.Address `json:"buyToken"`
	SellAmount         *uint256.Int   `json:"sellAmount"`
	BuyAmount          *uint256.Int   `json:"buyAmount"`
	ExecutedSellAmount *uint256.Int   `json:"executedSellAmount,omitempty"`
	ExecutedBuyAmount  *uint256.Int   `json:"executedBuyAmount,omitempty"`
	Surplus            *big.Int       `json:"surplus,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// ComputeSurplus 计算有符号的价格改善：卖单为实际买入减最小买入，买单为最大卖出减实际卖出。
func (o OrderRecord) ComputeSurplus() *big.Int {
	switch o.Kind {
	case SideSell:
		if o.ExecutedBuyAmount == nil || o.BuyAmount == nil {
			return nil
		}
		return new(big.Int).Sub(o.ExecutedBuyAmount.ToBig(), o.BuyAmount.ToBig())
	case SideBuy:
		if o.ExecutedSellAmount == nil || o.SellAmount == nil {
			return nil
		}
		return new(big.Int).Sub(o.SellAmount.ToBig(), o.ExecutedSellAmount.ToBig())
	default:
		return nil
	}
}

// TxState 记录会话内交易的进度。
type TxState struct {
	InFlight  bool            `json:"inFlight"`
	Succeeded bool            `json:"succeeded"`
	Hash      string          `json:"hash,omitempty"`
	Error     *ExecutionError `json:"error,omitempty"`
}
