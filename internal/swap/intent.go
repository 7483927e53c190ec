package swap

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Side 表示用户编辑的是输入侧还是输出侧。
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// ParseSide 解析方向。
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideSell:
		return SideSell, nil
	case SideBuy:
		return SideBuy, nil
	default:
		return "", fmt.Errorf("swap: 未知方向 %q", raw)
	}
}

// Flip 返回相反方向。
func (s Side) Flip() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

// OrderType 为市价或限价。
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// ParseOrderType 解析订单类型。
func ParseOrderType(raw string) (OrderType, error) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(raw))) {
	case OrderMarket:
		return OrderMarket, nil
	case OrderLimit:
		return OrderLimit, nil
	default:
		return "", fmt.Errorf("swap: 未知订单类型 %q", raw)
	}
}

// Intent 为用户下单意图。Side 与 OrderType 共同决定哪个金额是权威值。
// InputAmount 属于界面源资产，OutputAmount 属于界面目标资产，均为最小单位。
type Intent struct {
	Side               Side          `json:"side"`
	OrderType          OrderType     `json:"orderType"`
	InputAmount        *uint256.Int  `json:"inputAmount"`
	OutputAmount       *uint256.Int  `json:"outputAmount"`
	SlippageBps        uint32        `json:"slippageBps"`
	SlippageOverridden bool          `json:"slippageOverridden"`
	Expiry             time.Duration `json:"expiry"`
}

// AuthoritativeAmount 返回用户编辑侧的金额。
func (i Intent) AuthoritativeAmount() *uint256.Int {
	if i.Side == SideBuy {
		return i.OutputAmount
	}
	return i.InputAmount
}
