package swap

import (
	"fmt"
	"strings"
)

// FlowKind 为会话流程类型，创建后不可变。
type FlowKind string

const (
	FlowTokenSwap           FlowKind = "token_swap"
	FlowCollateralSwap      FlowKind = "collateral_swap"
	FlowDebtSwap            FlowKind = "debt_swap"
	FlowRepayWithCollateral FlowKind = "repay_with_collateral"
	FlowWithdrawAndSwap     FlowKind = "withdraw_and_swap"
)

// FlowKinds 列出全部流程。
var FlowKinds = []FlowKind{
	FlowTokenSwap,
	FlowCollateralSwap,
	FlowDebtSwap,
	FlowRepayWithCollateral,
	FlowWithdrawAndSwap,
}

// ParseFlowKind 解析流程名称。
func ParseFlowKind(raw string) (FlowKind, error) {
	kind := FlowKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range FlowKinds {
		if k == kind {
			return k, nil
		}
	}
	return "", fmt.Errorf("swap: 未知流程 %q", raw)
}

// IsPosition 表示流程作用于借贷仓位。
func (k FlowKind) IsPosition() bool {
	switch k {
	case FlowCollateralSwap, FlowDebtSwap, FlowRepayWithCollateral, FlowWithdrawAndSwap:
		return true
	default:
		return false
	}
}

// Inverted 表示界面方向与实际买卖方向相反。
func (k FlowKind) Inverted() bool {
	return k == FlowDebtSwap || k == FlowRepayWithCollateral
}

// RequiresFlashLoan 表示流程需要先借后还的闪电贷。
func (k FlowKind) RequiresFlashLoan() bool {
	switch k {
	case FlowCollateralSwap, FlowDebtSwap, FlowRepayWithCollateral:
		return true
	default:
		return false
	}
}

// AllowsDrift 表示市价单需要附加防尘余量。
func (k FlowKind) AllowsDrift() bool {
	return k.RequiresFlashLoan()
}

// Flow 是会话流程的标签联合，只有 TokenSwap 与 PositionSwap 两种实现。
type Flow interface {
	Kind() FlowKind
	sealed()
}

// TokenSwap 为普通代币兑换。
type TokenSwap struct{}

// Kind 实现 Flow。
func (TokenSwap) Kind() FlowKind { return FlowTokenSwap }

func (TokenSwap) sealed() {}

// PositionSwap 为仓位调整流程，携带受影响的两个储备。
type PositionSwap struct {
	Position           FlowKind
	SourceReserve      Reserve
	DestinationReserve Reserve
}

// Kind 实现 Flow。
func (p PositionSwap) Kind() FlowKind { return p.Position }

func (PositionSwap) sealed() {}

// NewFlow 根据流程类型构造联合值。
func NewFlow(kind FlowKind, source, destination Reserve) (Flow, error) {
	switch {
	case kind == FlowTokenSwap:
		return TokenSwap{}, nil
	case kind.IsPosition():
		return PositionSwap{Position: kind, SourceReserve: source, DestinationReserve: destination}, nil
	default:
		return nil, fmt.Errorf("swap: 未知流程 %q", kind)
	}
}
