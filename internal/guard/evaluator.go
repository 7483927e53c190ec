// Package guard 计算相互独立的阻断条件。
package guard

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/normalizer"
	"swap-router/internal/swap"
)

var (
	errBalance      = errors.New("guard: 余额不足")
	errLiquidity    = errors.New("guard: 目标储备流动性不足")
	errSupplyCap    = errors.New("guard: 目标储备供应上限已满")
	errZeroLTV      = errors.New("guard: 零抵押率资产限制")
	errFlashLoanOff = errors.New("guard: 储备未开放闪电贷")
)

// Input 为一次评估所需的观测数据。
type Input struct {
	Session swap.Session
	// Amounts 为空时，依赖金额的条件全部清除。
	Amounts *normalizer.Result
	// Collateral 为用户当前启用为抵押品的储备。
	Collateral []swap.Reserve
}

// Check 为单个纯函数条件，返回 nil 表示未触发。
type Check func(Input) *swap.GuardError

// Evaluator 依次执行全部条件。
type Evaluator struct {
	checks map[swap.GuardReason]Check
	logger *zap.Logger
}

// NewEvaluator 创建评估器。
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		checks: map[swap.GuardReason]Check{
			swap.GuardInsufficientBalance:   InsufficientBalance,
			swap.GuardInsufficientLiquidity: InsufficientLiquidity,
			swap.GuardSupplyCap:             SupplyCap,
			swap.GuardZeroLTV:               ZeroLTV,
			swap.GuardFlashLoanDisabled:     FlashLoanDisabled,
		},
		logger: logger.Named("guard"),
	}
}

// Evaluate 返回每个原因各占一个键的补丁，未触发的原因写入 nil 以清除自身。
func (e *Evaluator) Evaluate(in Input) swap.Patch {
	patch := swap.Patch{Guards: make(map[swap.GuardReason]*swap.GuardError, len(e.checks))}
	for reason, check := range e.checks {
		result := check(in)
		patch.Guards[reason] = result
		if result != nil {
			e.logger.Debug("阻断条件触发",
				zap.String("session", in.Session.ID.String()),
				zap.String("reason", string(reason)),
				zap.String("message", result.Message),
			)
		}
	}
	return patch
}

func blocked(reason swap.GuardReason, raw error, format string, args ...interface{}) *swap.GuardError {
	return &swap.GuardError{
		Reason:        reason,
		RawError:      raw,
		Message:       fmt.Sprintf(format, args...),
		ActionBlocked: true,
	}
}

// InsufficientBalance 检查支付侧余额：钱包余额、存款或借款。
func InsufficientBalance(in Input) *swap.GuardError {
	if in.Amounts == nil {
		return nil
	}
	var (
		available *uint256.Int
		required  *uint256.Int
		symbol    string
	)
	switch flow := in.Session.Flow.(type) {
	case swap.TokenSwap:
		available, required, symbol = in.Session.Source.Balance, in.Amounts.SellAmount, in.Session.Source.Symbol
	case swap.PositionSwap:
		switch flow.Position {
		case swap.FlowCollateralSwap, swap.FlowWithdrawAndSwap:
			available, required, symbol = flow.SourceReserve.UserSupplied, in.Amounts.SellAmount, flow.SourceReserve.Symbol
		case swap.FlowDebtSwap:
			available, required, symbol = flow.SourceReserve.UserBorrowed, in.Amounts.InputAmount, flow.SourceReserve.Symbol
		case swap.FlowRepayWithCollateral:
			available, required, symbol = flow.DestinationReserve.UserSupplied, in.Amounts.SellAmount, flow.DestinationReserve.Symbol
		}
	}
	if required == nil || !amount.Less(available, required) {
		return nil
	}
	return blocked(swap.GuardInsufficientBalance, errBalance, "%s 余额不足", symbol)
}

// InsufficientLiquidity 检查换债流程中新债务储备的可借额度。
func InsufficientLiquidity(in Input) *swap.GuardError {
	pos, ok := in.Session.Position()
	if !ok || pos.Position != swap.FlowDebtSwap || in.Amounts == nil {
		return nil
	}
	dest := pos.DestinationReserve
	borrow := in.Amounts.SellAmount
	if !dest.BorrowingEnabled {
		return blocked(swap.GuardInsufficientLiquidity, errLiquidity, "%s 暂停借款", dest.Symbol)
	}
	if dest.AvailableLiquidity != nil && amount.Less(dest.AvailableLiquidity, borrow) {
		return blocked(swap.GuardInsufficientLiquidity, errLiquidity, "%s 可借流动性不足", dest.Symbol)
	}
	if !amount.IsZero(dest.BorrowCap) && amount.Less(dest.BorrowCap, amount.Add(dest.TotalBorrowed, borrow)) {
		return blocked(swap.GuardInsufficientLiquidity, errLiquidity, "%s 已达到借款上限", dest.Symbol)
	}
	return nil
}

// SupplyCap 检查换抵押流程中目标储备的供应上限。
func SupplyCap(in Input) *swap.GuardError {
	pos, ok := in.Session.Position()
	if !ok || pos.Position != swap.FlowCollateralSwap || in.Amounts == nil {
		return nil
	}
	dest := pos.DestinationReserve
	if amount.IsZero(dest.SupplyCap) {
		return nil
	}
	if amount.Less(dest.SupplyCap, amount.Add(dest.TotalSupplied, in.Amounts.BuyAmount)) {
		return blocked(swap.GuardSupplyCap, errSupplyCap, "%s 已达到供应上限", dest.Symbol)
	}
	return nil
}

// ZeroLTV 检查零抵押率资产限制。还款流程从不触发；换抵押与提取兑换在源资产抵押率为零
// 或用户持有其它零抵押率抵押品时触发；换债在用户持有零抵押率抵押品时触发。
func ZeroLTV(in Input) *swap.GuardError {
	pos, ok := in.Session.Position()
	if !ok {
		return nil
	}
	switch pos.Position {
	case swap.FlowCollateralSwap, swap.FlowWithdrawAndSwap:
		if pos.SourceReserve.ZeroLTV() {
			return blocked(swap.GuardZeroLTV, errZeroLTV, "%s 抵押率为零，无法兑换", pos.SourceReserve.Symbol)
		}
		if r, found := zeroLTVCollateral(in.Collateral, pos.SourceReserve); found {
			return blocked(swap.GuardZeroLTV, errZeroLTV, "请先停用零抵押率抵押品 %s", r.Symbol)
		}
	case swap.FlowDebtSwap:
		if r, found := zeroLTVCollateral(in.Collateral, swap.Reserve{}); found {
			return blocked(swap.GuardZeroLTV, errZeroLTV, "持有零抵押率抵押品 %s 时无法借入新债务", r.Symbol)
		}
	}
	return nil
}

func zeroLTVCollateral(reserves []swap.Reserve, exclude swap.Reserve) (swap.Reserve, bool) {
	for _, r := range reserves {
		if r.UsedAsCollateral && r.ZeroLTV() && r.Underlying != exclude.Underlying && !amount.IsZero(r.UserSupplied) {
			return r, true
		}
	}
	return swap.Reserve{}, false
}

// FlashLoanDisabled 检查闪电贷借出的卖出侧储备是否开放闪电贷。
func FlashLoanDisabled(in Input) *swap.GuardError {
	pos, ok := in.Session.Position()
	if !ok || !pos.Position.RequiresFlashLoan() {
		return nil
	}
	reserve := pos.SourceReserve
	if pos.Position.Inverted() {
		reserve = pos.DestinationReserve
	}
	if reserve.FlashLoanEnabled {
		return nil
	}
	return blocked(swap.GuardFlashLoanDisabled, errFlashLoanOff, "%s 未开放闪电贷", reserve.Symbol)
}
