package guard

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/amount"
	"swap-router/internal/normalizer"
	"swap-router/internal/swap"
)

func u(raw string) *uint256.Int {
	return amount.MustFromString(raw)
}

func reserve(symbol string, addr string) swap.Reserve {
	return swap.Reserve{
		Underlying:         common.HexToAddress(addr),
		Symbol:             symbol,
		LTVBps:             7500,
		FlashLoanEnabled:   true,
		BorrowingEnabled:   true,
		SupplyCap:          u("0"),
		TotalSupplied:      u("0"),
		BorrowCap:          u("0"),
		TotalBorrowed:      u("0"),
		AvailableLiquidity: u("1000000000000"),
		UserSupplied:       u("500"),
		UserBorrowed:       u("500"),
		UsedAsCollateral:   true,
	}
}

func session(kind swap.FlowKind, src, dst swap.Reserve) swap.Session {
	flow, _ := swap.NewFlow(kind, src, dst)
	return swap.Session{Flow: flow}
}

func TestSupplyCapDoesNotClearBalanceGuard(t *testing.T) {
	src := reserve("USDC", "0x01")
	dst := reserve("WETH", "0x02")
	dst.SupplyCap = u("1000")
	dst.TotalSupplied = u("990")

	sess := session(swap.FlowCollateralSwap, src, dst)
	eval := NewEvaluator(nil)

	patch := eval.Evaluate(Input{Session: sess, Amounts: &normalizer.Result{SellAmount: u("600"), BuyAmount: u("20")}})
	require.NotNil(t, patch.Guards[swap.GuardInsufficientBalance])
	require.NotNil(t, patch.Guards[swap.GuardSupplyCap])

	sess, err := swap.Reduce(sess, patch)
	require.NoError(t, err)
	assert.True(t, sess.Guards.ActionsBlocked[swap.GuardInsufficientBalance])
	assert.True(t, sess.Guards.ActionsBlocked[swap.GuardSupplyCap])
	assert.Equal(t, swap.GuardInsufficientBalance, sess.Guards.Active().Reason)

	// 供应上限恢复后只清除自身。
	sess, err = swap.Reduce(sess, swap.Patch{Guards: map[swap.GuardReason]*swap.GuardError{
		swap.GuardSupplyCap: SupplyCap(Input{Session: sess, Amounts: &normalizer.Result{SellAmount: u("600"), BuyAmount: u("5")}}),
	}})
	require.NoError(t, err)
	assert.False(t, sess.Guards.ActionsBlocked[swap.GuardSupplyCap])
	assert.True(t, sess.Guards.ActionsBlocked[swap.GuardInsufficientBalance])
	assert.True(t, sess.Guards.Blocked())
}

func TestInsufficientBalanceByFlow(t *testing.T) {
	src := reserve("DAI", "0x01")
	dst := reserve("USDC", "0x02")

	tokenSwap := swap.Session{Flow: swap.TokenSwap{}, Source: swap.Token{Symbol: "DAI", Balance: u("100")}}
	assert.NotNil(t, InsufficientBalance(Input{Session: tokenSwap, Amounts: &normalizer.Result{SellAmount: u("101")}}))
	assert.Nil(t, InsufficientBalance(Input{Session: tokenSwap, Amounts: &normalizer.Result{SellAmount: u("100")}}))
	assert.Nil(t, InsufficientBalance(Input{Session: tokenSwap}))

	debt := session(swap.FlowDebtSwap, src, dst)
	assert.NotNil(t, InsufficientBalance(Input{Session: debt, Amounts: &normalizer.Result{InputAmount: u("501"), SellAmount: u("1")}}))

	repay := session(swap.FlowRepayWithCollateral, src, dst)
	assert.NotNil(t, InsufficientBalance(Input{Session: repay, Amounts: &normalizer.Result{SellAmount: u("501")}}))
	assert.Nil(t, InsufficientBalance(Input{Session: repay, Amounts: &normalizer.Result{SellAmount: u("500")}}))
}

func TestInsufficientLiquidityOnDebtDestination(t *testing.T) {
	src := reserve("DAI", "0x01")
	dst := reserve("USDC", "0x02")
	dst.AvailableLiquidity = u("100")
	sess := session(swap.FlowDebtSwap, src, dst)

	assert.NotNil(t, InsufficientLiquidity(Input{Session: sess, Amounts: &normalizer.Result{SellAmount: u("101")}}))
	assert.Nil(t, InsufficientLiquidity(Input{Session: sess, Amounts: &normalizer.Result{SellAmount: u("100")}}))

	dst.BorrowCap = u("1000")
	dst.TotalBorrowed = u("950")
	sess = session(swap.FlowDebtSwap, src, dst)
	assert.NotNil(t, InsufficientLiquidity(Input{Session: sess, Amounts: &normalizer.Result{SellAmount: u("60")}}))

	collateral := session(swap.FlowCollateralSwap, src, dst)
	assert.Nil(t, InsufficientLiquidity(Input{Session: collateral, Amounts: &normalizer.Result{SellAmount: u("1000000")}}))
}

func TestZeroLTVRules(t *testing.T) {
	src := reserve("GHST", "0x01")
	src.LTVBps = 0
	dst := reserve("USDC", "0x02")

	assert.NotNil(t, ZeroLTV(Input{Session: session(swap.FlowCollateralSwap, src, dst)}))
	assert.NotNil(t, ZeroLTV(Input{Session: session(swap.FlowWithdrawAndSwap, src, dst)}))
	assert.Nil(t, ZeroLTV(Input{Session: session(swap.FlowRepayWithCollateral, src, dst)}))
	assert.Nil(t, ZeroLTV(Input{Session: swap.Session{Flow: swap.TokenSwap{}}}))

	other := reserve("CRV", "0x03")
	other.LTVBps = 0
	healthy := reserve("WETH", "0x04")
	assert.NotNil(t, ZeroLTV(Input{Session: session(swap.FlowDebtSwap, healthy, dst), Collateral: []swap.Reserve{other}}))
	assert.Nil(t, ZeroLTV(Input{Session: session(swap.FlowDebtSwap, healthy, dst), Collateral: []swap.Reserve{healthy}}))
	assert.NotNil(t, ZeroLTV(Input{Session: session(swap.FlowCollateralSwap, healthy, dst), Collateral: []swap.Reserve{other, healthy}}))
}

func TestFlashLoanDisabledChecksSellSideReserve(t *testing.T) {
	src := reserve("DAI", "0x01")
	dst := reserve("USDC", "0x02")
	dst.FlashLoanEnabled = false

	// 换债卖出目标资产。
	assert.NotNil(t, FlashLoanDisabled(Input{Session: session(swap.FlowDebtSwap, src, dst)}))
	assert.Nil(t, FlashLoanDisabled(Input{Session: session(swap.FlowCollateralSwap, src, dst)}))
	assert.Nil(t, FlashLoanDisabled(Input{Session: session(swap.FlowWithdrawAndSwap, src, dst)}))
}
