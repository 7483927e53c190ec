package swap

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/chain"
)

var (
	usdc = Token{AddressToSwap: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6, Symbol: "USDC", ChainID: chain.Mainnet, Type: TokenERC20}
	gho  = Token{AddressToSwap: common.HexToAddress("0x40D16FC0246aD3160Ccc09B8D0D3A2cD28aE6C2f"), Decimals: 18, Symbol: "GHO", ChainID: chain.Mainnet, Type: TokenERC20}
)

func newTestSession(t *testing.T, store *Store) Session {
	t.Helper()
	sess, err := store.Create(Session{
		ChainID:     chain.Mainnet,
		User:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Flow:        TokenSwap{},
		Source:      usdc,
		Destination: gho,
		Provider:    ProviderAuction,
		Intent: Intent{
			Side:        SideSell,
			OrderType:   OrderMarket,
			InputAmount: uint256.NewInt(100_000_000),
		},
	})
	require.NoError(t, err)
	return sess
}

func TestGuardIndependence(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)

	_, err := store.Apply(sess.ID, Patch{Guards: map[GuardReason]*GuardError{
		GuardInsufficientBalance: {Reason: GuardInsufficientBalance, Message: "余额不足", ActionBlocked: true},
	}})
	require.NoError(t, err)

	got, err := store.Apply(sess.ID, Patch{Guards: map[GuardReason]*GuardError{
		GuardSupplyCap: {Reason: GuardSupplyCap, Message: "供应上限", ActionBlocked: true},
	}})
	require.NoError(t, err)
	assert.True(t, got.Guards.ActionsBlocked[GuardInsufficientBalance])
	assert.True(t, got.Guards.ActionsBlocked[GuardSupplyCap])
	assert.Equal(t, GuardInsufficientBalance, got.Guards.Active().Reason)

	got, err = store.Apply(sess.ID, Patch{Guards: map[GuardReason]*GuardError{GuardSupplyCap: nil}})
	require.NoError(t, err)
	assert.True(t, got.Guards.ActionsBlocked[GuardInsufficientBalance])
	_, present := got.Guards.ActionsBlocked[GuardSupplyCap]
	assert.False(t, present)

	got, err = store.Apply(sess.ID, Patch{Guards: map[GuardReason]*GuardError{
		GuardSupplyCap:           {Reason: GuardSupplyCap, ActionBlocked: true},
		GuardInsufficientBalance: nil,
	}})
	require.NoError(t, err)
	assert.True(t, got.Guards.Blocked())
	assert.Equal(t, GuardSupplyCap, got.Guards.Active().Reason)
}

func TestSupersededQuoteIsDropped(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)

	k1 := sess.InputKey()
	sess, err := store.Apply(sess.ID, Patch{FetchKey: Set(k1)})
	require.NoError(t, err)

	intent := sess.Intent
	intent.InputAmount = uint256.NewInt(200_000_000)
	sess, err = store.Apply(sess.ID, Patch{Intent: Set(intent)})
	require.NoError(t, err)
	k2 := sess.InputKey()
	_, err = store.Apply(sess.ID, Patch{FetchKey: Set(k2)})
	require.NoError(t, err)

	stale := &Quote{Provider: ProviderAuction, Key: k1, DestSpotAmount: uint256.NewInt(1)}
	got, err := store.Apply(sess.ID, Patch{Quote: Set(stale), ExpectFetchKey: Set(k1)})
	require.ErrorIs(t, err, ErrSuperseded)
	assert.Nil(t, got.Quote)

	fresh := &Quote{Provider: ProviderAuction, Key: k2, DestSpotAmount: uint256.NewInt(2)}
	got, err = store.Apply(sess.ID, Patch{Quote: Set(fresh), ExpectFetchKey: Set(k2)})
	require.NoError(t, err)
	require.NotNil(t, got.Quote)
	assert.Equal(t, uint64(2), got.Quote.DestSpotAmount.Uint64())
}

func TestInputChangeMovesFetchKey(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)
	k1 := sess.InputKey()
	sess, err := store.Apply(sess.ID, Patch{FetchKey: Set(k1)})
	require.NoError(t, err)

	intent := sess.Intent
	intent.InputAmount = uint256.NewInt(300_000_000)
	sess, err = store.Apply(sess.ID, Patch{Intent: Set(intent)})
	require.NoError(t, err)
	assert.Equal(t, sess.InputKey(), sess.FetchKey)

	_, err = store.Apply(sess.ID, Patch{Quote: Set(&Quote{Key: k1}), ExpectFetchKey: Set(k1)})
	require.ErrorIs(t, err, ErrSuperseded)
}

func TestSuggestedSlippageRespectsOverride(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)

	got, err := store.Apply(sess.ID, Patch{SuggestedSlippage: Set(uint32(80))})
	require.NoError(t, err)
	assert.Equal(t, uint32(80), got.Intent.SlippageBps)

	intent := got.Intent
	intent.SlippageBps = 250
	intent.SlippageOverridden = true
	_, err = store.Apply(sess.ID, Patch{Intent: Set(intent)})
	require.NoError(t, err)

	got, err = store.Apply(sess.ID, Patch{SuggestedSlippage: Set(uint32(80))})
	require.NoError(t, err)
	assert.Equal(t, uint32(250), got.Intent.SlippageBps)
	assert.True(t, got.Intent.SlippageOverridden)
}

func TestInputChangeClearsQuoteAndApproval(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)
	key := sess.InputKey()

	sig := &PermitSignature{Token: usdc.AddressToSwap, Amount: uint256.NewInt(100_000_000)}
	sess, err := store.Apply(sess.ID, Patch{
		FetchKey: Set(key),
		Quote:    Set(&Quote{Key: key}),
		Approval: Set(ApprovalRecord{State: ApprovalSufficient, Signature: sig}),
	})
	require.NoError(t, err)
	require.NotNil(t, sess.Quote)

	intent := sess.Intent
	intent.InputAmount = uint256.NewInt(5)
	sess, err = store.Apply(sess.ID, Patch{Intent: Set(intent)})
	require.NoError(t, err)
	assert.Nil(t, sess.Quote)
	assert.Equal(t, ApprovalUnknown, sess.Approval.State)
	assert.Nil(t, sess.Approval.Signature)
}

func TestFlowDiscriminantIsImmutable(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)

	_, err := store.Apply(sess.ID, Patch{Reserves: Set(ReservePair{})})
	require.ErrorIs(t, err, ErrFlowImmutable)

	flow, err := NewFlow(FlowDebtSwap, Reserve{Symbol: "A"}, Reserve{Symbol: "B"})
	require.NoError(t, err)
	pos, err := store.Create(Session{Flow: flow, ChainID: chain.Mainnet})
	require.NoError(t, err)

	got, err := store.Apply(pos.ID, Patch{Reserves: Set(ReservePair{Source: Reserve{Symbol: "A2"}, Destination: Reserve{Symbol: "B2"}})})
	require.NoError(t, err)
	p, ok := got.Position()
	require.True(t, ok)
	assert.Equal(t, FlowDebtSwap, p.Kind())
	assert.Equal(t, "A2", p.SourceReserve.Symbol)
}

func TestProviderLockIgnoresReselection(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)

	_, err := store.Apply(sess.ID, Patch{ProviderLocked: Set(true)})
	require.NoError(t, err)
	got, err := store.Apply(sess.ID, Patch{Provider: Set(ProviderAggregator)})
	require.NoError(t, err)
	assert.Equal(t, ProviderAuction, got.Provider)
}

func TestOrderTransitionsAreMonotonic(t *testing.T) {
	store := NewStore()
	sess := newTestSession(t, store)

	filled := &OrderRecord{ID: "0x01", Status: OrderFilled}
	_, err := store.Apply(sess.ID, Patch{Order: Set(filled)})
	require.NoError(t, err)

	got, err := store.Apply(sess.ID, Patch{Order: Set(&OrderRecord{ID: "0x01", Status: OrderOpen})})
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, got.Order.Status)

	assert.True(t, OrderOpen.CanTransition(OrderCancelled))
	assert.False(t, OrderExpired.CanTransition(OrderFilled))
}

func TestComputeSurplus(t *testing.T) {
	sell := OrderRecord{Kind: SideSell, BuyAmount: uint256.NewInt(90), ExecutedBuyAmount: uint256.NewInt(95)}
	assert.Equal(t, big.NewInt(5), sell.ComputeSurplus())

	buy := OrderRecord{Kind: SideBuy, SellAmount: uint256.NewInt(110), ExecutedSellAmount: uint256.NewInt(112)}
	assert.Equal(t, big.NewInt(-2), buy.ComputeSurplus())

	assert.Nil(t, OrderRecord{Kind: SideSell}.ComputeSurplus())
}

func TestClassifyExecution(t *testing.T) {
	denied := ClassifyExecution(errors.New("User rejected the request"), nil)
	assert.Equal(t, ExecUserDenied, denied.Kind)
	assert.True(t, denied.Informational())

	gas := ClassifyExecution(fmt.Errorf("send: %w", errors.New("gas required exceeds allowance")), nil)
	assert.Equal(t, ExecGasEstimation, gas.Kind)
	assert.NotEmpty(t, gas.Tip)

	drift := ClassifyExecution(fmt.Errorf("executor: %w", ErrParamsDrift), nil)
	assert.Equal(t, ExecDrift, drift.Kind)

	provider := ClassifyExecution(errors.New("InsufficientBalance"), func(error) string { return "余额不足" })
	assert.Equal(t, ExecProvider, provider.Kind)
	assert.Equal(t, "余额不足", provider.Message)

	assert.Nil(t, ClassifyExecution(nil, nil))
}

func TestFlowKindProperties(t *testing.T) {
	assert.True(t, FlowDebtSwap.Inverted())
	assert.True(t, FlowRepayWithCollateral.Inverted())
	assert.False(t, FlowCollateralSwap.Inverted())
	assert.False(t, FlowWithdrawAndSwap.RequiresFlashLoan())
	assert.False(t, FlowTokenSwap.IsPosition())

	kind, err := ParseFlowKind("Debt_Swap")
	require.NoError(t, err)
	assert.Equal(t, FlowDebtSwap, kind)
}
