package execution

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/amount"
	"swap-router/internal/approval"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/flashloan"
	"swap-router/internal/normalizer"
	"swap-router/internal/swap"
	"swap-router/internal/venue/aggregator"
	"swap-router/internal/venue/auction"
	"swap-router/internal/wallet"
)

var (
	usdc    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai     = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	aUSDC   = common.HexToAddress("0x98C23E9d8f34FEFb1B7BD6a91B7FF122F4e16F5c")
	aDAI    = common.HexToAddress("0x018008bfb33d285247A21d44E50697654f754e63")
	proxy   = common.HexToAddress("0x216B4B4Ba9F3e719726886d34a177484278Bfcae")
	router  = common.HexToAddress("0x6A000F20005980200259B80c5102003040001068")
	adapter = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type fakePending struct {
	hash common.Hash
	wait func(ctx context.Context) error
}

func (p fakePending) Hash() common.Hash { return p.hash }

func (p fakePending) Wait(ctx context.Context, _ uint64) error {
	if p.wait == nil {
		return nil
	}
	return p.wait(ctx)
}

type fakeSigner struct {
	key     *ecdsa.PrivateKey
	mu      sync.Mutex
	sent    []wallet.TxRequest
	signErr error
	wait    func(ctx context.Context) error
	onSend  func()
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeSigner{key: key}
}

func (s *fakeSigner) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *fakeSigner) SendTransaction(_ context.Context, req wallet.TxRequest) (wallet.PendingTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	if s.onSend != nil {
		s.onSend()
	}
	return fakePending{hash: common.BigToHash(uint256.NewInt(uint64(len(s.sent))).ToBig()), wait: s.wait}, nil
}

func (s *fakeSigner) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *fakeSigner) IsSmartContractWallet(context.Context, chain.ID, common.Address) (bool, error) {
	return false, nil
}

func (s *fakeSigner) txs() []wallet.TxRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wallet.TxRequest(nil), s.sent...)
}

type fakeApprovals struct {
	mu          sync.Mutex
	allowance   map[swap.ApprovalKey]*uint256.Int
	approved    []swap.ApprovalRecord
	invalidated []swap.ApprovalKey
	permits     bool
	onApprove   func()
}

func (f *fakeApprovals) Check(_ context.Context, req approval.Request) (swap.ApprovalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Permit.Covers(req.Key, req.Amount) {
		return swap.ApprovalRecord{Key: req.Key, Kind: req.Kind, ApprovedAmount: amount.Clone(req.Amount), RequiredAmount: req.Amount, State: swap.ApprovalSufficient, Signature: req.Permit}, nil
	}
	current := amount.Clone(f.allowance[req.Key])
	rec := swap.ApprovalRecord{Key: req.Key, Kind: req.Kind, ApprovedAmount: current, RequiredAmount: req.Amount, State: swap.ApprovalNeedsApproval}
	if !amount.Less(current, req.Amount) {
		rec.State = swap.ApprovalSufficient
	}
	return rec, nil
}

func (f *fakeApprovals) Approve(_ context.Context, _ wallet.Signer, rec swap.ApprovalRecord) ([]string, error) {
	f.mu.Lock()
	if f.allowance == nil {
		f.allowance = make(map[swap.ApprovalKey]*uint256.Int)
	}
	f.allowance[rec.Key] = amount.Clone(rec.RequiredAmount)
	f.approved = append(f.approved, rec)
	hook := f.onApprove
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return []string{"0x01"}, nil
}

func (f *fakeApprovals) PermitAvailable(chain.ID, swap.ApprovalKind, swap.Token) bool {
	return f.permits
}

func (f *fakeApprovals) SignPermit(_ context.Context, _ wallet.Signer, req approval.PermitRequest) (*swap.PermitSignature, error) {
	if !f.permits {
		return nil, approval.ErrPermitUnavailable
	}
	return &swap.PermitSignature{
		Kind:     req.Kind,
		Token:    req.Key.Token,
		Spender:  req.Key.Spender,
		Amount:   amount.Clone(req.Amount),
		Deadline: 1_700_003_600,
		V:        27,
		R:        [32]byte{1},
		S:        [32]byte{2},
	}, nil
}

func (f *fakeApprovals) Invalidate(key swap.ApprovalKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, key)
}

type fakeAggregator struct {
	requests []aggregator.BuildRequest
}

func (f *fakeAggregator) BuildTransaction(_ context.Context, req aggregator.BuildRequest) (*aggregator.Transaction, error) {
	f.requests = append(f.requests, req)
	return &aggregator.Transaction{To: router, Data: "0xdeadbeef", Value: "0"}, nil
}

type fakeAuction struct {
	calls  []string
	posted []auction.OrderCreation
}

func (f *fakeAuction) AppData(p auction.AppDataParams) (auction.AppData, error) {
	p.AppCode = "test"
	return auction.BuildAppData(p)
}

func (f *fakeAuction) UploadAppData(context.Context, chain.ID, auction.AppData) error {
	f.calls = append(f.calls, "upload")
	return nil
}

func (f *fakeAuction) PostOrder(_ context.Context, _ chain.ID, order auction.OrderCreation) (string, error) {
	f.calls = append(f.calls, "post")
	f.posted = append(f.posted, order)
	return auction.ComputeUID(common.HexToHash("0x01"), order.From, order.ValidTo), nil
}

type fakeTracker struct {
	tracked []swap.OrderRecord
}

func (f *fakeTracker) Track(rec swap.OrderRecord) { f.tracked = append(f.tracked, rec) }

type harness struct {
	store     *swap.Store
	signer    *fakeSigner
	approvals *fakeApprovals
	agg       *fakeAggregator
	auction   *fakeAuction
	tracker   *fakeTracker
	exec      *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, Options{PartnerFeeBps: 15, DustMarginBps: 10})
}

func newHarnessWith(t *testing.T, opts Options) *harness {
	t.Helper()
	reg, err := chain.NewRegistry([]config.ChainConfig{{
		ID:                  1,
		AuctionNetwork:      "mainnet",
		AggregatorSupported: true,
		Adapters:            map[string]string{"collateral_swap": adapter.Hex(), "debt_swap": adapter.Hex()},
	}})
	require.NoError(t, err)
	helpers, err := flashloan.NewResolver(config.FlashLoanConfig{
		PremiumBps: 5,
		Deployments: []config.HelperDeploymentConfig{{
			ChainID:        1,
			Flow:           "collateral_swap",
			Factory:        "0x00000000000000000000000000000000000000f1",
			Implementation: "0x00000000000000000000000000000000000000e1",
		}},
	}, nil)
	require.NoError(t, err)

	h := &harness{
		store:     swap.NewStore(),
		signer:    newFakeSigner(t),
		approvals: &fakeApprovals{},
		agg:       &fakeAggregator{},
		auction:   &fakeAuction{},
		tracker:   &fakeTracker{},
	}
	h.exec, err = NewExecutor(Deps{
		Store:      h.store,
		Chains:     reg,
		Signer:     h.signer,
		Approvals:  h.approvals,
		Aggregator: h.agg,
		Auction:    h.auction,
		Helpers:    helpers,
		Tracker:    h.tracker,
	}, opts, nil)
	require.NoError(t, err)
	t.Cleanup(h.exec.Close)
	h.exec.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return h
}

func (h *harness) tokenSession(t *testing.T, provider swap.Provider, source swap.Token) swap.Session {
	t.Helper()
	sess, err := h.store.Create(swap.Session{
		ChainID:     chain.Mainnet,
		User:        h.signer.Address(),
		Flow:        swap.TokenSwap{},
		Source:      source,
		Destination: swap.Token{AddressToSwap: dai, Decimals: 18, ChainID: chain.Mainnet},
		Intent:      swap.Intent{Side: swap.SideSell, OrderType: swap.OrderMarket, InputAmount: uint256.NewInt(1_000_000_000), SlippageBps: 50},
		Provider:    provider,
	})
	require.NoError(t, err)
	return h.withQuote(t, sess, provider)
}

func (h *harness) withQuote(t *testing.T, sess swap.Session, provider swap.Provider) swap.Session {
	t.Helper()
	key := sess.InputKey()
	var payload swap.QuotePayload = &aggregator.PriceRoute{TokenTransferProxy: proxy, Side: "SELL", SrcAmount: "1000000000", DestAmount: "999000000000000000000"}
	if provider == swap.ProviderAuction {
		id := int64(42)
		payload = &auction.QuotePayload{ID: &id}
	}
	sess, err := h.store.Apply(sess.ID, swap.Patch{
		FetchKey: swap.Set(key),
		Quote: swap.Set(&swap.Quote{
			Provider:        provider,
			Key:             key,
			SrcSpotAmount:   uint256.NewInt(1_000_000_000),
			DestSpotAmount:  amount.MustFromString("999000000000000000000"),
			AfterFeesAmount: amount.MustFromString("999000000000000000000"),
			Payload:         payload,
			FetchedAt:       time.Unix(1_700_000_000, 0),
		}),
	})
	require.NoError(t, err)
	return sess
}

func usdcToken() swap.Token {
	return swap.Token{AddressToSwap: usdc, Decimals: 6, ChainID: chain.Mainnet, Balance: uint256.NewInt(5_000_000_000)}
}

func TestTokenSwapAggregatorApprovesThenSwaps(t *testing.T) {
	h := newHarness(t)
	sess := h.tokenSession(t, swap.ProviderAggregator, usdcToken())

	rec, err := h.exec.Execute(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.OrderFilled, rec.Status)
	assert.Equal(t, swap.ProviderAggregator, rec.Provider)

	require.Len(t, h.approvals.approved, 1)
	assert.Equal(t, proxy, h.approvals.approved[0].Key.Spender)
	assert.Equal(t, usdc, h.approvals.approved[0].Key.Token)

	txs := h.signer.txs()
	require.Len(t, txs, 1)
	assert.Equal(t, router, txs[0].To)
	require.Len(t, h.agg.requests, 1)
	assert.Equal(t, uint32(50), h.agg.requests[0].SlippageBps)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Tx.Succeeded)
	assert.False(t, got.Tx.InFlight)
	require.NotNil(t, got.Order)
	assert.Equal(t, rec.ID, got.Order.ID)
	assert.Empty(t, h.tracker.tracked)
}

func TestTokenSwapAuctionSignsAndTracks(t *testing.T) {
	h := newHarness(t)
	sess := h.tokenSession(t, swap.ProviderAuction, usdcToken())

	rec, err := h.exec.Execute(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.OrderOpen, rec.Status)
	assert.Equal(t, []string{"upload", "post"}, h.auction.calls)

	require.Len(t, h.auction.posted, 1)
	posted := h.auction.posted[0]
	assert.Equal(t, auction.SchemeEIP712, posted.SigningScheme)
	assert.Equal(t, h.signer.Address(), posted.From)
	assert.Equal(t, "1000000000", posted.SellAmount)
	require.NotNil(t, posted.QuoteID)
	assert.Equal(t, int64(42), *posted.QuoteID)

	require.Len(t, h.approvals.approved, 1)
	assert.Equal(t, common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110"), h.approvals.approved[0].Key.Spender)
	require.Len(t, h.tracker.tracked, 1)
	assert.Equal(t, rec.ID, h.tracker.tracked[0].ID)
}

func TestTokenSwapAuctionNativeUsesEthFlow(t *testing.T) {
	h := newHarness(t)
	native := swap.Token{AddressToSwap: chain.NativePlaceholder, Decimals: 18, ChainID: chain.Mainnet, Type: swap.TokenNative}
	sess := h.tokenSession(t, swap.ProviderAuction, native)

	rec, err := h.exec.Execute(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, h.auction.posted)
	assert.Empty(t, h.approvals.approved)

	txs := h.signer.txs()
	require.Len(t, txs, 1)
	info, _ := h.exec.deps.Chains.Get(chain.Mainnet)
	assert.Equal(t, info.EthFlow, txs[0].To)
	assert.Equal(t, "1000000000", amount.String(txs[0].Value))

	_, owner, validTo, err := auction.ParseUID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, info.EthFlow, owner)
	assert.Equal(t, uint32(0xffffffff), validTo)
}

func TestTokenSwapAuctionPresignForSmartContractWallet(t *testing.T) {
	h := newHarness(t)
	sess := h.tokenSession(t, swap.ProviderAuction, usdcToken())
	_, err := h.store.Apply(sess.ID, swap.Patch{SmartContractWallet: swap.Set(true)})
	require.NoError(t, err)

	rec, err := h.exec.Execute(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, h.auction.posted, 1)
	assert.Equal(t, auction.SchemePresign, h.auction.posted[0].SigningScheme)

	txs := h.signer.txs()
	require.Len(t, txs, 1)
	info, _ := h.exec.deps.Chains.Get(chain.Mainnet)
	assert.Equal(t, info.Settlement, txs[0].To)
	want, err := auction.PreSignatureCallData(rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, want, txs[0].Data)
}

func (h *harness) collateralSession(t *testing.T, provider swap.Provider) swap.Session {
	t.Helper()
	flow, err := swap.NewFlow(swap.FlowCollateralSwap,
		swap.Reserve{Underlying: usdc, AToken: aUSDC, Decimals: 6, LTVBps: 7500, FlashLoanEnabled: true, UserSupplied: uint256.NewInt(5_000_000_000)},
		swap.Reserve{Underlying: dai, AToken: aDAI, Decimals: 18, LTVBps: 7500, FlashLoanEnabled: true},
	)
	require.NoError(t, err)
	sess, err := h.store.Create(swap.Session{
		ChainID:     chain.Mainnet,
		User:        h.signer.Address(),
		Flow:        flow,
		Source:      swap.Token{AddressToSwap: aUSDC, UnderlyingAddress: usdc, Decimals: 6, ChainID: chain.Mainnet, Type: swap.TokenAToken},
		Destination: swap.Token{AddressToSwap: aDAI, UnderlyingAddress: dai, Decimals: 18, ChainID: chain.Mainnet, Type: swap.TokenAToken},
		Intent:      swap.Intent{Side: swap.SideSell, OrderType: swap.OrderMarket, InputAmount: uint256.NewInt(1_000_000_000), SlippageBps: 50},
		Provider:    provider,
	})
	require.NoError(t, err)
	return h.withQuote(t, sess, provider)
}

func TestPositionAuctionPostsHelperOrder(t *testing.T) {
	h := newHarness(t)
	sess := h.collateralSession(t, swap.ProviderAuction)

	plan, err := h.exec.BuildPlan(sess)
	require.NoError(t, err)
	helper, err := h.exec.helperAddress(plan)
	require.NoError(t, err)

	rec, err := h.exec.Execute(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, helper, rec.Owner)

	require.Len(t, h.approvals.approved, 1)
	assert.Equal(t, helper, h.approvals.approved[0].Key.Spender)
	assert.Equal(t, aUSDC, h.approvals.approved[0].Key.Token)
	fee := flashloan.Fee(plan.Amounts.FlashLoanAmount, 5)
	assert.Equal(t, amount.Add(plan.Amounts.SellAmount, fee).Dec(), h.approvals.approved[0].RequiredAmount.Dec())

	require.Len(t, h.auction.posted, 1)
	posted := h.auction.posted[0]
	assert.Equal(t, auction.SchemeEIP1271, posted.SigningScheme)
	assert.Equal(t, helper, posted.From)
	assert.Equal(t, helper, posted.Receiver)
	assert.Contains(t, posted.AppData, `"flashloan"`)
}

func TestPositionAuctionDriftResetsApproval(t *testing.T) {
	h := newHarness(t)
	sess := h.collateralSession(t, swap.ProviderAuction)
	stale := swap.ApprovalKey{ChainID: chain.Mainnet, Owner: sess.User, Token: aUSDC, Spender: common.HexToAddress("0x00000000000000000000000000000000000000bb")}
	_, err := h.store.Apply(sess.ID, swap.Patch{Approval: swap.Set(swap.ApprovalRecord{Key: stale, State: swap.ApprovalSufficient})})
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), sess.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, swap.ErrParamsDrift))
	assert.Empty(t, h.auction.posted)
	assert.Equal(t, []swap.ApprovalKey{stale}, h.approvals.invalidated)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.ApprovalUnknown, got.Approval.State)
	assert.False(t, got.Tx.InFlight)
	require.NotNil(t, got.Tx.Error)
	assert.Equal(t, swap.ExecDrift, got.Tx.Error.Kind)
}

func TestPositionAuctionDriftAfterApprovalInvalidatesHelperAllowance(t *testing.T) {
	h := newHarness(t)
	sess := h.collateralSession(t, swap.ProviderAuction)
	plan, err := h.exec.BuildPlan(sess)
	require.NoError(t, err)
	helper, err := h.exec.helperAddress(plan)
	require.NoError(t, err)

	// 授权确认期间报价刷新，有效期变化导致辅助合约地址变化。
	h.approvals.onApprove = func() {
		current, err := h.store.Get(sess.ID)
		require.NoError(t, err)
		refreshed := *current.Quote
		refreshed.FetchedAt = refreshed.FetchedAt.Add(time.Minute)
		_, err = h.store.Apply(sess.ID, swap.Patch{Quote: swap.Set(&refreshed)})
		require.NoError(t, err)
	}

	_, err = h.exec.Execute(context.Background(), sess.ID)
	require.ErrorIs(t, err, swap.ErrParamsDrift)
	assert.Empty(t, h.auction.posted)
	assert.Contains(t, h.approvals.invalidated, swap.ApprovalKey{ChainID: chain.Mainnet, Owner: sess.User, Token: aUSDC, Spender: helper})
}

func TestPositionAggregatorUsesPermitInsteadOfApproval(t *testing.T) {
	h := newHarness(t)
	h.approvals.permits = true
	sess := h.collateralSession(t, swap.ProviderAggregator)

	approved, err := h.exec.Approve(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.ApprovalSufficient, approved.Approval.State)
	require.NotNil(t, approved.Approval.Signature)
	assert.Equal(t, adapter, approved.Approval.Signature.Spender)
	assert.Equal(t, aUSDC, approved.Approval.Signature.Token)
	assert.Empty(t, h.signer.txs())

	plan, err := h.exec.BuildPlan(approved)
	require.NoError(t, err)

	rec, err := h.exec.Execute(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.OrderFilled, rec.Status)
	assert.Empty(t, h.approvals.approved)

	txs := h.signer.txs()
	require.Len(t, txs, 1)
	assert.Equal(t, adapter, txs[0].To)
	want, err := AdapterCallData(plan, []byte{0xde, 0xad, 0xbe, 0xef}, router, approved.Approval.Signature)
	require.NoError(t, err)
	assert.Equal(t, want, txs[0].Data)

	require.Len(t, h.agg.requests, 1)
	assert.Equal(t, adapter, h.agg.requests[0].Receiver)
}

func TestConfirmTimeoutKeepsSessionInFlight(t *testing.T) {
	h := newHarnessWith(t, Options{PartnerFeeBps: 15, DustMarginBps: 10, ConfirmTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	h.signer.wait = func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	settled := make(chan swap.OrderRecord, 1)
	h.exec.SetSettled(func(_ context.Context, rec swap.OrderRecord) { settled <- rec })
	sess := h.tokenSession(t, swap.ProviderAggregator, usdcToken())

	_, err := h.exec.Execute(context.Background(), sess.ID)
	require.ErrorIs(t, err, swap.ErrTxPending)
	var exec *swap.ExecutionError
	require.ErrorAs(t, err, &exec)
	assert.Equal(t, swap.ExecPending, exec.Kind)

	txs := h.signer.txs()
	require.Len(t, txs, 1)
	hash := common.BigToHash(uint256.NewInt(1).ToBig()).Hex()
	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Tx.InFlight)
	assert.Equal(t, hash, got.Tx.Hash)

	_, err = h.exec.Execute(context.Background(), sess.ID)
	assert.ErrorIs(t, err, swap.ErrTxInFlight)
	assert.Len(t, h.signer.txs(), 1)

	close(release)
	select {
	case rec := <-settled:
		assert.Equal(t, swap.OrderFilled, rec.Status)
		assert.Equal(t, hash, rec.TxHash)
	case <-time.After(time.Second):
		t.Fatal("后台确认未完成")
	}
	got, err = h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Tx.Succeeded)
	assert.False(t, got.Tx.InFlight)
	require.NotNil(t, got.Order)
	assert.Equal(t, hash, got.Order.ID)
}

func TestCanceledRequestStillWaitsForConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.signer.onSend = cancel
	h.signer.wait = func(ctx context.Context) error { return ctx.Err() }
	sess := h.tokenSession(t, swap.ProviderAggregator, usdcToken())

	rec, err := h.exec.Execute(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, swap.OrderFilled, rec.Status)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Tx.Succeeded)
	assert.Nil(t, got.Tx.Error)
}

func TestExecuteRejectsBlockedAndInFlight(t *testing.T) {
	h := newHarness(t)
	sess := h.tokenSession(t, swap.ProviderAggregator, usdcToken())

	_, err := h.store.Apply(sess.ID, swap.Patch{Guards: map[swap.GuardReason]*swap.GuardError{
		swap.GuardInsufficientBalance: {Reason: swap.GuardInsufficientBalance, Message: "余额不足", ActionBlocked: true},
	}})
	require.NoError(t, err)
	_, err = h.exec.Execute(context.Background(), sess.ID)
	assert.ErrorIs(t, err, swap.ErrActionBlocked)

	_, err = h.store.Apply(sess.ID, swap.Patch{
		Guards: map[swap.GuardReason]*swap.GuardError{swap.GuardInsufficientBalance: nil},
		Tx:     swap.Set(swap.TxState{InFlight: true}),
	})
	require.NoError(t, err)
	_, err = h.exec.Execute(context.Background(), sess.ID)
	assert.ErrorIs(t, err, swap.ErrTxInFlight)
	assert.Empty(t, h.signer.txs())
}

func TestUserDeniedIsInformational(t *testing.T) {
	h := newHarness(t)
	h.signer.signErr = swap.ErrUserDenied
	sess := h.tokenSession(t, swap.ProviderAuction, usdcToken())

	_, err := h.exec.Execute(context.Background(), sess.ID)
	require.Error(t, err)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Tx.Error)
	assert.True(t, got.Tx.Error.Informational())
	assert.False(t, got.Tx.InFlight)
	assert.Empty(t, h.auction.posted)
}

func TestAdapterCallDataOrdersDebtSwapArguments(t *testing.T) {
	plan := Plan{
		Session: swap.Session{Flow: swap.PositionSwap{Position: swap.FlowDebtSwap}},
		Amounts: normalizerResult(dai, usdc, 2_000, 1_000),
	}
	data, err := AdapterCallData(plan, []byte{0x01}, router, nil)
	require.NoError(t, err)

	method := adapterABI.Methods["swapDebt"]
	assert.Equal(t, method.ID, data[:4])
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, usdc, args[0])
	assert.Equal(t, dai, args[1])
	assert.Equal(t, "1000", args[2].(interface{ String() string }).String())
	assert.Equal(t, "2000", args[3].(interface{ String() string }).String())
	assert.Equal(t, router, args[5])
}

func normalizerResult(sell, buy common.Address, sellAmount, buyAmount uint64) normalizer.Result {
	return normalizer.Result{
		SellToken:     swap.Token{AddressToSwap: sell},
		BuyToken:      swap.Token{AddressToSwap: buy},
		ProcessedSide: swap.SideBuy,
		SellAmount:    uint256.NewInt(sellAmount),
		BuyAmount:     uint256.NewInt(buyAmount),
	}
}
