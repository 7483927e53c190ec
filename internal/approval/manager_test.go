package approval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/swap"
	"swap-router/internal/wallet"
)

var (
	usdt    = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	usdc    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	relayer = common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110")
)

type fakeReader struct {
	mu        sync.Mutex
	allowance map[common.Address]*uint256.Int
	reads     int32
	gate      chan struct{}
}

func (f *fakeReader) Allowance(ctx context.Context, _ chain.ID, token, _, _ common.Address) (*uint256.Int, error) {
	atomic.AddInt32(&f.reads, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return amount.Clone(f.allowance[token]), nil
}

func (f *fakeReader) BorrowAllowance(ctx context.Context, id chain.ID, token, owner, spender common.Address) (*uint256.Int, error) {
	return f.Allowance(ctx, id, token, owner, spender)
}

func (f *fakeReader) Nonce(context.Context, chain.ID, common.Address, common.Address) (*uint256.Int, error) {
	return uint256.NewInt(7), nil
}

func newTestManager(t *testing.T, reader *fakeReader, preferPermit bool) *Manager {
	t.Helper()
	reg, err := chain.NewRegistry([]config.ChainConfig{{ID: 1, ApprovalResetTokens: []string{usdt.Hex()}}})
	require.NoError(t, err)
	return NewManager(config.ApprovalConfig{CacheTTL: time.Minute, PreferPermit: preferPermit, PermitDeadline: time.Hour}, reg, reader, nil)
}

func key(token common.Address) swap.ApprovalKey {
	return swap.ApprovalKey{
		ChainID: chain.Mainnet,
		Owner:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Token:   token,
		Spender: relayer,
	}
}

func TestCheckDeduplicatesConcurrentReads(t *testing.T) {
	reader := &fakeReader{allowance: map[common.Address]*uint256.Int{usdc: uint256.NewInt(10)}, gate: make(chan struct{})}
	m := newTestManager(t, reader, false)

	var wg sync.WaitGroup
	records := make([]swap.ApprovalRecord, 5)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := m.Check(context.Background(), Request{Key: key(usdc), Amount: uint256.NewInt(5)})
			assert.NoError(t, err)
			records[i] = rec
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(reader.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.reads))
	for _, rec := range records {
		assert.Equal(t, swap.ApprovalSufficient, rec.State)
	}

	// 缓存有效期内同一 (键, 金额) 不再读取。
	_, err := m.Check(context.Background(), Request{Key: key(usdc), Amount: uint256.NewInt(5)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.reads))

	m.Invalidate(key(usdc))
	_, err = m.Check(context.Background(), Request{Key: key(usdc), Amount: uint256.NewInt(5)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&reader.reads))
}

func TestResetPredicateIsAuthoritative(t *testing.T) {
	reader := &fakeReader{allowance: map[common.Address]*uint256.Int{usdt: uint256.NewInt(100), usdc: uint256.NewInt(100)}}
	m := newTestManager(t, reader, false)

	rec, err := m.Check(context.Background(), Request{Key: key(usdt), Amount: uint256.NewInt(200)})
	require.NoError(t, err)
	assert.True(t, rec.RequiresReset)
	assert.Equal(t, swap.ApprovalNeedsResetThenApproval, rec.State)

	txs, err := m.Transactions(rec)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	reset, _ := wallet.ApproveCallData(relayer, new(uint256.Int))
	assert.Equal(t, reset, txs[0].Data)

	rec, err = m.Check(context.Background(), Request{Key: key(usdc), Amount: uint256.NewInt(200)})
	require.NoError(t, err)
	assert.False(t, rec.RequiresReset)
	assert.Equal(t, swap.ApprovalNeedsApproval, rec.State)
	txs, err = m.Transactions(rec)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	info, _ := m.chains.Get(chain.Mainnet)
	assert.False(t, RequiresReset(info, key(usdt), uint256.NewInt(0), uint256.NewInt(200)))
	assert.False(t, RequiresReset(info, key(usdt), uint256.NewInt(200), uint256.NewInt(200)))
}

func TestPermitShortCircuitsRead(t *testing.T) {
	reader := &fakeReader{allowance: map[common.Address]*uint256.Int{}}
	m := newTestManager(t, reader, true)

	signer, err := wallet.NewKeySigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", nil, nil)
	require.NoError(t, err)
	k := key(usdc)
	k.Owner = signer.Address()

	require.True(t, m.PermitAvailable(chain.Mainnet, swap.ApprovalAllowance, swap.Token{AddressToSwap: usdc}))
	permit, err := m.SignPermit(context.Background(), signer, PermitRequest{Key: k, Kind: swap.ApprovalAllowance, Amount: uint256.NewInt(500)})
	require.NoError(t, err)

	rec, err := m.Check(context.Background(), Request{Key: k, Kind: swap.ApprovalAllowance, Amount: uint256.NewInt(500), Permit: permit})
	require.NoError(t, err)
	assert.Equal(t, swap.ApprovalSufficient, rec.State)
	assert.Equal(t, int32(0), atomic.LoadInt32(&reader.reads))

	// 金额变化后旧签名不再生效。
	rec, err = m.Check(context.Background(), Request{Key: k, Kind: swap.ApprovalAllowance, Amount: uint256.NewInt(501), Permit: permit})
	require.NoError(t, err)
	assert.Equal(t, swap.ApprovalNeedsApproval, rec.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reader.reads))

	info, _ := m.chains.Get(chain.Mainnet)
	data := permitTypedData(info.ID, "USD Coin", "2", PermitRequest{Key: k, Kind: swap.ApprovalAllowance, Amount: uint256.NewInt(500)}, uint256.NewInt(7), permit.Deadline)
	hash, _, err := apitypes.TypedDataAndHash(data)
	require.NoError(t, err)
	raw := append([]byte(nil), permit.Signature...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(hash, raw)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub))
}

func TestDelegationTransactions(t *testing.T) {
	m := newTestManager(t, &fakeReader{}, false)
	rec := swap.ApprovalRecord{Key: key(usdc), Kind: swap.ApprovalDelegation, State: swap.ApprovalNeedsApproval, RequiredAmount: uint256.NewInt(9)}
	txs, err := m.Transactions(rec)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	want, _ := wallet.ApproveDelegationCallData(relayer, uint256.NewInt(9))
	assert.Equal(t, want, txs[0].Data)
	assert.Equal(t, usdc, txs[0].To)
}
