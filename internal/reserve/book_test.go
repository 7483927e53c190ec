package reserve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/chain"
	"swap-router/internal/swap"
)

var (
	user = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type fakeReader struct {
	mu       sync.Mutex
	balances map[common.Address]uint64
	calls    int
	err      error
}

func (r *fakeReader) BalanceOf(_ context.Context, _ chain.ID, token, _ common.Address) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return uint256.NewInt(r.balances[token]), nil
}

func TestObserveUnknownAccount(t *testing.T) {
	book := NewBook(nil, time.Minute, nil)
	_, err := book.Observe(context.Background(), 1, user)
	assert.ErrorIs(t, err, ErrNotObserved)
}

func TestObserveReturnsPushedSnapshot(t *testing.T) {
	book := NewBook(nil, time.Minute, nil)
	book.Put(Snapshot{
		ChainID:  1,
		User:     user,
		Balances: map[common.Address]*uint256.Int{usdc: uint256.NewInt(500)},
		Reserves: []swap.Reserve{
			{Underlying: usdc, Symbol: "USDC", UsedAsCollateral: true},
			{Underlying: weth, Symbol: "WETH"},
		},
	})

	snap, err := book.Observe(context.Background(), 1, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), snap.Balance(usdc).Uint64())
	assert.Nil(t, snap.Balance(weth))
	r, ok := snap.Reserve(weth)
	require.True(t, ok)
	assert.Equal(t, "WETH", r.Symbol)
	require.Len(t, snap.Collateral(), 1)
	assert.Equal(t, "USDC", snap.Collateral()[0].Symbol)
}

func TestInvalidateRefreshesBalances(t *testing.T) {
	reader := &fakeReader{balances: map[common.Address]uint64{usdc: 700}}
	book := NewBook(reader, time.Hour, nil)
	book.Put(Snapshot{ChainID: 1, User: user, Balances: map[common.Address]*uint256.Int{usdc: uint256.NewInt(500)}})

	snap, err := book.Observe(context.Background(), 1, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), snap.Balance(usdc).Uint64())
	assert.Zero(t, reader.calls)

	book.Invalidate(context.Background(), 1, user)
	snap, err = book.Observe(context.Background(), 1, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), snap.Balance(usdc).Uint64())
	assert.Equal(t, 1, reader.calls)

	_, err = book.Observe(context.Background(), 1, user)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
}

func TestTrackReadsNewTokens(t *testing.T) {
	reader := &fakeReader{balances: map[common.Address]uint64{usdc: 42, weth: 7}}
	book := NewBook(reader, time.Hour, nil)
	book.Track(1, user, usdc, weth)

	snap, err := book.Observe(context.Background(), 1, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.Balance(usdc).Uint64())
	assert.Equal(t, uint64(7), snap.Balance(weth).Uint64())
}

func TestRefreshFailureKeepsCachedSnapshot(t *testing.T) {
	reader := &fakeReader{err: errors.New("rpc down")}
	book := NewBook(reader, time.Hour, nil)
	book.Put(Snapshot{ChainID: 1, User: user, Balances: map[common.Address]*uint256.Int{usdc: uint256.NewInt(500)}})
	book.Invalidate(context.Background(), 1, user)

	snap, err := book.Observe(context.Background(), 1, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), snap.Balance(usdc).Uint64())
}
