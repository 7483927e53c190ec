package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/config"
)

func TestNewRegistryAppliesDefaults(t *testing.T) {
	reg, err := NewRegistry([]config.ChainConfig{
		{ID: 1, Name: "mainnet", AuctionNetwork: "mainnet", ApprovalResetTokens: []string{"0xdAC17F958D2ee523a2206206994597C13D831ec7"}},
		{ID: 137, Name: "polygon", AggregatorSupported: true},
	})
	require.NoError(t, err)

	main, ok := reg.Get(Mainnet)
	require.True(t, ok)
	assert.True(t, main.AuctionSupported())
	assert.Equal(t, defaultSettlement, main.Settlement)
	assert.Equal(t, common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), main.WrappedNative)
	assert.True(t, main.RequiresApprovalReset(common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")))

	domain, ok := main.Permit(common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"))
	require.True(t, ok)
	assert.Equal(t, "2", domain.Version)

	poly, ok := reg.Get(Polygon)
	require.True(t, ok)
	assert.False(t, poly.AuctionSupported())
	assert.Equal(t, []ID{Mainnet, Polygon}, reg.IDs())
}

func TestNewRegistryRejectsBadAddress(t *testing.T) {
	_, err := NewRegistry([]config.ChainConfig{{ID: 1, Settlement: "0x1234"}})
	require.Error(t, err)
}

func TestAdapterLookup(t *testing.T) {
	reg, err := NewRegistry([]config.ChainConfig{{
		ID:       1,
		Adapters: map[string]string{"debt_swap": "0x00000000000000000000000000000000000000d1"},
	}})
	require.NoError(t, err)

	info, _ := reg.Get(Mainnet)
	addr, ok := info.Adapter("debt_swap")
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000d1"), addr)

	_, ok = info.Adapter("collateral_swap")
	assert.False(t, ok)
}
