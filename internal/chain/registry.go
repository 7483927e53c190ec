package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"swap-router/internal/config"
)

// ID 为 EVM 链编号。
type ID uint64

const (
	Mainnet  ID = 1
	Gnosis   ID = 100
	Polygon  ID = 137
	Base     ID = 8453
	Arbitrum ID = 42161
	Sepolia  ID = 11155111
)

// NativePlaceholder 是场所 API 约定的原生资产占位地址。
var NativePlaceholder = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var (
	defaultSettlement   = common.HexToAddress("0x9008D19f58AAbD9eD0D60971565AA8510560ab41")
	defaultVaultRelayer = common.HexToAddress("0xC92E8bdf79f0507f65a392b0ab4667716BFE0110")
	defaultEthFlow      = common.HexToAddress("0xbA3cB449bD2B4ADddBc894D8697F5170800EAdeC")
)

var defaultWrappedNative = map[ID]common.Address{
	Mainnet:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
	Gnosis:   common.HexToAddress("0xe91D153E0b41518A2Ce8Dd3D7944Fa863463a97d"),
	Polygon:  common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"),
	Base:     common.HexToAddress("0x4200000000000000000000000000000000000006"),
	Arbitrum: common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
	Sepolia:  common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"),
}

var defaultPermits = map[ID]map[common.Address]PermitDomain{
	Mainnet: {
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): {Name: "USD Coin", Version: "2"},
	},
}

// PermitDomain 是 EIP-2612 签名域的名称与版本。
type PermitDomain struct {
	Name    string
	Version string
}

// Info 描述单条链上与路由相关的元数据。
type Info struct {
	ID                  ID
	Name                string
	RPCURL              string
	WrappedNative       common.Address
	AuctionNetwork      string
	AggregatorSupported bool
	Settlement          common.Address
	VaultRelayer        common.Address
	EthFlow             common.Address

	resetTokens map[common.Address]struct{}
	permits     map[common.Address]PermitDomain
	adapters    map[string]common.Address
}

// AuctionSupported 表示拍卖场所是否覆盖该链。
func (i Info) AuctionSupported() bool {
	return i.AuctionNetwork != ""
}

// RequiresApprovalReset 表示代币拒绝非零到非零的授权变更。
func (i Info) RequiresApprovalReset(token common.Address) bool {
	_, ok := i.resetTokens[token]
	return ok
}

// Permit 返回代币的 permit 签名域。
func (i Info) Permit(token common.Address) (PermitDomain, bool) {
	d, ok := i.permits[token]
	return d, ok
}

// Adapter 返回聚合器场所下仓位流程使用的适配器合约。
func (i Info) Adapter(flow string) (common.Address, bool) {
	addr, ok := i.adapters[flow]
	return addr, ok
}

// Registry 保存已配置的链。
type Registry struct {
	chains map[ID]Info
}

// NewRegistry 根据配置构建链注册表，缺省地址使用内置值。
func NewRegistry(cfgs []config.ChainConfig) (*Registry, error) {
	r := &Registry{chains: make(map[ID]Info, len(cfgs))}
	for _, c := range cfgs {
		info, err := buildInfo(c)
		if err != nil {
			return nil, err
		}
		r.chains[info.ID] = info
	}
	return r, nil
}

func buildInfo(c config.ChainConfig) (Info, error) {
	id := ID(c.ID)
	info := Info{
		ID:                  id,
		Name:                c.Name,
		RPCURL:              c.RPCURL,
		AuctionNetwork:      strings.TrimSpace(c.AuctionNetwork),
		AggregatorSupported: c.AggregatorSupported,
		WrappedNative:       defaultWrappedNative[id],
		Settlement:          defaultSettlement,
		VaultRelayer:        defaultVaultRelayer,
		EthFlow:             defaultEthFlow,
		resetTokens:         make(map[common.Address]struct{}),
		permits:             make(map[common.Address]PermitDomain),
		adapters:            make(map[string]common.Address),
	}

	overrides := []struct {
		field string
		value string
		dst   *common.Address
	}{
		{"wrapped_native", c.WrappedNative, &info.WrappedNative},
		{"settlement", c.Settlement, &info.Settlement},
		{"vault_relayer", c.VaultRelayer, &info.VaultRelayer},
		{"eth_flow", c.EthFlow, &info.EthFlow},
	}
	for _, o := range overrides {
		if o.value == "" {
			continue
		}
		addr, err := ParseAddress(o.value)
		if err != nil {
			return Info{}, fmt.Errorf("chain: %d.%s: %w", c.ID, o.field, err)
		}
		*o.dst = addr
	}

	for _, raw := range c.ApprovalResetTokens {
		addr, err := ParseAddress(raw)
		if err != nil {
			return Info{}, fmt.Errorf("chain: %d.approval_reset_tokens: %w", c.ID, err)
		}
		info.resetTokens[addr] = struct{}{}
	}

	for token, domain := range defaultPermits[id] {
		info.permits[token] = domain
	}
	for _, p := range c.PermitTokens {
		addr, err := ParseAddress(p.Address)
		if err != nil {
			return Info{}, fmt.Errorf("chain: %d.permit_tokens: %w", c.ID, err)
		}
		version := p.Version
		if version == "" {
			version = "1"
		}
		info.permits[addr] = PermitDomain{Name: p.Name, Version: version}
	}

	for flow, raw := range c.Adapters {
		addr, err := ParseAddress(raw)
		if err != nil {
			return Info{}, fmt.Errorf("chain: %d.adapters.%s: %w", c.ID, flow, err)
		}
		info.adapters[flow] = addr
	}

	return info, nil
}

// Get 查询链信息。
func (r *Registry) Get(id ID) (Info, bool) {
	info, ok := r.chains[id]
	return info, ok
}

// IDs 返回已配置链编号（升序）。
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsNative 判断地址是否为原生资产占位地址。
func IsNative(addr common.Address) bool {
	return addr == NativePlaceholder
}

// ParseAddress 校验并解析十六进制地址。
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("无效地址 %q", raw)
	}
	return common.HexToAddress(raw), nil
}
