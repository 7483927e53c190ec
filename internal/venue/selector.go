package venue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/swap"
)

const wildcard = "ALL"

// HelperLookup 查询闪电贷辅助合约工厂是否部署。
type HelperLookup interface {
	Deployed(chainID chain.ID, flow swap.FlowKind) bool
}

// SelectInput 为场所选择输入。
type SelectInput struct {
	ChainID           chain.ID
	Source            common.Address
	Destination       common.Address
	Flow              swap.FlowKind
	FlashLoanRequired bool
	Locked            bool
	Current           swap.Provider
}

type unsupportedRule struct {
	flow      string
	allChains bool
	chainID   chain.ID
	allAssets bool
	assets    map[common.Address]struct{}
}

// Selector 在聚合器与拍卖场所之间做确定性选择。
type Selector struct {
	chains  *chain.Registry
	helpers HelperLookup
	rules   []unsupportedRule
}

// NewSelector 创建场所选择器。
func NewSelector(chains *chain.Registry, helpers HelperLookup, rules []config.UnsupportedAssetsConfig) (*Selector, error) {
	if chains == nil {
		return nil, fmt.Errorf("venue: 链注册表不能为空")
	}
	s := &Selector{chains: chains, helpers: helpers}
	for i, r := range rules {
		rule, err := parseRule(r)
		if err != nil {
			return nil, fmt.Errorf("venue: unsupported[%d]: %w", i, err)
		}
		s.rules = append(s.rules, rule)
	}
	return s, nil
}

func parseRule(r config.UnsupportedAssetsConfig) (unsupportedRule, error) {
	rule := unsupportedRule{
		flow:   strings.ToLower(strings.TrimSpace(r.Flow)),
		assets: make(map[common.Address]struct{}, len(r.Assets)),
	}
	if strings.EqualFold(rule.flow, wildcard) {
		rule.flow = wildcard
	}
	chainRaw := strings.TrimSpace(r.Chain)
	if strings.EqualFold(chainRaw, wildcard) {
		rule.allChains = true
	} else {
		id, err := strconv.ParseUint(chainRaw, 10, 64)
		if err != nil {
			return unsupportedRule{}, fmt.Errorf("无效链编号 %q", r.Chain)
		}
		rule.chainID = chain.ID(id)
	}
	for _, a := range r.Assets {
		if strings.EqualFold(strings.TrimSpace(a), wildcard) {
			rule.allAssets = true
			continue
		}
		addr, err := chain.ParseAddress(a)
		if err != nil {
			return unsupportedRule{}, err
		}
		rule.assets[addr] = struct{}{}
	}
	return rule, nil
}

func (r unsupportedRule) matches(flow swap.FlowKind, id chain.ID, assets ...common.Address) bool {
	if r.flow != wildcard && r.flow != string(flow) {
		return false
	}
	if !r.allChains && r.chainID != id {
		return false
	}
	if r.allAssets {
		return true
	}
	for _, a := range assets {
		if _, ok := r.assets[a]; ok {
			return true
		}
	}
	return false
}

// Select 返回应使用的场所，不支持时返回 ProviderNone。相同输入总是得到相同结果。
func (s *Selector) Select(in SelectInput) swap.Provider {
	if in.Locked && in.Current != swap.ProviderNone {
		return in.Current
	}

	info, ok := s.chains.Get(in.ChainID)
	if !ok {
		return swap.ProviderNone
	}

	auctionOK := info.AuctionSupported() && !s.auctionUnsupported(in)
	if auctionOK && (in.Flow.IsPosition() || in.FlashLoanRequired) {
		if s.helpers == nil || !s.helpers.Deployed(in.ChainID, in.Flow) {
			auctionOK = false
		}
	}
	if auctionOK {
		return swap.ProviderAuction
	}

	if s.aggregatorSupports(info, in.Flow) {
		return swap.ProviderAggregator
	}
	return swap.ProviderNone
}

func (s *Selector) auctionUnsupported(in SelectInput) bool {
	for _, r := range s.rules {
		if r.matches(in.Flow, in.ChainID, in.Source, in.Destination) {
			return true
		}
	}
	return false
}

func (s *Selector) aggregatorSupports(info chain.Info, flow swap.FlowKind) bool {
	if !info.AggregatorSupported {
		return false
	}
	if !flow.IsPosition() {
		return true
	}
	_, ok := info.Adapter(string(flow))
	return ok
}
