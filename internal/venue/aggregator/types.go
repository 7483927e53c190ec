package aggregator

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/swap"
)

// PriceRoute 是 /prices 返回的路由，构造交易时原样回传。
type PriceRoute struct {
	BlockNumber        uint64          `json:"blockNumber"`
	Network            uint64          `json:"network"`
	SrcToken           common.Address  `json:"srcToken"`
	SrcDecimals        uint8           `json:"srcDecimals"`
	SrcAmount          string          `json:"srcAmount"`
	DestToken          common.Address  `json:"destToken"`
	DestDecimals       uint8           `json:"destDecimals"`
	DestAmount         string          `json:"destAmount"`
	Side               string          `json:"side"`
	GasCost            string          `json:"gasCost"`
	GasCostUSD         string          `json:"gasCostUSD"`
	SrcUSD             string          `json:"srcUSD"`
	DestUSD            string          `json:"destUSD"`
	TokenTransferProxy common.Address  `json:"tokenTransferProxy"`
	ContractAddress    common.Address  `json:"contractAddress"`
	ContractMethod     string          `json:"contractMethod"`
	Partner            string          `json:"partner"`
	PartnerFee         uint32          `json:"partnerFee"`
	MaxImpactReached   bool            `json:"maxImpactReached"`
	HMAC               string          `json:"hmac"`
	BestRoute          json.RawMessage `json:"bestRoute"`

	raw json.RawMessage
}

// Provider 实现 swap.QuotePayload。
func (p *PriceRoute) Provider() swap.Provider {
	return swap.ProviderAggregator
}

// UnmarshalJSON 保留原始报文，构造交易时需要完整回传。
func (p *PriceRoute) UnmarshalJSON(data []byte) error {
	type plain PriceRoute
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PriceRoute(v)
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON 优先输出原始报文。
func (p PriceRoute) MarshalJSON() ([]byte, error) {
	if len(p.raw) > 0 {
		return p.raw, nil
	}
	type plain PriceRoute
	return json.Marshal(plain(p))
}

type pricesResponse struct {
	PriceRoute *PriceRoute `json:"priceRoute"`
	Error      string      `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// BuildRequest 描述 /transactions 构造参数。Amount 为方向对应的权威数量，SlippageBps 由场所应用。
type BuildRequest struct {
	ChainID       uint64
	Route         *PriceRoute
	User          common.Address
	Receiver      common.Address
	SlippageBps   uint32
	PartnerFeeBps uint32
	PartnerWallet common.Address
	// Adapter 非零时交易由仓位适配器发起，聚合器需要以适配器为 userAddress。
	Adapter common.Address
}

type buildBody struct {
	SrcToken       string      `json:"srcToken"`
	SrcDecimals    uint8       `json:"srcDecimals"`
	DestToken      string      `json:"destToken"`
	DestDecimals   uint8       `json:"destDecimals"`
	SrcAmount      string      `json:"srcAmount,omitempty"`
	DestAmount     string      `json:"destAmount,omitempty"`
	Slippage       uint32      `json:"slippage"`
	PriceRoute     *PriceRoute `json:"priceRoute"`
	UserAddress    string      `json:"userAddress"`
	Receiver       string      `json:"receiver,omitempty"`
	Partner        string      `json:"partner,omitempty"`
	PartnerAddress string      `json:"partnerAddress,omitempty"`
	PartnerFeeBps  uint32      `json:"partnerFeeBps,omitempty"`
	TakeSurplus    bool        `json:"takeSurplus,omitempty"`
}

// Transaction 是 /transactions 返回的待发送调用。
type Transaction struct {
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Value   string         `json:"value"`
	Data    string         `json:"data"`
	Gas     string         `json:"gas"`
	ChainID uint64         `json:"chainId"`
}

// ValueInt 解析 value 字段，空值为零。
func (t Transaction) ValueInt() (*uint256.Int, error) {
	if t.Value == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(t.Value)
}
