package auction

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const appDataVersion = "1.3.0"

// OrderClass 为订单类别。
type OrderClass string

const (
	ClassMarket OrderClass = "market"
	ClassLimit  OrderClass = "limit"
)

// Hook 为结算前后执行的合约调用。
type Hook struct {
	CallData string         `json:"callData"`
	GasLimit string         `json:"gasLimit"`
	Target   common.Address `json:"target"`
}

// FlashLoanHint 告知求解器订单需要闪电贷，字段按 JSON 键的字典序声明。
type FlashLoanHint struct {
	Amount        string         `json:"amount"`
	Borrower      common.Address `json:"borrower"`
	HelperFactory common.Address `json:"helperFactory"`
	Lender        common.Address `json:"lender"`
	ProtocolFee   string         `json:"protocolFee,omitempty"`
	Token         common.Address `json:"token"`
}

// AppDataParams 为附加数据文档的可变部分。
type AppDataParams struct {
	AppCode             string
	Environment         string
	Class               OrderClass
	SlippageBps         uint32
	PartnerFeeBps       uint32
	PartnerFeeRecipient common.Address
	FlashLoan           *FlashLoanHint
	PreHooks            []Hook
	PostHooks           []Hook
}

// AppData 为已序列化的附加数据文档及其哈希。
type AppData struct {
	Document string
	Hash     common.Hash
}

// BuildAppData 生成附加数据文档。键按字典序输出，哈希为文档的 keccak256。
func BuildAppData(p AppDataParams) (AppData, error) {
	metadata := map[string]interface{}{
		"orderClass": map[string]interface{}{"orderClass": string(p.Class)},
		"quote":      map[string]interface{}{"slippageBips": p.SlippageBps},
	}
	if p.PartnerFeeBps > 0 && p.PartnerFeeRecipient != (common.Address{}) {
		metadata["partnerFee"] = map[string]interface{}{
			"bps":       p.PartnerFeeBps,
			"recipient": p.PartnerFeeRecipient.Hex(),
		}
	}
	if p.FlashLoan != nil {
		metadata["flashloan"] = p.FlashLoan
	}
	if len(p.PreHooks) > 0 || len(p.PostHooks) > 0 {
		hooks := map[string]interface{}{"version": "0.1.0"}
		if len(p.PreHooks) > 0 {
			hooks["pre"] = p.PreHooks
		}
		if len(p.PostHooks) > 0 {
			hooks["post"] = p.PostHooks
		}
		metadata["hooks"] = hooks
	}

	doc := map[string]interface{}{
		"appCode":  p.AppCode,
		"metadata": metadata,
		"version":  appDataVersion,
	}
	if p.Environment != "" {
		doc["environment"] = p.Environment
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return AppData{}, fmt.Errorf("auction: 序列化附加数据失败: %w", err)
	}
	return AppData{Document: string(raw), Hash: crypto.Keccak256Hash(raw)}, nil
}
