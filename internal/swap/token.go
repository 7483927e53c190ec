package swap

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"swap-router/internal/chain"
)

// TokenType 描述可兑换资产的类别。
type TokenType string

const (
	TokenNative     TokenType = "NATIVE"
	TokenERC20      TokenType = "ERC20"
	TokenUserCustom TokenType = "USER_CUSTOM"
	TokenAToken     TokenType = "A_TOKEN"
)

// ParseTokenType 解析资产类别，空值视为 ERC20。
func ParseTokenType(raw string) TokenType {
	switch TokenType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TokenNative:
		return TokenNative
	case TokenUserCustom:
		return TokenUserCustom
	case TokenAToken:
		return TokenAToken
	default:
		return TokenERC20
	}
}

// Token 为可兑换资产。AddressToSwap 是实际转移的资产，可能是底层资产的包装代币；
// 报价使用 UnderlyingAddress。
type Token struct {
	AddressToSwap     common.Address `json:"addressToSwap"`
	UnderlyingAddress common.Address `json:"underlyingAddress"`
	Decimals          uint8          `json:"decimals"`
	Symbol            string         `json:"symbol"`
	Balance           *uint256.Int   `json:"balance"`
	ChainID           chain.ID       `json:"chainId"`
	Type              TokenType      `json:"tokenType"`
}

// IsNative 表示原生资产。
func (t Token) IsNative() bool {
	return t.Type == TokenNative || chain.IsNative(t.AddressToSwap)
}

// QuoteAddress 返回用于报价的地址。
func (t Token) QuoteAddress() common.Address {
	if t.IsNative() {
		return chain.NativePlaceholder
	}
	if t.UnderlyingAddress != (common.Address{}) {
		return t.UnderlyingAddress
	}
	return t.AddressToSwap
}

// SameAsset 判断两个资产是否指向同一底层资产。
func (t Token) SameAsset(other Token) bool {
	return t.ChainID == other.ChainID && t.QuoteAddress() == other.QuoteAddress()
}
