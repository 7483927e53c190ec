package auction

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swap-router/internal/swap"
)

// SigningScheme 为订单签名方式。
type SigningScheme string

const (
	SchemeEIP712  SigningScheme = "eip712"
	SchemeEthSign SigningScheme = "ethsign"
	SchemePresign SigningScheme = "presign"
	SchemeEIP1271 SigningScheme = "eip1271"
)

// OrderKind 为拍卖订单方向。
type OrderKind string

const (
	KindSell OrderKind = "sell"
	KindBuy  OrderKind = "buy"
)

// KindFromSide 将处理后方向映射为订单方向。
func KindFromSide(s swap.Side) OrderKind {
	if s == swap.SideBuy {
		return KindBuy
	}
	return KindSell
}

// PriceQuality 控制场所报价速度与精度的取舍。
type PriceQuality string

const (
	QualityFast     PriceQuality = "fast"
	QualityOptimal  PriceQuality = "optimal"
	QualityVerified PriceQuality = "verified"
)

type quoteBody struct {
	SellToken           string        `json:"sellToken"`
	BuyToken            string        `json:"buyToken"`
	Receiver            string        `json:"receiver,omitempty"`
	From                string        `json:"from"`
	Kind                OrderKind     `json:"kind"`
	SellAmountBeforeFee string        `json:"sellAmountBeforeFee,omitempty"`
	BuyAmountAfterFee   string        `json:"buyAmountAfterFee,omitempty"`
	AppData             string        `json:"appData,omitempty"`
	AppDataHash         string        `json:"appDataHash,omitempty"`
	SigningScheme       SigningScheme `json:"signingScheme"`
	OnchainOrder        bool          `json:"onchainOrder,omitempty"`
	PriceQuality        PriceQuality  `json:"priceQuality"`
	ValidFor            uint32        `json:"validFor,omitempty"`
	Timeout             uint32        `json:"timeout,omitempty"`
}

// OrderParameters 是报价返回并用于签名的订单参数。
type OrderParameters struct {
	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	Receiver          common.Address `json:"receiver"`
	SellAmount        string         `json:"sellAmount"`
	BuyAmount         string         `json:"buyAmount"`
	ValidTo           uint32         `json:"validTo"`
	AppData           string         `json:"appData"`
	FeeAmount         string         `json:"feeAmount"`
	Kind              OrderKind      `json:"kind"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	SellTokenBalance  string         `json:"sellTokenBalance"`
	BuyTokenBalance   string         `json:"buyTokenBalance"`
	SigningScheme     SigningScheme  `json:"signingScheme"`
}

type quoteResponse struct {
	Quote      OrderParameters `json:"quote"`
	From       common.Address  `json:"from"`
	Expiration time.Time       `json:"expiration"`
	ID         *int64          `json:"id"`
	Verified   bool            `json:"verified"`
}

// QuotePayload 为拍卖场所的报价载荷。
type QuotePayload struct {
	ID         *int64          `json:"id,omitempty"`
	Order      OrderParameters `json:"order"`
	Expiration time.Time       `json:"expiration"`
	Verified   bool            `json:"verified"`
}

// Provider 实现 swap.QuotePayload。
func (p *QuotePayload) Provider() swap.Provider {
	return swap.ProviderAuction
}

// OrderCreation 为 POST /orders 请求体。
type OrderCreation struct {
	SellToken         common.Address `json:"sellToken"`
	BuyToken          common.Address `json:"buyToken"`
	Receiver          common.Address `json:"receiver"`
	SellAmount        string         `json:"sellAmount"`
	BuyAmount         string         `json:"buyAmount"`
	ValidTo           uint32         `json:"validTo"`
	FeeAmount         string         `json:"feeAmount"`
	Kind              OrderKind      `json:"kind"`
	PartiallyFillable bool           `json:"partiallyFillable"`
	SellTokenBalance  string         `json:"sellTokenBalance"`
	BuyTokenBalance   string         `json:"buyTokenBalance"`
	SigningScheme     SigningScheme  `json:"signingScheme"`
	Signature         string         `json:"signature"`
	From              common.Address `json:"from"`
	QuoteID           *int64         `json:"quoteId,omitempty"`
	AppData           string         `json:"appData"`
	AppDataHash       string         `json:"appDataHash,omitempty"`
}

// OrderStatus 为场所侧订单状态。
type OrderStatus string

const (
	StatusOpen                OrderStatus = "open"
	StatusFulfilled           OrderStatus = "fulfilled"
	StatusCancelled           OrderStatus = "cancelled"
	StatusExpired             OrderStatus = "expired"
	StatusPresignaturePending OrderStatus = "presignaturePending"
)

// ToRecordStatus 将场所状态映射为本地订单状态。
func (s OrderStatus) ToRecordStatus() (swap.OrderStatus, bool) {
	switch s {
	case StatusFulfilled:
		return swap.OrderFilled, true
	case StatusCancelled:
		return swap.OrderCancelled, true
	case StatusExpired:
		return swap.OrderExpired, true
	case StatusOpen, StatusPresignaturePending:
		return swap.OrderOpen, true
	default:
		return "", false
	}
}

// OrderView 为 GET /orders/{uid} 返回。
type OrderView struct {
	UID                string         `json:"uid"`
	Owner              common.Address `json:"owner"`
	Status             OrderStatus    `json:"status"`
	Kind               OrderKind      `json:"kind"`
	SellToken          common.Address `json:"sellToken"`
	BuyToken           common.Address `json:"buyToken"`
	SellAmount         string         `json:"sellAmount"`
	BuyAmount          string         `json:"buyAmount"`
	ExecutedSellAmount string         `json:"executedSellAmount"`
	ExecutedBuyAmount  string         `json:"executedBuyAmount"`
	ExecutedFeeAmount  string         `json:"executedFeeAmount"`
	ValidTo            uint32         `json:"validTo"`
	CreationDate       time.Time      `json:"creationDate"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
}
