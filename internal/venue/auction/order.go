package auction

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"swap-router/internal/chain"
)

const (
	domainName    = "Gnosis Protocol"
	domainVersion = "v2"

	balanceERC20 = "erc20"

	// UIDLength 为订单 UID 字节长度：摘要 32 + 所有者 20 + 有效期 4。
	UIDLength = 56
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "string"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "string"},
		{Name: "buyTokenBalance", Type: "string"},
	},
}

// Order 为待签名的结算订单。
type Order struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *uint256.Int
	BuyAmount         *uint256.Int
	ValidTo           uint32
	AppData           common.Hash
	FeeAmount         *uint256.Int
	Kind              OrderKind
	PartiallyFillable bool
}

// TypedData 构造订单的 EIP-712 结构。
func (o Order) TypedData(chainID chain.ID, settlement common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: settlement.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"sellToken":         o.SellToken.Hex(),
			"buyToken":          o.BuyToken.Hex(),
			"receiver":          o.Receiver.Hex(),
			"sellAmount":        bigOf(o.SellAmount),
			"buyAmount":         bigOf(o.BuyAmount),
			"validTo":           new(big.Int).SetUint64(uint64(o.ValidTo)),
			"appData":           o.AppData.Hex(),
			"feeAmount":         bigOf(o.FeeAmount),
			"kind":              string(o.Kind),
			"partiallyFillable": o.PartiallyFillable,
			"sellTokenBalance":  balanceERC20,
			"buyTokenBalance":   balanceERC20,
		},
	}
}

// Digest 返回订单的 EIP-712 摘要。
func (o Order) Digest(chainID chain.ID, settlement common.Address) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(o.TypedData(chainID, settlement))
	if err != nil {
		return common.Hash{}, fmt.Errorf("auction: 计算订单摘要失败: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// UID 计算订单唯一标识。
func (o Order) UID(chainID chain.ID, settlement, owner common.Address) (string, error) {
	digest, err := o.Digest(chainID, settlement)
	if err != nil {
		return "", err
	}
	return ComputeUID(digest, owner, o.ValidTo), nil
}

// Creation 将订单与签名组合为提交请求体。
func (o Order) Creation(owner common.Address, scheme SigningScheme, signature []byte, appData string, quoteID *int64) OrderCreation {
	return OrderCreation{
		SellToken:         o.SellToken,
		BuyToken:          o.BuyToken,
		Receiver:          o.Receiver,
		SellAmount:        decOf(o.SellAmount),
		BuyAmount:         decOf(o.BuyAmount),
		ValidTo:           o.ValidTo,
		FeeAmount:         decOf(o.FeeAmount),
		Kind:              o.Kind,
		PartiallyFillable: o.PartiallyFillable,
		SellTokenBalance:  balanceERC20,
		BuyTokenBalance:   balanceERC20,
		SigningScheme:     scheme,
		Signature:         hexutil.Encode(signature),
		From:              owner,
		QuoteID:           quoteID,
		AppData:           appData,
		AppDataHash:       o.AppData.Hex(),
	}
}

// ComputeUID 拼接摘要、所有者与大端序有效期。
func ComputeUID(digest common.Hash, owner common.Address, validTo uint32) string {
	buf := make([]byte, 0, UIDLength)
	buf = append(buf, digest.Bytes()...)
	buf = append(buf, owner.Bytes()...)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], validTo)
	buf = append(buf, ts[:]...)
	return "0x" + hex.EncodeToString(buf)
}

// ParseUID 拆分订单 UID。
func ParseUID(uid string) (common.Hash, common.Address, uint32, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(uid, "0x"))
	if err != nil {
		return common.Hash{}, common.Address{}, 0, fmt.Errorf("auction: 无效订单 UID: %w", err)
	}
	if len(raw) != UIDLength {
		return common.Hash{}, common.Address{}, 0, fmt.Errorf("auction: 订单 UID 长度 %d 无效", len(raw))
	}
	return common.BytesToHash(raw[:32]), common.BytesToAddress(raw[32:52]), binary.BigEndian.Uint32(raw[52:]), nil
}

func bigOf(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func decOf(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
