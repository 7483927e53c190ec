package auction

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"swap-router/internal/chain"
)

const settlementABI = `[
	{"type":"function","name":"setPreSignature","stateMutability":"nonpayable","inputs":[
		{"name":"orderUid","type":"bytes"},{"name":"signed","type":"bool"}],"outputs":[]},
	{"type":"function","name":"invalidateOrder","stateMutability":"nonpayable","inputs":[
		{"name":"orderUid","type":"bytes"}],"outputs":[]}
]`

const ethFlowABI = `[
	{"type":"function","name":"createOrder","stateMutability":"payable","inputs":[
		{"name":"order","type":"tuple","components":[
			{"name":"buyToken","type":"address"},
			{"name":"receiver","type":"address"},
			{"name":"sellAmount","type":"uint256"},
			{"name":"buyAmount","type":"uint256"},
			{"name":"appData","type":"bytes32"},
			{"name":"feeAmount","type":"uint256"},
			{"name":"validTo","type":"uint32"},
			{"name":"partiallyFillable","type":"bool"},
			{"name":"quoteId","type":"int64"}]}],
	 "outputs":[{"name":"orderHash","type":"bytes32"}]}
]`

var (
	settlementContract = mustABI(settlementABI)
	ethFlowContract    = mustABI(ethFlowABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("auction: 解析合约 ABI 失败: %v", err))
	}
	return parsed
}

// PreSignatureCallData 编码 setPreSignature 调用。
func PreSignatureCallData(uid string, signed bool) ([]byte, error) {
	raw, err := hexutil.Decode(uid)
	if err != nil {
		return nil, fmt.Errorf("auction: 无效订单 UID: %w", err)
	}
	data, err := settlementContract.Pack("setPreSignature", raw, signed)
	if err != nil {
		return nil, fmt.Errorf("auction: 编码 setPreSignature 失败: %w", err)
	}
	return data, nil
}

type ethFlowOrder struct {
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	AppData           [32]byte
	FeeAmount         *big.Int
	ValidTo           uint32
	PartiallyFillable bool
	QuoteId           int64
}

// EthFlowCall 编码原生资产卖单的 createOrder 调用，调用需附带 SellAmount+FeeAmount 的原生资产。
func EthFlowCall(o Order, quoteID *int64) ([]byte, error) {
	var id int64
	if quoteID != nil {
		id = *quoteID
	}
	data, err := ethFlowContract.Pack("createOrder", ethFlowOrder{
		BuyToken:          o.BuyToken,
		Receiver:          o.Receiver,
		SellAmount:        bigOf(o.SellAmount),
		BuyAmount:         bigOf(o.BuyAmount),
		AppData:           o.AppData,
		FeeAmount:         bigOf(o.FeeAmount),
		ValidTo:           o.ValidTo,
		PartiallyFillable: o.PartiallyFillable,
		QuoteId:           id,
	})
	if err != nil {
		return nil, fmt.Errorf("auction: 编码 createOrder 失败: %w", err)
	}
	return data, nil
}

// EthFlowUID 计算原生资产卖单在结算合约中的 UID：卖出资产为包装代币，所有者为 ETH-flow 合约，
// 链上有效期固定为 uint32 最大值。
func EthFlowUID(o Order, info chain.Info) (string, error) {
	onchain := o
	onchain.SellToken = info.WrappedNative
	onchain.ValidTo = math.MaxUint32
	return onchain.UID(info.ID, info.Settlement, info.EthFlow)
}

var orderDataArgs = func() abi.Arguments {
	t, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "bytes32"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "bytes32"},
		{Name: "buyTokenBalance", Type: "bytes32"},
	})
	if err != nil {
		panic(fmt.Sprintf("auction: 构造订单 ABI 类型失败: %v", err))
	}
	return abi.Arguments{{Type: t}}
}()

type orderData struct {
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           [32]byte
	FeeAmount         *big.Int
	Kind              [32]byte
	PartiallyFillable bool
	SellTokenBalance  [32]byte
	BuyTokenBalance   [32]byte
}

// HelperSignature 生成 eip1271 订单签名：ABI 编码的结算订单结构，由辅助合约的
// isValidSignature 校验。
func HelperSignature(o Order) ([]byte, error) {
	data, err := orderDataArgs.Pack(orderData{
		SellToken:         o.SellToken,
		BuyToken:          o.BuyToken,
		Receiver:          o.Receiver,
		SellAmount:        bigOf(o.SellAmount),
		BuyAmount:         bigOf(o.BuyAmount),
		ValidTo:           o.ValidTo,
		AppData:           o.AppData,
		FeeAmount:         bigOf(o.FeeAmount),
		Kind:              crypto.Keccak256Hash([]byte(o.Kind)),
		PartiallyFillable: o.PartiallyFillable,
		SellTokenBalance:  crypto.Keccak256Hash([]byte(balanceERC20)),
		BuyTokenBalance:   crypto.Keccak256Hash([]byte(balanceERC20)),
	})
	if err != nil {
		return nil, fmt.Errorf("auction: 编码辅助合约签名失败: %w", err)
	}
	return data, nil
}
