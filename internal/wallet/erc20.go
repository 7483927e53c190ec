package wallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const tokenABI = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"nonces","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"borrowAllowance","stateMutability":"view","inputs":[
		{"name":"fromUser","type":"address"},{"name":"toUser","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approveDelegation","stateMutability":"nonpayable","inputs":[
		{"name":"delegatee","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]}
]`

var tokenContract = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(fmt.Sprintf("wallet: 解析代币 ABI 失败: %v", err))
	}
	return parsed
}()

// ApproveCallData 编码 approve(spender, amount)。
func ApproveCallData(spender common.Address, amount *uint256.Int) ([]byte, error) {
	return tokenContract.Pack("approve", spender, bigOf(amount))
}

// ApproveDelegationCallData 编码债务代币的 approveDelegation(delegatee, amount)。
func ApproveDelegationCallData(delegatee common.Address, amount *uint256.Int) ([]byte, error) {
	return tokenContract.Pack("approveDelegation", delegatee, bigOf(amount))
}

func unpackUint(method string, data []byte) (*uint256.Int, error) {
	out, err := tokenContract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("wallet: 解析 %s 返回失败: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("wallet: %s 返回值数量 %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("wallet: %s 返回类型 %T", method, out[0])
	}
	res, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("wallet: %s 返回值溢出", method)
	}
	return res, nil
}

func bigOf(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
