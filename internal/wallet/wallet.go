// Package wallet 定义签名器与链上读取接口，并提供基于私钥与 RPC 的实现。
package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"swap-router/internal/chain"
)

// ErrUnknownChain 表示未配置该链的 RPC。
var ErrUnknownChain = errors.New("wallet: 链未配置 RPC")

// TxRequest 为待发送交易。
type TxRequest struct {
	ChainID chain.ID
	To      common.Address
	Data    []byte
	Value   *uint256.Int
	Gas     uint64
}

// PendingTx 为已广播的交易。
type PendingTx interface {
	Hash() common.Hash
	// Wait 阻塞直到交易获得 confirmations 个确认，执行失败时返回错误。
	Wait(ctx context.Context, confirmations uint64) error
}

// Signer 为用户钱包的最小接口。
type Signer interface {
	Address() common.Address
	SendTransaction(ctx context.Context, req TxRequest) (PendingTx, error)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	IsSmartContractWallet(ctx context.Context, chainID chain.ID, addr common.Address) (bool, error)
}

// Reader 为授权相关的链上只读调用。
type Reader interface {
	Allowance(ctx context.Context, chainID chain.ID, token, owner, spender common.Address) (*uint256.Int, error)
	BorrowAllowance(ctx context.Context, chainID chain.ID, debtToken, owner, delegatee common.Address) (*uint256.Int, error)
	Nonce(ctx context.Context, chainID chain.ID, token, owner common.Address) (*uint256.Int, error)
}
