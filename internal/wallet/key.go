package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"swap-router/internal/chain"
	"swap-router/internal/swap"
)

// KeySigner 为本地开发用的私钥签名器。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	rpc     *RPC
	logger  *zap.Logger
}

// NewKeySigner 由十六进制私钥创建签名器，rpc 为空时只能签名不能发送交易。
func NewKeySigner(hexKey string, rpc *RPC, logger *zap.Logger) (*KeySigner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: 解析私钥失败: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		rpc:     rpc,
		logger:  logger.Named("signer"),
	}, nil
}

// Address 返回签名地址。
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTypedData 对 EIP-712 结构签名，返回 65 字节签名且 v 为 27/28。
func (s *KeySigner) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("wallet: 计算结构化数据哈希失败: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: 签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// IsSmartContractWallet 判断地址是否为合约钱包。
func (s *KeySigner) IsSmartContractWallet(ctx context.Context, id chain.ID, addr common.Address) (bool, error) {
	if s.rpc == nil {
		return false, nil
	}
	return s.rpc.HasCode(ctx, id, addr)
}

// SendTransaction 估算 gas、签名并广播 EIP-1559 交易。gas 估算失败返回 swap.ErrGasEstimation。
func (s *KeySigner) SendTransaction(ctx context.Context, req TxRequest) (PendingTx, error) {
	if s.rpc == nil {
		return nil, errors.New("wallet: 未配置 RPC，无法发送交易")
	}
	client, err := s.rpc.client(req.ChainID)
	if err != nil {
		return nil, err
	}

	value := bigOf(req.Value)
	to := req.To
	gas := req.Gas
	if gas == 0 {
		estimated, err := client.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", swap.ErrGasEstimation, err)
		}
		gas = estimated * 12 / 10
	}

	nonce, err := client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("wallet: 获取 nonce 失败: %w", err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet: 获取小费失败: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: 获取区块头失败: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	chainID := new(big.Int).SetUint64(uint64(req.ChainID))
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: 签名交易失败: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("wallet: 广播交易失败: %w", err)
	}

	s.logger.Info("交易已广播",
		zap.Uint64("chain", uint64(req.ChainID)),
		zap.String("tx", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("gas", gas),
	)
	return &pendingTx{hash: signed.Hash(), client: client, logger: s.logger}, nil
}
