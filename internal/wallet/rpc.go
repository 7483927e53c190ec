package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/chain"
)

const receiptPollInterval = 2 * time.Second

// RPC 按链持有 JSON-RPC 客户端，并实现 Reader。
type RPC struct {
	clients map[chain.ID]*ethclient.Client
	logger  *zap.Logger
}

// DialRPC 连接注册表中配置了 rpc_url 的链。
func DialRPC(ctx context.Context, chains *chain.Registry, logger *zap.Logger) (*RPC, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RPC{clients: make(map[chain.ID]*ethclient.Client), logger: logger.Named("rpc")}
	for _, id := range chains.IDs() {
		info, _ := chains.Get(id)
		if info.RPCURL == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, info.RPCURL)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("wallet: 连接链 %d RPC 失败: %w", id, err)
		}
		r.clients[id] = client
	}
	return r, nil
}

// Close 关闭全部连接。
func (r *RPC) Close() {
	for _, c := range r.clients {
		c.Close()
	}
}

func (r *RPC) client(id chain.ID) (*ethclient.Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, id)
	}
	return c, nil
}

func (r *RPC) call(ctx context.Context, id chain.ID, to common.Address, method string, args ...interface{}) (*uint256.Int, error) {
	client, err := r.client(id)
	if err != nil {
		return nil, err
	}
	data, err := tokenContract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("wallet: 编码 %s 失败: %w", method, err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: 调用 %s 失败: %w", method, err)
	}
	return unpackUint(method, out)
}

// Allowance 读取 ERC-20 授权额度。
func (r *RPC) Allowance(ctx context.Context, id chain.ID, token, owner, spender common.Address) (*uint256.Int, error) {
	return r.call(ctx, id, token, "allowance", owner, spender)
}

// BorrowAllowance 读取债务代币的信用委托额度。
func (r *RPC) BorrowAllowance(ctx context.Context, id chain.ID, debtToken, owner, delegatee common.Address) (*uint256.Int, error) {
	return r.call(ctx, id, debtToken, "borrowAllowance", owner, delegatee)
}

// Nonce 读取 permit/委托签名使用的 nonce。
func (r *RPC) Nonce(ctx context.Context, id chain.ID, token, owner common.Address) (*uint256.Int, error) {
	return r.call(ctx, id, token, "nonces", owner)
}

// BalanceOf 读取代币余额，原生资产占位地址读取账户余额。
func (r *RPC) BalanceOf(ctx context.Context, id chain.ID, token, owner common.Address) (*uint256.Int, error) {
	if token != chain.NativePlaceholder {
		return r.call(ctx, id, token, "balanceOf", owner)
	}
	client, err := r.client(id)
	if err != nil {
		return nil, err
	}
	bal, err := client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: 读取原生余额失败: %w", err)
	}
	v, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, fmt.Errorf("wallet: 原生余额溢出")
	}
	return v, nil
}

// HasCode 判断地址是否部署了合约。
func (r *RPC) HasCode(ctx context.Context, id chain.ID, addr common.Address) (bool, error) {
	client, err := r.client(id)
	if err != nil {
		return false, err
	}
	code, err := client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("wallet: 读取合约代码失败: %w", err)
	}
	return len(code) > 0, nil
}

type pendingTx struct {
	hash   common.Hash
	client *ethclient.Client
	logger *zap.Logger
}

func (p *pendingTx) Hash() common.Hash {
	return p.hash
}

func (p *pendingTx) Wait(ctx context.Context, confirmations uint64) error {
	if confirmations == 0 {
		confirmations = 1
	}
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.client.TransactionReceipt(ctx, p.hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("wallet: 交易 %s 执行失败", p.hash.Hex())
			}
			head, headErr := p.client.BlockNumber(ctx)
			if headErr == nil && head+1 >= receipt.BlockNumber.Uint64()+confirmations {
				return nil
			}
		case errors.Is(err, ethereum.NotFound):
		default:
			p.logger.Warn("查询交易回执失败", zap.String("tx", p.hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
