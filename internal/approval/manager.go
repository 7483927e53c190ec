// Package approval 管理代币授权与 permit 签名状态。
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/config"
	"swap-router/internal/swap"
	"swap-router/internal/wallet"
)

// Request 描述一次授权检查。
type Request struct {
	Key    swap.ApprovalKey
	Kind   swap.ApprovalKind
	Amount *uint256.Int
	// Permit 为会话中已有的签名，与 Key、Amount 完全一致且未过期时无需读取链上额度。
	Permit *swap.PermitSignature
}

type cacheEntry struct {
	kind    swap.ApprovalKind
	amount  *uint256.Int
	fetched time.Time
}

// Manager 读取并缓存授权额度，同一键同时只有一个读取在进行。
type Manager struct {
	chains *chain.Registry
	reader wallet.Reader
	cfg    config.ApprovalConfig
	logger *zap.Logger
	now    func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[swap.ApprovalKey]cacheEntry
}

// NewManager 创建授权管理器。
func NewManager(cfg config.ApprovalConfig, chains *chain.Registry, reader wallet.Reader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		chains: chains,
		reader: reader,
		cfg:    cfg,
		logger: logger.Named("approval"),
		now:    time.Now,
		cache:  make(map[swap.ApprovalKey]cacheEntry),
	}
}

// Check 返回授权记录。permit 覆盖当前需求时直接判定为充足。
func (m *Manager) Check(ctx context.Context, req Request) (swap.ApprovalRecord, error) {
	if req.Kind == "" {
		req.Kind = swap.ApprovalAllowance
	}
	record := swap.ApprovalRecord{
		Key:            req.Key,
		Kind:           req.Kind,
		State:          swap.ApprovalChecking,
		RequiredAmount: amount.Clone(req.Amount),
	}

	if req.Permit != nil && req.Permit.Kind == req.Kind && req.Permit.Covers(req.Key, req.Amount) &&
		uint64(m.now().Unix()) < req.Permit.Deadline {
		record.State = swap.ApprovalSufficient
		record.ApprovedAmount = amount.Clone(req.Amount)
		record.Signature = req.Permit
		return record, nil
	}

	current, err := m.read(ctx, req.Key, req.Kind)
	if err != nil {
		return swap.ApprovalRecord{Key: req.Key, Kind: req.Kind, State: swap.ApprovalUnknown, RequiredAmount: amount.Clone(req.Amount)}, err
	}

	info, _ := m.chains.Get(req.Key.ChainID)
	record.ApprovedAmount = current
	record.RequiresReset = req.Kind == swap.ApprovalAllowance && RequiresReset(info, req.Key, current, req.Amount)
	switch {
	case !amount.Less(current, req.Amount):
		record.State = swap.ApprovalSufficient
	case record.RequiresReset:
		record.State = swap.ApprovalNeedsResetThenApproval
	default:
		record.State = swap.ApprovalNeedsApproval
	}
	return record, nil
}

// RequiresReset 判断授权变更前是否需要先归零：代币拒绝非零到非零的变更，
// 当前额度非零且不等于目标额度。
func RequiresReset(info chain.Info, key swap.ApprovalKey, current, desired *uint256.Int) bool {
	if !info.RequiresApprovalReset(key.Token) {
		return false
	}
	return !amount.IsZero(current) && !amount.Equal(current, desired)
}

func (m *Manager) read(ctx context.Context, key swap.ApprovalKey, kind swap.ApprovalKind) (*uint256.Int, error) {
	if cached, ok := m.cached(key, kind); ok {
		return cached, nil
	}

	flight := fmt.Sprintf("%s:%d:%s:%s:%s", kind, key.ChainID, key.Owner.Hex(), key.Token.Hex(), key.Spender.Hex())
	v, err, shared := m.group.Do(flight, func() (interface{}, error) {
		var (
			value *uint256.Int
			err   error
		)
		if kind == swap.ApprovalDelegation {
			value, err = m.reader.BorrowAllowance(ctx, key.ChainID, key.Token, key.Owner, key.Spender)
		} else {
			value, err = m.reader.Allowance(ctx, key.ChainID, key.Token, key.Owner, key.Spender)
		}
		if err != nil {
			return nil, err
		}
		m.store(key, kind, value)
		return value, nil
	})
	if err != nil {
		return nil, fmt.Errorf("approval: 读取授权额度失败: %w", err)
	}
	if shared {
		m.logger.Debug("合并重复的授权读取", zap.String("key", flight))
	}
	return amount.Clone(v.(*uint256.Int)), nil
}

func (m *Manager) cached(key swap.ApprovalKey, kind swap.ApprovalKind) (*uint256.Int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok || entry.kind != kind {
		return nil, false
	}
	if m.cfg.CacheTTL > 0 && m.now().Sub(entry.fetched) > m.cfg.CacheTTL {
		delete(m.cache, key)
		return nil, false
	}
	return amount.Clone(entry.amount), true
}

func (m *Manager) store(key swap.ApprovalKey, kind swap.ApprovalKind, value *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cacheEntry{kind: kind, amount: amount.Clone(value), fetched: m.now()}
}

// Invalidate 丢弃键的缓存额度，授权交易确认后或授权对象变化时调用。
func (m *Manager) Invalidate(key swap.ApprovalKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
}

// Transactions 构造满足记录所需的链上授权交易，充足时返回空。
func (m *Manager) Transactions(record swap.ApprovalRecord) ([]wallet.TxRequest, error) {
	if record.Satisfied() || record.Key.IsZero() {
		return nil, nil
	}
	key := record.Key
	if record.Kind == swap.ApprovalDelegation {
		data, err := wallet.ApproveDelegationCallData(key.Spender, record.RequiredAmount)
		if err != nil {
			return nil, fmt.Errorf("approval: 编码信用委托失败: %w", err)
		}
		return []wallet.TxRequest{{ChainID: key.ChainID, To: key.Token, Data: data}}, nil
	}

	txs := make([]wallet.TxRequest, 0, 2)
	if record.RequiresReset {
		reset, err := wallet.ApproveCallData(key.Spender, new(uint256.Int))
		if err != nil {
			return nil, fmt.Errorf("approval: 编码归零授权失败: %w", err)
		}
		txs = append(txs, wallet.TxRequest{ChainID: key.ChainID, To: key.Token, Data: reset})
	}
	data, err := wallet.ApproveCallData(key.Spender, record.RequiredAmount)
	if err != nil {
		return nil, fmt.Errorf("approval: 编码授权失败: %w", err)
	}
	return append(txs, wallet.TxRequest{ChainID: key.ChainID, To: key.Token, Data: data}), nil
}

// Approve 依次发送授权交易并各等待一个确认，完成后清除缓存。
func (m *Manager) Approve(ctx context.Context, signer wallet.Signer, record swap.ApprovalRecord) ([]string, error) {
	txs, err := m.Transactions(record)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		pending, err := signer.SendTransaction(ctx, tx)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, pending.Hash().Hex())
		if err := pending.Wait(ctx, 1); err != nil {
			return hashes, err
		}
	}
	m.Invalidate(record.Key)
	m.logger.Info("授权完成",
		zap.String("token", record.Key.Token.Hex()),
		zap.String("spender", record.Key.Spender.Hex()),
		zap.Bool("reset", record.RequiresReset),
		zap.Int("txs", len(hashes)),
	)
	return hashes, nil
}
