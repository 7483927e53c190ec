package reserve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"swap-router/internal/chain"
)

// ErrNotObserved 表示该账户尚无快照。
var ErrNotObserved = errors.New("reserve: 账户尚无观测数据")

// Provider 为核心读取余额与储备的接口。
type Provider interface {
	Observe(ctx context.Context, chainID chain.ID, user common.Address) (Snapshot, error)
	Invalidate(ctx context.Context, chainID chain.ID, user common.Address)
}

// BalanceReader 读取链上余额。
type BalanceReader interface {
	BalanceOf(ctx context.Context, chainID chain.ID, token, owner common.Address) (*uint256.Int, error)
}

type bookKey struct {
	chainID chain.ID
	user    common.Address
}

type bookEntry struct {
	snap  Snapshot
	stale bool
}

// Book 缓存外部推送的储备快照，余额过期后经 BalanceReader 刷新。
type Book struct {
	reader BalanceReader
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[bookKey]*bookEntry
}

// NewBook 创建快照簿，reader 为空时只返回推送的数据。
func NewBook(reader BalanceReader, ttl time.Duration, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		reader:  reader,
		ttl:     ttl,
		logger:  logger.Named("reserve"),
		now:     time.Now,
		entries: make(map[bookKey]*bookEntry),
	}
}

// Put 写入外部数据源推送的快照。
func (b *Book) Put(snap Snapshot) {
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = b.now().UTC()
	}
	b.mu.Lock()
	b.entries[bookKey{snap.ChainID, snap.User}] = &bookEntry{snap: snap.Clone()}
	b.mu.Unlock()
}

// Observe 返回快照，过期或被标记失效时先刷新余额。
func (b *Book) Observe(ctx context.Context, chainID chain.ID, user common.Address) (Snapshot, error) {
	key := bookKey{chainID, user}
	b.mu.RLock()
	entry, ok := b.entries[key]
	var snap Snapshot
	fresh := false
	if ok {
		snap = entry.snap.Clone()
		fresh = !entry.stale && (b.ttl <= 0 || b.now().Sub(entry.snap.FetchedAt) < b.ttl)
	}
	b.mu.RUnlock()

	if !ok {
		return Snapshot{}, ErrNotObserved
	}
	if fresh || b.reader == nil {
		return snap, nil
	}

	flight := fmt.Sprintf("%d:%s", chainID, user.Hex())
	v, err, _ := b.group.Do(flight, func() (interface{}, error) {
		return b.refresh(ctx, key, snap)
	})
	if err != nil {
		b.logger.Warn("刷新余额失败，返回缓存快照",
			zap.Uint64("chain", uint64(chainID)),
			zap.String("user", user.Hex()),
			zap.Error(err),
		)
		return snap, nil
	}
	return v.(Snapshot).Clone(), nil
}

func (b *Book) refresh(ctx context.Context, key bookKey, snap Snapshot) (Snapshot, error) {
	next := snap.Clone()
	if next.Balances == nil {
		next.Balances = make(map[common.Address]*uint256.Int)
	}
	for token := range next.Balances {
		bal, err := b.reader.BalanceOf(ctx, key.chainID, token, key.user)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reserve: 读取 %s 余额失败: %w", token.Hex(), err)
		}
		next.Balances[token] = bal
	}
	next.FetchedAt = b.now().UTC()

	b.mu.Lock()
	if entry, ok := b.entries[key]; ok && !entry.snap.FetchedAt.After(snap.FetchedAt) {
		b.entries[key] = &bookEntry{snap: next.Clone()}
	}
	b.mu.Unlock()
	return next, nil
}

// Track 登记需要观测余额的代币。
func (b *Book) Track(chainID chain.ID, user common.Address, tokens ...common.Address) {
	key := bookKey{chainID, user}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		entry = &bookEntry{snap: Snapshot{ChainID: chainID, User: user}, stale: true}
		b.entries[key] = entry
	}
	if entry.snap.Balances == nil {
		entry.snap.Balances = make(map[common.Address]*uint256.Int)
	}
	for _, token := range tokens {
		if _, seen := entry.snap.Balances[token]; !seen {
			entry.snap.Balances[token] = nil
			entry.stale = true
		}
	}
}

// Invalidate 标记快照失效，下一次 Observe 会刷新。
func (b *Book) Invalidate(_ context.Context, chainID chain.ID, user common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[bookKey{chainID, user}]; ok {
		entry.stale = true
	}
	b.logger.Debug("快照失效", zap.Uint64("chain", uint64(chainID)), zap.String("user", user.Hex()))
}
