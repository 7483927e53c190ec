// Package history 持久化本地状态：按流程与链记录的交易对偏好，以及已提交订单。
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"swap-router/internal/amount"
	"swap-router/internal/chain"
	"swap-router/internal/store"
	"swap-router/internal/swap"
)

// ErrNotFound 表示记录不存在或已过期。
var ErrNotFound = errors.New("history: 记录不存在")

const schemaPairs = `
CREATE TABLE IF NOT EXISTS pair_preferences (
	flow TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	destination TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (flow, chain_id)
);`

const schemaOrders = `
CREATE TABLE IF NOT EXISTS swap_orders (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	owner TEXT NOT NULL,
	user_address TEXT NOT NULL,
	flow TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	sell_token TEXT NOT NULL,
	buy_token TEXT NOT NULL,
	sell_amount TEXT NOT NULL,
	buy_amount TEXT NOT NULL,
	executed_sell TEXT NOT NULL DEFAULT '',
	executed_buy TEXT NOT NULL DEFAULT '',
	surplus TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

const schemaOrdersIndex = `CREATE INDEX IF NOT EXISTS idx_swap_orders_user ON swap_orders(user_address, created_at);`

// Pair 为最近一次选择的交易对。
type Pair struct {
	Source      swap.Token `json:"source"`
	Destination swap.Token `json:"destination"`
}

// Store 基于 SQLite 保存本地状态。
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New 初始化存储并建表。ttl 为交易对偏好的有效期。
func New(ctx context.Context, st *store.Store, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("history: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate(ctx, "history", schemaPairs, schemaOrders, schemaOrdersIndex); err != nil {
		return nil, err
	}
	return &Store{
		db:     st.DB(),
		ttl:    ttl,
		logger: logger.Named("history"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SavePair 记录某流程某链最近选择的交易对。
func (s *Store) SavePair(ctx context.Context, flow swap.FlowKind, chainID chain.ID, pair Pair) error {
	src, err := json.Marshal(stripBalance(pair.Source))
	if err != nil {
		return fmt.Errorf("history: 序列化交易对失败: %w", err)
	}
	dst, err := json.Marshal(stripBalance(pair.Destination))
	if err != nil {
		return fmt.Errorf("history: 序列化交易对失败: %w", err)
	}
	expires := s.now().Add(s.ttl)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pair_preferences (flow, chain_id, source, destination, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(flow, chain_id) DO UPDATE SET source = excluded.source, destination = excluded.destination, expires_at = excluded.expires_at`,
		string(flow), uint64(chainID), string(src), string(dst), expires.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: 保存交易对失败: %w", err)
	}
	return nil
}

// LoadPair 读取未过期的交易对偏好，过期记录会被删除。
func (s *Store) LoadPair(ctx context.Context, flow swap.FlowKind, chainID chain.ID) (Pair, error) {
	var src, dst, expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT source, destination, expires_at FROM pair_preferences WHERE flow = ? AND chain_id = ?`,
		string(flow), uint64(chainID),
	).Scan(&src, &dst, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, ErrNotFound
	}
	if err != nil {
		return Pair{}, fmt.Errorf("history: 读取交易对失败: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, expires)
	if err != nil || !s.now().Before(ts) {
		if _, delErr := s.db.ExecContext(ctx,
			`DELETE FROM pair_preferences WHERE flow = ? AND chain_id = ?`, string(flow), uint64(chainID)); delErr != nil {
			s.logger.Warn("删除过期交易对失败", zap.Error(delErr))
		}
		return Pair{}, ErrNotFound
	}
	var pair Pair
	if err := json.Unmarshal([]byte(src), &pair.Source); err != nil {
		return Pair{}, fmt.Errorf("history: 解析交易对失败: %w", err)
	}
	if err := json.Unmarshal([]byte(dst), &pair.Destination); err != nil {
		return Pair{}, fmt.Errorf("history: 解析交易对失败: %w", err)
	}
	return pair, nil
}

func stripBalance(t swap.Token) swap.Token {
	t.Balance = nil
	return t
}

// SaveOrder 插入或更新订单记录。
func (s *Store) SaveOrder(ctx context.Context, rec swap.OrderRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	surplus := ""
	if rec.Surplus != nil {
		surplus = rec.Surplus.String()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO swap_orders (id, session_id, provider, chain_id, owner, user_address, flow, kind, status,
	sell_token, buy_token, sell_amount, buy_amount, executed_sell, executed_buy, surplus, tx_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	executed_sell = excluded.executed_sell,
	executed_buy = excluded.executed_buy,
	surplus = excluded.surplus,
	tx_hash = CASE WHEN excluded.tx_hash = '' THEN swap_orders.tx_hash ELSE excluded.tx_hash END,
	updated_at = excluded.updated_at`,
		rec.ID, rec.SessionID, string(rec.Provider), uint64(rec.ChainID), rec.Owner.Hex(), rec.User.Hex(),
		string(rec.Flow), string(rec.Kind), string(rec.Status),
		rec.SellToken.Hex(), rec.BuyToken.Hex(), amount.String(rec.SellAmount), amount.String(rec.BuyAmount),
		optionalAmount(rec.ExecutedSellAmount), optionalAmount(rec.ExecutedBuyAmount), surplus, rec.TxHash,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: 保存订单失败: %w", err)
	}
	return nil
}

// OpenOrders 返回全部未到终态的订单。
func (s *Store) OpenOrders(ctx context.Context) ([]swap.OrderRecord, error) {
	return s.queryOrders(ctx, `WHERE status = ?`, []interface{}{string(swap.OrderOpen)}, 0)
}

// ListOrders 按创建时间倒序返回订单，user 为零地址时不过滤。
func (s *Store) ListOrders(ctx context.Context, user common.Address, limit int) ([]swap.OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if user == (common.Address{}) {
		return s.queryOrders(ctx, ``, nil, limit)
	}
	return s.queryOrders(ctx, `WHERE user_address = ?`, []interface{}{user.Hex()}, limit)
}

// GetOrder 按 ID 读取订单。
func (s *Store) GetOrder(ctx context.Context, id string) (swap.OrderRecord, error) {
	out, err := s.queryOrders(ctx, `WHERE id = ?`, []interface{}{id}, 1)
	if err != nil {
		return swap.OrderRecord{}, err
	}
	if len(out) == 0 {
		return swap.OrderRecord{}, ErrNotFound
	}
	return out[0], nil
}

func (s *Store) queryOrders(ctx context.Context, where string, args []interface{}, limit int) ([]swap.OrderRecord, error) {
	query := `SELECT id, session_id, provider, chain_id, owner, user_address, flow, kind, status,
	sell_token, buy_token, sell_amount, buy_amount, executed_sell, executed_buy, surplus, tx_hash, created_at, updated_at
FROM swap_orders ` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: 查询订单失败: %w", err)
	}
	defer rows.Close()

	var out []swap.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: 读取订单失败: %w", err)
	}
	return out, nil
}

func scanOrder(rows *sql.Rows) (swap.OrderRecord, error) {
	var (
		rec                                          swap.OrderRecord
		provider, owner, user, flow, kind, status    string
		sellToken, buyToken, sellAmt, buyAmt         string
		execSell, execBuy, surplus, created, updated string
		chainID                                      uint64
	)
	if err := rows.Scan(&rec.ID, &rec.SessionID, &provider, &chainID, &owner, &user, &flow, &kind, &status,
		&sellToken, &buyToken, &sellAmt, &buyAmt, &execSell, &execBuy, &surplus, &rec.TxHash, &created, &updated); err != nil {
		return rec, fmt.Errorf("history: 解析订单失败: %w", err)
	}
	rec.Provider = swap.Provider(provider)
	rec.ChainID = chain.ID(chainID)
	rec.Owner = common.HexToAddress(owner)
	rec.User = common.HexToAddress(user)
	rec.Flow = swap.FlowKind(flow)
	rec.Kind = swap.Side(kind)
	rec.Status = swap.OrderStatus(status)
	rec.SellToken = common.HexToAddress(sellToken)
	rec.BuyToken = common.HexToAddress(buyToken)

	var err error
	if rec.SellAmount, err = amount.FromString(sellAmt); err != nil {
		return rec, err
	}
	if rec.BuyAmount, err = amount.FromString(buyAmt); err != nil {
		return rec, err
	}
	if execSell != "" {
		if rec.ExecutedSellAmount, err = amount.FromString(execSell); err != nil {
			return rec, err
		}
	}
	if execBuy != "" {
		if rec.ExecutedBuyAmount, err = amount.FromString(execBuy); err != nil {
			return rec, err
		}
	}
	if surplus != "" {
		v, ok := new(big.Int).SetString(surplus, 10)
		if !ok {
			return rec, fmt.Errorf("history: 价格改善 %q 无法解析", surplus)
		}
		rec.Surplus = v
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, nil
}

func optionalAmount(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
