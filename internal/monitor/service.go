// Package monitor 将报价、执行与订单事件写入 SQLite，供 /events 查询。
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"swap-router/internal/store"
	"swap-router/internal/swap"
)

const (
	recordTimeout = 5 * time.Second
	defaultLimit  = 100
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	err := st.Migrate(ctx, "monitor", `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_session ON monitor_events(session_id)`,
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:     st.DB(),
		logger: logger.Named("monitor"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, session_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.SessionID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入 %s 事件失败: %w", event.Type, err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, typ EventType, sessionID string, payload interface{}) {
	if err := s.Record(ctx, Event{Type: typ, SessionID: sessionID, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// ObserveQuote 记录报价请求，实现报价编排器的观察接口。
func (s *Service) ObserveQuote(sess swap.Session, provider swap.Provider, latency time.Duration, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	payload := QuotePayload{
		SessionID: sess.ID.String(),
		ChainID:   uint64(sess.ChainID),
		Flow:      sess.Kind(),
		Provider:  provider,
		Key:       sess.FetchKey.String(),
		LatencyMs: latency.Milliseconds(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.emit(ctx, EventQuote, payload.SessionID, payload)
}

// ObserveExecution 记录提交结果，实现执行器的观察接口。
func (s *Service) ObserveExecution(sess swap.Session, rec *swap.OrderRecord, execErr *swap.ExecutionError) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	s.emit(ctx, EventExecution, sess.ID.String(), ExecutionPayload{
		SessionID: sess.ID.String(),
		Flow:      sess.Kind(),
		Provider:  sess.Provider,
		Order:     rec,
		Error:     execErr,
	})
}

// OrderUpdated 记录订单状态变化，实现订单追踪器的输出接口。
func (s *Service) OrderUpdated(ctx context.Context, rec swap.OrderRecord) {
	s.emit(ctx, EventOrderStatus, rec.SessionID, OrderStatusPayload{Order: rec})
}

// RecordApproval 记录授权结果，不保存签名本身。
func (s *Service) RecordApproval(ctx context.Context, sess swap.Session) {
	approval := sess.Approval
	approval.Signature = nil
	s.emit(ctx, EventApproval, sess.ID.String(), ApprovalPayload{SessionID: sess.ID.String(), Approval: approval})
}

// RecordError 记录异常，fields 中的 session 会写入索引列。
func (s *Service) RecordError(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: fields}
	if err != nil {
		payload.Error = err.Error()
	}
	sessionID, _ := fields["session"].(string)
	s.emit(ctx, EventError, sessionID, payload)
}

// ListEvents 按条件返回最近的事件，新事件在前。
func (s *Service) ListEvents(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	query := `SELECT event_type, session_id, payload, created_at FROM monitor_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, f.Limit)
	for rows.Next() {
		var typ, session, payload, created string
		if err := rows.Scan(&typ, &session, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			s.logger.Debug("事件时间格式异常", zap.String("created_at", created))
		}
		events = append(events, Event{
			Type:      EventType(typ),
			SessionID: session,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}
