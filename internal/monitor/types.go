package monitor

import (
	"time"

	"swap-router/internal/swap"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventQuote       EventType = "quote"
	EventExecution   EventType = "execution"
	EventOrderStatus EventType = "order_status"
	EventApproval    EventType = "approval"
	EventError       EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Filter 为事件查询条件，零值字段不过滤。
type Filter struct {
	Type      EventType
	SessionID string
	Limit     int
}

// QuotePayload 记录一次报价请求。
type QuotePayload struct {
	SessionID string        `json:"sessionId"`
	ChainID   uint64        `json:"chainId"`
	Flow      swap.FlowKind `json:"flow"`
	Provider  swap.Provider `json:"provider"`
	Key       string        `json:"key"`
	LatencyMs int64         `json:"latencyMs"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionPayload 记录一次提交的结果。
type ExecutionPayload struct {
	SessionID string               `json:"sessionId"`
	Flow      swap.FlowKind        `json:"flow"`
	Provider  swap.Provider        `json:"provider"`
	Order     *swap.OrderRecord    `json:"order,omitempty"`
	Error     *swap.ExecutionError `json:"error,omitempty"`
}

// OrderStatusPayload 记录订单状态变化。
type OrderStatusPayload struct {
	Order swap.OrderRecord `json:"order"`
}

// ApprovalPayload 记录授权或 permit 的结果。
type ApprovalPayload struct {
	SessionID string              `json:"sessionId"`
	Approval  swap.ApprovalRecord `json:"approval"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
