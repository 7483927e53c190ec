package swap

import (
	"errors"
	"strings"
)

var (
	ErrSessionNotFound = errors.New("swap: 会话不存在")
	ErrFlowImmutable   = errors.New("swap: 会话流程不可变更")
	ErrSuperseded      = errors.New("swap: 报价请求已被新请求取代")
	ErrUnsupported     = errors.New("swap: 当前链或资产不受支持")
	ErrQuoteRequired   = errors.New("swap: 缺少有效报价")
	ErrAmountTooSmall  = errors.New("swap: 金额低于最小值")
	ErrActionBlocked   = errors.New("swap: 操作被阻断")
	ErrTxInFlight      = errors.New("swap: 已有交易在处理中")
	ErrUserDenied      = errors.New("swap: 用户拒绝签名")
	ErrGasEstimation   = errors.New("swap: gas 估算失败")
	ErrTxPending       = errors.New("swap: 交易已广播，尚未确认")
	// ErrParamsDrift 表示授权时的辅助合约地址与最终订单不一致，需要重新授权。
	ErrParamsDrift = errors.New("swap: 交易参数在授权后发生变化，需要重新授权")
)

// ExecutionErrorKind 为执行错误分类。
type ExecutionErrorKind string

const (
	ExecUserDenied    ExecutionErrorKind = "user_denied"
	ExecGasEstimation ExecutionErrorKind = "gas_estimation"
	ExecProvider      ExecutionErrorKind = "provider"
	ExecDrift         ExecutionErrorKind = "drift"
	ExecValidation    ExecutionErrorKind = "validation"
	ExecPending       ExecutionErrorKind = "pending"
)

// ExecutionError 为写入会话错误槽的执行错误，会话仍可重试。
type ExecutionError struct {
	Kind    ExecutionErrorKind `json:"kind"`
	Message string             `json:"message"`
	Tip     string             `json:"tip,omitempty"`
	Raw     error              `json:"-"`
}

// Error 实现 error。
func (e *ExecutionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap 返回原始错误。
func (e *ExecutionError) Unwrap() error {
	return e.Raw
}

// Informational 表示不应展示为错误状态（用户主动拒绝）。
func (e *ExecutionError) Informational() bool {
	return e != nil && e.Kind == ExecUserDenied
}

const gasTip = "交易模拟失败，请尝试调高滑点或减少金额后重试"

var (
	deniedMarkers = []string{"user rejected", "user denied", "rejected by user", "code=4001", "action_rejected"}
	gasMarkers    = []string{"gas required exceeds", "cannot estimate gas", "unpredictable_gas_limit", "intrinsic gas too low"}
)

// ClassifyExecution 将钱包或场所错误映射到执行错误分类；translate 为场所错误翻译器。
func ClassifyExecution(err error, translate func(error) string) *ExecutionError {
	if err == nil {
		return nil
	}

	var exec *ExecutionError
	if errors.As(err, &exec) {
		return exec
	}

	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrUserDenied) || containsAny(lower, deniedMarkers):
		return &ExecutionError{Kind: ExecUserDenied, Message: "用户取消了签名", Raw: err}
	case errors.Is(err, ErrGasEstimation) || containsAny(lower, gasMarkers):
		return &ExecutionError{Kind: ExecGasEstimation, Message: "gas 估算失败", Tip: gasTip, Raw: err}
	case errors.Is(err, ErrTxPending):
		return &ExecutionError{Kind: ExecPending, Message: "交易已广播，等待链上确认", Raw: err}
	case errors.Is(err, ErrParamsDrift):
		return &ExecutionError{Kind: ExecDrift, Message: "交易参数已变化，请重新授权", Raw: err}
	case errors.Is(err, ErrQuoteRequired), errors.Is(err, ErrAmountTooSmall),
		errors.Is(err, ErrActionBlocked), errors.Is(err, ErrUnsupported), errors.Is(err, ErrTxInFlight):
		return &ExecutionError{Kind: ExecValidation, Message: err.Error(), Raw: err}
	}

	msg := err.Error()
	if translate != nil {
		if translated := translate(err); translated != "" {
			msg = translated
		}
	}
	return &ExecutionError{Kind: ExecProvider, Message: msg, Raw: err}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
