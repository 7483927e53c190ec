package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"swap-router/internal/swap"
)

// ErrRateLimited 表示本地限流器在上下文结束前未放行。
var ErrRateLimited = errors.New("venue: 请求被限流")

// Error 为场所返回的错误。
type Error struct {
	Provider  swap.Provider
	Status    int
	Code      string
	Message   string
	Retryable bool
}

// Error 实现 error。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status=%d code=%s %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status=%d %s", e.Provider, e.Status, e.Message)
}

var translations = map[string]string{
	// 拍卖场所错误类型
	"NoLiquidity":                            "该交易对暂无足够流动性",
	"SellAmountDoesNotCoverFee":              "卖出金额不足以覆盖网络费用，请增加金额",
	"InsufficientBalance":                    "钱包余额不足",
	"InsufficientAllowance":                  "授权额度不足",
	"UnsupportedToken":                       "场所不支持该代币",
	"UnsupportedBuyTokenSource":              "场所不支持该买入来源",
	"QuoteNotFound":                          "报价已过期，请刷新",
	"InvalidAppData":                         "订单附加数据无效",
	"TooManyLimitOrders":                     "挂单数量已达上限",
	"InsufficientValidTo":                    "订单有效期过短",
	"DuplicatedOrder":                        "订单已存在",
	"WrongOwner":                             "签名者与订单所有者不一致",
	"ZeroAmount":                             "金额不能为零",
	"SameBuyAndSellToken":                    "买入与卖出资产相同",
	"InvalidSignature":                       "订单签名无效",
	"PriceForTokenNotFound":                  "无法获取代币价格",
	"ESTIMATED_LOSS_GREATER_THAN_MAX_IMPACT": "价格影响过高，请减少金额",
	// 聚合器错误信息
	"No routes found with enough liquidity":    "没有足够流动性的路由",
	"Bad USD price":                            "无法估算美元价值",
	"Price Timeout":                            "报价超时，请重试",
	"Token not found":                          "聚合器不支持该代币",
	"Internal Error while computing the price": "聚合器内部错误，请稍后重试",
}

// Translate 返回错误的可读描述，无法识别时返回原始信息。
func Translate(err error) string {
	if err == nil {
		return ""
	}
	var verr *Error
	if errors.As(err, &verr) {
		if msg, ok := translations[verr.Code]; ok {
			return msg
		}
		for key, msg := range translations {
			if strings.Contains(verr.Message, key) {
				return msg
			}
		}
		if verr.Message != "" {
			return verr.Message
		}
		return fmt.Sprintf("场所返回状态 %d", verr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "场所请求超时"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "无法连接场所"
	}
	return err.Error()
}

// ToQuoteError 将报价失败转换为会话内的非致命错误。
func ToQuoteError(provider swap.Provider, err error) *swap.QuoteError {
	if err == nil {
		return nil
	}
	qe := &swap.QuoteError{Provider: provider, Message: Translate(err), Raw: err}
	var verr *Error
	if errors.As(err, &verr) {
		qe.Code = verr.Code
	}
	return qe
}
