package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swap-router/internal/config"
	"swap-router/internal/swap"
)

// ErrorDecoder 将非 2xx 响应体解析为场所错误。
type ErrorDecoder func(status int, body []byte) *Error

// Transport 是场所 HTTP 客户端的公共部分：限流、指数退避重试与错误分类。
type Transport struct {
	provider swap.Provider
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	retry    config.RetryConfig
	decode   ErrorDecoder
	logger   *zap.Logger
}

// NewTransport 创建传输层，requests_per_second 为零时不限流。
func NewTransport(provider swap.Provider, cfg config.HTTPConfig, decode ErrorDecoder, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Transport{
		provider: provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		retry:    cfg.Retry,
		decode:   decode,
		logger:   logger,
	}
}

// Do 发送 JSON 请求并将响应解码到 out，out 为 nil 时忽略响应体。
func (t *Transport) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("venue: 序列化请求失败: %w", err)
		}
		payload = raw
	}

	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	operation := method + " " + path
	return t.callWithRetry(ctx, operation, func() error {
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return fmt.Errorf("venue: 构造请求失败: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("venue: 读取响应失败: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return t.errorFor(resp.StatusCode, raw)
		}

		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Provider: t.provider, Status: resp.StatusCode, Message: fmt.Sprintf("解析响应失败: %v", err)}
		}
		return nil
	})
}

func (t *Transport) errorFor(status int, body []byte) error {
	var verr *Error
	if t.decode != nil {
		verr = t.decode(status, body)
	}
	if verr == nil {
		verr = &Error{Message: strings.TrimSpace(string(body))}
	}
	verr.Provider = t.provider
	verr.Status = status
	if status == http.StatusTooManyRequests || status >= 500 {
		verr.Retryable = true
	}
	return verr
}

func (t *Transport) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := t.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := t.retry.MinDelay
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	maxDelay := t.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 3 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				t.logger.Info("场所调用重试后成功",
					zap.String("provider", string(t.provider)),
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return nil
		}

		if !classifyRetryable(err) || attempt >= maxAttempts {
			t.logger.Debug("场所调用失败",
				zap.String("provider", string(t.provider)),
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		t.logger.Warn("场所调用失败，等待重试",
			zap.String("provider", string(t.provider)),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited) {
		return false
	}
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Retryable
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
