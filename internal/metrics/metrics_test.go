package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/swap"
)

func TestObserversCount(t *testing.T) {
	m := New()
	sess := swap.Session{Flow: swap.TokenSwap{}, Provider: swap.ProviderAuction}

	m.ObserveQuote(sess, swap.ProviderAuction, 100*time.Millisecond, nil)
	m.ObserveQuote(sess, swap.ProviderAuction, 200*time.Millisecond, errors.New("boom"))
	m.ObserveExecution(sess, nil, &swap.ExecutionError{Kind: swap.ExecUserDenied})
	m.OrderUpdated(context.Background(), swap.OrderRecord{Provider: swap.ProviderAuction, Status: swap.OrderFilled})
	m.SetActiveSessions(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotes.WithLabelValues("auction", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotes.WithLabelValues("auction", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("token_swap", "auction", "user_denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("auction", "filled")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessions))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetActiveSessions(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "swap_router_session_active 1")
}
