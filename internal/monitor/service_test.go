package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/internal/store"
	"swap-router/internal/swap"
)

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc, err := NewService(context.Background(), st, nil)
	require.NoError(t, err)
	return svc
}

func TestObserversWriteEvents(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess := swap.Session{ID: uuid.New(), ChainID: 1, Flow: swap.TokenSwap{}, Provider: swap.ProviderAuction}

	svc.ObserveQuote(sess, swap.ProviderAuction, 120*time.Millisecond, errors.New("no liquidity"))
	svc.ObserveExecution(sess, nil, &swap.ExecutionError{Kind: swap.ExecUserDenied, Message: "rejected"})
	svc.OrderUpdated(ctx, swap.OrderRecord{ID: "0xuid", Status: swap.OrderFilled})

	all, err := svc.ListEvents(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventOrderStatus, all[0].Type)

	quotes, err := svc.ListEvents(ctx, Filter{Type: EventQuote, Limit: 10})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	var payload QuotePayload
	require.NoError(t, json.Unmarshal(quotes[0].Payload.(json.RawMessage), &payload))
	assert.Equal(t, int64(120), payload.LatencyMs)
	assert.Equal(t, "no liquidity", payload.Error)
	assert.Equal(t, swap.FlowTokenSwap, payload.Flow)
}

func TestRecordApprovalDropsSignature(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	sess := swap.Session{ID: uuid.New(), Flow: swap.TokenSwap{}}
	sess.Approval = swap.ApprovalRecord{State: swap.ApprovalSufficient, Signature: &swap.PermitSignature{}}

	svc.RecordApproval(ctx, sess)

	events, err := svc.ListEvents(ctx, Filter{Type: EventApproval, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload ApprovalPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &payload))
	assert.Nil(t, payload.Approval.Signature)
	assert.Equal(t, swap.ApprovalSufficient, payload.Approval.State)
}

func TestListEventsBySession(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	a := swap.Session{ID: uuid.New(), Flow: swap.TokenSwap{}}
	b := swap.Session{ID: uuid.New(), Flow: swap.TokenSwap{}}

	svc.ObserveQuote(a, swap.ProviderAggregator, time.Millisecond, nil)
	svc.ObserveQuote(b, swap.ProviderAggregator, time.Millisecond, nil)
	svc.RecordError(ctx, "授权失败", errors.New("rpc down"), map[string]interface{}{"session": a.ID.String()})
	svc.OrderUpdated(ctx, swap.OrderRecord{ID: "0xuid", SessionID: b.ID.String(), Status: swap.OrderOpen})

	events, err := svc.ListEvents(ctx, Filter{SessionID: a.ID.String()})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, EventQuote, events[1].Type)

	events, err = svc.ListEvents(ctx, Filter{Type: EventOrderStatus, SessionID: b.ID.String()})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, b.ID.String(), events[0].SessionID)
}
