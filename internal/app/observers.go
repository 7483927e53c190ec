package app

import (
	"context"
	"time"

	"swap-router/internal/execution"
	"swap-router/internal/quote"
	"swap-router/internal/swap"
	"swap-router/internal/tracker"
)

type quoteObservers []quote.Observer

func (o quoteObservers) ObserveQuote(sess swap.Session, provider swap.Provider, latency time.Duration, err error) {
	for _, obs := range o {
		obs.ObserveQuote(sess, provider, latency, err)
	}
}

type executionObservers []execution.Observer

func (o executionObservers) ObserveExecution(sess swap.Session, rec *swap.OrderRecord, err *swap.ExecutionError) {
	for _, obs := range o {
		obs.ObserveExecution(sess, rec, err)
	}
}

type orderSinks []tracker.Sink

func (o orderSinks) OrderUpdated(ctx context.Context, rec swap.OrderRecord) {
	for _, sink := range o {
		sink.OrderUpdated(ctx, rec)
	}
}
