// Package store persists the relay's small shared state: the latest balance
// snapshot, the latest signal and order for the status surfaces, and the
// per-client-order-id results that make submission idempotent.
package store

import (
	"context"
	"errors"

	"cryptotrader/internal/core"
)

// ErrNotFound is returned when a requested key has no value yet.
var ErrNotFound = errors.New("store: not found")

type BalanceStore interface {
	SaveBalance(ctx context.Context, bal core.Balance) error
	LoadBalance(ctx context.Context) (core.Balance, error)
}

type OrderResultStore interface {
	SaveOrderResult(ctx context.Context, clientOID string, res core.OrderResult) error
	LoadOrderResult(ctx context.Context, clientOID string) (core.OrderResult, error)
	// LoadLastOrder returns the most recently recorded result regardless of id.
	LoadLastOrder(ctx context.Context) (core.OrderResult, error)
}

type SignalStore interface {
	SaveSignal(ctx context.Context, sig core.Signal) error
	LoadSignal(ctx context.Context) (core.Signal, error)
}

type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig core.Signal) error
}

// Store is the full persistence surface a process wires once.
type Store interface {
	BalanceStore
	OrderResultStore
	SignalStore
	SignalPublisher
}
