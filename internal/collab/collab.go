// Package collab defines the engine's external collaborators: the clock,
// the certificate registry and the settlement executor. The engine only
// records intended movements; the executor performs them, keyed by an
// idempotency reference so retries are safe.
package collab

import (
	"context"
	"time"
)

// Clock supplies a monotonically non-decreasing now().
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CertValidator checks a renewable-energy certificate reference at sell-order
// acceptance. Backed by the governance/registry service in deployment.
type CertValidator interface {
	IsValidForTrading(ctx context.Context, certRef, trader string) (bool, error)
}

// SettlementExecutor moves reserved credits and payments. All calls are
// idempotent given refID, so a retried call after a timeout cannot
// double-move funds.
type SettlementExecutor interface {
	Reserve(ctx context.Context, refID, trader string, amount int64) error
	Release(ctx context.Context, refID, from, to string, amount int64) error
	Refund(ctx context.Context, refID, trader string, amount int64) error
}
