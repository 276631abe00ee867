// Package cache is a read-through cache for the order book snapshot, so
// frequent book reads do not round-trip into the engine's command queue.
package cache

import (
	"context"

	"github.com/openvolt/gridex/internal/models"
)

// BookSnapshot is the cached top-of-book view served to API readers.
type BookSnapshot struct {
	Bids []models.Order `json:"buy_orders"`
	Asks []models.Order `json:"sell_orders"`
}

// BookCache stores and retrieves the latest book snapshot.
type BookCache interface {
	SetBook(ctx context.Context, snap *BookSnapshot) error
	GetBook(ctx context.Context) (*BookSnapshot, error)
}
