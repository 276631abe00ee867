// Package store persists the engine's entities. Orders are the only
// mutable rows (fill level and status); epochs advance through their status
// machine; matches, settlements and escrow intents are append-only.
package store

import (
	"context"

	"github.com/openvolt/gridex/internal/models"
)

// UserStore covers trader registration, used by the auth service.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Store is the persistence port for the engine and ledger.
type Store interface {
	UserStore

	SaveOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	OrdersForTrader(ctx context.Context, trader string) ([]*models.Order, error)
	OpenOrders(ctx context.Context) ([]*models.Order, error)

	SaveEpoch(ctx context.Context, e *models.Epoch) error
	GetEpoch(ctx context.Context, number int64) (*models.Epoch, error)
	LatestClearedEpoch(ctx context.Context) (*models.Epoch, error)

	SaveMatch(ctx context.Context, m *models.Match) error
	MatchesForEpoch(ctx context.Context, epochNumber int64) ([]*models.Match, error)
	MatchesForTrader(ctx context.Context, trader string) ([]*models.Match, error)

	// SaveSettlement upserts by id. The (epoch_number, match_id) pair is
	// unique; inserting a duplicate for the same match is a silent no-op so
	// re-running clearing cannot double-settle.
	SaveSettlement(ctx context.Context, s *models.Settlement) error
	SettlementsForEpoch(ctx context.Context, epochNumber int64) ([]*models.Settlement, error)
	SettlementsForTrader(ctx context.Context, trader string) ([]*models.Settlement, error)

	SaveEscrowIntent(ctx context.Context, in *models.EscrowIntent) error
}
