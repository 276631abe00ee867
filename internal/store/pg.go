package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openvolt/gridex/internal/models"
)

// PG is the PostgreSQL-backed Store.
type PG struct {
	Pool *pgxpool.Pool
}

// NewPG initializes a new database connection pool
func NewPG(ctx context.Context, connString string) (*PG, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &PG{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *PG) Close() {
	db.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            SERIAL PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
    id           TEXT PRIMARY KEY,
    trader       TEXT NOT NULL,
    side         TEXT NOT NULL,
    amount_wh    BIGINT NOT NULL,
    filled_wh    BIGINT NOT NULL DEFAULT 0,
    price_micros BIGINT NOT NULL,
    status       TEXT NOT NULL,
    cert_ref     TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS epochs (
    number                BIGINT PRIMARY KEY,
    start_time            TIMESTAMPTZ NOT NULL,
    end_time              TIMESTAMPTZ NOT NULL,
    status                TEXT NOT NULL,
    clearing_price_micros BIGINT NOT NULL DEFAULT 0,
    total_volume_wh       BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS matches (
    id            TEXT PRIMARY KEY,
    buy_order_id  TEXT NOT NULL,
    sell_order_id TEXT NOT NULL,
    buyer         TEXT NOT NULL,
    seller        TEXT NOT NULL,
    amount_wh     BIGINT NOT NULL,
    price_micros  BIGINT NOT NULL,
    epoch_number  BIGINT NOT NULL,
    executed_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
    id           TEXT PRIMARY KEY,
    match_id     TEXT NOT NULL,
    epoch_number BIGINT NOT NULL,
    buyer        TEXT NOT NULL,
    seller       TEXT NOT NULL,
    total_micros BIGINT NOT NULL,
    fee_micros   BIGINT NOT NULL,
    net_micros   BIGINT NOT NULL,
    status       TEXT NOT NULL,
    attempts     INT NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (epoch_number, match_id)
);

CREATE TABLE IF NOT EXISTS escrow_intents (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    ref_id     TEXT NOT NULL,
    from_party TEXT NOT NULL,
    to_party   TEXT NOT NULL DEFAULT '',
    amount     BIGINT NOT NULL,
    outcome    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func (db *PG) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *PG) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *PG) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, username)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SaveOrder upserts an order row. Fill level and status are the only
// columns that change after insertion.
func (db *PG) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO orders (id, trader, side, amount_wh, filled_wh, price_micros, status, cert_ref, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET filled_wh = EXCLUDED.filled_wh, status = EXCLUDED.status`,
		o.ID, o.Trader, o.Side, o.AmountWh, o.FilledWh, o.PriceMicros, o.Status, o.CertRef, o.CreatedAt, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

const orderColumns = "id, trader, side, amount_wh, filled_wh, price_micros, status, cert_ref, created_at, expires_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.Trader, &o.Side, &o.AmountWh, &o.FilledWh, &o.PriceMicros, &o.Status, &o.CertRef, &o.CreatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder retrieves one order by id
func (db *PG) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (db *PG) queryOrders(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrdersForTrader retrieves all orders submitted by one trader
func (db *PG) OrdersForTrader(ctx context.Context, trader string) ([]*models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE trader = $1 ORDER BY created_at ASC", trader)
}

// OpenOrders retrieves every order still live on the book, used on startup
// to rebuild engine state.
func (db *PG) OpenOrders(ctx context.Context) ([]*models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status IN ('active', 'partially_filled') ORDER BY created_at ASC")
}

// SaveEpoch upserts an epoch row.
func (db *PG) SaveEpoch(ctx context.Context, e *models.Epoch) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO epochs (number, start_time, end_time, status, clearing_price_micros, total_volume_wh)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (number) DO UPDATE SET
			status = EXCLUDED.status,
			clearing_price_micros = EXCLUDED.clearing_price_micros,
			total_volume_wh = EXCLUDED.total_volume_wh`,
		e.Number, e.StartTime, e.EndTime, e.Status, e.ClearingPriceMicros, e.TotalVolumeWh)
	if err != nil {
		return fmt.Errorf("failed to save epoch: %w", err)
	}
	return nil
}

// GetEpoch retrieves one epoch by number
func (db *PG) GetEpoch(ctx context.Context, number int64) (*models.Epoch, error) {
	e := &models.Epoch{}
	err := db.Pool.QueryRow(ctx,
		"SELECT number, start_time, end_time, status, clearing_price_micros, total_volume_wh FROM epochs WHERE number = $1",
		number).Scan(&e.Number, &e.StartTime, &e.EndTime, &e.Status, &e.ClearingPriceMicros, &e.TotalVolumeWh)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: epoch %d", models.ErrNotFound, number)
		}
		return nil, fmt.Errorf("failed to get epoch: %w", err)
	}
	return e, nil
}

// LatestClearedEpoch returns the most recent epoch that has a clearing
// price, used to seed the carry-forward price on startup.
func (db *PG) LatestClearedEpoch(ctx context.Context) (*models.Epoch, error) {
	e := &models.Epoch{}
	err := db.Pool.QueryRow(ctx, `
		SELECT number, start_time, end_time, status, clearing_price_micros, total_volume_wh
		FROM epochs WHERE status IN ('cleared', 'settled') ORDER BY number DESC LIMIT 1`).
		Scan(&e.Number, &e.StartTime, &e.EndTime, &e.Status, &e.ClearingPriceMicros, &e.TotalVolumeWh)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no cleared epoch", models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest cleared epoch: %w", err)
	}
	return e, nil
}

// SaveMatch inserts a match. Matches are immutable, so conflicts are
// ignored.
func (db *PG) SaveMatch(ctx context.Context, m *models.Match) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO matches (id, buy_order_id, sell_order_id, buyer, seller, amount_wh, price_micros, epoch_number, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.BuyOrderID, m.SellOrderID, m.Buyer, m.Seller, m.AmountWh, m.PriceMicros, m.EpochNumber, m.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to save match: %w", err)
	}
	return nil
}

const matchColumns = "id, buy_order_id, sell_order_id, buyer, seller, amount_wh, price_micros, epoch_number, executed_at"

func (db *PG) queryMatches(ctx context.Context, query string, args ...any) ([]*models.Match, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var matches []*models.Match
	for rows.Next() {
		m := &models.Match{}
		err := rows.Scan(&m.ID, &m.BuyOrderID, &m.SellOrderID, &m.Buyer, &m.Seller, &m.AmountWh, &m.PriceMicros, &m.EpochNumber, &m.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// MatchesForEpoch retrieves every match recorded inside one epoch
func (db *PG) MatchesForEpoch(ctx context.Context, epochNumber int64) ([]*models.Match, error) {
	return db.queryMatches(ctx,
		"SELECT "+matchColumns+" FROM matches WHERE epoch_number = $1 ORDER BY executed_at ASC", epochNumber)
}

// MatchesForTrader retrieves a trader's executed matches
func (db *PG) MatchesForTrader(ctx context.Context, trader string) ([]*models.Match, error) {
	return db.queryMatches(ctx,
		"SELECT "+matchColumns+" FROM matches WHERE buyer = $1 OR seller = $1 ORDER BY executed_at ASC", trader)
}

// SaveSettlement upserts a settlement. The (epoch_number, match_id) unique
// constraint makes a duplicate insert for the same match a no-op, which is
// what keeps re-clearing idempotent.
func (db *PG) SaveSettlement(ctx context.Context, s *models.Settlement) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO settlements (id, match_id, epoch_number, buyer, seller, total_micros, fee_micros, net_micros, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, updated_at = EXCLUDED.updated_at`,
		s.ID, s.MatchID, s.EpochNumber, s.Buyer, s.Seller, s.TotalMicros, s.FeeMicros, s.NetMicros, s.Status, s.Attempts, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		// A unique violation on (epoch_number, match_id) means this match
		// already has a settlement under a different id; keep the first.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return nil
}

const settlementColumns = "id, match_id, epoch_number, buyer, seller, total_micros, fee_micros, net_micros, status, attempts, created_at, updated_at"

func (db *PG) querySettlements(ctx context.Context, query string, args ...any) ([]*models.Settlement, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var settlements []*models.Settlement
	for rows.Next() {
		s := &models.Settlement{}
		err := rows.Scan(&s.ID, &s.MatchID, &s.EpochNumber, &s.Buyer, &s.Seller, &s.TotalMicros, &s.FeeMicros, &s.NetMicros, &s.Status, &s.Attempts, &s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// SettlementsForEpoch retrieves every settlement created for one epoch
func (db *PG) SettlementsForEpoch(ctx context.Context, epochNumber int64) ([]*models.Settlement, error) {
	return db.querySettlements(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE epoch_number = $1 ORDER BY created_at ASC", epochNumber)
}

// SettlementsForTrader retrieves settlements where the trader is buyer or seller
func (db *PG) SettlementsForTrader(ctx context.Context, trader string) ([]*models.Settlement, error) {
	return db.querySettlements(ctx,
		"SELECT "+settlementColumns+" FROM settlements WHERE buyer = $1 OR seller = $1 ORDER BY created_at ASC", trader)
}

// SaveEscrowIntent appends an escrow intent record.
func (db *PG) SaveEscrowIntent(ctx context.Context, in *models.EscrowIntent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO escrow_intents (id, kind, ref_id, from_party, to_party, amount, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET outcome = EXCLUDED.outcome`,
		in.ID, in.Kind, in.RefID, in.From, in.To, in.Amount, in.Outcome, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save escrow intent: %w", err)
	}
	return nil
}
