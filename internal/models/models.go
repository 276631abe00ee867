package models

import "time"

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderStatus values. Filled, Cancelled and Expired are terminal.
type OrderStatus string

const (
	OrderActive          OrderStatus = "active"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// User represents a registered trader
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Order represents a standing buy or sell order for energy credits.
// Energy is measured in watt-hours and prices in micro-currency units per
// watt-hour, so all value arithmetic stays in int64.
type Order struct {
	ID          string      `json:"id"`
	Trader      string      `json:"trader"`
	Side        Side        `json:"side"`
	AmountWh    int64       `json:"amount_wh"`
	FilledWh    int64       `json:"filled_wh"`
	PriceMicros int64       `json:"price_micros"`
	Status      OrderStatus `json:"status"`
	CertRef     string      `json:"cert_ref,omitempty"` // renewable certificate, sell orders only
	CreatedAt   time.Time   `json:"created_at"`         // used for time priority
	ExpiresAt   time.Time   `json:"expires_at"`
}

// RemainingWh is the unmatched quantity still on the book.
func (o *Order) RemainingWh() int64 {
	return o.AmountWh - o.FilledWh
}

// IsExpired reports whether the order's expiry has passed at now.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// EpochStatus values. Settled is terminal.
type EpochStatus string

const (
	EpochPending EpochStatus = "pending"
	EpochActive  EpochStatus = "active"
	EpochCleared EpochStatus = "cleared"
	EpochSettled EpochStatus = "settled"
)

// Epoch is a fixed-duration, non-overlapping trading window. Number is
// derived from the aligned start time, so it increases strictly with
// StartTime.
type Epoch struct {
	Number              int64       `json:"number"`
	StartTime           time.Time   `json:"start_time"`
	EndTime             time.Time   `json:"end_time"`
	Status              EpochStatus `json:"status"`
	ClearingPriceMicros int64       `json:"clearing_price_micros"`
	TotalVolumeWh       int64       `json:"total_volume_wh"`
}

// Match records one crossing of a buy and a sell order. Matches are
// immutable once created.
type Match struct {
	ID          string    `json:"id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	AmountWh    int64     `json:"amount_wh"`
	PriceMicros int64     `json:"price_micros"`
	EpochNumber int64     `json:"epoch_number"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// TotalMicros is the gross value of the match.
func (m *Match) TotalMicros() int64 {
	return m.AmountWh * m.PriceMicros
}

// SettlementStatus values.
type SettlementStatus string

const (
	SettlementPending        SettlementStatus = "pending"
	SettlementEscrowReleased SettlementStatus = "escrow_released"
	SettlementCompleted      SettlementStatus = "completed"
	SettlementFailed         SettlementStatus = "failed"
)

// Settlement finalizes a Match financially. FeeMicros + NetMicros always
// equals TotalMicros exactly.
type Settlement struct {
	ID          string           `json:"id"`
	MatchID     string           `json:"match_id"`
	EpochNumber int64            `json:"epoch_number"`
	Buyer       string           `json:"buyer"`
	Seller      string           `json:"seller"`
	TotalMicros int64            `json:"total_micros"`
	FeeMicros   int64            `json:"fee_micros"`
	NetMicros   int64            `json:"net_micros"`
	Status      SettlementStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// EscrowKind identifies the intended token movement.
type EscrowKind string

const (
	EscrowReserve EscrowKind = "reserve"
	EscrowRelease EscrowKind = "release"
	EscrowRefund  EscrowKind = "refund"
)

// EscrowOutcome of handing an intent to the settlement executor.
type EscrowOutcome string

const (
	EscrowPending EscrowOutcome = "pending"
	EscrowOK      EscrowOutcome = "ok"
	EscrowFailed  EscrowOutcome = "failed"
)

// EscrowIntent records an intended reserve/release/refund. The ledger owns
// the record; the actual token movement is delegated to the external
// settlement executor keyed by RefID for idempotency.
type EscrowIntent struct {
	ID        string        `json:"id"`
	Kind      EscrowKind    `json:"kind"`
	RefID     string        `json:"ref_id"` // order or settlement id
	From      string        `json:"from"`
	To        string        `json:"to,omitempty"`
	Amount    int64         `json:"amount"`
	Outcome   EscrowOutcome `json:"outcome"`
	CreatedAt time.Time     `json:"created_at"`
}
