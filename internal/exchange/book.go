package exchange

import (
	"fmt"
	"sort"
	"time"

	"github.com/openvolt/gridex/internal/models"
)

// Book holds the live orders, bids and asks separately, in price-time
// priority. The Book is not safe for concurrent use; the Engine is its
// single writer.
type Book struct {
	bids []*models.Order // price descending, then earliest first
	asks []*models.Order // price ascending, then earliest first
	byID map[string]*models.Order
}

// NewBook creates an empty order book
func NewBook() *Book {
	return &Book{byID: make(map[string]*models.Order)}
}

// Insert adds an order to its side of the book and re-establishes
// price-time priority.
func (b *Book) Insert(o *models.Order) {
	b.byID[o.ID] = o
	if o.Side == models.Buy {
		b.bids = append(b.bids, o)
		sort.SliceStable(b.bids, func(i, j int) bool {
			if b.bids[i].PriceMicros == b.bids[j].PriceMicros {
				return b.bids[i].CreatedAt.Before(b.bids[j].CreatedAt)
			}
			return b.bids[i].PriceMicros > b.bids[j].PriceMicros
		})
	} else {
		b.asks = append(b.asks, o)
		sort.SliceStable(b.asks, func(i, j int) bool {
			if b.asks[i].PriceMicros == b.asks[j].PriceMicros {
				return b.asks[i].CreatedAt.Before(b.asks[j].CreatedAt)
			}
			return b.asks[i].PriceMicros < b.asks[j].PriceMicros
		})
	}
}

// Get returns the live order with the given id, or nil.
func (b *Book) Get(id string) *models.Order {
	return b.byID[id]
}

// BestBid returns the top-of-book bid, or nil if the bid side is empty.
func (b *Book) BestBid() *models.Order {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// BestAsk returns the top-of-book ask, or nil if the ask side is empty.
func (b *Book) BestAsk() *models.Order {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// Bids returns the bid side in priority order.
func (b *Book) Bids() []*models.Order { return b.bids }

// Asks returns the ask side in priority order.
func (b *Book) Asks() []*models.Order { return b.asks }

// Remove takes an order off the book without touching its status.
func (b *Book) Remove(id string) bool {
	o, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	if o.Side == models.Buy {
		b.bids = removeOrder(b.bids, id)
	} else {
		b.asks = removeOrder(b.asks, id)
	}
	return true
}

// Decrement reduces an order's remaining quantity after a match and
// recomputes its status. Position in the book is preserved: the sort key is
// (price, created_at), and a partial fill changes neither. A fully filled
// order leaves the book.
func (b *Book) Decrement(id string, amountWh int64) error {
	o, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if amountWh <= 0 || amountWh > o.RemainingWh() {
		return fmt.Errorf("%w: decrement %d exceeds remaining %d of order %s",
			models.ErrValidation, amountWh, o.RemainingWh(), id)
	}
	o.FilledWh += amountWh
	next := models.FillStatus(o.FilledWh, o.AmountWh)
	if next != o.Status {
		if err := o.Transition(next); err != nil {
			return err
		}
	}
	if o.Status == models.OrderFilled {
		b.Remove(id)
	}
	return nil
}

// Cancel removes the order's unmatched remainder from the book. The filled
// portion and its matches are untouched. Returns the cancelled remainder in
// watt-hours.
func (b *Book) Cancel(id, requester string) (*models.Order, int64, error) {
	o, ok := b.byID[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if o.Trader != requester {
		return nil, 0, fmt.Errorf("%w: order %s does not belong to %s", models.ErrUnauthorized, id, requester)
	}
	remainder := o.RemainingWh()
	if err := o.Transition(models.OrderCancelled); err != nil {
		return nil, 0, err
	}
	b.Remove(id)
	return o, remainder, nil
}

// PurgeExpired transitions every order whose expiry has passed to Expired
// and removes it from the book. Expiry is checked opportunistically here,
// not by per-order timers.
func (b *Book) PurgeExpired(now time.Time) []*models.Order {
	var expired []*models.Order
	for _, o := range b.byID {
		if o.IsExpired(now) {
			expired = append(expired, o)
		}
	}
	for _, o := range expired {
		// A live book order is always Active or PartiallyFilled, so the
		// transition cannot fail.
		_ = o.Transition(models.OrderExpired)
		b.Remove(o.ID)
	}
	return expired
}

// Snapshot copies both sides for read-only consumers.
func (b *Book) Snapshot() (bids, asks []models.Order) {
	bids = make([]models.Order, len(b.bids))
	for i, o := range b.bids {
		bids[i] = *o
	}
	asks = make([]models.Order, len(b.asks))
	for i, o := range b.asks {
		asks[i] = *o
	}
	return bids, asks
}

func removeOrder(orders []*models.Order, id string) []*models.Order {
	for i, o := range orders {
		if o.ID == id {
			return append(orders[:i], orders[i+1:]...)
		}
	}
	return orders
}
