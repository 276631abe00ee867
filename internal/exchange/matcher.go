package exchange

import (
	"time"

	"github.com/google/uuid"
	"github.com/openvolt/gridex/internal/models"
)

// Matcher crosses the book on each tick. It assumes it runs on the engine's
// writer goroutine, so no two ticks ever overlap.
type Matcher struct {
	book *Book
}

// NewMatcher creates a matcher over the given book
func NewMatcher(book *Book) *Matcher {
	return &Matcher{book: book}
}

// Tick purges expired orders and then repeatedly crosses the best eligible
// bid/ask pair until no crossing pair remains. The resting ask sets the
// execution price. At equal price, earlier created_at wins, and that holds
// across ticks because partial fills keep their original position.
//
// A bid and an ask from the same trader never match; the matcher skips to
// the next eligible counter-order instead.
func (m *Matcher) Tick(now time.Time, epochNumber int64) (matches []*models.Match, expired []*models.Order) {
	expired = m.book.PurgeExpired(now)

	for {
		bid, ask := m.findCrossing()
		if bid == nil {
			break
		}
		amount := bid.RemainingWh()
		if ask.RemainingWh() < amount {
			amount = ask.RemainingWh()
		}
		match := &models.Match{
			ID:          uuid.NewString(),
			BuyOrderID:  bid.ID,
			SellOrderID: ask.ID,
			Buyer:       bid.Trader,
			Seller:      ask.Trader,
			AmountWh:    amount,
			PriceMicros: ask.PriceMicros,
			EpochNumber: epochNumber,
			ExecutedAt:  now,
		}
		matches = append(matches, match)

		// Both decrements operate on live book orders with
		// remaining >= amount, so neither can fail.
		_ = m.book.Decrement(bid.ID, amount)
		_ = m.book.Decrement(ask.ID, amount)
	}
	return matches, expired
}

// findCrossing returns the highest-priority bid/ask pair whose prices cross
// and whose traders differ, or nil, nil. Bids are walked in priority order;
// for each bid the asks are walked in priority order, skipping same-trader
// entries. The walk stops as soon as a bid cannot cross the cheapest ask,
// since every later bid is priced at or below it.
func (m *Matcher) findCrossing() (*models.Order, *models.Order) {
	asks := m.book.Asks()
	if len(asks) == 0 {
		return nil, nil
	}
	cheapest := asks[0].PriceMicros
	for _, bid := range m.book.Bids() {
		if bid.PriceMicros < cheapest {
			break
		}
		for _, ask := range asks {
			if ask.PriceMicros > bid.PriceMicros {
				break
			}
			if ask.Trader == bid.Trader {
				continue
			}
			return bid, ask
		}
	}
	return nil, nil
}
