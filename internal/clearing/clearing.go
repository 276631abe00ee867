package clearing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openvolt/gridex/internal/models"
)

// DefaultFeeBps is the platform fee applied to every settlement unless
// configured otherwise: 25 basis points (0.25%).
const DefaultFeeBps = 25

// Result of clearing one epoch.
type Result struct {
	Epoch               *models.Epoch
	ClearingPriceMicros int64
	TotalVolumeWh       int64
	Settlements         []*models.Settlement
}

// Clearer computes the epoch clearing price and produces exactly one
// Settlement per Match. The fee split uses integer floor division; the
// remainder stays on the net side, so fee + net == total holds exactly.
type Clearer struct {
	feeBps            int64
	lastClearingPrice int64
}

// NewClearer creates a clearer with the given fee in basis points.
func NewClearer(feeBps int64) *Clearer {
	if feeBps < 0 {
		feeBps = DefaultFeeBps
	}
	return &Clearer{feeBps: feeBps}
}

// FeeBps returns the configured fee rate.
func (c *Clearer) FeeBps() int64 { return c.feeBps }

// LastClearingPrice returns the most recent clearing price, carried across
// epochs. Zero until the first non-empty epoch clears.
func (c *Clearer) LastClearingPrice() int64 { return c.lastClearingPrice }

// SetLastClearingPrice seeds the carry-forward price, used when restoring
// state on startup.
func (c *Clearer) SetLastClearingPrice(p int64) { c.lastClearingPrice = p }

// Clear finalizes an epoch over the given matches. Matches whose id appears
// in settled already have a Settlement and are skipped, which makes
// re-running Clear on a Cleared-but-not-Settled epoch idempotent. Clearing
// an epoch that is Pending or already Settled fails with ErrState.
//
// The clearing price is the volume-weighted average of the epoch's match
// prices (floor division). An epoch with zero matches carries the previous
// epoch's clearing price forward.
func (c *Clearer) Clear(epoch *models.Epoch, matches []*models.Match, settled map[string]bool, now time.Time) (*Result, error) {
	switch epoch.Status {
	case models.EpochActive, models.EpochCleared:
	default:
		return nil, fmt.Errorf("%w: cannot clear epoch %d in status %s", models.ErrState, epoch.Number, epoch.Status)
	}

	var volumeWh int64
	var notional int64 // Σ amount_i * price_i
	for _, m := range matches {
		if m.EpochNumber != epoch.Number {
			return nil, fmt.Errorf("%w: match %s belongs to epoch %d, not %d",
				models.ErrValidation, m.ID, m.EpochNumber, epoch.Number)
		}
		volumeWh += m.AmountWh
		notional += m.AmountWh * m.PriceMicros
	}

	price := c.lastClearingPrice
	if volumeWh > 0 {
		price = notional / volumeWh
	}

	var settlements []*models.Settlement
	for _, m := range matches {
		if settled[m.ID] {
			continue
		}
		total := m.TotalMicros()
		fee := total * c.feeBps / 10000
		settlements = append(settlements, &models.Settlement{
			ID:          uuid.NewString(),
			MatchID:     m.ID,
			EpochNumber: epoch.Number,
			Buyer:       m.Buyer,
			Seller:      m.Seller,
			TotalMicros: total,
			FeeMicros:   fee,
			NetMicros:   total - fee,
			Status:      models.SettlementPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	epoch.ClearingPriceMicros = price
	epoch.TotalVolumeWh = volumeWh
	if epoch.Status == models.EpochActive {
		if err := epoch.Transition(models.EpochCleared); err != nil {
			return nil, err
		}
	}
	c.lastClearingPrice = price

	return &Result{
		Epoch:               epoch,
		ClearingPriceMicros: price,
		TotalVolumeWh:       volumeWh,
		Settlements:         settlements,
	}, nil
}
