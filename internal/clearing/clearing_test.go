package clearing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvolt/gridex/internal/models"
)

func activeEpoch(number int64) *models.Epoch {
	start := time.Unix(number*900, 0).UTC()
	return &models.Epoch{
		Number:    number,
		StartTime: start,
		EndTime:   start.Add(15 * time.Minute),
		Status:    models.EpochActive,
	}
}

func match(id string, epochNumber, amountWh, priceMicros int64) *models.Match {
	return &models.Match{
		ID:          id,
		BuyOrderID:  "buy-" + id,
		SellOrderID: "sell-" + id,
		Buyer:       "buyer-" + id,
		Seller:      "seller-" + id,
		AmountWh:    amountWh,
		PriceMicros: priceMicros,
		EpochNumber: epochNumber,
	}
}

func TestClearer_VWAPFloorDivision(t *testing.T) {
	c := NewClearer(0)
	epoch := activeEpoch(7)
	matches := []*models.Match{
		match("m1", 7, 3, 10),
		match("m2", 7, 1, 20),
	}

	res, err := c.Clear(epoch, matches, nil, time.Now())
	require.NoError(t, err)

	// (3*10 + 1*20) / 4 = 12.5, floored to 12; inside [10, 20].
	assert.Equal(t, int64(12), res.ClearingPriceMicros)
	assert.Equal(t, int64(4), res.TotalVolumeWh)
	assert.Equal(t, models.EpochCleared, epoch.Status)
	assert.Equal(t, int64(12), c.LastClearingPrice())
}

func TestClearer_SettlementAmounts(t *testing.T) {
	c := NewClearer(100)
	epoch := activeEpoch(1)
	matches := []*models.Match{match("m1", 1, 10_000, 150)}

	res, err := c.Clear(epoch, matches, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, res.Settlements, 1)

	s := res.Settlements[0]
	assert.Equal(t, int64(1_500_000), s.TotalMicros)
	assert.Equal(t, int64(15_000), s.FeeMicros)
	assert.Equal(t, int64(1_485_000), s.NetMicros)
	assert.Equal(t, s.TotalMicros, s.FeeMicros+s.NetMicros)
	assert.Equal(t, models.SettlementPending, s.Status)
	assert.Equal(t, "m1", s.MatchID)
	assert.Equal(t, int64(1), s.EpochNumber)
}

func TestClearer_ZeroVolumeCarriesForward(t *testing.T) {
	c := NewClearer(25)

	first := activeEpoch(1)
	_, err := c.Clear(first, []*models.Match{match("m1", 1, 100, 130)}, nil, time.Now())
	require.NoError(t, err)

	empty := activeEpoch(2)
	res, err := c.Clear(empty, nil, nil, time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(130), res.ClearingPriceMicros)
	assert.Equal(t, int64(0), res.TotalVolumeWh)
	assert.Empty(t, res.Settlements)
	assert.Equal(t, models.EpochCleared, empty.Status)
}

func TestClearer_SkipsSettledMatches(t *testing.T) {
	c := NewClearer(25)
	epoch := activeEpoch(3)
	matches := []*models.Match{
		match("m1", 3, 100, 100),
		match("m2", 3, 200, 110),
	}

	res, err := c.Clear(epoch, matches, map[string]bool{"m1": true}, time.Now())
	require.NoError(t, err)

	require.Len(t, res.Settlements, 1)
	assert.Equal(t, "m2", res.Settlements[0].MatchID)
	// Settled matches still count toward the clearing price and volume.
	assert.Equal(t, int64(300), res.TotalVolumeWh)
}

func TestClearer_RerunOnClearedEpochIsIdempotent(t *testing.T) {
	c := NewClearer(25)
	epoch := activeEpoch(4)
	matches := []*models.Match{match("m1", 4, 100, 100)}

	first, err := c.Clear(epoch, matches, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, first.Settlements, 1)

	settled := map[string]bool{"m1": true}
	second, err := c.Clear(epoch, matches, settled, time.Now())
	require.NoError(t, err)
	assert.Empty(t, second.Settlements)
	assert.Equal(t, first.ClearingPriceMicros, second.ClearingPriceMicros)
}

func TestClearer_StateGuards(t *testing.T) {
	c := NewClearer(25)

	pending := activeEpoch(5)
	pending.Status = models.EpochPending
	_, err := c.Clear(pending, nil, nil, time.Now())
	assert.ErrorIs(t, err, models.ErrState)

	settledEpoch := activeEpoch(6)
	settledEpoch.Status = models.EpochSettled
	_, err = c.Clear(settledEpoch, nil, nil, time.Now())
	assert.ErrorIs(t, err, models.ErrState)
}

func TestClearer_RejectsForeignMatch(t *testing.T) {
	c := NewClearer(25)
	epoch := activeEpoch(8)

	_, err := c.Clear(epoch, []*models.Match{match("m1", 9, 100, 100)}, nil, time.Now())
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestScheduler_Advance(t *testing.T) {
	s := NewScheduler(15 * time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	finalized, active := s.Advance(base)
	require.Nil(t, finalized)
	require.NotNil(t, active)
	assert.Equal(t, base, active.StartTime)
	assert.Equal(t, base.Add(15*time.Minute), active.EndTime)
	assert.Equal(t, models.EpochActive, active.Status)

	// Same window: no finalization, same epoch.
	finalized, again := s.Advance(base.Add(10 * time.Minute))
	assert.Nil(t, finalized)
	assert.Same(t, active, again)

	// Window elapsed: previous epoch comes back for clearing.
	finalized, next := s.Advance(base.Add(16 * time.Minute))
	require.NotNil(t, finalized)
	assert.Same(t, active, finalized)
	assert.Equal(t, active.Number+1, next.Number)
	assert.Equal(t, base.Add(15*time.Minute), next.StartTime)
}

func TestScheduler_NumbersDeriveFromStartTime(t *testing.T) {
	s := NewScheduler(15 * time.Minute)
	now := time.Date(2025, 6, 1, 12, 7, 33, 0, time.UTC)

	_, active := s.Advance(now)
	assert.Equal(t, active.StartTime.Unix()/900, active.Number)
	assert.False(t, now.Before(active.StartTime))
	assert.True(t, now.Before(active.EndTime))
}
