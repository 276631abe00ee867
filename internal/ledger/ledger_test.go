package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvolt/gridex/internal/models"
)

func pendingSettlement(id, matchID string, createdAt time.Time) *models.Settlement {
	return &models.Settlement{
		ID:          id,
		MatchID:     matchID,
		EpochNumber: 1,
		Buyer:       "buyer",
		Seller:      "seller",
		TotalMicros: 1_000_000,
		FeeMicros:   2_500,
		NetMicros:   997_500,
		Status:      models.SettlementPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestLedger_AppendRejectsDuplicateMatch(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.Append(ctx, pendingSettlement("s1", "m1", now)))
	err := l.Append(ctx, pendingSettlement("s2", "m1", now))
	assert.ErrorIs(t, err, models.ErrState)

	assert.True(t, l.HasMatch("m1"))
	assert.False(t, l.HasMatch("m2"))
	assert.Equal(t, map[string]bool{"m1": true}, l.SettledMatches())
}

func TestLedger_TransitionPath(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, l.Append(ctx, pendingSettlement("s1", "m1", now)))

	// Completed is not reachable straight from Pending.
	_, err := l.MarkCompleted(ctx, "s1", 1, now)
	assert.ErrorIs(t, err, models.ErrState)

	released, err := l.MarkEscrowReleased(ctx, "s1", 1, now)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementEscrowReleased, released.Status)

	completed, err := l.MarkCompleted(ctx, "s1", 1, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.SettlementCompleted, completed.Status)

	// Terminal states reject further transitions.
	_, err = l.MarkFailed(ctx, "s1", 2, now)
	assert.ErrorIs(t, err, models.ErrState)

	_, err = l.MarkFailed(ctx, "unknown", 1, now)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLedger_Queries(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	base := time.Now()

	a := pendingSettlement("s1", "m1", base)
	b := pendingSettlement("s2", "m2", base.Add(time.Second))
	b.EpochNumber = 2
	b.Buyer = "other_buyer"
	require.NoError(t, l.Append(ctx, a))
	require.NoError(t, l.Append(ctx, b))

	forSeller := l.ForTrader("seller")
	require.Len(t, forSeller, 2)
	assert.Equal(t, "s1", forSeller[0].ID, "oldest first")

	assert.Len(t, l.ForTrader("other_buyer"), 1)
	assert.Empty(t, l.ForTrader("stranger"))
	assert.Len(t, l.ForEpoch(1), 1)
	assert.Len(t, l.ForEpoch(2), 1)

	got, err := l.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, "m2", got.MatchID)

	// Returned values are copies; mutating one never leaks back.
	got.Status = models.SettlementFailed
	again, err := l.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementPending, again.Status)
}

func TestLedger_EscrowIntents(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	now := time.Now()

	in := &models.EscrowIntent{
		ID:        "e1",
		Kind:      models.EscrowReserve,
		RefID:     "order-1",
		From:      "buyer",
		Amount:    300_000,
		Outcome:   models.EscrowPending,
		CreatedAt: now,
	}
	l.RecordEscrow(ctx, in)
	l.SetEscrowOutcome(ctx, "e1", models.EscrowOK)

	intents := l.EscrowIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, models.EscrowOK, intents[0].Outcome)

	// Unknown intent ids are ignored.
	l.SetEscrowOutcome(ctx, "missing", models.EscrowFailed)
}
