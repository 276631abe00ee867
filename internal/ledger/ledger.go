// Package ledger keeps the append-only settlement record and the escrow
// intent log. Settlements are created exactly once per match; the ledger
// enforces that and tracks each settlement through escrow release to
// completion or failure.
package ledger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/openvolt/gridex/internal/models"
	"github.com/openvolt/gridex/internal/store"
)

// Ledger is safe for concurrent use: the engine appends from its writer
// goroutine while the executor updates statuses from its own.
type Ledger struct {
	mu          sync.Mutex
	settlements map[string]*models.Settlement
	byMatch     map[string]string // match id -> settlement id
	escrows     map[string]*models.EscrowIntent

	store store.Store // optional
}

// New creates a ledger. st may be nil for a purely in-memory engine.
func New(st store.Store) *Ledger {
	return &Ledger{
		settlements: make(map[string]*models.Settlement),
		byMatch:     make(map[string]string),
		escrows:     make(map[string]*models.EscrowIntent),
		store:       st,
	}
}

// Append records a settlement. A second settlement for the same match is
// rejected, which is what makes re-clearing an epoch idempotent.
func (l *Ledger) Append(ctx context.Context, s *models.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byMatch[s.MatchID]; ok {
		return fmt.Errorf("%w: match %s already settled by %s", models.ErrState, s.MatchID, existing)
	}
	l.settlements[s.ID] = s
	l.byMatch[s.MatchID] = s.ID
	l.persist(ctx, s)
	return nil
}

// HasMatch reports whether a settlement already exists for the match.
func (l *Ledger) HasMatch(matchID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byMatch[matchID]
	return ok
}

// SettledMatches returns the set of match ids that already have a
// settlement, for the clearing engine's idempotency check.
func (l *Ledger) SettledMatches() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.byMatch))
	for matchID := range l.byMatch {
		out[matchID] = true
	}
	return out
}

// Get returns a copy of the settlement with the given id.
func (l *Ledger) Get(id string) (*models.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.settlements[id]
	if !ok {
		return nil, fmt.Errorf("%w: settlement %s", models.ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

// ForTrader returns settlements where the trader is buyer or seller,
// oldest first.
func (l *Ledger) ForTrader(trader string) []*models.Settlement {
	return l.filter(func(s *models.Settlement) bool {
		return s.Buyer == trader || s.Seller == trader
	})
}

// ForEpoch returns the settlements created for one epoch, oldest first.
func (l *Ledger) ForEpoch(epochNumber int64) []*models.Settlement {
	return l.filter(func(s *models.Settlement) bool {
		return s.EpochNumber == epochNumber
	})
}

func (l *Ledger) filter(keep func(*models.Settlement) bool) []*models.Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Settlement
	for _, s := range l.settlements {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// settlementTransitions mirrors the Pending → EscrowReleased → Completed
// path, with Failed reachable from the two non-terminal states.
var settlementTransitions = map[models.SettlementStatus][]models.SettlementStatus{
	models.SettlementPending:        {models.SettlementEscrowReleased, models.SettlementFailed},
	models.SettlementEscrowReleased: {models.SettlementCompleted, models.SettlementFailed},
}

func (l *Ledger) transition(ctx context.Context, id string, to models.SettlementStatus, attempts int, now time.Time) (*models.Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.settlements[id]
	if !ok {
		return nil, fmt.Errorf("%w: settlement %s", models.ErrNotFound, id)
	}
	legal := false
	for _, next := range settlementTransitions[s.Status] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return nil, fmt.Errorf("%w: settlement %s cannot go from %s to %s", models.ErrState, id, s.Status, to)
	}
	s.Status = to
	s.Attempts = attempts
	s.UpdatedAt = now
	l.persist(ctx, s)
	cp := *s
	return &cp, nil
}

// MarkEscrowReleased records that the executor released escrow for the
// settlement.
func (l *Ledger) MarkEscrowReleased(ctx context.Context, id string, attempts int, now time.Time) (*models.Settlement, error) {
	return l.transition(ctx, id, models.SettlementEscrowReleased, attempts, now)
}

// MarkCompleted finalizes a settlement.
func (l *Ledger) MarkCompleted(ctx context.Context, id string, attempts int, now time.Time) (*models.Settlement, error) {
	return l.transition(ctx, id, models.SettlementCompleted, attempts, now)
}

// MarkFailed records that settlement execution exhausted its retries. The
// settlement stays in the ledger for manual reconciliation; the underlying
// match is economically final either way.
func (l *Ledger) MarkFailed(ctx context.Context, id string, attempts int, now time.Time) (*models.Settlement, error) {
	return l.transition(ctx, id, models.SettlementFailed, attempts, now)
}

// RecordEscrow appends an escrow intent with outcome Pending.
func (l *Ledger) RecordEscrow(ctx context.Context, in *models.EscrowIntent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escrows[in.ID] = in
	if l.store != nil {
		if err := l.store.SaveEscrowIntent(ctx, in); err != nil {
			log.Printf("ledger: persist escrow intent %s: %v", in.ID, err)
		}
	}
}

// SetEscrowOutcome records how the executor call for an intent went.
func (l *Ledger) SetEscrowOutcome(ctx context.Context, id string, outcome models.EscrowOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, ok := l.escrows[id]
	if !ok {
		return
	}
	in.Outcome = outcome
	if l.store != nil {
		if err := l.store.SaveEscrowIntent(ctx, in); err != nil {
			log.Printf("ledger: persist escrow intent %s: %v", in.ID, err)
		}
	}
}

// EscrowIntents returns all recorded intents, oldest first.
func (l *Ledger) EscrowIntents() []*models.EscrowIntent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.EscrowIntent
	for _, in := range l.escrows {
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *Ledger) persist(ctx context.Context, s *models.Settlement) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveSettlement(ctx, s); err != nil {
		log.Printf("ledger: persist settlement %s: %v", s.ID, err)
	}
}
