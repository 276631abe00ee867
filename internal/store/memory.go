package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openvolt/gridex/internal/models"
)

// Memory is an in-process Store used in tests and single-node runs without
// Postgres.
type Memory struct {
	mu           sync.Mutex
	users        map[string]*models.User
	nextUserID   int
	orders       map[string]*models.Order
	epochs       map[int64]*models.Epoch
	matches      []*models.Match
	settlements  map[string]*models.Settlement
	byEpochMatch map[string]string // epoch/match key -> settlement id
	escrows      []*models.EscrowIntent
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]*models.User),
		nextUserID:   1,
		orders:       make(map[string]*models.Order),
		epochs:       make(map[int64]*models.Epoch),
		settlements:  make(map[string]*models.Settlement),
		byEpochMatch: make(map[string]string),
	}
}

func (m *Memory) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, fmt.Errorf("%w: username %s already taken", models.ErrValidation, username)
	}
	u := &models.User{
		ID:           m.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	m.nextUserID++
	m.users[username] = u
	return u, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, username)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SaveOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) OrdersForTrader(ctx context.Context, trader string) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Trader == trader {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) OpenOrders(ctx context.Context) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderActive || o.Status == models.OrderPartiallyFilled {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveEpoch(ctx context.Context, e *models.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.epochs[e.Number] = &cp
	return nil
}

func (m *Memory) GetEpoch(ctx context.Context, number int64) (*models.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[number]
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", models.ErrNotFound, number)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) LatestClearedEpoch(ctx context.Context) (*models.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Epoch
	for _, e := range m.epochs {
		if e.Status != models.EpochCleared && e.Status != models.EpochSettled {
			continue
		}
		if latest == nil || e.Number > latest.Number {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no cleared epoch", models.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) SaveMatch(ctx context.Context, match *models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *match
	m.matches = append(m.matches, &cp)
	return nil
}

func (m *Memory) MatchesForEpoch(ctx context.Context, epochNumber int64) ([]*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Match
	for _, match := range m.matches {
		if match.EpochNumber == epochNumber {
			cp := *match
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) MatchesForTrader(ctx context.Context, trader string) ([]*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Match
	for _, match := range m.matches {
		if match.Buyer == trader || match.Seller == trader {
			cp := *match
			out = append(out, &cp)
		}
	}
	return out, nil
}

func epochMatchKey(epoch int64, matchID string) string {
	return fmt.Sprintf("%d/%s", epoch, matchID)
}

func (m *Memory) SaveSettlement(ctx context.Context, s *models.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := epochMatchKey(s.EpochNumber, s.MatchID)
	if existing, ok := m.byEpochMatch[key]; ok && existing != s.ID {
		return nil // duplicate for the same match, keep the first
	}
	cp := *s
	m.settlements[s.ID] = &cp
	m.byEpochMatch[key] = s.ID
	return nil
}

func (m *Memory) SettlementsForEpoch(ctx context.Context, epochNumber int64) ([]*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Settlement
	for _, s := range m.settlements {
		if s.EpochNumber == epochNumber {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SettlementsForTrader(ctx context.Context, trader string) ([]*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Settlement
	for _, s := range m.settlements {
		if s.Buyer == trader || s.Seller == trader {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveEscrowIntent(ctx context.Context, in *models.EscrowIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	m.escrows = append(m.escrows, &cp)
	return nil
}
