package collab

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ManualClock is a settable clock for tests and deterministic replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t. Moving backwards is ignored so the clock stays
// monotone.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// StaticCertValidator accepts any non-empty certificate reference, except
// those explicitly revoked. Used for local runs and tests.
type StaticCertValidator struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func NewStaticCertValidator() *StaticCertValidator {
	return &StaticCertValidator{revoked: make(map[string]bool)}
}

func (v *StaticCertValidator) Revoke(certRef string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[certRef] = true
}

func (v *StaticCertValidator) IsValidForTrading(ctx context.Context, certRef, trader string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return certRef != "" && !v.revoked[certRef], nil
}

// MemoryExecutor is an in-memory SettlementExecutor. It tracks per-trader
// reserved balances and applies each refID at most once.
type MemoryExecutor struct {
	mu       sync.Mutex
	applied  map[string]bool
	Reserved map[string]int64

	// FailNext makes the next n calls fail, for exercising retry paths.
	FailNext int
}

func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		applied:  make(map[string]bool),
		Reserved: make(map[string]int64),
	}
}

var errExecutorUnavailable = errors.New("settlement executor unavailable")

func (m *MemoryExecutor) step(key string) (bool, error) {
	if m.FailNext > 0 {
		m.FailNext--
		return false, errExecutorUnavailable
	}
	if m.applied[key] {
		return false, nil
	}
	m.applied[key] = true
	return true, nil
}

func (m *MemoryExecutor) Reserve(ctx context.Context, refID, trader string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply, err := m.step("reserve:" + refID)
	if err != nil {
		return err
	}
	if apply {
		m.Reserved[trader] += amount
	}
	return nil
}

func (m *MemoryExecutor) Release(ctx context.Context, refID, from, to string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply, err := m.step("release:" + refID)
	if err != nil {
		return err
	}
	if apply {
		m.Reserved[from] -= amount
	}
	return nil
}

func (m *MemoryExecutor) Refund(ctx context.Context, refID, trader string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply, err := m.step("refund:" + refID)
	if err != nil {
		return err
	}
	if apply {
		m.Reserved[trader] -= amount
	}
	return nil
}
