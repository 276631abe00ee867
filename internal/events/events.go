// Package events carries the engine's emitted events to indexing and
// observability consumers. Each event holds the full entity snapshot, so
// consumers never have to re-query the engine.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/openvolt/gridex/internal/models"
)

// Type of an emitted event.
type Type string

const (
	OrderAccepted       Type = "order_accepted"
	OrderCancelled      Type = "order_cancelled"
	OrderExpired        Type = "order_expired"
	MatchExecuted       Type = "match_executed"
	EpochCleared        Type = "epoch_cleared"
	SettlementCompleted Type = "settlement_completed"
	SettlementFailed    Type = "settlement_failed"
)

// Event is one engine occurrence with the affected entity attached.
type Event struct {
	Type       Type               `json:"type"`
	At         time.Time          `json:"at"`
	Order      *models.Order      `json:"order,omitempty"`
	Match      *models.Match      `json:"match,omitempty"`
	Epoch      *models.Epoch      `json:"epoch,omitempty"`
	Settlement *models.Settlement `json:"settlement,omitempty"`
}

// Emitter delivers events. Emit must not block the engine's writer loop for
// long; slow transports buffer or drop.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Multi fans one event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(ctx context.Context, ev Event) {}

// Log records events in memory. Used by tests to assert emission order.
type Log struct {
	mu     sync.Mutex
	events []Event
}

func NewLog() *Log { return &Log{} }

func (l *Log) Emit(ctx context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of everything emitted so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// OfType returns emitted events of one type, in order.
func (l *Log) OfType(t Type) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Bus fans events out to subscriber channels, dropping on slow consumers so
// the engine never stalls on a stuck websocket.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]bool)}
}

// Subscribe returns a buffered channel of future events and a cancel func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = true
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if b.subs[ch] {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
