package events

import (
	"context"
	"testing"
	"time"

	"github.com/openvolt/gridex/internal/models"
)

func TestLogRecordsByType(t *testing.T) {
	l := NewLog()
	ctx := context.Background()

	l.Emit(ctx, Event{Type: OrderAccepted, Order: &models.Order{ID: "o1"}})
	l.Emit(ctx, Event{Type: MatchExecuted, Match: &models.Match{ID: "m1"}})
	l.Emit(ctx, Event{Type: OrderAccepted, Order: &models.Order{ID: "o2"}})

	if got := len(l.Events()); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
	accepted := l.OfType(OrderAccepted)
	if len(accepted) != 2 || accepted[0].Order.ID != "o1" || accepted[1].Order.ID != "o2" {
		t.Errorf("wrong order_accepted events: %v", accepted)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewLog(), NewLog()
	m := Multi{a, b, Discard{}}

	m.Emit(context.Background(), Event{Type: EpochCleared})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("every emitter must receive the event")
	}
}

func TestBusSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Emit(context.Background(), Event{Type: OrderAccepted, At: time.Now()})

	select {
	case ev := <-ch:
		if ev.Type != OrderAccepted {
			t.Errorf("got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()

	// Emitting after cancel must not panic or block.
	b.Emit(context.Background(), Event{Type: OrderCancelled})

	if _, ok := <-ch; ok {
		t.Error("cancelled subscriber channel should be closed")
	}
}
