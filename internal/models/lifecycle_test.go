package models

import (
	"errors"
	"testing"
	"time"
)

func TestOrderTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderActive, OrderPartiallyFilled, true},
		{OrderActive, OrderFilled, true},
		{OrderActive, OrderCancelled, true},
		{OrderActive, OrderExpired, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderPartiallyFilled, OrderCancelled, true},
		{OrderPartiallyFilled, OrderExpired, true},
		{OrderPartiallyFilled, OrderActive, false},
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderActive, false},
		{OrderExpired, OrderFilled, false},
	}
	for _, tc := range cases {
		if got := ValidOrderTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	o := &Order{ID: "o1", Status: OrderFilled}
	if err := o.Transition(OrderCancelled); !errors.Is(err, ErrState) {
		t.Errorf("expected ErrState, got %v", err)
	}
	if o.Status != OrderFilled {
		t.Error("failed transition must not change status")
	}
}

func TestFillStatus(t *testing.T) {
	if got := FillStatus(0, 1000); got != OrderActive {
		t.Errorf("no fill: got %s", got)
	}
	if got := FillStatus(400, 1000); got != OrderPartiallyFilled {
		t.Errorf("partial fill: got %s", got)
	}
	if got := FillStatus(1000, 1000); got != OrderFilled {
		t.Errorf("full fill: got %s", got)
	}
}

func TestEpochTransitions(t *testing.T) {
	ep := &Epoch{Number: 1, Status: EpochPending}
	for _, to := range []EpochStatus{EpochActive, EpochCleared, EpochSettled} {
		if err := ep.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := ep.Transition(EpochActive); !errors.Is(err, ErrState) {
		t.Errorf("settled epoch must be terminal, got %v", err)
	}
	if ValidEpochTransition(EpochActive, EpochSettled) {
		t.Error("active epoch must clear before it settles")
	}
}

func TestOrderHelpers(t *testing.T) {
	now := time.Now()
	o := &Order{AmountWh: 1000, FilledWh: 400, ExpiresAt: now.Add(time.Minute)}
	if o.RemainingWh() != 600 {
		t.Errorf("remaining: got %d", o.RemainingWh())
	}
	if o.IsExpired(now) {
		t.Error("order before its expiry must not be expired")
	}
	if !o.IsExpired(now.Add(2 * time.Minute)) {
		t.Error("order past its expiry must be expired")
	}

	open := &Order{AmountWh: 1000}
	if open.IsExpired(now) {
		t.Error("zero ExpiresAt means no expiry")
	}
}
