package models

import "fmt"

// orderTransitions is the legal transition table for order statuses.
// Anything not listed fails with ErrState.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderActive:          {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
	OrderPartiallyFilled: {OrderFilled, OrderCancelled, OrderExpired},
}

// ValidOrderTransition reports whether from -> to is a legal order status
// transition. Terminal statuses have no outgoing transitions.
func ValidOrderTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the order to a new status, enforcing the lifecycle table.
func (o *Order) Transition(to OrderStatus) error {
	if !ValidOrderTransition(o.Status, to) {
		return fmt.Errorf("%w: order %s cannot go from %s to %s", ErrState, o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

// FillStatus derives the status implied by a fill level. Explicit cancel and
// expire events override it through Transition.
func FillStatus(filledWh, amountWh int64) OrderStatus {
	switch {
	case filledWh <= 0:
		return OrderActive
	case filledWh < amountWh:
		return OrderPartiallyFilled
	default:
		return OrderFilled
	}
}

// epochTransitions is the legal transition table for epoch statuses.
var epochTransitions = map[EpochStatus][]EpochStatus{
	EpochPending: {EpochActive},
	EpochActive:  {EpochCleared},
	EpochCleared: {EpochSettled},
}

// ValidEpochTransition reports whether from -> to is legal for an epoch.
func ValidEpochTransition(from, to EpochStatus) bool {
	for _, next := range epochTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the epoch to a new status, enforcing the lifecycle table.
func (e *Epoch) Transition(to EpochStatus) error {
	if !ValidEpochTransition(e.Status, to) {
		return fmt.Errorf("%w: epoch %d cannot go from %s to %s", ErrState, e.Number, e.Status, to)
	}
	e.Status = to
	return nil
}
