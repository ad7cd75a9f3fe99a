package models

import "fmt"

// orderTransitions defines the valid order status transitions. Any transition
// not listed is invalid. Terminal states have no outgoing edges.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:   {OrderSubmitted, OrderSubmittedUnknown, OrderRejected},
	OrderSubmitted: {OrderAccepted, OrderFilled, OrderPartialFill, OrderCancelled, OrderRejected, OrderExpired},
	// An ambiguous submit resolves to whatever the broker reports, or to
	// not_found when the broker never saw it.
	OrderSubmittedUnknown: {OrderAccepted, OrderRejected, OrderExpired, OrderFilled, OrderPartialFill, OrderCancelled, OrderNotFound},
	OrderAccepted:         {OrderPartialFill, OrderFilled, OrderCancelled, OrderExpired},
	OrderPartialFill:      {OrderPartialFill, OrderFilled, OrderCancelled},
}

// CanTransitionOrder reports whether an order may move from one status to
// another. Self-transitions are only allowed for partial_fill (repeat fills).
func CanTransitionOrder(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOrder moves an order to a new status, enforcing monotone progress
// toward a terminal state.
func TransitionOrder(o *Order, to OrderStatus) error {
	if o.Status == to && to != OrderPartialFill {
		return nil // idempotent no-op
	}
	if !CanTransitionOrder(o.Status, to) {
		return fmt.Errorf("invalid order transition %s -> %s (order %s)", o.Status, to, o.ID)
	}
	o.Status = to
	return nil
}

// positionTransitions defines the valid position status transitions.
var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionPending: {PositionOpen, PositionCancelled},
	PositionOpen:    {PositionClosed},
}

// CanTransitionPosition reports whether a position may move between statuses.
func CanTransitionPosition(from, to PositionStatus) bool {
	for _, next := range positionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionPosition moves a position to a new status.
func TransitionPosition(p *Position, to PositionStatus) error {
	if p.Status == to {
		return nil
	}
	if !CanTransitionPosition(p.Status, to) {
		return fmt.Errorf("invalid position transition %s -> %s (position %s)", p.Status, to, p.ID)
	}
	p.Status = to
	return nil
}

// cycleTransitions defines the pipeline progression of a trading cycle.
// stopped and error are reachable from any non-terminal state and are handled
// in CanTransitionCycle directly.
var cycleTransitions = map[CycleState][]CycleState{
	CycleCreated:            {CycleScanning},
	CycleScanning:           {CycleFilteringNews},
	CycleFilteringNews:      {CycleFilteringPatterns},
	CycleFilteringPatterns:  {CycleFilteringTechnical},
	CycleFilteringTechnical: {CycleRiskValidation},
	CycleRiskValidation:     {CycleExecuting, CycleMonitoring},
	CycleExecuting:          {CycleMonitoring},
	CycleMonitoring:         {CycleClosed},
	CycleStopped:            {CycleClosed},
}

// CanTransitionCycle reports whether a cycle may move between states.
func CanTransitionCycle(from, to CycleState) bool {
	if from.Terminal() {
		return false
	}
	// Emergency stop and hard failure are reachable from any live state.
	if to == CycleError {
		return true
	}
	if to == CycleStopped {
		return from != CycleStopped
	}
	for _, next := range cycleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionCycle moves a cycle to a new state.
func TransitionCycle(c *TradingCycle, to CycleState) error {
	if c.State == to {
		return nil
	}
	if !CanTransitionCycle(c.State, to) {
		return fmt.Errorf("invalid cycle transition %s -> %s (cycle %s)", c.State, to, c.ID)
	}
	c.State = to
	return nil
}
