package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderCreated, OrderSubmitted, true},
		{OrderCreated, OrderSubmittedUnknown, true},
		{OrderCreated, OrderFilled, false},
		{OrderSubmitted, OrderAccepted, true},
		{OrderSubmitted, OrderFilled, true},
		{OrderSubmitted, OrderCancelled, true},
		{OrderSubmittedUnknown, OrderNotFound, true},
		{OrderSubmittedUnknown, OrderFilled, true},
		{OrderAccepted, OrderPartialFill, true},
		{OrderAccepted, OrderCreated, false},
		{OrderPartialFill, OrderFilled, true},
		{OrderFilled, OrderCancelled, false},
		{OrderRejected, OrderSubmitted, false},
		{OrderNotFound, OrderAccepted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransitionOrder(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionOrderIdempotentAndPartialRepeat(t *testing.T) {
	o := &Order{ID: "o1", Status: OrderAccepted}

	// Same-state transition is a no-op, not an error.
	require.NoError(t, TransitionOrder(o, OrderAccepted))
	assert.Equal(t, OrderAccepted, o.Status)

	// partial_fill may repeat for successive fills.
	require.NoError(t, TransitionOrder(o, OrderPartialFill))
	require.NoError(t, TransitionOrder(o, OrderPartialFill))
	require.NoError(t, TransitionOrder(o, OrderFilled))

	err := TransitionOrder(o, OrderCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid order transition")
}

func TestPositionTransitions(t *testing.T) {
	assert.True(t, CanTransitionPosition(PositionPending, PositionOpen))
	assert.True(t, CanTransitionPosition(PositionPending, PositionCancelled))
	assert.True(t, CanTransitionPosition(PositionOpen, PositionClosed))
	assert.False(t, CanTransitionPosition(PositionOpen, PositionCancelled))
	assert.False(t, CanTransitionPosition(PositionClosed, PositionOpen))
	assert.False(t, CanTransitionPosition(PositionCancelled, PositionOpen))
}

func TestCycleTransitions(t *testing.T) {
	// The pipeline chain is strictly ordered.
	assert.True(t, CanTransitionCycle(CycleCreated, CycleScanning))
	assert.True(t, CanTransitionCycle(CycleScanning, CycleFilteringNews))
	assert.True(t, CanTransitionCycle(CycleRiskValidation, CycleMonitoring))
	assert.False(t, CanTransitionCycle(CycleCreated, CycleExecuting))
	assert.False(t, CanTransitionCycle(CycleMonitoring, CycleScanning))

	// Emergency stop and failure are reachable from any live state.
	assert.True(t, CanTransitionCycle(CycleScanning, CycleStopped))
	assert.True(t, CanTransitionCycle(CycleMonitoring, CycleError))
	assert.False(t, CanTransitionCycle(CycleClosed, CycleStopped))
	assert.False(t, CanTransitionCycle(CycleError, CycleScanning))

	// A stopped cycle can only be archived.
	assert.True(t, CanTransitionCycle(CycleStopped, CycleClosed))
	assert.False(t, CanTransitionCycle(CycleStopped, CycleMonitoring))
}

func TestCycleStateClassification(t *testing.T) {
	assert.True(t, CycleMonitoring.Active())
	assert.False(t, CycleStopped.Active())
	assert.False(t, CycleClosed.Active())
	assert.True(t, CycleClosed.Terminal())
	assert.True(t, CycleError.Terminal())
	assert.False(t, CycleStopped.Terminal())
}

func validLeg() *Order {
	return &Order{
		ID: "leg", ParentOrderID: "entry", Purpose: PurposeStopLoss,
		Side: SideSell, Type: TypeStop, TimeInForce: TIFGTC,
		Qty: 100, StopPrice: 95,
	}
}

func TestOrderValidate(t *testing.T) {
	require.NoError(t, validLeg().Validate())

	o := validLeg()
	o.Qty = 0
	assert.ErrorContains(t, o.Validate(), "qty must be > 0")

	o = validLeg()
	o.FilledQty = 150
	assert.ErrorContains(t, o.Validate(), "outside [0, 100]")

	o = validLeg()
	o.ParentOrderID = ""
	assert.ErrorContains(t, o.Validate(), "requires a parent order")

	// A DAY bracket leg would expire overnight and orphan the position.
	o = validLeg()
	o.TimeInForce = TIFDay
	assert.ErrorContains(t, o.Validate(), "must be GTC")

	o = validLeg()
	o.Type = TypeLimit
	o.LimitPrice = 0
	assert.ErrorContains(t, o.Validate(), "requires limit price")

	o = validLeg()
	o.StopPrice = 0
	assert.ErrorContains(t, o.Validate(), "requires stop price")
}

func TestSideMapping(t *testing.T) {
	assert.Equal(t, SideBuy, Long.EntryOrderSide())
	assert.Equal(t, SideSell, Long.ExitOrderSide())
	assert.Equal(t, SideSell, Short.EntryOrderSide())
	assert.Equal(t, SideBuy, Short.ExitOrderSide())

	require.NoError(t, CheckSideMapping(Long, PurposeEntry, SideBuy))
	require.NoError(t, CheckSideMapping(Long, PurposeTakeProfit, SideSell))
	require.NoError(t, CheckSideMapping(Short, PurposeEntry, SideSell))
	require.NoError(t, CheckSideMapping(Short, PurposeStopLoss, SideBuy))

	// The inverted mapping seen in legacy data must be rejected.
	err := CheckSideMapping(Long, PurposeExit, SideBuy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "side mapping violation")
	assert.Error(t, CheckSideMapping(Short, PurposeEntry, SideBuy))
	assert.Error(t, CheckSideMapping(Long, "weird", SideBuy))
}

func TestPnLPercentIsSideAware(t *testing.T) {
	long := &Position{Side: Long, EntryPrice: 100, CurrentPrice: 105}
	assert.InDelta(t, 5.0, long.PnLPercent(), 1e-9)

	short := &Position{Side: Short, EntryPrice: 100, CurrentPrice: 105}
	assert.InDelta(t, -5.0, short.PnLPercent(), 1e-9)

	fresh := &Position{Side: Long}
	assert.Zero(t, fresh.PnLPercent())
}

func TestPurposeAndStatusHelpers(t *testing.T) {
	assert.True(t, PurposeStopLoss.IsBracketLeg())
	assert.True(t, PurposeTakeProfit.IsBracketLeg())
	assert.False(t, PurposeEntry.IsBracketLeg())
	assert.False(t, PurposeExit.IsBracketLeg())

	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())

	for _, s := range []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderNotFound} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []OrderStatus{OrderCreated, OrderSubmitted, OrderSubmittedUnknown, OrderAccepted, OrderPartialFill} {
		assert.False(t, s.Terminal(), s)
	}
}
