package events

import "time"

// Event enumerates high-level topics inside the decision core.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventSignalAccepted Event = "signal.accepted"
	EventSignalRejected Event = "signal.rejected"

	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderCancelled       Event = "order.cancelled"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	EventExitLevelFilled  Event = "exit.level_filled"
	EventTrailingStopMove Event = "exit.trailing_stop_moved"
	EventReconcileDrift   Event = "order.reconcile_drift"
)

// PriceTick is the payload for EventPriceTick.
type PriceTick struct {
	Venue  string
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// OrderUpdate is the payload for the order.* topics. VenueLatencyMs is the
// round trip of the submit call that produced the event; FillLatencyMs is the
// creation-to-fill time, set only on order.filled.
type OrderUpdate struct {
	OrderID        string
	Symbol         string
	Side           string
	Status         string
	FilledQty      float64
	AvgPrice       float64
	Reason         string
	VenueLatencyMs float64
	FillLatencyMs  float64
}

// SignalVerdict is the payload for the signal.* topics.
type SignalVerdict struct {
	Symbol   string
	Kind     string
	Strategy string
	Quality  float64
	Reasons  []string
}

// DriftCorrection is the payload for EventReconcileDrift.
type DriftCorrection struct {
	OrderID    string
	Symbol     string
	FromStatus string
	ToStatus   string
}

// TrailingStopUpdate is the payload for EventTrailingStopMove.
type TrailingStopUpdate struct {
	Symbol string
	Side   string
	Stop   float64
}

// ExitLevelFill is the payload for EventExitLevelFilled.
type ExitLevelFill struct {
	Symbol    string
	Side      string
	Level     int
	Qty       float64
	Price     float64
	Remaining float64
}
