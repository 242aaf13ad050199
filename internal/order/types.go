// Package order owns the order state machine, the per-order concurrency
// discipline, and reconciliation against the exchange gateway.
package order

import (
	"errors"
	"time"

	"decision-core/pkg/exchange"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusPartial   Status = "PARTIALLY_FILLED"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusOpen, StatusRejected, StatusCancelled, StatusExpired},
	StatusOpen:    {StatusPartial, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartial: {StatusPartial, StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from → to is a legal move. A repeated
// PARTIALLY_FILLED records fill progress and is legal; everything out of a
// terminal state is not.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound marks an order id absent from the active set.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidTransition marks a rejected state machine move.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrValidation marks a malformed order rejected before any network call.
	ErrValidation = errors.New("order validation failed")
)

// Order is the unit the lifecycle manager owns. Mutations go through the
// manager's per-order lock; callers only ever see copies.
type Order struct {
	ID           string
	SignalID     string
	ParentID     string
	Venue        string
	VenueOrderID string
	Symbol       string
	Side         exchange.Side
	Type         exchange.OrderType
	Status       Status
	Price        float64
	StopPrice    float64
	Qty          float64
	FilledQty    float64
	AvgPrice     float64
	StopLoss     float64
	TakeProfit   float64
	TimeInForce  exchange.TimeInForce
	ReduceOnly   bool
	Strategy     string
	OwnerID      string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FilledAt     time.Time
}

// FillRatio returns filled quantity as a fraction of total quantity.
func (o *Order) FillRatio() float64 {
	if o.Qty <= 0 {
		return 0
	}
	return o.FilledQty / o.Qty
}

func (o *Order) clone() *Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
