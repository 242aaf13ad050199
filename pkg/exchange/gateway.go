package exchange

import (
	"context"
	"errors"
	"fmt"
)

// Gateway abstracts a trading venue: order placement, cancellation and the
// market data the execution paths need.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetOrderBook(ctx context.Context, symbol string) (OrderBook, error)
	ModifyPositionStopLossTakeProfit(ctx context.Context, symbol string, stopLoss, takeProfit float64) error
	ListOpenOrders(ctx context.Context, symbol string) ([]OrderView, error)
	// GetOrder returns the venue's view of one order, open or closed. Used by
	// reconciliation to resolve orders that left the open set.
	GetOrder(ctx context.Context, orderID, symbol string) (OrderView, error)
}

// Error wraps a failed gateway call. Ambiguous marks outcomes where the venue
// may or may not have accepted the request (timeouts, dropped connections);
// those are resolved by reconciliation, never by blind resubmission.
type Error struct {
	Venue     string
	Op        string
	Ambiguous bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a definitive (non-ambiguous) gateway error.
func NewError(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Err: err}
}

// NewAmbiguousError builds a gateway error whose outcome is unknown.
func NewAmbiguousError(venue, op string, err error) *Error {
	return &Error{Venue: venue, Op: op, Ambiguous: true, Err: err}
}

// IsAmbiguous reports whether err represents a call whose venue-side outcome
// is unknown.
func IsAmbiguous(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Ambiguous
	}
	return errors.Is(err, context.DeadlineExceeded)
}
