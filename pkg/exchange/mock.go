package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// FillMode controls how the mock venue fills accepted orders.
type FillMode int

const (
	// FillImmediate fills every accepted order at once.
	FillImmediate FillMode = iota
	// FillRest leaves accepted orders resting as NEW.
	FillRest
	// FillPartial fills PartialRatio of the quantity and leaves the rest.
	FillPartial
)

// StopModification records a ModifyPositionStopLossTakeProfit call.
type StopModification struct {
	Symbol     string
	StopLoss   float64
	TakeProfit float64
}

// Mock is an in-memory venue used by the dry-run wiring and tests. All state
// is guarded by a single mutex; behavior knobs let tests script rejections,
// ambiguous failures and venue-side fills.
type Mock struct {
	mu      sync.Mutex
	venue   string
	seq     int
	tickers map[string]Ticker
	books   map[string]OrderBook
	orders  map[string]*OrderView

	Mode         FillMode
	PartialRatio float64

	placeFailures  int
	placeErr       error
	cancelFailures int

	modifications []StopModification
	placed        int
	cancelled     int
}

// NewMock creates an empty mock venue.
func NewMock(venue string) *Mock {
	return &Mock{
		venue:        venue,
		tickers:      make(map[string]Ticker),
		books:        make(map[string]OrderBook),
		orders:       make(map[string]*OrderView),
		PartialRatio: 0.5,
	}
}

// SetTicker seeds the ticker snapshot for a symbol.
func (m *Mock) SetTicker(t Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

// SetBook seeds the order book for a symbol.
func (m *Mock) SetBook(b OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.Symbol] = b
}

// FailPlacements makes the next n PlaceOrder calls fail with err.
func (m *Mock) FailPlacements(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeFailures = n
	m.placeErr = err
}

// FailCancels makes the next n CancelOrder calls fail.
func (m *Mock) FailCancels(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelFailures = n
}

func (m *Mock) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.placeFailures > 0 {
		m.placeFailures--
		err := m.placeErr
		if err == nil {
			err = errors.New("venue unavailable")
		}
		var ee *Error
		if errors.As(err, &ee) {
			return OrderResult{}, err
		}
		return OrderResult{}, NewError(m.venue, "place_order", err)
	}
	if req.Qty <= 0 {
		return OrderResult{}, NewError(m.venue, "place_order", errors.New("quantity must be positive"))
	}

	m.seq++
	m.placed++
	id := fmt.Sprintf("%s-%d", m.venue, m.seq)

	price := req.Price
	if req.Type == OrderTypeMarket {
		if t, ok := m.tickers[req.Symbol]; ok {
			price = t.Last
		}
	}

	view := &OrderView{
		OrderID:  id,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Status:   StatusNew,
		Price:    price,
		Qty:      req.Qty,
	}

	switch m.Mode {
	case FillImmediate:
		view.Status = StatusFilled
		view.FilledQty = req.Qty
		view.AvgPrice = price
	case FillPartial:
		view.Status = StatusPartial
		view.FilledQty = req.Qty * m.PartialRatio
		view.AvgPrice = price
	}
	m.orders[id] = view

	return OrderResult{
		OrderID:   id,
		ClientID:  req.ClientID,
		Status:    view.Status,
		FilledQty: view.FilledQty,
		AvgPrice:  view.AvgPrice,
	}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelFailures > 0 {
		m.cancelFailures--
		return NewError(m.venue, "cancel_order", errors.New("venue unavailable"))
	}

	view, ok := m.orders[orderID]
	if !ok {
		return NewError(m.venue, "cancel_order", fmt.Errorf("unknown order %s", orderID))
	}
	if view.Status == StatusNew || view.Status == StatusPartial {
		view.Status = StatusCancelled
	}
	m.cancelled++
	return nil
}

func (m *Mock) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return Ticker{}, NewError(m.venue, "get_ticker", fmt.Errorf("no ticker for %s", symbol))
	}
	return t, nil
}

func (m *Mock) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return OrderBook{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[symbol]
	if !ok {
		return OrderBook{}, NewError(m.venue, "get_order_book", fmt.Errorf("no book for %s", symbol))
	}
	return b, nil
}

func (m *Mock) ModifyPositionStopLossTakeProfit(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifications = append(m.modifications, StopModification{
		Symbol:     symbol,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
	return nil
}

func (m *Mock) ListOpenOrders(ctx context.Context, symbol string) ([]OrderView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderView
	for _, v := range m.orders {
		if symbol != "" && v.Symbol != symbol {
			continue
		}
		if v.Status == StatusNew || v.Status == StatusPartial {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *Mock) GetOrder(ctx context.Context, orderID, symbol string) (OrderView, error) {
	if err := ctx.Err(); err != nil {
		return OrderView{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.orders[orderID]
	if !ok {
		return OrderView{}, NewError(m.venue, "get_order", fmt.Errorf("unknown order %s", orderID))
	}
	return *v, nil
}

// Fill applies a venue-side fill to a resting order, simulating activity the
// local core only learns about through reconciliation.
func (m *Mock) Fill(orderID string, qty, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	view.FilledQty += qty
	if view.FilledQty > view.Qty {
		view.FilledQty = view.Qty
	}
	view.AvgPrice = price
	if view.FilledQty >= view.Qty {
		view.Status = StatusFilled
	} else {
		view.Status = StatusPartial
	}
	return nil
}

// Order returns the venue view of an order by id.
func (m *Mock) Order(orderID string) (OrderView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.orders[orderID]
	if !ok {
		return OrderView{}, false
	}
	return *v, true
}

// Modifications returns all recorded stop modifications in call order.
func (m *Mock) Modifications() []StopModification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StopModification, len(m.modifications))
	copy(out, m.modifications)
	return out
}

// Counts returns placed and cancelled totals.
func (m *Mock) Counts() (placed, cancelled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placed, m.cancelled
}
