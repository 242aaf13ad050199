package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the core places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
	OrderTypeStopLimit  OrderType = "STOP_LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT / STOP_LIMIT
	StopPrice   float64 // required for STOP_LOSS / TAKE_PROFIT
	TimeInForce TimeInForce
	ClientID    string // client order id, used to re-identify after timeouts
	ReduceOnly  bool
}

// OrderResult returns the venue ack.
type OrderResult struct {
	OrderID   string // venue-assigned reference
	ClientID  string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// OrderView is the venue's current view of an open order, used by reconciliation.
type OrderView struct {
	OrderID   string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Status    OrderStatus
	Price     float64
	Qty       float64
	FilledQty float64
	AvgPrice  float64
}

// Ticker is a market snapshot for one symbol.
type Ticker struct {
	Symbol string
	Last   float64
	High   float64
	Low    float64
	Bid    float64
	Ask    float64
}

// Spread returns the bid/ask spread as a fraction of the last price.
func (t Ticker) Spread() float64 {
	if t.Last <= 0 || t.Ask <= 0 || t.Bid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / t.Last
}

// PriceLevel is one level of an order book side.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// OrderBook holds the top of book for one symbol. Bids are sorted descending,
// asks ascending.
type OrderBook struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// BestBid returns the highest bid, or zero when the side is empty.
func (b OrderBook) BestBid() PriceLevel {
	if len(b.Bids) == 0 {
		return PriceLevel{}
	}
	return b.Bids[0]
}

// BestAsk returns the lowest ask, or zero when the side is empty.
func (b OrderBook) BestAsk() PriceLevel {
	if len(b.Asks) == 0 {
		return PriceLevel{}
	}
	return b.Asks[0]
}

// DepthQty sums resting quantity on the side that would fill an order of the
// given side: asks for a BUY, bids for a SELL.
func (b OrderBook) DepthQty(side Side) float64 {
	levels := b.Asks
	if side == SideSell {
		levels = b.Bids
	}
	var total float64
	for _, lvl := range levels {
		total += lvl.Qty
	}
	return total
}

// Candle is a single OHLCV bar of the trailing price history.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}
