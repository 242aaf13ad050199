package store

import "time"

// SignalRecord is the persisted form of an accepted signal.
type SignalRecord struct {
	ID           string
	Symbol       string
	Venue        string
	Kind         string
	Strength     float64
	Confidence   float64
	Price        float64
	StopLoss     float64
	TakeProfit   float64
	Quantity     float64
	Strategy     string
	Timeframe    string
	QualityScore float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// OrderRecord is the persisted form of an order. Metadata is a JSON object
// serialized by the caller.
type OrderRecord struct {
	ID           string
	SignalID     string
	ParentID     string
	Venue        string
	VenueOrderID string
	Symbol       string
	Side         string
	Type         string
	Status       string
	Price        float64
	Qty          float64
	FilledQty    float64
	AvgPrice     float64
	StopLoss     float64
	TakeProfit   float64
	Strategy     string
	OwnerID      string
	Metadata     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FilledAt     time.Time
}

// TradeRecord is one fill event.
type TradeRecord struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      string
	Price     float64
	Qty       float64
	Fee       float64
	CreatedAt time.Time
}

// ExitStateRecord persists a partial-exit state. StateData is a JSON blob
// owned by the exits manager (level list, executed set).
type ExitStateRecord struct {
	PositionKey  string
	Symbol       string
	Side         string
	EntryPrice   float64
	OriginalQty  float64
	RemainingQty float64
	TrailingStop float64
	StateData    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
