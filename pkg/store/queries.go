package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Queries is the save/read surface consumed by the domain packages.
type Queries struct {
	db      *sql.DB
	observe func(time.Duration)
}

// SetLatencyObserver installs a callback receiving the elapsed time of every
// query. Install it during wiring, before concurrent use.
func (q *Queries) SetLatencyObserver(fn func(time.Duration)) {
	q.observe = fn
}

func (q *Queries) observed(start time.Time) {
	if q.observe != nil {
		q.observe(time.Since(start))
	}
}

// ----------------------------------------
// Signal queries
// ----------------------------------------

// SaveSignal inserts an accepted signal.
func (q *Queries) SaveSignal(ctx context.Context, s SignalRecord) error {
	defer q.observed(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO signals (id, symbol, venue, kind, strength, confidence, price,
		                     stop_loss, take_profit, quantity, strategy, timeframe,
		                     quality_score, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Symbol, s.Venue, s.Kind, s.Strength, s.Confidence, s.Price,
		s.StopLoss, s.TakeProfit, s.Quantity, s.Strategy, s.Timeframe,
		s.QualityScore, s.CreatedAt, nullTime(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal reads one signal by id.
func (q *Queries) GetSignal(ctx context.Context, id string) (*SignalRecord, error) {
	defer q.observed(time.Now())
	var (
		s       SignalRecord
		expires sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, symbol, COALESCE(venue, ''), kind, strength, confidence, price,
		       stop_loss, take_profit, quantity, COALESCE(strategy, ''),
		       COALESCE(timeframe, ''), quality_score, created_at, expires_at
		FROM signals WHERE id = ?
	`, id).Scan(&s.ID, &s.Symbol, &s.Venue, &s.Kind, &s.Strength, &s.Confidence,
		&s.Price, &s.StopLoss, &s.TakeProfit, &s.Quantity, &s.Strategy,
		&s.Timeframe, &s.QualityScore, &s.CreatedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query signal: %w", err)
	}
	if expires.Valid {
		s.ExpiresAt = expires.Time
	}
	return &s, nil
}

// ----------------------------------------
// Order queries
// ----------------------------------------

const orderColumns = `id, COALESCE(signal_id, ''), COALESCE(parent_id, ''), venue,
       COALESCE(venue_order_id, ''), symbol, side, type, status, price, qty,
       COALESCE(filled_qty, 0), COALESCE(avg_price, 0), stop_loss, take_profit,
       COALESCE(strategy, ''), COALESCE(owner_id, ''), COALESCE(metadata, ''),
       created_at, updated_at, filled_at`

// SaveOrder inserts a new order row.
func (q *Queries) SaveOrder(ctx context.Context, o OrderRecord) error {
	defer q.observed(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, parent_id, venue, venue_order_id, symbol,
		                    side, type, status, price, qty, filled_qty, avg_price,
		                    stop_loss, take_profit, strategy, owner_id, metadata,
		                    created_at, updated_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SignalID, o.ParentID, o.Venue, o.VenueOrderID, o.Symbol,
		o.Side, o.Type, o.Status, o.Price, o.Qty, o.FilledQty, o.AvgPrice,
		o.StopLoss, o.TakeProfit, o.Strategy, o.OwnerID, o.Metadata,
		o.CreatedAt, o.UpdatedAt, nullTime(o.FilledAt))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder rewrites the mutable columns of an order.
func (q *Queries) UpdateOrder(ctx context.Context, o OrderRecord) error {
	defer q.observed(time.Now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, venue_order_id = ?, filled_qty = ?, avg_price = ?,
		    stop_loss = ?, take_profit = ?, metadata = ?, updated_at = ?, filled_at = ?
		WHERE id = ?
	`, o.Status, o.VenueOrderID, o.FilledQty, o.AvgPrice,
		o.StopLoss, o.TakeProfit, o.Metadata, o.UpdatedAt, nullTime(o.FilledAt), o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder reads one order by id.
func (q *Queries) GetOrder(ctx context.Context, id string) (*OrderRecord, error) {
	defer q.observed(time.Now())
	row := q.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// ListOrders returns the most recent orders, optionally filtered by symbol
// and/or status. Empty filters match everything.
func (q *Queries) ListOrders(ctx context.Context, symbol, status string, limit int) ([]OrderRecord, error) {
	defer q.observed(time.Now())
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE (? = '' OR symbol = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, symbol, symbol, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListActiveOrders returns orders in non-terminal states, used to rebuild the
// active set on startup.
func (q *Queries) ListActiveOrders(ctx context.Context) ([]OrderRecord, error) {
	defer q.observed(time.Now())
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('PENDING', 'OPEN', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*OrderRecord, error) {
	var (
		o      OrderRecord
		filled sql.NullTime
	)
	err := row.Scan(&o.ID, &o.SignalID, &o.ParentID, &o.Venue, &o.VenueOrderID,
		&o.Symbol, &o.Side, &o.Type, &o.Status, &o.Price, &o.Qty, &o.FilledQty,
		&o.AvgPrice, &o.StopLoss, &o.TakeProfit, &o.Strategy, &o.OwnerID,
		&o.Metadata, &o.CreatedAt, &o.UpdatedAt, &filled)
	if err != nil {
		return nil, err
	}
	if filled.Valid {
		o.FilledAt = filled.Time
	}
	return &o, nil
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

// SaveTrade inserts one fill event.
func (q *Queries) SaveTrade(ctx context.Context, t TradeRecord) error {
	defer q.observed(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, price, qty, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades for an order.
func (q *Queries) ListTrades(ctx context.Context, orderID string, limit int) ([]TradeRecord, error) {
	defer q.observed(time.Now())
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, qty, COALESCE(fee, 0), created_at
		FROM trades
		WHERE (? = '' OR order_id = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, orderID, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Exit state queries
// ----------------------------------------

// UpsertExitState creates or rewrites a partial-exit state.
func (q *Queries) UpsertExitState(ctx context.Context, e ExitStateRecord) error {
	defer q.observed(time.Now())
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exit_states (position_key, symbol, side, entry_price, original_qty,
		                         remaining_qty, trailing_stop, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(position_key) DO UPDATE SET
			remaining_qty = excluded.remaining_qty,
			trailing_stop = excluded.trailing_stop,
			state_data = excluded.state_data,
			updated_at = CURRENT_TIMESTAMP
	`, e.PositionKey, e.Symbol, e.Side, e.EntryPrice, e.OriginalQty,
		e.RemainingQty, e.TrailingStop, e.StateData, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert exit state: %w", err)
	}
	return nil
}

// GetExitState reads one exit state by position key.
func (q *Queries) GetExitState(ctx context.Context, positionKey string) (*ExitStateRecord, error) {
	defer q.observed(time.Now())
	var e ExitStateRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT position_key, symbol, side, entry_price, original_qty, remaining_qty,
		       trailing_stop, state_data, created_at, updated_at
		FROM exit_states WHERE position_key = ?
	`, positionKey).Scan(&e.PositionKey, &e.Symbol, &e.Side, &e.EntryPrice,
		&e.OriginalQty, &e.RemainingQty, &e.TrailingStop, &e.StateData,
		&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query exit state: %w", err)
	}
	return &e, nil
}

// ListExitStates returns all persisted exit states.
func (q *Queries) ListExitStates(ctx context.Context) ([]ExitStateRecord, error) {
	defer q.observed(time.Now())
	rows, err := q.db.QueryContext(ctx, `
		SELECT position_key, symbol, side, entry_price, original_qty, remaining_qty,
		       trailing_stop, state_data, created_at, updated_at
		FROM exit_states
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query exit states: %w", err)
	}
	defer rows.Close()

	var out []ExitStateRecord
	for rows.Next() {
		var e ExitStateRecord
		if err := rows.Scan(&e.PositionKey, &e.Symbol, &e.Side, &e.EntryPrice,
			&e.OriginalQty, &e.RemainingQty, &e.TrailingStop, &e.StateData,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan exit state: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExitState removes a position's exit state.
func (q *Queries) DeleteExitState(ctx context.Context, positionKey string) error {
	defer q.observed(time.Now())
	_, err := q.db.ExecContext(ctx, `DELETE FROM exit_states WHERE position_key = ?`, positionKey)
	if err != nil {
		return fmt.Errorf("delete exit state: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
