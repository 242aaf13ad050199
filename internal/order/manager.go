package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/events"
	"decision-core/internal/risk"
	"decision-core/internal/signal"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
)

// FillHook is invoked exactly once when an order first reaches FILLED. The
// wiring points it at the partial-exit manager.
type FillHook func(ctx context.Context, o Order)

// Manager owns every active order. All mutating operations for one order id
// serialize through that id's lock; different ids proceed concurrently.
type Manager struct {
	gw      exchange.Gateway
	queries *store.Queries
	bus     *events.Bus
	logger  zerolog.Logger

	// PendingGrace is how long an unacknowledged PENDING order may sit
	// before reconciliation expires it.
	PendingGrace time.Duration

	hookMu sync.Mutex
	hook   FillHook

	mu        sync.Mutex
	active    map[string]*Order
	locks     map[string]*sync.Mutex
	hookFired map[string]bool
}

// NewManager builds a lifecycle manager. queries and bus may be nil in tests.
func NewManager(gw exchange.Gateway, queries *store.Queries, bus *events.Bus) *Manager {
	return &Manager{
		gw:           gw,
		queries:      queries,
		bus:          bus,
		logger:       log.With().Str("component", "order_manager").Logger(),
		PendingGrace: 30 * time.Second,
		active:       make(map[string]*Order),
		locks:        make(map[string]*sync.Mutex),
		hookFired:    make(map[string]bool),
	}
}

// SetFillHook installs the FILLED hand-off.
func (m *Manager) SetFillHook(h FillHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hook = h
}

// CreateFromSignal builds a PENDING order from an accepted signal and its
// computed levels, persists it and adds it to the active set.
func (m *Manager) CreateFromSignal(ctx context.Context, sig *signal.Signal, levels risk.DynamicLevels, owner string) (*Order, error) {
	if sig == nil {
		return nil, fmt.Errorf("%w: nil signal", ErrValidation)
	}
	if sig.Quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive quantity %.8f", ErrValidation, sig.Quantity)
	}
	if sig.Price <= 0 {
		return nil, fmt.Errorf("%w: missing price", ErrValidation)
	}

	var (
		side       exchange.Side
		reduceOnly bool
	)
	switch sig.Kind {
	case signal.TypeLong:
		side = exchange.SideBuy
	case signal.TypeShort:
		side = exchange.SideSell
	case signal.TypeCloseLong:
		side, reduceOnly = exchange.SideSell, true
	case signal.TypeCloseShort:
		side, reduceOnly = exchange.SideBuy, true
	default:
		return nil, fmt.Errorf("%w: signal kind %s is not tradeable", ErrValidation, sig.Kind)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		SignalID:    sig.ID,
		Venue:       sig.Venue,
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        exchange.OrderTypeLimit,
		Status:      StatusPending,
		Price:       sig.Price,
		Qty:         sig.Quantity,
		StopLoss:    levels.StopLossPrice,
		TakeProfit:  levels.TakeProfitPrice,
		TimeInForce: exchange.TIFGTC,
		ReduceOnly:  reduceOnly,
		Strategy:    sig.Strategy,
		OwnerID:     owner,
		Metadata:    map[string]string{"regime": string(levels.Volatility.Regime)},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.persist(ctx, o, true); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[o.ID] = o
	m.mu.Unlock()

	m.logger.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Float64("qty", o.Qty).
		Msg("order created")
	return o.clone(), nil
}

// CreateChild derives a PENDING child order from a parent, used by chunked
// execution. The child shares the parent's symbol, side and levels.
func (m *Manager) CreateChild(ctx context.Context, parentID string, qty, price float64) (*Order, error) {
	parent, err := m.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: non-positive child quantity %.8f", ErrValidation, qty)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		SignalID:    parent.SignalID,
		ParentID:    parent.ID,
		Venue:       parent.Venue,
		Symbol:      parent.Symbol,
		Side:        parent.Side,
		Type:        parent.Type,
		Status:      StatusPending,
		Price:       price,
		Qty:         qty,
		StopLoss:    parent.StopLoss,
		TakeProfit:  parent.TakeProfit,
		TimeInForce: parent.TimeInForce,
		ReduceOnly:  parent.ReduceOnly,
		Strategy:    parent.Strategy,
		OwnerID:     parent.OwnerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.persist(ctx, o, true); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[o.ID] = o
	m.mu.Unlock()
	return o.clone(), nil
}

// Get returns a copy of an order, checking the active set first and falling
// back to the store for terminal orders.
func (m *Manager) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	o, ok := m.active[id]
	if ok {
		c := o.clone()
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	if m.queries == nil {
		return nil, ErrNotFound
	}
	rec, err := m.queries.GetOrder(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

// Active returns copies of all orders in the active set.
func (m *Manager) Active() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, *o.clone())
	}
	return out
}

// Restore reloads non-terminal orders from the store into the active set
// after a restart, so reconciliation can resume driving them. Orders already
// tracked in memory are left alone.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.queries == nil {
		return 0, nil
	}
	records, err := m.queries.ListActiveOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore orders: %w", err)
	}

	restored := 0
	for i := range records {
		o := fromRecord(&records[i])
		m.mu.Lock()
		if _, exists := m.active[o.ID]; exists {
			m.mu.Unlock()
			continue
		}
		m.active[o.ID] = o
		m.mu.Unlock()
		restored++
		m.logger.Info().
			Str("order_id", o.ID).
			Str("symbol", o.Symbol).
			Str("status", string(o.Status)).
			Msg("order restored")
	}
	return restored, nil
}

// Reprice rewrites a PENDING order's type and price before submission. The
// execution engine uses it to convert orders between market and limit forms.
func (m *Manager) Reprice(ctx context.Context, id string, typ exchange.OrderType, price float64) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	o := m.lookup(id)
	if o == nil {
		return ErrNotFound
	}
	if o.Status != StatusPending {
		return fmt.Errorf("%w: reprice requires PENDING, order %s is %s", ErrValidation, id, o.Status)
	}
	if typ == exchange.OrderTypeLimit && price <= 0 {
		return fmt.Errorf("%w: limit order needs a price", ErrValidation)
	}
	o.Type = typ
	o.Price = price
	o.UpdatedAt = time.Now().UTC()
	return m.persist(ctx, o, false)
}

// Submit sends a PENDING order to the venue. Success moves it to OPEN (and
// further, if the ack already reports fills). A definitive rejection moves it
// to REJECTED; an ambiguous failure leaves it PENDING for Reconcile.
func (m *Manager) Submit(ctx context.Context, id string) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	o := m.lookup(id)
	if o == nil {
		return ErrNotFound
	}
	if o.Status != StatusPending {
		return fmt.Errorf("%w: submit requires PENDING, order %s is %s", ErrValidation, id, o.Status)
	}

	req := exchange.OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Qty:         o.Qty,
		Price:       o.Price,
		StopPrice:   o.StopPrice,
		TimeInForce: o.TimeInForce,
		ClientID:    o.ID,
		ReduceOnly:  o.ReduceOnly,
	}
	start := time.Now()
	res, err := m.gw.PlaceOrder(ctx, req)
	venueLatencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		if exchange.IsAmbiguous(err) {
			// The venue may hold this order. Reconcile resolves it; blind
			// resubmission could duplicate it.
			m.logger.Warn().Str("order_id", id).Err(err).Msg("ambiguous submit outcome, awaiting reconciliation")
			return fmt.Errorf("submit %s: %w", id, err)
		}
		if aerr := m.applyLocked(ctx, o, StatusRejected, o.FilledQty, o.AvgPrice, err.Error()); aerr != nil {
			m.logger.Error().Str("order_id", id).Err(aerr).Msg("reject transition failed")
		}
		return fmt.Errorf("submit %s: %w", id, err)
	}

	o.VenueOrderID = res.OrderID
	m.publishUpdate(events.EventOrderSubmitted, o, "", venueLatencyMs)
	if err := m.applyLocked(ctx, o, StatusOpen, o.FilledQty, o.AvgPrice, ""); err != nil {
		return err
	}

	// Apply fills already reported by the ack.
	switch res.Status {
	case exchange.StatusFilled:
		return m.applyLocked(ctx, o, StatusFilled, res.FilledQty, res.AvgPrice, "")
	case exchange.StatusPartial:
		return m.applyLocked(ctx, o, StatusPartial, res.FilledQty, res.AvgPrice, "")
	}
	return nil
}

// UpdateStatus applies a status transition under the order's lock.
// Transitioning into FILLED fires the fill hook exactly once and removes the
// order from the active set.
func (m *Manager) UpdateStatus(ctx context.Context, id string, newStatus Status, filledQty, avgPrice float64) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	o := m.lookup(id)
	if o == nil {
		return ErrNotFound
	}
	return m.applyLocked(ctx, o, newStatus, filledQty, avgPrice, "")
}

// Cancel cancels the order at the venue and, on success, transitions it to
// CANCELLED. A PENDING order that never reached the venue cancels locally.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	o := m.lookup(id)
	if o == nil {
		return ErrNotFound
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %s already %s", ErrInvalidTransition, id, o.Status)
	}

	if o.VenueOrderID != "" {
		if err := m.gw.CancelOrder(ctx, o.VenueOrderID, o.Symbol); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
	}
	return m.applyLocked(ctx, o, StatusCancelled, o.FilledQty, o.AvgPrice, "cancelled by caller")
}

// Reconcile pulls the venue's view and applies transitions missed locally.
// The venue is the source of truth; disagreements are corrected, logged and
// published, never fatal.
func (m *Manager) Reconcile(ctx context.Context) error {
	views, err := m.gw.ListOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("reconcile: list open orders: %w", err)
	}

	byClient := make(map[string]exchange.OrderView, len(views))
	byVenueID := make(map[string]exchange.OrderView, len(views))
	for _, v := range views {
		if v.ClientID != "" {
			byClient[v.ClientID] = v
		}
		byVenueID[v.OrderID] = v
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.reconcileOne(ctx, id, byClient, byVenueID)
	}
	return nil
}

// ReconcileLoop runs Reconcile on a fixed interval until ctx is cancelled.
func (m *Manager) ReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("reconcile pass failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) reconcileOne(ctx context.Context, id string, byClient, byVenueID map[string]exchange.OrderView) {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	o := m.lookup(id)
	if o == nil {
		return
	}

	switch o.Status {
	case StatusPending:
		if v, ok := byClient[o.ID]; ok {
			// An ambiguous submit did reach the venue. Adopt its reference.
			o.VenueOrderID = v.OrderID
			m.drift(o, StatusOpen)
			if err := m.applyLocked(ctx, o, StatusOpen, o.FilledQty, o.AvgPrice, ""); err != nil {
				return
			}
			m.applyView(ctx, o, v)
			return
		}
		if time.Since(o.UpdatedAt) > m.PendingGrace {
			m.drift(o, StatusExpired)
			_ = m.applyLocked(ctx, o, StatusExpired, o.FilledQty, o.AvgPrice, "pending past grace, not at venue")
		}

	case StatusOpen, StatusPartial:
		if o.VenueOrderID == "" {
			// Local container order (chunked parent); nothing at the venue.
			return
		}
		if v, ok := byVenueID[o.VenueOrderID]; ok {
			m.applyView(ctx, o, v)
			return
		}
		// No longer in the open set: ask the venue for its terminal view.
		v, err := m.gw.GetOrder(ctx, o.VenueOrderID, o.Symbol)
		if err != nil {
			m.logger.Warn().Str("order_id", id).Err(err).Msg("reconcile: venue order lookup failed")
			return
		}
		m.applyView(ctx, o, v)
	}
}

// applyView maps a venue view onto the local state machine.
func (m *Manager) applyView(ctx context.Context, o *Order, v exchange.OrderView) {
	target := statusFromVenue(v.Status)
	if target == "" {
		return
	}
	if target == o.Status && v.FilledQty == o.FilledQty {
		return
	}
	if target != o.Status {
		m.drift(o, target)
	}
	if !CanTransition(o.Status, target) && target != o.Status {
		m.logger.Warn().
			Str("order_id", o.ID).
			Str("from", string(o.Status)).
			Str("to", string(target)).
			Msg("reconcile: venue state unreachable from local state")
		return
	}
	if err := m.applyLocked(ctx, o, target, v.FilledQty, v.AvgPrice, "reconciled from venue"); err != nil {
		m.logger.Error().Str("order_id", o.ID).Err(err).Msg("reconcile transition failed")
	}
}

func statusFromVenue(s exchange.OrderStatus) Status {
	switch s {
	case exchange.StatusNew:
		return StatusOpen
	case exchange.StatusPartial:
		return StatusPartial
	case exchange.StatusFilled:
		return StatusFilled
	case exchange.StatusCancelled:
		return StatusCancelled
	case exchange.StatusRejected:
		return StatusRejected
	case exchange.StatusExpired:
		return StatusExpired
	}
	return ""
}

func (m *Manager) drift(o *Order, to Status) {
	m.logger.Info().
		Str("order_id", o.ID).
		Str("from", string(o.Status)).
		Str("to", string(to)).
		Msg("reconcile drift correction")
	if m.bus != nil {
		m.bus.Publish(events.EventReconcileDrift, events.DriftCorrection{
			OrderID:    o.ID,
			Symbol:     o.Symbol,
			FromStatus: string(o.Status),
			ToStatus:   string(to),
		})
	}
}

// applyLocked performs one validated transition. Caller holds the order lock.
func (m *Manager) applyLocked(ctx context.Context, o *Order, to Status, filledQty, avgPrice float64, reason string) error {
	if to == o.Status {
		// Same-status refresh carrying fill progress. Never legal from a
		// terminal state.
		if to.Terminal() {
			return fmt.Errorf("%w: order %s already %s", ErrInvalidTransition, o.ID, o.Status)
		}
	} else if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, o.Status, to, o.ID)
	}

	if filledQty > o.Qty {
		filledQty = o.Qty
	}
	if filledQty >= o.FilledQty {
		o.FilledQty = filledQty
	}
	if avgPrice > 0 {
		o.AvgPrice = avgPrice
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	if to == StatusFilled {
		o.FilledAt = o.UpdatedAt
		if o.FilledQty == 0 {
			o.FilledQty = o.Qty
		}
	}

	if err := m.persist(ctx, o, false); err != nil {
		m.logger.Error().Str("order_id", o.ID).Err(err).Msg("persist order update")
	}
	if to == StatusFilled {
		m.recordTrade(ctx, o)
	}
	m.publish(eventFor(to), o, reason)

	if to.Terminal() {
		m.mu.Lock()
		delete(m.active, o.ID)
		fireHook := to == StatusFilled && !m.hookFired[o.ID]
		// Terminal states absorb, so the per-id lock and hook marker have no
		// further use. Prune them or the maps grow for the process lifetime.
		delete(m.hookFired, o.ID)
		delete(m.locks, o.ID)
		m.mu.Unlock()

		if fireHook {
			m.hookMu.Lock()
			hook := m.hook
			m.hookMu.Unlock()
			if hook != nil {
				hook(ctx, *o.clone())
			}
		}
	}
	return nil
}

func eventFor(s Status) events.Event {
	switch s {
	case StatusOpen:
		return events.EventOrderAccepted
	case StatusPartial:
		return events.EventOrderPartiallyFilled
	case StatusFilled:
		return events.EventOrderFilled
	case StatusCancelled:
		return events.EventOrderCancelled
	case StatusRejected:
		return events.EventOrderRejected
	case StatusExpired:
		return events.EventOrderCancelled
	}
	return events.EventOrderSubmitted
}

func (m *Manager) publish(e events.Event, o *Order, reason string) {
	m.publishUpdate(e, o, reason, 0)
}

func (m *Manager) publishUpdate(e events.Event, o *Order, reason string, venueLatencyMs float64) {
	if m.bus == nil {
		return
	}
	u := events.OrderUpdate{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Status:         string(o.Status),
		FilledQty:      o.FilledQty,
		AvgPrice:       o.AvgPrice,
		Reason:         reason,
		VenueLatencyMs: venueLatencyMs,
	}
	if o.Status == StatusFilled && !o.FilledAt.IsZero() {
		u.FillLatencyMs = float64(o.FilledAt.Sub(o.CreatedAt)) / float64(time.Millisecond)
	}
	m.bus.Publish(e, u)
}

func (m *Manager) recordTrade(ctx context.Context, o *Order) {
	if m.queries == nil {
		return
	}
	price := o.AvgPrice
	if price == 0 {
		price = o.Price
	}
	t := store.TradeRecord{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Price:     price,
		Qty:       o.FilledQty,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.queries.SaveTrade(ctx, t); err != nil {
		m.logger.Error().Str("order_id", o.ID).Err(err).Msg("persist trade")
	}
}

func (m *Manager) persist(ctx context.Context, o *Order, create bool) error {
	if m.queries == nil {
		return nil
	}
	rec := toRecord(o)
	if create {
		return m.queries.SaveOrder(ctx, rec)
	}
	return m.queries.UpdateOrder(ctx, rec)
}

func (m *Manager) lookup(id string) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[id] = lk
	}
	return lk
}

func toRecord(o *Order) store.OrderRecord {
	meta := ""
	if len(o.Metadata) > 0 {
		if b, err := json.Marshal(o.Metadata); err == nil {
			meta = string(b)
		}
	}
	return store.OrderRecord{
		ID:           o.ID,
		SignalID:     o.SignalID,
		ParentID:     o.ParentID,
		Venue:        o.Venue,
		VenueOrderID: o.VenueOrderID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Status:       string(o.Status),
		Price:        o.Price,
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		AvgPrice:     o.AvgPrice,
		StopLoss:     o.StopLoss,
		TakeProfit:   o.TakeProfit,
		Strategy:     o.Strategy,
		OwnerID:      o.OwnerID,
		Metadata:     meta,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		FilledAt:     o.FilledAt,
	}
}

func fromRecord(r *store.OrderRecord) *Order {
	o := &Order{
		ID:           r.ID,
		SignalID:     r.SignalID,
		ParentID:     r.ParentID,
		Venue:        r.Venue,
		VenueOrderID: r.VenueOrderID,
		Symbol:       r.Symbol,
		Side:         exchange.Side(r.Side),
		Type:         exchange.OrderType(r.Type),
		Status:       Status(r.Status),
		Price:        r.Price,
		Qty:          r.Qty,
		FilledQty:    r.FilledQty,
		AvgPrice:     r.AvgPrice,
		StopLoss:     r.StopLoss,
		TakeProfit:   r.TakeProfit,
		Strategy:     r.Strategy,
		OwnerID:      r.OwnerID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		FilledAt:     r.FilledAt,
	}
	if r.Metadata != "" {
		meta := map[string]string{}
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err == nil {
			o.Metadata = meta
		}
	}
	return o
}
