// Package exits manages post-fill profit taking: staged reduce-only exit
// orders and a per-position trailing stop that only ever tightens.
package exits

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
	"decision-core/internal/order"
	"decision-core/internal/risk"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
)

const closeEpsilon = 1e-9

// Config carries the trailing-stop and loop tunables.
type Config struct {
	// ActivationPercent is the unrealized profit (percent of entry) at which
	// the trailing stop arms.
	ActivationPercent float64 `yaml:"activation_percent"`
	// TrailingPercent is the stop's distance from the favorable extreme.
	TrailingPercent float64       `yaml:"trailing_percent"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the canonical exits configuration.
func DefaultConfig() Config {
	return Config{
		ActivationPercent: 1.0,
		TrailingPercent:   1.5,
		PollInterval:      2 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Level is one staged exit order.
type Level struct {
	ClosePercent float64 `json:"close_percent"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	OrderID      string  `json:"order_id"`
	Executed     bool    `json:"executed"`
}

// PositionState is the tracked state for one open position, keyed by
// (symbol, side).
type PositionState struct {
	Symbol        string        `json:"symbol"`
	Side          exchange.Side `json:"side"`
	EntryPrice    float64       `json:"entry_price"`
	OriginalQty   float64       `json:"original_qty"`
	RemainingQty  float64       `json:"remaining_qty"`
	Levels        []Level       `json:"levels"`
	TrailingStop  float64       `json:"trailing_stop"`
	HighWaterMark float64       `json:"high_water_mark"`
	LowWaterMark  float64       `json:"low_water_mark"`
	Activated     bool          `json:"activated"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Key returns the position map key.
func Key(symbol string, side exchange.Side) string {
	return symbol + "|" + string(side)
}

type position struct {
	mu     sync.Mutex
	st     PositionState
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every PositionState and its supervising trailing loop. Loops
// are started on setup, hold a stored cancel handle, and are always awaited
// on teardown; none is ever left orphaned.
type Manager struct {
	gw      exchange.Gateway
	queries *store.Queries
	bus     *events.Bus
	cfg     Config
	logger  zerolog.Logger

	mu        sync.Mutex
	positions map[string]*position
}

// NewManager builds an exits manager. queries and bus may be nil in tests.
func NewManager(gw exchange.Gateway, queries *store.Queries, bus *events.Bus, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ActivationPercent <= 0 {
		cfg.ActivationPercent = def.ActivationPercent
	}
	if cfg.TrailingPercent <= 0 {
		cfg.TrailingPercent = def.TrailingPercent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Manager{
		gw:        gw,
		queries:   queries,
		bus:       bus,
		cfg:       cfg,
		logger:    log.With().Str("component", "exits_manager").Logger(),
		positions: make(map[string]*position),
	}
}

// SetupFromOrder derives exit levels for a freshly filled entry order and
// calls SetupPartialExit. Levels are computed against the order's average
// fill price, so chunked entries exit relative to their weighted fill.
func (m *Manager) SetupFromOrder(ctx context.Context, o order.Order, ladder []risk.LadderStep) error {
	entry := o.AvgPrice
	if entry <= 0 {
		entry = o.Price
	}
	levels := make([]risk.PartialLevel, 0, len(ladder))
	for _, step := range ladder {
		levels = append(levels, risk.PartialLevel{
			ClosePercent: step.ClosePercent,
			Price:        entry + step.DistanceRatio*(o.TakeProfit-entry),
		})
	}
	return m.SetupPartialExit(ctx, o.Symbol, o.Side, entry, o.FilledQty, o.StopLoss, levels)
}

// SetupPartialExit places reduce-only limit exits for each level, records the
// PositionState and starts the position's trailing-stop loop.
func (m *Manager) SetupPartialExit(ctx context.Context, symbol string, side exchange.Side, entryPrice, qty, initialStop float64, levels []risk.PartialLevel) error {
	if qty <= 0 {
		return fmt.Errorf("partial exit: non-positive quantity %.8f", qty)
	}
	var pctSum float64
	for _, l := range levels {
		pctSum += l.ClosePercent
	}
	if pctSum > 100+closeEpsilon {
		return fmt.Errorf("partial exit: close percentages sum to %.2f%%", pctSum)
	}

	st := PositionState{
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    entryPrice,
		OriginalQty:   qty,
		RemainingQty:  qty,
		TrailingStop:  initialStop,
		HighWaterMark: entryPrice,
		LowWaterMark:  entryPrice,
		CreatedAt:     time.Now().UTC(),
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	pos := &position{st: st, cancel: cancel, done: make(chan struct{})}

	// Reserve the key before any venue call: a concurrent setup for the same
	// position must fail here, not double the ladder at the venue.
	key := Key(symbol, side)
	m.mu.Lock()
	if _, exists := m.positions[key]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("partial exit: position %s already tracked", key)
	}
	m.positions[key] = pos
	m.mu.Unlock()

	for _, l := range levels {
		levelQty := qty * l.ClosePercent / 100
		req := exchange.OrderRequest{
			Symbol:      symbol,
			Side:        side.Opposite(),
			Type:        exchange.OrderTypeLimit,
			Qty:         levelQty,
			Price:       l.Price,
			TimeInForce: exchange.TIFGTC,
			ClientID:    uuid.NewString(),
			ReduceOnly:  true,
		}
		res, err := m.gw.PlaceOrder(ctx, req)
		if err != nil {
			m.logger.Error().Str("symbol", symbol).Float64("price", l.Price).Err(err).Msg("exit level placement failed")
			continue
		}
		pos.mu.Lock()
		pos.st.Levels = append(pos.st.Levels, Level{
			ClosePercent: l.ClosePercent,
			Price:        l.Price,
			Qty:          levelQty,
			OrderID:      res.OrderID,
		})
		pos.mu.Unlock()
	}

	m.persist(ctx, pos)
	pos.mu.Lock()
	armed := len(pos.st.Levels)
	pos.mu.Unlock()
	m.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entryPrice).
		Int("levels", armed).
		Msg("partial exit armed")

	go m.run(loopCtx, key, pos)
	return nil
}

// Restore reloads persisted exit states after a restart and resumes their
// trailing loops. Positions already tracked in memory are left alone.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.queries == nil {
		return 0, nil
	}
	records, err := m.queries.ListExitStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore exit states: %w", err)
	}

	restored := 0
	for _, rec := range records {
		var st PositionState
		if err := json.Unmarshal([]byte(rec.StateData), &st); err != nil {
			m.logger.Error().Str("position", rec.PositionKey).Err(err).Msg("corrupt exit state; skipping")
			continue
		}

		key := Key(st.Symbol, st.Side)
		m.mu.Lock()
		if _, exists := m.positions[key]; exists {
			m.mu.Unlock()
			continue
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		pos := &position{st: st, cancel: cancel, done: make(chan struct{})}
		m.positions[key] = pos
		m.mu.Unlock()

		go m.run(loopCtx, key, pos)
		restored++
		m.logger.Info().Str("position", key).Float64("remaining", st.RemainingQty).Msg("exit state restored")
	}
	return restored, nil
}

// Get returns a copy of one position's state.
func (m *Manager) Get(symbol string, side exchange.Side) (PositionState, bool) {
	m.mu.Lock()
	pos, ok := m.positions[Key(symbol, side)]
	m.mu.Unlock()
	if !ok {
		return PositionState{}, false
	}
	pos.mu.Lock()
	defer pos.mu.Unlock()
	return snapshot(pos), true
}

// List returns copies of every tracked position state.
func (m *Manager) List() []PositionState {
	m.mu.Lock()
	all := make([]*position, 0, len(m.positions))
	for _, p := range m.positions {
		all = append(all, p)
	}
	m.mu.Unlock()

	out := make([]PositionState, 0, len(all))
	for _, p := range all {
		p.mu.Lock()
		out = append(out, snapshot(p))
		p.mu.Unlock()
	}
	return out
}

// CancelPartialExit tears a position down: stops its loop, cancels resting
// exit orders at the venue and removes the state.
func (m *Manager) CancelPartialExit(ctx context.Context, symbol string, side exchange.Side) error {
	key := Key(symbol, side)

	m.mu.Lock()
	pos, ok := m.positions[key]
	if ok {
		delete(m.positions, key)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("partial exit: no position %s", key)
	}

	pos.cancel()
	select {
	case <-pos.done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn().Str("position", key).Msg("trailing loop did not stop in time")
	}

	pos.mu.Lock()
	levels := append([]Level(nil), pos.st.Levels...)
	pos.mu.Unlock()
	for _, l := range levels {
		if l.Executed || l.OrderID == "" {
			continue
		}
		if err := m.gw.CancelOrder(ctx, l.OrderID, symbol); err != nil {
			m.logger.Warn().Str("order_id", l.OrderID).Err(err).Msg("cancel exit level failed")
		}
	}

	if m.queries != nil {
		if err := m.queries.DeleteExitState(ctx, key); err != nil {
			m.logger.Error().Str("position", key).Err(err).Msg("delete exit state")
		}
	}
	m.logger.Info().Str("position", key).Msg("partial exit cancelled")
	return nil
}

// Shutdown cancels every trailing loop and awaits their completion, bounded
// by the configured timeout.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*position, 0, len(m.positions))
	for _, p := range m.positions {
		p.cancel()
		all = append(all, p)
	}
	m.mu.Unlock()

	deadline := time.After(m.cfg.ShutdownTimeout)
	for _, p := range all {
		select {
		case <-p.done:
		case <-deadline:
			m.logger.Warn().Msg("exits shutdown timed out awaiting trailing loops")
			return
		}
	}
}

// run is one position's supervising loop. It polls level fills and drives
// the trailing stop until the position closes or the loop is cancelled.
func (m *Manager) run(ctx context.Context, key string, pos *position) {
	defer close(pos.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed := m.step(ctx, key, pos); closed {
				return
			}
		}
	}
}

// step runs one poll iteration. Returns true when the position fully closed
// and the state was removed.
func (m *Manager) step(ctx context.Context, key string, pos *position) bool {
	m.checkLevels(ctx, pos)

	pos.mu.Lock()
	remaining := pos.st.RemainingQty
	pos.mu.Unlock()
	if remaining <= closeEpsilon {
		m.logger.Info().Str("position", key).Msg("position fully exited")
		m.remove(ctx, key)
		return true
	}

	ticker, err := m.gw.GetTicker(ctx, pos.st.Symbol)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn().Str("position", key).Err(err).Msg("trailing: ticker fetch failed")
		}
		return false
	}
	m.trail(ctx, pos, ticker.Last)
	m.persist(ctx, pos)
	return false
}

// checkLevels marks filled exit orders and reduces the remaining quantity.
func (m *Manager) checkLevels(ctx context.Context, pos *position) {
	pos.mu.Lock()
	pending := make([]Level, 0, len(pos.st.Levels))
	for _, l := range pos.st.Levels {
		if !l.Executed && l.OrderID != "" {
			pending = append(pending, l)
		}
	}
	pos.mu.Unlock()

	for i, l := range pending {
		view, err := m.gw.GetOrder(ctx, l.OrderID, pos.st.Symbol)
		if err != nil || view.Status != exchange.StatusFilled {
			continue
		}

		pos.mu.Lock()
		var remaining float64
		marked := false
		for j := range pos.st.Levels {
			if pos.st.Levels[j].OrderID != l.OrderID || pos.st.Levels[j].Executed {
				continue
			}
			pos.st.Levels[j].Executed = true
			pos.st.RemainingQty -= pos.st.Levels[j].Qty
			if pos.st.RemainingQty < 0 {
				pos.st.RemainingQty = 0
			}
			remaining = pos.st.RemainingQty
			marked = true
			break
		}
		pos.mu.Unlock()
		if !marked {
			continue
		}

		m.logger.Info().
			Str("symbol", pos.st.Symbol).
			Int("level", i).
			Float64("price", view.AvgPrice).
			Float64("remaining", remaining).
			Msg("exit level filled")
		if m.bus != nil {
			m.bus.Publish(events.EventExitLevelFilled, events.ExitLevelFill{
				Symbol:    pos.st.Symbol,
				Side:      string(pos.st.Side),
				Level:     i,
				Qty:       l.Qty,
				Price:     view.AvgPrice,
				Remaining: remaining,
			})
		}
	}
}

// trail updates watermarks and pushes a tightened stop to the venue. The stop
// is monotonic: it moves toward profit or not at all.
func (m *Manager) trail(ctx context.Context, pos *position, price float64) {
	if price <= 0 {
		return
	}

	pos.mu.Lock()
	st := &pos.st

	var candidate float64
	if st.Side == exchange.SideBuy {
		if price > st.HighWaterMark {
			st.HighWaterMark = price
		}
		profit := (price - st.EntryPrice) / st.EntryPrice * 100
		if !st.Activated && profit >= m.cfg.ActivationPercent {
			st.Activated = true
		}
		if st.Activated {
			c := st.HighWaterMark * (1 - m.cfg.TrailingPercent/100)
			if c > st.TrailingStop {
				candidate = c
			}
		}
	} else {
		if price < st.LowWaterMark {
			st.LowWaterMark = price
		}
		profit := (st.EntryPrice - price) / st.EntryPrice * 100
		if !st.Activated && profit >= m.cfg.ActivationPercent {
			st.Activated = true
		}
		if st.Activated {
			c := st.LowWaterMark * (1 + m.cfg.TrailingPercent/100)
			if st.TrailingStop == 0 || c < st.TrailingStop {
				candidate = c
			}
		}
	}
	symbol := st.Symbol
	side := st.Side
	pos.mu.Unlock()

	if candidate == 0 {
		return
	}
	if err := m.gw.ModifyPositionStopLossTakeProfit(ctx, symbol, candidate, 0); err != nil {
		m.logger.Warn().Str("symbol", symbol).Err(err).Msg("trailing stop push failed")
		return
	}

	pos.mu.Lock()
	pos.st.TrailingStop = candidate
	pos.mu.Unlock()

	m.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("stop", candidate).
		Msg("trailing stop tightened")
	if m.bus != nil {
		m.bus.Publish(events.EventTrailingStopMove, events.TrailingStopUpdate{
			Symbol: symbol,
			Side:   string(side),
			Stop:   candidate,
		})
	}
}

func (m *Manager) remove(ctx context.Context, key string) {
	m.mu.Lock()
	pos, ok := m.positions[key]
	delete(m.positions, key)
	m.mu.Unlock()
	if ok {
		pos.cancel()
	}
	if m.queries != nil {
		if err := m.queries.DeleteExitState(ctx, key); err != nil {
			m.logger.Error().Str("position", key).Err(err).Msg("delete exit state")
		}
	}
}

func (m *Manager) persist(ctx context.Context, pos *position) {
	if m.queries == nil {
		return
	}
	pos.mu.Lock()
	st := snapshot(pos)
	pos.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	rec := store.ExitStateRecord{
		PositionKey:  Key(st.Symbol, st.Side),
		Symbol:       st.Symbol,
		Side:         string(st.Side),
		EntryPrice:   st.EntryPrice,
		OriginalQty:  st.OriginalQty,
		RemainingQty: st.RemainingQty,
		TrailingStop: st.TrailingStop,
		StateData:    string(data),
		CreatedAt:    st.CreatedAt,
	}
	if err := m.queries.UpsertExitState(ctx, rec); err != nil {
		m.logger.Error().Str("symbol", st.Symbol).Err(err).Msg("persist exit state")
	}
}

func snapshot(pos *position) PositionState {
	st := pos.st
	st.Levels = append([]Level(nil), pos.st.Levels...)
	return st
}
