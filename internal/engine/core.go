// Package engine runs the decision loop: pull predictions, filter them, size
// the risk, create and execute orders, and arm partial exits when an entry
// fills.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/events"
	"decision-core/internal/execution"
	"decision-core/internal/exits"
	"decision-core/internal/market"
	"decision-core/internal/order"
	"decision-core/internal/predictor"
	"decision-core/internal/risk"
	"decision-core/internal/signal"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
)

// Config carries the decision loop's settings.
type Config struct {
	Symbols []string
	// Interval is the prediction poll cadence.
	Interval time.Duration
	// Mode selects the execution path for accepted signals.
	Mode execution.Mode
	// Owner tags orders created by this loop.
	Owner string
	// DefaultQuantity is used when the model suggests no position size.
	DefaultQuantity float64
}

// Core wires the decision pipeline together. One Core serves all configured
// symbols sequentially; the heavy lifting is inside the stages it calls.
type Core struct {
	cfg      Config
	source   predictor.Source
	filter   *signal.Filter
	riskCalc *risk.Calculator
	candles  *market.CandleCache
	orders   *order.Manager
	exec     *execution.Engine
	exitsMgr *exits.Manager
	gw       exchange.Gateway
	queries  *store.Queries
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewCore builds the pipeline and registers the fill hand-off: every entry
// order that reaches FILLED arms its partial exits exactly once.
func NewCore(cfg Config, source predictor.Source, filter *signal.Filter, riskCalc *risk.Calculator, candles *market.CandleCache, orders *order.Manager, exec *execution.Engine, exitsMgr *exits.Manager, gw exchange.Gateway, queries *store.Queries, bus *events.Bus) *Core {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = execution.ModeSmart
	}
	if cfg.Owner == "" {
		cfg.Owner = "decision-core"
	}

	c := &Core{
		cfg:      cfg,
		source:   source,
		filter:   filter,
		riskCalc: riskCalc,
		candles:  candles,
		orders:   orders,
		exec:     exec,
		exitsMgr: exitsMgr,
		gw:       gw,
		queries:  queries,
		bus:      bus,
		logger:   log.With().Str("component", "engine").Logger(),
	}
	orders.SetFillHook(c.onFilled)
	return c
}

// Run polls predictions for every symbol until ctx is cancelled. Per-symbol
// failures are logged and do not stop the loop.
func (c *Core) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range c.cfg.Symbols {
				if err := c.Process(ctx, symbol); err != nil && ctx.Err() == nil {
					c.logger.Error().Str("symbol", symbol).Err(err).Msg("decision cycle failed")
				}
			}
		}
	}
}

// Process runs one decision cycle for symbol: predict, filter, size, create,
// execute. A cycle with no prediction or a rejected signal is not an error.
func (c *Core) Process(ctx context.Context, symbol string) error {
	p, err := c.source.Predict(ctx, symbol)
	if errors.Is(err, predictor.ErrNoPrediction) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("predict %s: %w", symbol, err)
	}
	if p.Expired(time.Now()) {
		c.logger.Debug().Str("symbol", symbol).Msg("stale prediction dropped")
		return nil
	}

	res := c.filter.Evaluate(p)
	c.publishVerdict(p, res)
	if !res.Passed || res.Kind == signal.TypeNeutral {
		return nil
	}

	sig := signal.FromPrediction(p, res)
	if sig.Quantity <= 0 {
		sig.Quantity = c.cfg.DefaultQuantity
	}
	if sig.Price <= 0 {
		ticker, err := c.gw.GetTicker(ctx, symbol)
		if err != nil {
			return fmt.Errorf("price for %s: %w", symbol, err)
		}
		sig.Price = ticker.Last
	}

	levels := c.riskCalc.Compute(sig.Price, c.candles.Candles(symbol), sig.Confidence, sideOf(sig.Kind))
	c.saveSignal(ctx, sig, res)

	o, err := c.orders.CreateFromSignal(ctx, sig, levels, c.cfg.Owner)
	if err != nil {
		return fmt.Errorf("create order for %s: %w", symbol, err)
	}

	filled, err := c.exec.Execute(ctx, o.ID, c.cfg.Mode)
	if err != nil {
		return fmt.Errorf("execute order %s: %w", o.ID, err)
	}
	c.logger.Info().
		Str("symbol", symbol).
		Str("order_id", o.ID).
		Str("kind", string(sig.Kind)).
		Bool("filled", filled).
		Float64("stop_loss", levels.StopLossPrice).
		Float64("take_profit", levels.TakeProfitPrice).
		Msg("signal executed")
	return nil
}

// onFilled is the FILLED hand-off. Child orders and reduce-only exits are
// skipped; their parents own the position.
func (c *Core) onFilled(ctx context.Context, o order.Order) {
	if o.ReduceOnly || o.ParentID != "" || o.FilledQty <= 0 {
		return
	}
	if err := c.exitsMgr.SetupFromOrder(ctx, o, c.riskCalc.Ladder()); err != nil {
		c.logger.Error().Str("order_id", o.ID).Err(err).Msg("partial exit setup failed")
	}
}

func (c *Core) publishVerdict(p predictor.Prediction, res signal.FilterResult) {
	if c.bus == nil {
		return
	}
	topic := events.EventSignalRejected
	if res.Passed {
		topic = events.EventSignalAccepted
	}
	c.bus.Publish(topic, events.SignalVerdict{
		Symbol:   p.Symbol,
		Kind:     string(res.Kind),
		Strategy: string(res.Strategy),
		Quality:  res.Metrics.QualityScore,
		Reasons:  res.Reasons,
	})
}

func (c *Core) saveSignal(ctx context.Context, sig *signal.Signal, res signal.FilterResult) {
	if c.queries == nil {
		return
	}
	rec := store.SignalRecord{
		ID:           sig.ID,
		Symbol:       sig.Symbol,
		Venue:        sig.Venue,
		Kind:         string(sig.Kind),
		Strength:     sig.Strength,
		Confidence:   sig.Confidence,
		Price:        sig.Price,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Quantity:     sig.Quantity,
		Strategy:     sig.Strategy,
		Timeframe:    sig.Timeframe,
		QualityScore: res.Metrics.QualityScore,
		CreatedAt:    sig.CreatedAt,
		ExpiresAt:    sig.ExpiresAt,
	}
	if rec.QualityScore == 0 {
		if v, err := strconv.ParseFloat(sig.Metadata["quality_score"], 64); err == nil {
			rec.QualityScore = v
		}
	}
	if err := c.queries.SaveSignal(ctx, rec); err != nil {
		c.logger.Error().Str("signal_id", sig.ID).Err(err).Msg("persist signal")
	}
}

func sideOf(kind signal.Type) exchange.Side {
	if kind == signal.TypeShort || kind == signal.TypeCloseLong {
		return exchange.SideSell
	}
	return exchange.SideBuy
}
