// Package execution chooses and runs order submission strategies on top of
// the order lifecycle manager.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/order"
	"decision-core/pkg/exchange"
)

// Mode selects a submission strategy.
type Mode string

const (
	ModeAggressive Mode = "aggressive"
	ModePassive    Mode = "passive"
	ModeSmart      Mode = "smart"
	ModeChunked    Mode = "chunked"
)

// ErrUnknownMode is returned for a mode outside the closed set.
var ErrUnknownMode = errors.New("unknown execution mode")

// Config carries the engine tunables. All retry paths are bounded.
type Config struct {
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	FillTimeout    time.Duration `yaml:"fill_timeout"`
	PassiveTimeout time.Duration `yaml:"passive_timeout"`
	Chunks         int           `yaml:"chunks"`
	ChunkDelay     time.Duration `yaml:"chunk_delay"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
	// FillThreshold is the cumulative fill ratio at which a chunked parent
	// finalizes as FILLED.
	FillThreshold float64 `yaml:"fill_threshold"`
	// HighVolatility is the (high-low)/last ratio above which smart mode
	// routes to aggressive.
	HighVolatility float64 `yaml:"high_volatility"`
	// DepthMultiple routes smart mode to chunked when book depth on the
	// fill side is below DepthMultiple x order quantity.
	DepthMultiple float64 `yaml:"depth_multiple"`
}

// DefaultConfig returns the canonical engine configuration.
func DefaultConfig() Config {
	return Config{
		Retries:        3,
		RetryDelay:     500 * time.Millisecond,
		PollInterval:   200 * time.Millisecond,
		FillTimeout:    15 * time.Second,
		PassiveTimeout: 10 * time.Second,
		Chunks:         3,
		ChunkDelay:     300 * time.Millisecond,
		ChunkTimeout:   5 * time.Second,
		FillThreshold:  0.95,
		HighVolatility: 0.05,
		DepthMultiple:  2.0,
	}
}

// Stats are the engine's running counters.
type Stats struct {
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	Failed       int64   `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SlippageSum  float64 `json:"slippage_sum"`
}

// Engine executes orders through the lifecycle manager.
type Engine struct {
	mgr    *order.Manager
	gw     exchange.Gateway
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewEngine builds an engine over the manager and gateway.
func NewEngine(mgr *order.Manager, gw exchange.Gateway, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	if cfg.PassiveTimeout <= 0 {
		cfg.PassiveTimeout = def.PassiveTimeout
	}
	if cfg.Chunks <= 0 {
		cfg.Chunks = def.Chunks
	}
	if cfg.ChunkDelay <= 0 {
		cfg.ChunkDelay = def.ChunkDelay
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = def.ChunkTimeout
	}
	if cfg.FillThreshold <= 0 || cfg.FillThreshold > 1 {
		cfg.FillThreshold = def.FillThreshold
	}
	if cfg.HighVolatility <= 0 {
		cfg.HighVolatility = def.HighVolatility
	}
	if cfg.DepthMultiple <= 0 {
		cfg.DepthMultiple = def.DepthMultiple
	}
	return &Engine{
		mgr:    mgr,
		gw:     gw,
		cfg:    cfg,
		logger: log.With().Str("component", "execution_engine").Logger(),
	}
}

// Stats returns a snapshot of the running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Execute runs one order through the given mode. Validation failures are
// rejected before any network call.
func (e *Engine) Execute(ctx context.Context, orderID string, mode Mode) (bool, error) {
	o, err := e.mgr.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if err := validate(o); err != nil {
		return false, err
	}

	start := time.Now()
	var ok bool
	switch mode {
	case ModeAggressive:
		ok, err = e.aggressive(ctx, orderID)
	case ModePassive:
		ok, err = e.passive(ctx, orderID, true)
	case ModeSmart:
		ok, err = e.smart(ctx, o)
	case ModeChunked:
		ok, err = e.chunked(ctx, o)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	e.record(ctx, orderID, o.Price, start, ok)
	if err != nil {
		e.logger.Warn().Str("order_id", orderID).Str("mode", string(mode)).Err(err).Msg("execution failed")
	}
	return ok, err
}

func validate(o *order.Order) error {
	if o.Status != order.StatusPending {
		return fmt.Errorf("%w: execute requires PENDING, order %s is %s", order.ErrValidation, o.ID, o.Status)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: non-positive quantity", order.ErrValidation)
	}
	if o.Type == exchange.OrderTypeLimit && o.Price <= 0 {
		return fmt.Errorf("%w: limit order missing price", order.ErrValidation)
	}
	return nil
}

// aggressive converts to a market order, retries submission a bounded number
// of times with a fixed delay, then polls via reconciliation until filled or
// timed out.
func (e *Engine) aggressive(ctx context.Context, orderID string) (bool, error) {
	if err := e.mgr.Reprice(ctx, orderID, exchange.OrderTypeMarket, 0); err != nil {
		return false, err
	}

	submit := func() error {
		err := e.mgr.Submit(ctx, orderID)
		if err == nil {
			return nil
		}
		o, gerr := e.mgr.Get(ctx, orderID)
		if gerr != nil || o.Status != order.StatusPending {
			// Definitive venue rejection; retrying cannot help.
			return backoff.Permanent(err)
		}
		if exchange.IsAmbiguous(err) {
			// The venue may hold the order. Resolve through reconcile polling
			// below, never by resubmission.
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), uint64(e.cfg.Retries-1)),
		ctx)
	submitErr := backoff.Retry(submit, policy)

	if submitErr != nil && !exchange.IsAmbiguous(submitErr) {
		return false, submitErr
	}
	return e.awaitFill(ctx, orderID, e.cfg.FillTimeout)
}

// passive prices at the best passive level, submits as a limit order and
// waits. On timeout the resting order is cancelled rather than left stale.
func (e *Engine) passive(ctx context.Context, orderID string, cancelOnTimeout bool) (bool, error) {
	o, err := e.mgr.Get(ctx, orderID)
	if err != nil {
		return false, err
	}

	book, err := e.gw.GetOrderBook(ctx, o.Symbol)
	if err != nil {
		return false, fmt.Errorf("passive: order book: %w", err)
	}
	var price float64
	if o.Side == exchange.SideBuy {
		price = book.BestBid().Price
	} else {
		price = book.BestAsk().Price
	}
	if price <= 0 {
		return false, fmt.Errorf("%w: empty book side for %s", order.ErrValidation, o.Symbol)
	}

	if err := e.mgr.Reprice(ctx, orderID, exchange.OrderTypeLimit, price); err != nil {
		return false, err
	}
	if err := e.mgr.Submit(ctx, orderID); err != nil {
		return false, err
	}

	filled, err := e.awaitFill(ctx, orderID, e.cfg.PassiveTimeout)
	if err != nil || filled {
		return filled, err
	}
	if !cancelOnTimeout {
		return false, nil
	}

	cur, gerr := e.mgr.Get(ctx, orderID)
	if gerr == nil && !cur.Status.Terminal() {
		if cerr := e.mgr.Cancel(ctx, orderID); cerr != nil {
			e.logger.Warn().Str("order_id", orderID).Err(cerr).Msg("passive timeout cancel failed")
		}
	}
	return false, nil
}

// smart inspects live volatility, liquidity and spread, then routes.
func (e *Engine) smart(ctx context.Context, o *order.Order) (bool, error) {
	ticker, err := e.gw.GetTicker(ctx, o.Symbol)
	if err != nil {
		return false, fmt.Errorf("smart: ticker: %w", err)
	}
	book, err := e.gw.GetOrderBook(ctx, o.Symbol)
	if err != nil {
		return false, fmt.Errorf("smart: order book: %w", err)
	}

	var vol float64
	if ticker.Last > 0 {
		vol = (ticker.High - ticker.Low) / ticker.Last
	}
	if vol > e.cfg.HighVolatility {
		e.logger.Info().Str("order_id", o.ID).Float64("volatility", vol).Msg("smart: high volatility, routing aggressive")
		return e.aggressive(ctx, o.ID)
	}

	if depth := book.DepthQty(o.Side); depth < e.cfg.DepthMultiple*o.Qty {
		e.logger.Info().Str("order_id", o.ID).Float64("depth", depth).Msg("smart: thin book, routing chunked")
		return e.chunked(ctx, o)
	}

	ok, err := e.passive(ctx, o.ID, false)
	if ok {
		return true, nil
	}
	// Passive submission failed or sat unfilled: escalate while the order is
	// still submittable.
	cur, gerr := e.mgr.Get(ctx, o.ID)
	if gerr == nil && cur.Status == order.StatusPending {
		return e.aggressive(ctx, o.ID)
	}
	return ok, err
}

// chunked splits the parent into equal child orders and executes them
// sequentially, accumulating fills onto the parent.
func (e *Engine) chunked(ctx context.Context, o *order.Order) (bool, error) {
	// The parent becomes a logical container; it is never sent itself.
	if err := e.mgr.UpdateStatus(ctx, o.ID, order.StatusOpen, 0, 0); err != nil {
		return false, err
	}

	chunkQty := o.Qty / float64(e.cfg.Chunks)
	var (
		filledQty float64
		costSum   float64
	)
	for i := 0; i < e.cfg.Chunks; i++ {
		if err := ctx.Err(); err != nil {
			break
		}

		child, err := e.mgr.CreateChild(ctx, o.ID, chunkQty, o.Price)
		if err != nil {
			e.logger.Warn().Str("order_id", o.ID).Err(err).Msg("chunked: create child failed")
			break
		}
		if o.Type == exchange.OrderTypeMarket {
			if err := e.mgr.Reprice(ctx, child.ID, exchange.OrderTypeMarket, 0); err != nil {
				break
			}
		}
		if err := e.mgr.Submit(ctx, child.ID); err != nil {
			e.logger.Warn().Str("child_id", child.ID).Err(err).Msg("chunked: child submit failed")
		} else if ok, _ := e.awaitFill(ctx, child.ID, e.cfg.ChunkTimeout); !ok {
			if cur, gerr := e.mgr.Get(ctx, child.ID); gerr == nil && !cur.Status.Terminal() {
				_ = e.mgr.Cancel(ctx, child.ID)
			}
		}

		if cur, gerr := e.mgr.Get(ctx, child.ID); gerr == nil && cur.FilledQty > 0 {
			filledQty += cur.FilledQty
			price := cur.AvgPrice
			if price == 0 {
				price = cur.Price
			}
			costSum += cur.FilledQty * price
		}

		if i < e.cfg.Chunks-1 {
			select {
			case <-time.After(e.cfg.ChunkDelay):
			case <-ctx.Done():
			}
		}
	}

	var vwap float64
	if filledQty > 0 {
		vwap = costSum / filledQty
	}

	ratio := filledQty / o.Qty
	switch {
	case ratio >= e.cfg.FillThreshold:
		if err := e.mgr.UpdateStatus(ctx, o.ID, order.StatusFilled, filledQty, vwap); err != nil {
			return false, err
		}
		return true, nil
	case ratio > 0:
		return false, e.mgr.UpdateStatus(ctx, o.ID, order.StatusPartial, filledQty, vwap)
	default:
		return false, e.mgr.UpdateStatus(ctx, o.ID, order.StatusCancelled, 0, 0)
	}
}

// awaitFill polls order state, driving reconciliation, until the order is
// filled, terminal, or the timeout expires.
func (e *Engine) awaitFill(ctx context.Context, orderID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		o, err := e.mgr.Get(ctx, orderID)
		if err != nil {
			return false, err
		}
		switch o.Status {
		case order.StatusFilled:
			return true, nil
		case order.StatusCancelled, order.StatusRejected, order.StatusExpired:
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		if err := e.mgr.Reconcile(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn().Err(err).Msg("await fill: reconcile failed")
		}
		select {
		case <-time.After(e.cfg.PollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (e *Engine) record(ctx context.Context, orderID string, intended float64, start time.Time, ok bool) {
	latency := float64(time.Since(start).Milliseconds())

	var slippage float64
	if o, err := e.mgr.Get(ctx, orderID); err == nil && intended > 0 && o.AvgPrice > 0 {
		slippage = abs(o.AvgPrice-intended) / intended
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	if ok {
		e.stats.Success++
	} else {
		e.stats.Failed++
	}
	e.stats.AvgLatencyMs += (latency - e.stats.AvgLatencyMs) / float64(e.stats.Total)
	e.stats.SlippageSum += slippage
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
