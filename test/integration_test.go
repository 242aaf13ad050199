package integration

import (
	"context"
	"testing"
	"time"

	"decision-core/internal/engine"
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

type stack struct {
	mock    *exchange.Mock
	source  *predictor.StaticSource
	core    *engine.Core
	exits   *exits.Manager
	queries *store.Queries
	store   *store.Store
}

func newStack(t *testing.T, exitsCfg exits.Config) *stack {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillImmediate
	mock.SetTicker(exchange.Ticker{Symbol: "BTCUSDT", Last: 50000, High: 50100, Low: 49900})

	bus := events.NewBus()
	filter, err := signal.NewFilter(signal.DefaultFilterConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	orders := order.NewManager(mock, s.Queries(), bus)
	exitsMgr := exits.NewManager(mock, s.Queries(), bus, exitsCfg)
	t.Cleanup(exitsMgr.Shutdown)
	exec := execution.NewEngine(orders, mock, execution.Config{
		Retries:      2,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		FillTimeout:  time.Second,
	})
	source := predictor.NewStaticSource()

	core := engine.NewCore(engine.Config{
		Symbols:         []string{"BTCUSDT"},
		Mode:            execution.ModeAggressive,
		DefaultQuantity: 0.5,
	}, source, filter, risk.NewCalculator(risk.Config{}), market.NewCandleCache(time.Minute, 100), orders, exec, exitsMgr, mock, s.Queries(), bus)

	return &stack{mock: mock, source: source, core: core, exits: exitsMgr, queries: s.Queries(), store: s}
}

func strongLong(symbol string) predictor.Prediction {
	var p predictor.Prediction
	p.Symbol = symbol
	p.Venue = "mock"
	p.Confidence = 0.8
	p.Price = 50000
	p.WeightedDirection = 0.9
	for i := 0; i < predictor.NumTimeframes; i++ {
		p.Directions[i] = predictor.DirectionLong
		p.Probabilities[i] = [predictor.NumClasses]float64{0.05, 0.10, 0.85}
		p.ExpectedReturns[i] = 0.01
		p.RiskMetrics[i] = 0.2
	}
	return p
}

// TestDecisionWorkflow drives the whole pipeline once: prediction in, filter,
// risk levels, execution on the mock venue, and partial exits armed on fill.
func TestDecisionWorkflow(t *testing.T) {
	st := newStack(t, exits.Config{PollInterval: time.Hour})
	ctx := context.Background()

	st.source.Push(strongLong("BTCUSDT"))
	if err := st.core.Process(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	filled, err := st.queries.ListOrders(ctx, "BTCUSDT", string(order.StatusFilled), 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(filled) != 1 {
		t.Fatalf("filled orders = %d, want 1", len(filled))
	}
	if filled[0].StopLoss <= 0 || filled[0].TakeProfit <= filled[0].Price {
		t.Fatalf("levels: sl=%.2f tp=%.2f", filled[0].StopLoss, filled[0].TakeProfit)
	}

	pos, ok := st.exits.Get("BTCUSDT", exchange.SideBuy)
	if !ok {
		t.Fatal("exits not armed after fill")
	}
	if len(pos.Levels) != 3 || pos.RemainingQty != 0.5 {
		t.Fatalf("exit state = %+v", pos)
	}
	if placed, _ := st.mock.Counts(); placed != 4 {
		t.Fatalf("venue orders = %d, want entry + 3 exits", placed)
	}
}

// TestTrailingStopEngagesOnRally runs the real trailing loop against a rising
// mock ticker and expects a stop modification at the venue. Exit levels rest
// unfilled so the position stays open while the price climbs.
func TestTrailingStopEngagesOnRally(t *testing.T) {
	st := newStack(t, exits.Config{
		ActivationPercent: 1.0,
		TrailingPercent:   1.5,
		PollInterval:      20 * time.Millisecond,
		ShutdownTimeout:   time.Second,
	})
	ctx := context.Background()

	st.mock.Mode = exchange.FillRest
	err := st.exits.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 50000, 0.5, 49000, []risk.PartialLevel{
		{ClosePercent: 50, Price: 52500},
		{ClosePercent: 50, Price: 55000},
	})
	if err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}

	// 4% above entry, well past the 1% activation gate.
	st.mock.SetTicker(exchange.Ticker{Symbol: "BTCUSDT", Last: 52000, High: 52100, Low: 51900})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mods := st.mock.Modifications(); len(mods) > 0 {
			if mods[0].StopLoss <= 50000 {
				t.Fatalf("trailing stop %.2f not above entry", mods[0].StopLoss)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no trailing stop modification observed")
}

// TestExitStateSurvivesRestart persists exit state, rebuilds the manager over
// the same store and expects Restore to resume the position.
func TestExitStateSurvivesRestart(t *testing.T) {
	st := newStack(t, exits.Config{PollInterval: time.Hour})
	ctx := context.Background()

	st.source.Push(strongLong("BTCUSDT"))
	if err := st.core.Process(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	st.exits.Shutdown()

	revived := exits.NewManager(st.mock, st.queries, events.NewBus(), exits.Config{PollInterval: time.Hour})
	t.Cleanup(revived.Shutdown)

	n, err := revived.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	pos, ok := revived.Get("BTCUSDT", exchange.SideBuy)
	if !ok || pos.OriginalQty != 0.5 {
		t.Fatalf("restored state = %+v ok=%v", pos, ok)
	}
}
