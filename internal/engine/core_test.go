package engine

import (
	"context"
	"testing"
	"time"

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

type testCore struct {
	core    *Core
	mock    *exchange.Mock
	source  *predictor.StaticSource
	queries *store.Queries
	exits   *exits.Manager
	bus     *events.Bus
}

func newTestCore(t *testing.T) *testCore {
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
	exitsMgr := exits.NewManager(mock, s.Queries(), bus, exits.Config{PollInterval: time.Hour})
	t.Cleanup(exitsMgr.Shutdown)
	exec := execution.NewEngine(orders, mock, execution.Config{
		Retries:      2,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		FillTimeout:  100 * time.Millisecond,
	})
	source := predictor.NewStaticSource()

	core := NewCore(Config{
		Symbols:         []string{"BTCUSDT"},
		Mode:            execution.ModeAggressive,
		DefaultQuantity: 0.5,
	}, source, filter, risk.NewCalculator(risk.Config{}), market.NewCandleCache(time.Minute, 100), orders, exec, exitsMgr, mock, s.Queries(), bus)

	return &testCore{core: core, mock: mock, source: source, queries: s.Queries(), exits: exitsMgr, bus: bus}
}

// strongLong is a prediction that clears every moderate-strategy gate.
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

// weakSignal fails the agreement and confidence gates.
func weakSignal(symbol string) predictor.Prediction {
	p := strongLong(symbol)
	for i := 0; i < predictor.NumTimeframes; i++ {
		p.Directions[i] = predictor.Direction(i % predictor.NumClasses)
		p.Probabilities[i] = [predictor.NumClasses]float64{0.34, 0.33, 0.33}
		p.ExpectedReturns[i] = 0.0001
	}
	p.WeightedDirection = 0
	return p
}

func TestRunStopsOnCancel(t *testing.T) {
	tc := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tc.core.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestProcessExecutesAcceptedSignal(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()

	tc.source.Push(strongLong("BTCUSDT"))
	if err := tc.core.Process(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	orders, err := tc.queries.ListOrders(ctx, "BTCUSDT", string(order.StatusFilled), 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("filled orders = %d, want 1", len(orders))
	}
	entry := orders[0]
	if entry.Side != "BUY" || entry.Qty != 0.5 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.StopLoss <= 0 || entry.TakeProfit <= entry.Price {
		t.Fatalf("levels: sl=%.2f tp=%.2f", entry.StopLoss, entry.TakeProfit)
	}

	sig, err := tc.queries.GetSignal(ctx, entry.SignalID)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if sig.Kind != "LONG" || sig.QualityScore <= 0 {
		t.Fatalf("signal = %+v", sig)
	}

	// Fill hand-off: partial exits armed for the position.
	st, ok := tc.exits.Get("BTCUSDT", exchange.SideBuy)
	if !ok {
		t.Fatal("exits not armed after fill")
	}
	if len(st.Levels) != 3 || st.OriginalQty != 0.5 {
		t.Fatalf("exit state = %+v", st)
	}

	// Entry plus three reduce-only exit levels at the venue.
	if placed, _ := tc.mock.Counts(); placed != 4 {
		t.Fatalf("venue orders = %d, want 4", placed)
	}
}

func TestProcessRejectedSignalCreatesNoOrder(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()

	verdicts, unsub := tc.bus.Subscribe(events.EventSignalRejected, 4)
	defer unsub()

	tc.source.Push(weakSignal("BTCUSDT"))
	if err := tc.core.Process(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if placed, _ := tc.mock.Counts(); placed != 0 {
		t.Fatalf("rejected signal reached the venue: %d orders", placed)
	}
	select {
	case payload := <-verdicts:
		v, ok := payload.(events.SignalVerdict)
		if !ok || len(v.Reasons) == 0 {
			t.Fatalf("verdict = %#v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no rejection verdict published")
	}
}

func TestProcessWithoutPredictionIsIdle(t *testing.T) {
	tc := newTestCore(t)
	if err := tc.core.Process(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if placed, _ := tc.mock.Counts(); placed != 0 {
		t.Fatal("idle cycle placed orders")
	}
}

func TestProcessDropsExpiredPrediction(t *testing.T) {
	tc := newTestCore(t)
	p := strongLong("BTCUSDT")
	p.ExpiresAt = time.Now().Add(-time.Minute)
	tc.source.Push(p)

	if err := tc.core.Process(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if placed, _ := tc.mock.Counts(); placed != 0 {
		t.Fatal("expired prediction placed orders")
	}
}
