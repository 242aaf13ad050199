package exits

import (
	"context"
	"math"
	"testing"
	"time"

	"decision-core/internal/order"
	"decision-core/internal/risk"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
)

func inertConfig() Config {
	return Config{
		ActivationPercent: 1.0,
		TrailingPercent:   1.5,
		// Keep the background loop idle so tests can drive steps directly.
		PollInterval:    time.Hour,
		ShutdownTimeout: time.Second,
	}
}

func newTestManager(t *testing.T, mock *exchange.Mock) *Manager {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := NewManager(mock, s.Queries(), nil, inertConfig())
	t.Cleanup(m.Shutdown)
	return m
}

func ladder() []risk.PartialLevel {
	return []risk.PartialLevel{
		{ClosePercent: 30, Price: 104},
		{ClosePercent: 30, Price: 107},
		{ClosePercent: 40, Price: 110},
	}
}

func TestSetupPlacesReduceOnlyLevels(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	m := newTestManager(t, mock)
	ctx := context.Background()

	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 2, 97, ladder()); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}

	if placed, _ := mock.Counts(); placed != 3 {
		t.Fatalf("venue orders = %d, want 3", placed)
	}

	st, ok := m.Get("BTCUSDT", exchange.SideBuy)
	if !ok {
		t.Fatal("position not tracked")
	}
	if st.RemainingQty != 2 || st.OriginalQty != 2 {
		t.Fatalf("qty = %.2f/%.2f, want 2/2", st.RemainingQty, st.OriginalQty)
	}
	var qtySum float64
	for _, l := range st.Levels {
		if l.OrderID == "" {
			t.Fatal("level without venue order id")
		}
		view, found := mock.Order(l.OrderID)
		if !found {
			t.Fatalf("order %s missing at venue", l.OrderID)
		}
		if view.Side != exchange.SideSell || view.Type != exchange.OrderTypeLimit {
			t.Fatalf("level order side=%s type=%s, want SELL LIMIT", view.Side, view.Type)
		}
		qtySum += l.Qty
	}
	if math.Abs(qtySum-2) > 1e-9 {
		t.Fatalf("level quantities sum to %.6f, want original qty", qtySum)
	}

	rec, err := m.queries.GetExitState(ctx, Key("BTCUSDT", exchange.SideBuy))
	if err != nil {
		t.Fatalf("GetExitState: %v", err)
	}
	if rec.RemainingQty != 2 {
		t.Fatalf("persisted remaining = %.2f", rec.RemainingQty)
	}
}

func TestSetupRejectsBadInput(t *testing.T) {
	mock := exchange.NewMock("mock")
	m := newTestManager(t, mock)
	ctx := context.Background()

	oversized := []risk.PartialLevel{{ClosePercent: 60, Price: 104}, {ClosePercent: 60, Price: 108}}
	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 1, 97, oversized); err == nil {
		t.Fatal("ladder closing 120% accepted")
	}
	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 0, 97, ladder()); err == nil {
		t.Fatal("zero quantity accepted")
	}

	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 1, 97, nil); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 1, 97, nil); err == nil {
		t.Fatal("duplicate position accepted")
	}
}

// slowVenue delays order placement so overlapping setups stay in flight
// long enough to collide.
type slowVenue struct {
	*exchange.Mock
	delay time.Duration
}

func (v *slowVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	time.Sleep(v.delay)
	return v.Mock.PlaceOrder(ctx, req)
}

func TestSetupConcurrentDuplicateRejected(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	venue := &slowVenue{Mock: mock, delay: 50 * time.Millisecond}
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := NewManager(venue, s.Queries(), nil, inertConfig())
	t.Cleanup(m.Shutdown)

	levels := []risk.PartialLevel{{ClosePercent: 50, Price: 104}, {ClosePercent: 50, Price: 108}}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- m.SetupPartialExit(context.Background(), "BTCUSDT", exchange.SideBuy, 100, 1, 97, levels)
		}()
	}
	var failed int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed setups = %d, want exactly 1", failed)
	}
	if placed, _ := mock.Counts(); placed != 2 {
		t.Fatalf("venue orders = %d, want one ladder of 2", placed)
	}
	if got := len(m.List()); got != 1 {
		t.Fatalf("tracked positions = %d, want 1", got)
	}
}

func TestSetupFromOrderDerivesLevelPrices(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	m := newTestManager(t, mock)

	o := order.Order{
		Symbol:     "ETHUSDT",
		Side:       exchange.SideBuy,
		AvgPrice:   100,
		FilledQty:  1,
		StopLoss:   97,
		TakeProfit: 110,
	}
	steps := []risk.LadderStep{
		{DistanceRatio: 0.4, ClosePercent: 30},
		{DistanceRatio: 0.7, ClosePercent: 30},
		{DistanceRatio: 1.0, ClosePercent: 40},
	}
	if err := m.SetupFromOrder(context.Background(), o, steps); err != nil {
		t.Fatalf("SetupFromOrder: %v", err)
	}

	st, ok := m.Get("ETHUSDT", exchange.SideBuy)
	if !ok {
		t.Fatal("position not tracked")
	}
	want := []float64{104, 107, 110}
	for i, l := range st.Levels {
		if math.Abs(l.Price-want[i]) > 1e-9 {
			t.Fatalf("level %d price = %.4f, want %.4f", i, l.Price, want[i])
		}
	}
	if st.TrailingStop != 97 {
		t.Fatalf("initial stop = %.2f, want order stop loss", st.TrailingStop)
	}
}

func TestTrailingLongActivationAndMonotonicity(t *testing.T) {
	mock := exchange.NewMock("mock")
	m := newTestManager(t, mock)
	ctx := context.Background()

	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 1, 98, nil); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	m.mu.Lock()
	pos := m.positions[Key("BTCUSDT", exchange.SideBuy)]
	m.mu.Unlock()

	// Below the 1% activation threshold: no stop movement.
	m.trail(ctx, pos, 100.5)
	if mods := mock.Modifications(); len(mods) != 0 {
		t.Fatalf("stop moved before activation: %+v", mods)
	}

	// Activation, then a higher watermark, then a pullback.
	m.trail(ctx, pos, 101.2)
	m.trail(ctx, pos, 102)
	m.trail(ctx, pos, 101)
	m.trail(ctx, pos, 99)

	mods := mock.Modifications()
	if len(mods) != 2 {
		t.Fatalf("modifications = %d, want 2 tightenings", len(mods))
	}
	if mods[1].StopLoss <= mods[0].StopLoss {
		t.Fatalf("stop loosened: %.4f then %.4f", mods[0].StopLoss, mods[1].StopLoss)
	}
	wantLast := 102 * (1 - 0.015)
	if math.Abs(mods[1].StopLoss-wantLast) > 1e-9 {
		t.Fatalf("stop = %.4f, want %.4f from high water mark", mods[1].StopLoss, wantLast)
	}

	st, _ := m.Get("BTCUSDT", exchange.SideBuy)
	if !st.Activated || st.HighWaterMark != 102 {
		t.Fatalf("state = activated:%v hwm:%.2f", st.Activated, st.HighWaterMark)
	}
	if math.Abs(st.TrailingStop-wantLast) > 1e-9 {
		t.Fatalf("tracked stop = %.4f, want %.4f", st.TrailingStop, wantLast)
	}
}

func TestTrailingShortTightensDownward(t *testing.T) {
	mock := exchange.NewMock("mock")
	m := newTestManager(t, mock)
	ctx := context.Background()

	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideSell, 100, 1, 102, nil); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	m.mu.Lock()
	pos := m.positions[Key("BTCUSDT", exchange.SideSell)]
	m.mu.Unlock()

	m.trail(ctx, pos, 98.9)
	m.trail(ctx, pos, 98)
	m.trail(ctx, pos, 99)

	mods := mock.Modifications()
	if len(mods) != 2 {
		t.Fatalf("modifications = %d, want 2 tightenings", len(mods))
	}
	if mods[1].StopLoss >= mods[0].StopLoss {
		t.Fatalf("short stop loosened: %.4f then %.4f", mods[0].StopLoss, mods[1].StopLoss)
	}
	wantLast := 98 * (1 + 0.015)
	if math.Abs(mods[1].StopLoss-wantLast) > 1e-9 {
		t.Fatalf("stop = %.4f, want %.4f from low water mark", mods[1].StopLoss, wantLast)
	}
}

func TestLevelFillsReduceRemainingAndClosePosition(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	mock.SetTicker(exchange.Ticker{Symbol: "BTCUSDT", Last: 100})
	m := newTestManager(t, mock)
	ctx := context.Background()

	levels := []risk.PartialLevel{{ClosePercent: 50, Price: 103}, {ClosePercent: 50, Price: 106}}
	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 1, 97, levels); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	key := Key("BTCUSDT", exchange.SideBuy)
	m.mu.Lock()
	pos := m.positions[key]
	m.mu.Unlock()

	if err := mock.Fill(pos.st.Levels[0].OrderID, 0.5, 103); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if closed := m.step(ctx, key, pos); closed {
		t.Fatal("position closed after first level")
	}
	st, _ := m.Get("BTCUSDT", exchange.SideBuy)
	if math.Abs(st.RemainingQty-0.5) > 1e-9 {
		t.Fatalf("remaining = %.4f, want 0.5", st.RemainingQty)
	}

	// Re-running the step must not double-count the same fill.
	if closed := m.step(ctx, key, pos); closed {
		t.Fatal("position closed without a second fill")
	}
	st, _ = m.Get("BTCUSDT", exchange.SideBuy)
	if math.Abs(st.RemainingQty-0.5) > 1e-9 {
		t.Fatalf("remaining after re-check = %.4f, want 0.5", st.RemainingQty)
	}

	if err := mock.Fill(pos.st.Levels[1].OrderID, 0.5, 106); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if closed := m.step(ctx, key, pos); !closed {
		t.Fatal("fully exited position not closed")
	}
	if _, ok := m.Get("BTCUSDT", exchange.SideBuy); ok {
		t.Fatal("closed position still tracked")
	}
	if _, err := m.queries.GetExitState(ctx, key); err == nil {
		t.Fatal("closed position still persisted")
	}
}

func TestCancelPartialExit(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	m := newTestManager(t, mock)
	ctx := context.Background()

	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 2, 97, ladder()); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	if err := m.CancelPartialExit(ctx, "BTCUSDT", exchange.SideBuy); err != nil {
		t.Fatalf("CancelPartialExit: %v", err)
	}

	if _, ok := m.Get("BTCUSDT", exchange.SideBuy); ok {
		t.Fatal("cancelled position still tracked")
	}
	if _, cancelled := mock.Counts(); cancelled != 3 {
		t.Fatalf("venue cancels = %d, want 3", cancelled)
	}
	if _, err := m.queries.GetExitState(ctx, Key("BTCUSDT", exchange.SideBuy)); err == nil {
		t.Fatal("cancelled position still persisted")
	}
	if err := m.CancelPartialExit(ctx, "BTCUSDT", exchange.SideBuy); err == nil {
		t.Fatal("second cancel succeeded")
	}
}

func TestRestoreResumesPersistedState(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	first := NewManager(mock, s.Queries(), nil, inertConfig())
	if err := first.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 2, 97, ladder()); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	first.Shutdown()

	second := NewManager(mock, s.Queries(), nil, inertConfig())
	t.Cleanup(second.Shutdown)
	restored, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}

	st, ok := second.Get("BTCUSDT", exchange.SideBuy)
	if !ok {
		t.Fatal("restored position not tracked")
	}
	if st.RemainingQty != 2 || len(st.Levels) != 3 {
		t.Fatalf("restored state = remaining:%.2f levels:%d", st.RemainingQty, len(st.Levels))
	}

	// Restoring again must not duplicate the tracked position.
	if again, err := second.Restore(ctx); err != nil || again != 0 {
		t.Fatalf("second Restore = %d, %v", again, err)
	}
}

func TestShutdownStopsAllLoops(t *testing.T) {
	mock := exchange.NewMock("mock")
	m := newTestManager(t, mock)
	ctx := context.Background()

	if err := m.SetupPartialExit(ctx, "BTCUSDT", exchange.SideBuy, 100, 1, 97, nil); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}
	if err := m.SetupPartialExit(ctx, "ETHUSDT", exchange.SideSell, 2000, 1, 2060, nil); err != nil {
		t.Fatalf("SetupPartialExit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	// State survives shutdown so it can be restored on restart.
	if got := len(m.List()); got != 2 {
		t.Fatalf("tracked positions = %d, want 2", got)
	}
}
