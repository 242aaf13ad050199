package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"decision-core/internal/execution"
	"decision-core/internal/exits"
	"decision-core/internal/monitor"
	"decision-core/internal/order"
	"decision-core/internal/risk"
	"decision-core/internal/signal"
	"decision-core/pkg/config"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
)

type fixture struct {
	server *Server
	mock   *exchange.Mock
	orders *order.Manager
	filter *signal.Filter
}

func newFixture(t *testing.T, cfgPath string) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mock := exchange.NewMock("mock")
	mock.Mode = exchange.FillRest
	mgr := order.NewManager(mock, s.Queries(), nil)
	exitsMgr := exits.NewManager(mock, s.Queries(), nil, exits.Config{})
	t.Cleanup(exitsMgr.Shutdown)
	filter, err := signal.NewFilter(signal.DefaultFilterConfig())
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	engine := execution.NewEngine(mgr, mock, execution.DefaultConfig())

	var cfgMgr *config.Manager
	if cfgPath != "" {
		cfgMgr = config.NewManager(cfgPath)
	}

	srv := NewServer(s.Queries(), mgr, exitsMgr, filter, engine, monitor.NewMetrics(), cfgMgr, Meta{
		DryRun:  true,
		Venue:   "mock",
		Symbols: []string{"BTCUSDT"},
		Version: "test",
	})
	return &fixture{server: srv, mock: mock, orders: mgr, filter: filter}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.orders.CreateFromSignal(context.Background(), &signal.Signal{
		ID:       "sig-1",
		Symbol:   "BTCUSDT",
		Venue:    "mock",
		Kind:     signal.TypeLong,
		Price:    50000,
		Quantity: 1,
	}, risk.DynamicLevels{StopLossPrice: 49000, TakeProfitPrice: 52500}, "api-test")
	if err != nil {
		t.Fatalf("CreateFromSignal: %v", err)
	}
	return o
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t, "")

	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/system/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/system/status = %d", rec.Code)
	}
	var body struct {
		Meta Meta `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Meta.Venue != "mock" || !body.Meta.DryRun {
		t.Fatalf("meta = %+v", body.Meta)
	}
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	o := f.createOrder(t)
	if err := f.orders.Submit(ctx, o.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/orders?symbol=BTCUSDT", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list orders = %d", rec.Code)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil || listed.Count != 1 {
		t.Fatalf("count = %d, err = %v", listed.Count, err)
	}

	if rec := f.do(t, http.MethodGet, "/api/orders/active", ""); rec.Code != http.StatusOK {
		t.Fatalf("active orders = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/orders/"+o.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get order = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/orders/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing order = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/orders?limit=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	// Terminal orders are not cancellable again.
	if rec := f.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d", rec.Code)
	}
}

func TestExitEndpoints(t *testing.T) {
	f := newFixture(t, "")

	if rec := f.do(t, http.MethodDelete, "/api/exits/BTCUSDT/LONG", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad side = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/exits/BTCUSDT/BUY", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown position = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/exits", ""); rec.Code != http.StatusOK {
		t.Fatalf("list exits = %d", rec.Code)
	}
}

func TestStrategyEndpoints(t *testing.T) {
	f := newFixture(t, "")

	if rec := f.do(t, http.MethodGet, "/api/filter/stats", ""); rec.Code != http.StatusOK {
		t.Fatalf("filter stats = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/filter/strategy", `{"strategy":"aggressive"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("switch = %d: %s", rec.Code, rec.Body.String())
	}
	if f.filter.Active() != signal.Aggressive {
		t.Fatalf("active = %s", f.filter.Active())
	}

	if rec := f.do(t, http.MethodPost, "/api/filter/strategy", `{"strategy":"yolo"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown strategy = %d", rec.Code)
	}
	if f.filter.Active() != signal.Aggressive {
		t.Fatal("failed switch changed the active strategy")
	}
}

func TestConfigReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("filter:\n  active_strategy: conservative\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f := newFixture(t, path)

	rec := f.do(t, http.MethodPost, "/api/config/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload = %d: %s", rec.Code, rec.Body.String())
	}
	if f.filter.Active() != signal.Conservative {
		t.Fatalf("active after reload = %s", f.filter.Active())
	}

	if err := os.WriteFile(path, []byte("filter:\n  timeframe_weights: [1, 2]\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if rec := f.do(t, http.MethodPost, "/api/config/reload", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad reload = %d", rec.Code)
	}

	// No config manager wired: reload is a 404.
	bare := newFixture(t, "")
	if rec := bare.do(t, http.MethodPost, "/api/config/reload", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("reload without manager = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	var body struct {
		System monitor.Snapshot `json:"system"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.System.Timestamp.IsZero() {
		t.Fatal("snapshot timestamp missing")
	}
}
