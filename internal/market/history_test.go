package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func klineServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("symbol") == "" || r.URL.Query().Get("interval") == "" {
			http.Error(w, "missing params", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHistoryKlines(t *testing.T) {
	srv := klineServer(t, `[
		[1700000000000, "100.0", "104.0", "98.0", "101.0", "12.5", 1700000059999],
		[1700000060000, "101.0", "105.0", "100.0", "104.5", "8.0", 1700000119999]
	]`)

	h := NewHistory(srv.URL, "1m")
	candles, err := h.Klines(context.Background(), "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d, want 2", len(candles))
	}
	first := candles[0]
	if first.Open != 100 || first.High != 104 || first.Low != 98 || first.Close != 101 || first.Volume != 12.5 {
		t.Fatalf("candle = %+v", first)
	}
	if !first.OpenTime.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Fatalf("open time = %v", first.OpenTime)
	}
}

func TestHistoryKlinesSkipsShortRows(t *testing.T) {
	srv := klineServer(t, `[[1700000000000, "100.0"], [1700000060000, "101.0", "105.0", "100.0", "104.5", "8.0"]]`)

	candles, err := NewHistory(srv.URL, "1m").Klines(context.Background(), "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(candles) != 1 || candles[0].Close != 104.5 {
		t.Fatalf("candles = %+v", candles)
	}
}

func TestHistorySeedCache(t *testing.T) {
	srv := klineServer(t, `[[1700000000000, "100.0", "104.0", "98.0", "101.0", "12.5"]]`)

	cache := NewCandleCache(time.Minute, 10)
	NewHistory(srv.URL, "1m").SeedCache(context.Background(), cache, []string{"BTCUSDT"}, 1)

	if got := cache.Candles("BTCUSDT"); len(got) != 1 || got[0].Close != 101 {
		t.Fatalf("seeded = %+v", got)
	}
}
