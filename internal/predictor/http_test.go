package predictor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSourcePredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predictions/BTCUSDT" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"symbol": "BTCUSDT",
			"venue": "binance",
			"directions": [2, 2, 2, 1],
			"probabilities": [[0.1,0.1,0.8],[0.1,0.1,0.8],[0.2,0.1,0.7],[0.2,0.6,0.2]],
			"expected_returns": [0.01, 0.012, 0.008, 0.001],
			"risk_metrics": [0.2, 0.25, 0.3, 0.3],
			"weighted_direction": 0.72,
			"confidence": 0.81,
			"price": 50000
		}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL)
	p, err := src.Predict(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if p.Symbol != "BTCUSDT" || p.Confidence != 0.81 || p.Price != 50000 {
		t.Fatalf("prediction = %+v", p)
	}
	if p.Directions[0] != DirectionLong || p.Directions[3] != DirectionNeutral {
		t.Fatalf("directions = %v", p.Directions)
	}
	if p.Probabilities[2][2] != 0.7 {
		t.Fatalf("probabilities = %v", p.Probabilities)
	}
}

func TestHTTPSourceNoPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL).Predict(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrNoPrediction) {
		t.Fatalf("err = %v, want ErrNoPrediction", err)
	}
}

func TestHTTPSourceRejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol": "BTCUSDT", "directions": [2, 2]}`))
	}))
	defer srv.Close()

	if _, err := NewHTTPSource(srv.URL).Predict(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("short payload accepted")
	}
}
