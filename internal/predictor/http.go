package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// wirePrediction is the JSON shape served by the model worker.
type wirePrediction struct {
	Symbol            string      `json:"symbol"`
	Venue             string      `json:"venue"`
	Directions        []int       `json:"directions"`
	Probabilities     [][]float64 `json:"probabilities"`
	ExpectedReturns   []float64   `json:"expected_returns"`
	RiskMetrics       []float64   `json:"risk_metrics"`
	WeightedDirection float64     `json:"weighted_direction"`
	Confidence        float64     `json:"confidence"`
	Strength          float64     `json:"strength"`
	Price             float64     `json:"price"`
	StopLoss          float64     `json:"stop_loss"`
	TakeProfit        float64     `json:"take_profit"`
	Quantity          float64     `json:"quantity"`
	Strategy          string      `json:"strategy"`
	Timeframe         string      `json:"timeframe"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// HTTPSource pulls predictions from the model worker's REST endpoint.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for GET {baseURL}/predictions/{symbol}.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Predict fetches the latest prediction for symbol. A 204 or 404 means the
// worker has nothing fresh and maps to ErrNoPrediction.
func (s *HTTPSource) Predict(ctx context.Context, symbol string) (Prediction, error) {
	url := s.baseURL + "/predictions/" + symbol
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Prediction{}, fmt.Errorf("predictor request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("predictor fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return Prediction{}, ErrNoPrediction
	default:
		return Prediction{}, fmt.Errorf("predictor fetch %s: status %d", symbol, resp.StatusCode)
	}

	var w wirePrediction
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return Prediction{}, fmt.Errorf("predictor decode %s: %w", symbol, err)
	}
	return w.toPrediction(symbol)
}

func (w wirePrediction) toPrediction(symbol string) (Prediction, error) {
	if len(w.Directions) != NumTimeframes || len(w.Probabilities) != NumTimeframes ||
		len(w.ExpectedReturns) != NumTimeframes || len(w.RiskMetrics) != NumTimeframes {
		return Prediction{}, fmt.Errorf("predictor payload for %s: want %d timeframes", symbol, NumTimeframes)
	}

	p := Prediction{
		Symbol:            w.Symbol,
		Venue:             w.Venue,
		WeightedDirection: w.WeightedDirection,
		Confidence:        w.Confidence,
		Strength:          w.Strength,
		Price:             w.Price,
		StopLoss:          w.StopLoss,
		TakeProfit:        w.TakeProfit,
		Quantity:          w.Quantity,
		Strategy:          w.Strategy,
		Timeframe:         w.Timeframe,
		CreatedAt:         w.CreatedAt,
		ExpiresAt:         w.ExpiresAt,
	}
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	for i := 0; i < NumTimeframes; i++ {
		d := w.Directions[i]
		if d < 0 || d >= NumClasses {
			return Prediction{}, fmt.Errorf("predictor payload for %s: direction %d out of range", symbol, d)
		}
		p.Directions[i] = Direction(d)
		if len(w.Probabilities[i]) != NumClasses {
			return Prediction{}, fmt.Errorf("predictor payload for %s: want %d classes", symbol, NumClasses)
		}
		copy(p.Probabilities[i][:], w.Probabilities[i])
		p.ExpectedReturns[i] = w.ExpectedReturns[i]
		p.RiskMetrics[i] = w.RiskMetrics[i]
	}
	return p, nil
}
