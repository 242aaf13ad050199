// Package predictor defines the boundary to the model that produces raw
// multi-timeframe predictions. Model training and inference live outside the
// core; the core only consumes Prediction values.
package predictor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// NumTimeframes is the number of analysis timeframes a prediction covers,
// ordered shortest to longest (5m, 15m, 1h, 4h).
const NumTimeframes = 4

// NumClasses is the number of direction classes per timeframe.
const NumClasses = 3

// Direction is the per-timeframe direction class index.
type Direction int

const (
	DirectionShort Direction = iota
	DirectionNeutral
	DirectionLong
)

func (d Direction) String() string {
	switch d {
	case DirectionShort:
		return "SHORT"
	case DirectionLong:
		return "LONG"
	default:
		return "NEUTRAL"
	}
}

// Prediction is one raw model output for a symbol. Probabilities[i] is the
// class distribution for timeframe i, indexed by Direction; ExpectedReturns
// and RiskMetrics follow the same timeframe order.
type Prediction struct {
	Symbol            string
	Venue             string
	Directions        [NumTimeframes]Direction
	Probabilities     [NumTimeframes][NumClasses]float64
	ExpectedReturns   [NumTimeframes]float64
	RiskMetrics       [NumTimeframes]float64
	WeightedDirection float64
	Confidence        float64
	Strength          float64
	Price             float64
	StopLoss          float64 // optional model suggestion, 0 when absent
	TakeProfit        float64 // optional model suggestion, 0 when absent
	Quantity          float64 // optional model suggestion, 0 when absent
	Strategy          string
	Timeframe         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the prediction is past its expiry.
func (p Prediction) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Source supplies predictions for a symbol.
type Source interface {
	Predict(ctx context.Context, symbol string) (Prediction, error)
}

// ErrNoPrediction is returned by a source with nothing to offer.
var ErrNoPrediction = errors.New("no prediction available")

// StaticSource replays queued predictions; used by the dry-run wiring and
// tests in place of a live model worker.
type StaticSource struct {
	mu    sync.Mutex
	queue []Prediction
}

// NewStaticSource creates a source preloaded with the given predictions.
func NewStaticSource(preds ...Prediction) *StaticSource {
	return &StaticSource{queue: preds}
}

// Push appends a prediction to the replay queue.
func (s *StaticSource) Push(p Prediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, p)
}

// Predict pops the next queued prediction matching symbol ("" matches any).
func (s *StaticSource) Predict(ctx context.Context, symbol string) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.queue {
		if symbol == "" || p.Symbol == symbol {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return p, nil
		}
	}
	return Prediction{}, ErrNoPrediction
}
