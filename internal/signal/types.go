// Package signal scores raw multi-timeframe predictions and decides whether
// they are trustworthy enough to trade.
package signal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"decision-core/internal/predictor"
)

// Type classifies a trading signal.
type Type string

const (
	TypeLong       Type = "LONG"
	TypeShort      Type = "SHORT"
	TypeNeutral    Type = "NEUTRAL"
	TypeCloseLong  Type = "CLOSE_LONG"
	TypeCloseShort Type = "CLOSE_SHORT"
)

// RiskLevel is an ordinal risk classification: LOW < MEDIUM < HIGH.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}

// ParseRiskLevel converts a config string into a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low", "LOW":
		return RiskLow, nil
	case "medium", "MEDIUM":
		return RiskMedium, nil
	case "high", "HIGH":
		return RiskHigh, nil
	}
	return RiskMedium, fmt.Errorf("unknown risk level %q", s)
}

// riskLevelOf maps a [0,1] risk score onto the ordinal scale.
func riskLevelOf(score float64) RiskLevel {
	switch {
	case score < 0.35:
		return RiskLow
	case score < 0.65:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// QualityMetrics is the component breakdown of one analysis call. All values
// are in [0,1].
type QualityMetrics struct {
	QualityScore    float64 `json:"quality_score"`
	AgreementScore  float64 `json:"agreement_score"`
	ConfidenceScore float64 `json:"confidence_score"`
	ReturnScore     float64 `json:"return_score"`
	RiskScore       float64 `json:"risk_score"`
}

// FilterResult is the verdict for one prediction. Reasons is empty exactly
// when Passed is true.
type FilterResult struct {
	Passed   bool           `json:"passed"`
	Kind     Type           `json:"kind"`
	Strategy Variant        `json:"strategy"`
	Metrics  QualityMetrics `json:"metrics"`
	Reasons  []string       `json:"reasons,omitempty"`
}

// Signal is an accepted trading intent derived from a prediction. It is
// read-only after creation and dropped once expired.
type Signal struct {
	ID         string
	Symbol     string
	Venue      string
	Kind       Type
	Strength   float64
	Confidence float64
	Price      float64
	StopLoss   float64 // optional suggestion, 0 when absent
	TakeProfit float64 // optional suggestion, 0 when absent
	Quantity   float64 // optional suggestion, 0 when absent
	Strategy   string
	Timeframe  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Metadata   map[string]string
}

// Expired reports whether the signal is past its expiry.
func (s *Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// FromPrediction builds a Signal out of an accepted prediction and its filter
// verdict. Strength combines quality and model confidence the same way the
// filter's combined-strength gate does.
func FromPrediction(p predictor.Prediction, res FilterResult) *Signal {
	strength := 0.6*res.Metrics.QualityScore + 0.4*res.Metrics.ConfidenceScore
	return &Signal{
		ID:         uuid.NewString(),
		Symbol:     p.Symbol,
		Venue:      p.Venue,
		Kind:       res.Kind,
		Strength:   strength,
		Confidence: p.Confidence,
		Price:      p.Price,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Quantity:   p.Quantity,
		Strategy:   string(res.Strategy),
		Timeframe:  p.Timeframe,
		CreatedAt:  p.CreatedAt,
		ExpiresAt:  p.ExpiresAt,
		Metadata: map[string]string{
			"quality_score": fmt.Sprintf("%.4f", res.Metrics.QualityScore),
		},
	}
}
