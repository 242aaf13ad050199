package signal

import (
	"errors"
	"fmt"
)

// Variant names a filter strategy.
type Variant string

const (
	Conservative Variant = "conservative"
	Moderate     Variant = "moderate"
	Aggressive   Variant = "aggressive"
)

// ErrUnknownStrategy is returned when a strategy name has no variant.
var ErrUnknownStrategy = errors.New("unknown filter strategy")

// Thresholds is one variant's gate table.
type Thresholds struct {
	// MinAgreement is the minimum number of timeframes voting the plurality
	// direction.
	MinAgreement int `yaml:"min_agreement"`
	// MinConfidence is the per-timeframe max-class-probability floor;
	// MaxWeakTimeframes bounds how many timeframes may sit below it.
	MinConfidence     float64 `yaml:"min_confidence"`
	MaxWeakTimeframes int     `yaml:"max_weak_timeframes"`
	// MinMainConfidence is the stricter floor on the main timeframe.
	// AltConfidence, when non-zero, waives the main gate if at least two
	// timeframes clear it.
	MinMainConfidence float64 `yaml:"min_main_confidence"`
	AltConfidence     float64 `yaml:"alt_confidence"`
	// MinAbsReturn is the weighted absolute expected-return floor.
	MinAbsReturn float64 `yaml:"min_abs_return"`
	// MinQuality and MinStrength gate the composite scores.
	MinQuality  float64 `yaml:"min_quality"`
	MinStrength float64 `yaml:"min_strength"`
	// MaxRisk is the ordinal risk ceiling.
	MaxRisk RiskLevel `yaml:"-"`
}

func (t Thresholds) validate(v Variant) error {
	if t.MinAgreement < 1 || t.MinAgreement > 4 {
		return fmt.Errorf("strategy %s: min_agreement %d out of range", v, t.MinAgreement)
	}
	for name, val := range map[string]float64{
		"min_confidence":      t.MinConfidence,
		"min_main_confidence": t.MinMainConfidence,
		"min_quality":         t.MinQuality,
		"min_strength":        t.MinStrength,
	} {
		if val < 0 || val > 1 {
			return fmt.Errorf("strategy %s: %s %.3f out of [0,1]", v, name, val)
		}
	}
	if t.MinAbsReturn < 0 {
		return fmt.Errorf("strategy %s: min_abs_return must be non-negative", v)
	}
	return nil
}

// builtinVariants returns the closed strategy table. Variants are constructed
// once at startup and injected into the filter; adding a variant means
// extending this map.
func builtinVariants() map[Variant]Thresholds {
	return map[Variant]Thresholds{
		Conservative: {
			MinAgreement:      3,
			MinConfidence:     0.70,
			MaxWeakTimeframes: 0,
			MinMainConfidence: 0.80,
			MinAbsReturn:      0.005,
			MinQuality:        0.70,
			MinStrength:       0.70,
			MaxRisk:           RiskLow,
		},
		Moderate: {
			MinAgreement:      3,
			MinConfidence:     0.60,
			MaxWeakTimeframes: 1,
			MinMainConfidence: 0.70,
			AltConfidence:     0.75,
			MinAbsReturn:      0.003,
			MinQuality:        0.60,
			MinStrength:       0.60,
			MaxRisk:           RiskMedium,
		},
		Aggressive: {
			MinAgreement:      2,
			MinConfidence:     0.55,
			MaxWeakTimeframes: 2,
			MinMainConfidence: 0.60,
			MinAbsReturn:      0.002,
			MinQuality:        0.50,
			MinStrength:       0.50,
			MaxRisk:           RiskHigh,
		},
	}
}
