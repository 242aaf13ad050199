package signal

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/predictor"
)

// FilterConfig carries the tunable parts of the quality filter. The timeframe
// weight vector is canonical across every score; the main timeframe is the
// one carrying the largest weight.
type FilterConfig struct {
	// Weights are per-timeframe importance weights, shortest to longest.
	Weights [predictor.NumTimeframes]float64
	// MainTimeframe indexes the timeframe held to the stricter confidence gate.
	MainTimeframe int
	// QualityWeights combine the four component scores; risk enters inverted.
	AgreementWeight  float64
	ConfidenceWeight float64
	ReturnWeight     float64
	RiskWeight       float64
	// ReturnNormalizer is the absolute return mapped to a full return score.
	ReturnNormalizer float64
	// NegligibleReturn is the floor below which a return does not count
	// toward the same-sign bonus.
	NegligibleReturn float64
	// LongCut/ShortCut are the weighted-direction cut points used when no
	// plurality of 3 exists.
	LongCut  float64
	ShortCut float64
	// Active names the variant used until SwitchStrategy is called.
	Active Variant
	// Overrides replace builtin threshold tables per variant.
	Overrides map[Variant]Thresholds
}

// DefaultFilterConfig returns the canonical configuration.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Weights:          [predictor.NumTimeframes]float64{0.25, 0.25, 0.35, 0.15},
		MainTimeframe:    2,
		AgreementWeight:  0.35,
		ConfidenceWeight: 0.30,
		ReturnWeight:     0.20,
		RiskWeight:       0.15,
		ReturnNormalizer: 0.015,
		NegligibleReturn: 0.0005,
		LongCut:          0.3,
		ShortCut:         -0.3,
		Active:           Moderate,
	}
}

// StrategyStats are the running per-variant counters. They accumulate for the
// life of the filter and survive strategy switches.
type StrategyStats struct {
	Analyzed   int64            `json:"analyzed"`
	Passed     int64            `json:"passed"`
	Rejected   int64            `json:"rejected"`
	AvgQuality float64          `json:"avg_quality"`
	Rejections map[string]int64 `json:"rejections"`
}

type strategyStats struct {
	analyzed   int64
	passed     int64
	rejected   int64
	avgQuality float64
	rejections map[string]int64
}

// Filter scores predictions under one active strategy variant.
type Filter struct {
	mu       sync.Mutex
	cfg      FilterConfig
	variants map[Variant]Thresholds
	active   Variant
	stats    map[Variant]*strategyStats
	logger   zerolog.Logger
}

// NewFilter builds a filter from cfg, validating every threshold table up
// front so a malformed table fails at load time, not mid-stream.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	var weightSum float64
	for _, w := range cfg.Weights {
		if w < 0 {
			return nil, fmt.Errorf("filter config: negative timeframe weight %.3f", w)
		}
		weightSum += w
	}
	if weightSum <= 0 {
		return nil, fmt.Errorf("filter config: timeframe weights sum to zero")
	}
	if cfg.MainTimeframe < 0 || cfg.MainTimeframe >= predictor.NumTimeframes {
		return nil, fmt.Errorf("filter config: main timeframe index %d out of range", cfg.MainTimeframe)
	}
	if cfg.ReturnNormalizer <= 0 {
		return nil, fmt.Errorf("filter config: return normalizer must be positive")
	}

	variants := builtinVariants()
	for v, t := range cfg.Overrides {
		if _, ok := variants[v]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, v)
		}
		variants[v] = t
	}
	for v, t := range variants {
		if err := t.validate(v); err != nil {
			return nil, err
		}
	}

	active := cfg.Active
	if active == "" {
		active = Moderate
	}
	if _, ok := variants[active]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, active)
	}

	stats := make(map[Variant]*strategyStats, len(variants))
	for v := range variants {
		stats[v] = &strategyStats{rejections: make(map[string]int64)}
	}

	return &Filter{
		cfg:      cfg,
		variants: variants,
		active:   active,
		stats:    stats,
		logger:   log.With().Str("component", "signal_filter").Logger(),
	}, nil
}

// Reconfigure validates cfg and swaps the filter's configuration and
// threshold tables in one step. Running stats are kept; the active variant is
// kept too unless cfg names a different one.
func (f *Filter) Reconfigure(cfg FilterConfig) error {
	next, err := NewFilter(cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = next.cfg
	f.variants = next.variants
	if cfg.Active != "" {
		f.active = next.active
	}
	for v := range next.variants {
		if _, ok := f.stats[v]; !ok {
			f.stats[v] = &strategyStats{rejections: make(map[string]int64)}
		}
	}
	f.logger.Info().Str("active", string(f.active)).Msg("filter reconfigured")
	return nil
}

// Active returns the variant in force.
func (f *Filter) Active() Variant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// SwitchStrategy swaps the active variant. The very next Evaluate call uses
// only the new variant's thresholds. Counters are per-variant and are not
// reset by a switch.
func (f *Filter) SwitchStrategy(name string) error {
	v := Variant(name)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.variants[v]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	f.active = v
	f.logger.Info().Str("strategy", name).Msg("filter strategy switched")
	return nil
}

// Evaluate scores one prediction against the active variant. All gates are
// evaluated even after one fails; reasons accumulate.
func (f *Filter) Evaluate(p predictor.Prediction) FilterResult {
	f.mu.Lock()
	active := f.active
	th := f.variants[active]
	cfg := f.cfg
	f.mu.Unlock()

	metrics, agreeCount, plurality := f.score(cfg, p)
	kind := resolveKind(cfg, agreeCount, plurality, p.WeightedDirection)

	var reasons []string

	if agreeCount < th.MinAgreement {
		reasons = append(reasons, fmt.Sprintf(
			"timeframe agreement %d below minimum %d", agreeCount, th.MinAgreement))
	}

	weak := 0
	for i := range p.Probabilities {
		if maxProb(p.Probabilities[i]) < th.MinConfidence {
			weak++
		}
	}
	if weak > th.MaxWeakTimeframes {
		reasons = append(reasons, fmt.Sprintf(
			"%d timeframes below confidence %.2f (max %d)", weak, th.MinConfidence, th.MaxWeakTimeframes))
	}

	mainConf := maxProb(p.Probabilities[cfg.MainTimeframe])
	if mainConf < th.MinMainConfidence {
		waived := false
		if th.AltConfidence > 0 {
			strong := 0
			for i := range p.Probabilities {
				if maxProb(p.Probabilities[i]) >= th.AltConfidence {
					strong++
				}
			}
			waived = strong >= 2
		}
		if !waived {
			reasons = append(reasons, fmt.Sprintf(
				"main timeframe confidence %.3f below %.2f", mainConf, th.MinMainConfidence))
		}
	}

	absReturn := weightedAbsReturn(cfg.Weights, p.ExpectedReturns)
	if absReturn < th.MinAbsReturn {
		reasons = append(reasons, fmt.Sprintf(
			"expected return %.4f below floor %.4f", absReturn, th.MinAbsReturn))
	}

	if metrics.QualityScore < th.MinQuality {
		reasons = append(reasons, fmt.Sprintf(
			"quality score %.3f below %.2f", metrics.QualityScore, th.MinQuality))
	}

	strength := 0.6*metrics.QualityScore + 0.4*metrics.ConfidenceScore
	if strength < th.MinStrength {
		reasons = append(reasons, fmt.Sprintf(
			"combined strength %.3f below %.2f", strength, th.MinStrength))
	}

	if lvl := riskLevelOf(metrics.RiskScore); lvl > th.MaxRisk {
		reasons = append(reasons, fmt.Sprintf(
			"risk level %s above ceiling %s", lvl, th.MaxRisk))
	}

	res := FilterResult{
		Passed:   len(reasons) == 0,
		Kind:     kind,
		Strategy: active,
		Metrics:  metrics,
		Reasons:  reasons,
	}
	f.record(active, res)
	return res
}

func (f *Filter) record(v Variant, res FilterResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.stats[v]
	st.analyzed++
	st.avgQuality += (res.Metrics.QualityScore - st.avgQuality) / float64(st.analyzed)
	if res.Passed {
		st.passed++
	} else {
		st.rejected++
		for _, r := range res.Reasons {
			st.rejections[r]++
		}
	}
}

// Stats returns a snapshot of all per-variant counters.
func (f *Filter) Stats() map[Variant]StrategyStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[Variant]StrategyStats, len(f.stats))
	for v, st := range f.stats {
		rej := make(map[string]int64, len(st.rejections))
		for k, n := range st.rejections {
			rej[k] = n
		}
		out[v] = StrategyStats{
			Analyzed:   st.analyzed,
			Passed:     st.passed,
			Rejected:   st.rejected,
			AvgQuality: st.avgQuality,
			Rejections: rej,
		}
	}
	return out
}

// score computes the component metrics plus the plurality vote.
func (f *Filter) score(cfg FilterConfig, p predictor.Prediction) (QualityMetrics, int, predictor.Direction) {
	var weightSum float64
	for _, w := range cfg.Weights {
		weightSum += w
	}

	// Plurality vote over timeframe directions.
	var votes [predictor.NumClasses]int
	for _, d := range p.Directions {
		votes[d]++
	}
	plurality := predictor.DirectionNeutral
	best := -1
	for d, n := range votes {
		if n > best {
			best = n
			plurality = predictor.Direction(d)
		}
	}

	// Agreement: weight mass behind the plurality direction.
	var agreement float64
	agreeCount := 0
	for i, d := range p.Directions {
		if d == plurality {
			agreement += cfg.Weights[i]
			agreeCount++
		}
	}
	agreement /= weightSum

	// Confidence: weighted max-class probability blended with inverse
	// normalized entropy of the class distributions.
	var probSum, entropySum float64
	for i := range p.Probabilities {
		probSum += cfg.Weights[i] * maxProb(p.Probabilities[i])
		entropySum += normalizedEntropy(p.Probabilities[i])
	}
	confidence := 0.7*(probSum/weightSum) + 0.3*(1-entropySum/predictor.NumTimeframes)

	// Return: weighted absolute return against the normalizer, with a bonus
	// when every meaningful return agrees in sign.
	returnScore := math.Min(weightedAbsReturn(cfg.Weights, p.ExpectedReturns)/cfg.ReturnNormalizer, 1)
	if sameSign(p.ExpectedReturns, cfg.NegligibleReturn) {
		returnScore = math.Min(returnScore+0.1, 1)
	}

	// Risk: weighted average risk metric.
	var risk float64
	for i, r := range p.RiskMetrics {
		risk += cfg.Weights[i] * r
	}
	risk = clamp01(risk / weightSum)

	quality := cfg.AgreementWeight*agreement +
		cfg.ConfidenceWeight*confidence +
		cfg.ReturnWeight*returnScore +
		cfg.RiskWeight*(1-risk)

	return QualityMetrics{
		QualityScore:    clamp01(quality),
		AgreementScore:  clamp01(agreement),
		ConfidenceScore: clamp01(confidence),
		ReturnScore:     clamp01(returnScore),
		RiskScore:       risk,
	}, agreeCount, plurality
}

// resolveKind picks the signal kind: a plurality of at least 3 timeframes
// wins outright, otherwise the weighted direction is thresholded against the
// configured cut points.
func resolveKind(cfg FilterConfig, agreeCount int, plurality predictor.Direction, weighted float64) Type {
	if agreeCount >= 3 {
		switch plurality {
		case predictor.DirectionLong:
			return TypeLong
		case predictor.DirectionShort:
			return TypeShort
		default:
			return TypeNeutral
		}
	}
	switch {
	case weighted > cfg.LongCut:
		return TypeLong
	case weighted < cfg.ShortCut:
		return TypeShort
	default:
		return TypeNeutral
	}
}

func maxProb(probs [predictor.NumClasses]float64) float64 {
	m := probs[0]
	for _, p := range probs[1:] {
		if p > m {
			m = p
		}
	}
	return m
}

// normalizedEntropy returns Shannon entropy of the triple divided by ln(3).
func normalizedEntropy(probs [predictor.NumClasses]float64) float64 {
	var h float64
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(predictor.NumClasses)
}

func weightedAbsReturn(weights [predictor.NumTimeframes]float64, returns [predictor.NumTimeframes]float64) float64 {
	var sum, weightSum float64
	for i, r := range returns {
		sum += weights[i] * math.Abs(r)
		weightSum += weights[i]
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// sameSign reports whether all returns above the negligibility floor share
// one sign (and at least one is meaningful).
func sameSign(returns [predictor.NumTimeframes]float64, negligible float64) bool {
	pos, neg := 0, 0
	for _, r := range returns {
		if math.Abs(r) < negligible {
			continue
		}
		if r > 0 {
			pos++
		} else {
			neg++
		}
	}
	if pos+neg == 0 {
		return false
	}
	return pos == 0 || neg == 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
