// Package risk turns an accepted signal plus recent price history into
// concrete stop-loss/take-profit levels, a partial-exit ladder and an
// expected-value summary.
package risk

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/pkg/exchange"
)

// Regime is a coarse volatility classification.
type Regime string

const (
	RegimeLow    Regime = "low"
	RegimeMedium Regime = "medium"
	RegimeHigh   Regime = "high"
)

// VolatilitySnapshot captures the volatility inputs behind one computation.
type VolatilitySnapshot struct {
	ATR                  float64 `json:"atr"`
	Regime               Regime  `json:"regime"`
	NormalizedVolatility float64 `json:"normalized_volatility"`
	Degraded             bool    `json:"degraded,omitempty"`
}

// PartialLevel is one rung of the partial-exit ladder.
type PartialLevel struct {
	ClosePercent float64 `json:"close_percent"`
	Price        float64 `json:"price"`
}

// Expectancy summarizes the trade's risk/reward economics. Percentages are in
// percent units, matching StopLossPct/TakeProfitPct.
type Expectancy struct {
	RiskRewardRatio float64 `json:"risk_reward_ratio"`
	RequiredWinRate float64 `json:"required_win_rate"`
	ExpectedValue   float64 `json:"expected_value"`
}

// DynamicLevels is the immutable output of one Compute call.
type DynamicLevels struct {
	StopLossPct     float64            `json:"stop_loss_pct"`
	TakeProfitPct   float64            `json:"take_profit_pct"`
	StopLossPrice   float64            `json:"stop_loss_price"`
	TakeProfitPrice float64            `json:"take_profit_price"`
	PartialExits    []PartialLevel     `json:"partial_exits"`
	Volatility      VolatilitySnapshot `json:"volatility"`
	Expectancy      Expectancy         `json:"expectancy"`
}

// LadderStep configures one partial-exit rung: close ClosePercent of the
// position at DistanceRatio of the way from entry to the final target.
type LadderStep struct {
	DistanceRatio float64 `yaml:"distance_ratio" json:"distance_ratio"`
	ClosePercent  float64 `yaml:"close_percent" json:"close_percent"`
}

// Config carries the calculator's tunables. Percent fields are in percent
// units (2.0 means 2%); band edges are normalized volatility fractions.
type Config struct {
	ATRPeriod int `yaml:"atr_period"`

	// LowBand/HighBand split normalized volatility (ATR/price) into regimes.
	LowBand  float64 `yaml:"low_band"`
	HighBand float64 `yaml:"high_band"`

	// Per-regime base percentages before the confidence adjustment.
	BaseStopLoss   map[Regime]float64 `yaml:"base_stop_loss"`
	BaseTakeProfit map[Regime]float64 `yaml:"base_take_profit"`

	MinStopLossPct   float64 `yaml:"min_stop_loss_pct"`
	MaxStopLossPct   float64 `yaml:"max_stop_loss_pct"`
	MinTakeProfitPct float64 `yaml:"min_take_profit_pct"`
	MaxTakeProfitPct float64 `yaml:"max_take_profit_pct"`

	MinRiskReward    float64 `yaml:"min_risk_reward"`
	ReferenceWinRate float64 `yaml:"reference_win_rate"`

	Ladder []LadderStep `yaml:"ladder"`
}

// DefaultConfig returns the canonical calculator configuration.
func DefaultConfig() Config {
	return Config{
		ATRPeriod: 14,
		LowBand:   0.010,
		HighBand:  0.025,
		BaseStopLoss: map[Regime]float64{
			RegimeLow:    1.2,
			RegimeMedium: 2.0,
			RegimeHigh:   3.2,
		},
		BaseTakeProfit: map[Regime]float64{
			RegimeLow:    3.0,
			RegimeMedium: 5.0,
			RegimeHigh:   7.0,
		},
		MinStopLossPct:   1.0,
		MaxStopLossPct:   5.0,
		MinTakeProfitPct: 2.0,
		MaxTakeProfitPct: 10.0,
		MinRiskReward:    1.8,
		ReferenceWinRate: 0.45,
		Ladder: []LadderStep{
			{DistanceRatio: 0.4, ClosePercent: 30},
			{DistanceRatio: 0.7, ClosePercent: 30},
			{DistanceRatio: 1.0, ClosePercent: 40},
		},
	}
}

// Calculator computes DynamicLevels. It is stateless apart from its config
// and safe for concurrent use.
type Calculator struct {
	cfg    Config
	logger zerolog.Logger
}

// NewCalculator builds a calculator, falling back to defaults for zero-value
// config sections so a sparse YAML file still yields a working instance.
func NewCalculator(cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = def.ATRPeriod
	}
	if cfg.LowBand <= 0 {
		cfg.LowBand = def.LowBand
	}
	if cfg.HighBand <= cfg.LowBand {
		cfg.HighBand = def.HighBand
	}
	if len(cfg.BaseStopLoss) == 0 {
		cfg.BaseStopLoss = def.BaseStopLoss
	}
	if len(cfg.BaseTakeProfit) == 0 {
		cfg.BaseTakeProfit = def.BaseTakeProfit
	}
	if cfg.MinStopLossPct <= 0 {
		cfg.MinStopLossPct = def.MinStopLossPct
	}
	if cfg.MaxStopLossPct <= cfg.MinStopLossPct {
		cfg.MaxStopLossPct = def.MaxStopLossPct
	}
	if cfg.MinTakeProfitPct <= 0 {
		cfg.MinTakeProfitPct = def.MinTakeProfitPct
	}
	if cfg.MaxTakeProfitPct <= cfg.MinTakeProfitPct {
		cfg.MaxTakeProfitPct = def.MaxTakeProfitPct
	}
	if cfg.MinRiskReward <= 0 {
		cfg.MinRiskReward = def.MinRiskReward
	}
	if cfg.ReferenceWinRate <= 0 || cfg.ReferenceWinRate >= 1 {
		cfg.ReferenceWinRate = def.ReferenceWinRate
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = def.Ladder
	}
	return &Calculator{
		cfg:    cfg,
		logger: log.With().Str("component", "risk_calculator").Logger(),
	}
}

// Ladder returns the configured partial-exit ladder.
func (c *Calculator) Ladder() []LadderStep {
	return append([]LadderStep(nil), c.cfg.Ladder...)
}

// Compute derives levels for an entry at currentPrice. Insufficient or
// corrupted candle history degrades to medium-regime defaults; it never
// fails.
func (c *Calculator) Compute(currentPrice float64, candles []exchange.Candle, confidence float64, side exchange.Side) DynamicLevels {
	snap := c.volatility(currentPrice, candles)
	if snap.Degraded {
		c.logger.Warn().
			Float64("price", currentPrice).
			Int("candles", len(candles)).
			Msg("insufficient price history, using medium-regime defaults")
	}

	confidence = clamp(confidence, 0, 1)

	// Confident signals earn a tighter stop and a more ambitious target.
	slPct := c.cfg.BaseStopLoss[snap.Regime] * (1.3 - 0.5*confidence)
	tpPct := c.cfg.BaseTakeProfit[snap.Regime] * (0.7 + 0.6*confidence)

	slPct = clamp(slPct, c.cfg.MinStopLossPct, c.cfg.MaxStopLossPct)
	tpPct = clamp(tpPct, c.cfg.MinTakeProfitPct, c.cfg.MaxTakeProfitPct)

	// Enforce the reward/risk floor: widen the target first, and if the
	// target cap is hit, tighten the stop instead.
	if tpPct < slPct*c.cfg.MinRiskReward {
		tpPct = slPct * c.cfg.MinRiskReward
		if tpPct > c.cfg.MaxTakeProfitPct {
			tpPct = c.cfg.MaxTakeProfitPct
			slPct = tpPct / c.cfg.MinRiskReward
		}
	}

	return c.Build(currentPrice, side, slPct, tpPct, snap)
}

// Build derives absolute prices, the partial-exit ladder and the expectancy
// block from already-decided percentages.
func (c *Calculator) Build(entry float64, side exchange.Side, slPct, tpPct float64, snap VolatilitySnapshot) DynamicLevels {
	var slPrice, tpPrice float64
	if side == exchange.SideBuy {
		slPrice = entry * (1 - slPct/100)
		tpPrice = entry * (1 + tpPct/100)
	} else {
		slPrice = entry * (1 + slPct/100)
		tpPrice = entry * (1 - tpPct/100)
	}

	levels := make([]PartialLevel, 0, len(c.cfg.Ladder))
	for _, step := range c.cfg.Ladder {
		levels = append(levels, PartialLevel{
			ClosePercent: step.ClosePercent,
			Price:        entry + step.DistanceRatio*(tpPrice-entry),
		})
	}

	rr := tpPct / slPct
	return DynamicLevels{
		StopLossPct:     slPct,
		TakeProfitPct:   tpPct,
		StopLossPrice:   slPrice,
		TakeProfitPrice: tpPrice,
		PartialExits:    levels,
		Volatility:      snap,
		Expectancy: Expectancy{
			RiskRewardRatio: rr,
			RequiredWinRate: 1 / (1 + rr),
			ExpectedValue:   c.cfg.ReferenceWinRate*tpPct - (1-c.cfg.ReferenceWinRate)*slPct,
		},
	}
}

// volatility computes the ATR snapshot, degrading to a synthetic
// medium-regime snapshot when history is too short or corrupted.
func (c *Calculator) volatility(price float64, candles []exchange.Candle) VolatilitySnapshot {
	if price <= 0 {
		price = 1
	}
	degraded := func() VolatilitySnapshot {
		mid := (c.cfg.LowBand + c.cfg.HighBand) / 2
		return VolatilitySnapshot{
			ATR:                  price * mid,
			Regime:               RegimeMedium,
			NormalizedVolatility: mid,
			Degraded:             true,
		}
	}

	if len(candles) < c.cfg.ATRPeriod+1 {
		return degraded()
	}
	for _, k := range candles {
		if k.Close <= 0 || k.High < k.Low {
			return degraded()
		}
	}

	atr := averageTrueRange(candles, c.cfg.ATRPeriod)
	if atr <= 0 {
		return degraded()
	}

	norm := atr / price
	regime := RegimeMedium
	switch {
	case norm < c.cfg.LowBand:
		regime = RegimeLow
	case norm > c.cfg.HighBand:
		regime = RegimeHigh
	}
	return VolatilitySnapshot{ATR: atr, Regime: regime, NormalizedVolatility: norm}
}

// averageTrueRange is the simple mean of the last period true ranges.
func averageTrueRange(candles []exchange.Candle, period int) float64 {
	start := len(candles) - period
	var sum float64
	for i := start; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := candles[i].High - candles[i].Low
		tr = math.Max(tr, math.Abs(candles[i].High-prevClose))
		tr = math.Max(tr, math.Abs(candles[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
