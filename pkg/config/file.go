package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"decision-core/internal/execution"
	"decision-core/internal/exits"
	"decision-core/internal/predictor"
	"decision-core/internal/risk"
	"decision-core/internal/signal"
)

// File is the YAML tunables document. Missing fields fall back to the
// canonical defaults of the package they configure; durations are expressed
// in milliseconds.
type File struct {
	Filter    FilterSection    `yaml:"filter"`
	Risk      risk.Config      `yaml:"risk"`
	Execution ExecutionSection `yaml:"execution"`
	Exits     ExitsSection     `yaml:"exits"`
}

// FilterSection configures the signal quality filter.
type FilterSection struct {
	TimeframeWeights []float64 `yaml:"timeframe_weights"`
	MainTimeframe    *int      `yaml:"main_timeframe"`
	AgreementWeight  float64   `yaml:"agreement_weight"`
	ConfidenceWeight float64   `yaml:"confidence_weight"`
	ReturnWeight     float64   `yaml:"return_weight"`
	RiskWeight       float64   `yaml:"risk_weight"`
	ReturnNormalizer float64   `yaml:"return_normalizer"`
	NegligibleReturn float64   `yaml:"negligible_return"`
	LongCut          float64   `yaml:"long_cut"`
	ShortCut         float64   `yaml:"short_cut"`
	ActiveStrategy   string    `yaml:"active_strategy"`
	// Strategies replace builtin threshold tables wholesale per variant.
	Strategies map[string]StrategyOverride `yaml:"strategies"`
}

// StrategyOverride is one variant's threshold table in file form.
type StrategyOverride struct {
	signal.Thresholds `yaml:",inline"`
	MaxRisk           string `yaml:"max_risk"`
}

// ExecutionSection configures the execution engine.
type ExecutionSection struct {
	Retries          int     `yaml:"retries"`
	RetryDelayMs     int     `yaml:"retry_delay_ms"`
	PollIntervalMs   int     `yaml:"poll_interval_ms"`
	FillTimeoutMs    int     `yaml:"fill_timeout_ms"`
	PassiveTimeoutMs int     `yaml:"passive_timeout_ms"`
	Chunks           int     `yaml:"chunks"`
	ChunkDelayMs     int     `yaml:"chunk_delay_ms"`
	ChunkTimeoutMs   int     `yaml:"chunk_timeout_ms"`
	FillThreshold    float64 `yaml:"fill_threshold"`
	HighVolatility   float64 `yaml:"high_volatility"`
	DepthMultiple    float64 `yaml:"depth_multiple"`
}

// ExitsSection configures the partial-exit and trailing-stop manager.
type ExitsSection struct {
	ActivationPercent float64 `yaml:"activation_percent"`
	TrailingPercent   float64 `yaml:"trailing_percent"`
	PollIntervalMs    int     `yaml:"poll_interval_ms"`
	ShutdownTimeoutMs int     `yaml:"shutdown_timeout_ms"`
}

// FilterConfig converts the filter section into a validated filter
// configuration, overlaying the canonical defaults.
func (s FilterSection) FilterConfig() (signal.FilterConfig, error) {
	cfg := signal.DefaultFilterConfig()

	if len(s.TimeframeWeights) > 0 {
		if len(s.TimeframeWeights) != predictor.NumTimeframes {
			return signal.FilterConfig{}, fmt.Errorf("filter: %d timeframe weights, want %d", len(s.TimeframeWeights), predictor.NumTimeframes)
		}
		copy(cfg.Weights[:], s.TimeframeWeights)
	}
	if s.MainTimeframe != nil {
		cfg.MainTimeframe = *s.MainTimeframe
	}
	if s.AgreementWeight > 0 {
		cfg.AgreementWeight = s.AgreementWeight
	}
	if s.ConfidenceWeight > 0 {
		cfg.ConfidenceWeight = s.ConfidenceWeight
	}
	if s.ReturnWeight > 0 {
		cfg.ReturnWeight = s.ReturnWeight
	}
	if s.RiskWeight > 0 {
		cfg.RiskWeight = s.RiskWeight
	}
	if s.ReturnNormalizer > 0 {
		cfg.ReturnNormalizer = s.ReturnNormalizer
	}
	if s.NegligibleReturn > 0 {
		cfg.NegligibleReturn = s.NegligibleReturn
	}
	if s.LongCut != 0 {
		cfg.LongCut = s.LongCut
	}
	if s.ShortCut != 0 {
		cfg.ShortCut = s.ShortCut
	}
	if s.ActiveStrategy != "" {
		cfg.Active = signal.Variant(s.ActiveStrategy)
	}

	if len(s.Strategies) > 0 {
		cfg.Overrides = make(map[signal.Variant]signal.Thresholds, len(s.Strategies))
		for name, o := range s.Strategies {
			if o.MaxRisk == "" {
				return signal.FilterConfig{}, fmt.Errorf("filter: strategy %s: max_risk is required", name)
			}
			level, err := signal.ParseRiskLevel(o.MaxRisk)
			if err != nil {
				return signal.FilterConfig{}, fmt.Errorf("filter: strategy %s: %w", name, err)
			}
			t := o.Thresholds
			t.MaxRisk = level
			cfg.Overrides[signal.Variant(name)] = t
		}
	}
	return cfg, nil
}

// ExecutionConfig converts the execution section, overlaying defaults.
func (s ExecutionSection) ExecutionConfig() execution.Config {
	cfg := execution.DefaultConfig()
	if s.Retries > 0 {
		cfg.Retries = s.Retries
	}
	if s.RetryDelayMs > 0 {
		cfg.RetryDelay = time.Duration(s.RetryDelayMs) * time.Millisecond
	}
	if s.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(s.PollIntervalMs) * time.Millisecond
	}
	if s.FillTimeoutMs > 0 {
		cfg.FillTimeout = time.Duration(s.FillTimeoutMs) * time.Millisecond
	}
	if s.PassiveTimeoutMs > 0 {
		cfg.PassiveTimeout = time.Duration(s.PassiveTimeoutMs) * time.Millisecond
	}
	if s.Chunks > 0 {
		cfg.Chunks = s.Chunks
	}
	if s.ChunkDelayMs > 0 {
		cfg.ChunkDelay = time.Duration(s.ChunkDelayMs) * time.Millisecond
	}
	if s.ChunkTimeoutMs > 0 {
		cfg.ChunkTimeout = time.Duration(s.ChunkTimeoutMs) * time.Millisecond
	}
	if s.FillThreshold > 0 {
		cfg.FillThreshold = s.FillThreshold
	}
	if s.HighVolatility > 0 {
		cfg.HighVolatility = s.HighVolatility
	}
	if s.DepthMultiple > 0 {
		cfg.DepthMultiple = s.DepthMultiple
	}
	return cfg
}

// ExitsConfig converts the exits section, overlaying defaults.
func (s ExitsSection) ExitsConfig() exits.Config {
	cfg := exits.DefaultConfig()
	if s.ActivationPercent > 0 {
		cfg.ActivationPercent = s.ActivationPercent
	}
	if s.TrailingPercent > 0 {
		cfg.TrailingPercent = s.TrailingPercent
	}
	if s.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(s.PollIntervalMs) * time.Millisecond
	}
	if s.ShutdownTimeoutMs > 0 {
		cfg.ShutdownTimeout = time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
	}
	return cfg
}

// RiskConfig returns the risk section; the calculator applies its own
// defaults for zero-valued fields.
func (f *File) RiskConfig() risk.Config { return f.Risk }

// Manager loads the tunables file and atomically swaps the current document
// on reload. A reload that fails validation leaves the previous document in
// force.
type Manager struct {
	path string

	mu   sync.RWMutex
	file *File
}

// NewManager creates a manager for path. An empty path serves defaults only.
func NewManager(path string) *Manager {
	return &Manager{path: path, file: &File{Risk: risk.DefaultConfig()}}
}

// Load reads and validates the tunables file, then swaps it in. A missing
// file is not an error; defaults apply.
func (m *Manager) Load() (*File, error) {
	next := &File{Risk: risk.DefaultConfig()}

	if m.path != "" {
		data, err := os.ReadFile(m.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", m.path, err)
		default:
			if err := yaml.Unmarshal(data, next); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", m.path, err)
			}
		}
	}

	// Surface section errors now so a bad file never half-applies.
	if _, err := next.Filter.FilterConfig(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.file = next
	m.mu.Unlock()
	return next, nil
}

// Current returns the document in force.
func (m *Manager) Current() *File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file
}
