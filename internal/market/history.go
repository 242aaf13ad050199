package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/pkg/exchange"
)

// History fetches historical klines from a Binance-compatible REST API and
// seeds the candle cache so the risk calculator has volatility context from
// the first cycle.
type History struct {
	baseURL  string
	interval string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHistory creates a loader against baseURL (for Binance,
// https://api.binance.com). interval is a venue interval string like "1m".
func NewHistory(baseURL, interval string) *History {
	if interval == "" {
		interval = "1m"
	}
	return &History{
		baseURL:  strings.TrimRight(baseURL, "/"),
		interval: interval,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   log.With().Str("component", "market_history").Logger(),
	}
}

// Klines fetches up to limit candles for symbol, oldest first.
func (h *History) Klines(ctx context.Context, symbol string, limit int) ([]exchange.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", h.interval)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("klines request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines fetch %s: status %d", symbol, resp.StatusCode)
	}

	// Binance klines are heterogeneous arrays:
	// [openTime, open, high, low, close, volume, ...].
	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("klines decode %s: %w", symbol, err)
	}

	candles := make([]exchange.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openMs, ok := k[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(int64(openMs)).UTC(),
			Open:     parseKlineField(k[1]),
			High:     parseKlineField(k[2]),
			Low:      parseKlineField(k[3]),
			Close:    parseKlineField(k[4]),
			Volume:   parseKlineField(k[5]),
		})
	}
	return candles, nil
}

// SeedCache loads history for every symbol into cache. Per-symbol failures
// are logged and skipped; the cache fills from live ticks regardless.
func (h *History) SeedCache(ctx context.Context, cache *CandleCache, symbols []string, limit int) {
	for _, symbol := range symbols {
		candles, err := h.Klines(ctx, symbol, limit)
		if err != nil {
			h.logger.Warn().Str("symbol", symbol).Err(err).Msg("history seed failed")
			continue
		}
		cache.Seed(symbol, candles)
		h.logger.Info().Str("symbol", symbol).Int("candles", len(candles)).Msg("history seeded")
	}
}

func parseKlineField(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
