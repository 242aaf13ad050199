package market

import (
	"context"
	"sync"
	"time"

	"decision-core/internal/events"
	"decision-core/pkg/exchange"
)

// CandleCache aggregates price ticks into fixed-width OHLCV bars and keeps a
// bounded trailing window per symbol. It is the price history behind the risk
// calculator's volatility estimate.
type CandleCache struct {
	bucket time.Duration
	limit  int

	mu     sync.Mutex
	series map[string][]exchange.Candle
}

// NewCandleCache builds a cache of up to limit bars of bucket width.
func NewCandleCache(bucket time.Duration, limit int) *CandleCache {
	if bucket <= 0 {
		bucket = time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &CandleCache{
		bucket: bucket,
		limit:  limit,
		series: make(map[string][]exchange.Candle),
	}
}

// Run subscribes to price ticks and folds them into candles until ctx ends.
func (c *CandleCache) Run(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.SubscribeTicks(128)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-stream:
				if !ok {
					return
				}
				c.Apply(tick)
			}
		}
	}()
}

// Apply folds one tick into the symbol's open candle, rolling a new candle
// when the tick crosses a bucket boundary.
func (c *CandleCache) Apply(tick events.PriceTick) {
	if tick.Price <= 0 || tick.Symbol == "" {
		return
	}
	at := tick.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	bucketStart := at.Truncate(c.bucket)

	c.mu.Lock()
	defer c.mu.Unlock()

	series := c.series[tick.Symbol]
	if n := len(series); n > 0 && series[n-1].OpenTime.Equal(bucketStart) {
		cur := &series[n-1]
		if tick.Price > cur.High {
			cur.High = tick.Price
		}
		if tick.Price < cur.Low {
			cur.Low = tick.Price
		}
		cur.Close = tick.Price
		return
	}

	series = append(series, exchange.Candle{
		OpenTime: bucketStart,
		Open:     tick.Price,
		High:     tick.Price,
		Low:      tick.Price,
		Close:    tick.Price,
	})
	if len(series) > c.limit {
		series = series[len(series)-c.limit:]
	}
	c.series[tick.Symbol] = series
}

// Seed preloads historical candles for a symbol, newest last.
func (c *CandleCache) Seed(symbol string, candles []exchange.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	series := append([]exchange.Candle(nil), candles...)
	if len(series) > c.limit {
		series = series[len(series)-c.limit:]
	}
	c.series[symbol] = series
}

// Candles returns a copy of the symbol's trailing window, oldest first.
func (c *CandleCache) Candles(symbol string) []exchange.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange.Candle(nil), c.series[symbol]...)
}
