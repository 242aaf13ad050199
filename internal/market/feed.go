// Package market feeds prices into the decision core: a polling feed over the
// exchange gateway, an optional websocket stream, and a synthetic feed for
// dry runs.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/events"
	"decision-core/pkg/exchange"
	"decision-core/pkg/stream"
)

// Feed publishes price ticks on the event bus and caches the latest tick per
// symbol. Polling over the gateway is always on; a websocket stream, when
// configured, supplies lower-latency ticks on top.
type Feed struct {
	gw       exchange.Gateway
	bus      *events.Bus
	stream   *stream.Client
	venue    string
	symbols  []string
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.RWMutex
	last map[string]events.PriceTick
}

// NewFeed builds a polling feed. interval defaults to 5s when non-positive.
func NewFeed(gw exchange.Gateway, bus *events.Bus, venue string, symbols []string, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Feed{
		gw:       gw,
		bus:      bus,
		venue:    venue,
		symbols:  symbols,
		interval: interval,
		logger:   log.With().Str("component", "market_feed").Logger(),
		last:     make(map[string]events.PriceTick),
	}
}

// WithStream attaches a websocket stream client. Must be called before Start.
func (f *Feed) WithStream(c *stream.Client) *Feed {
	f.stream = c
	return f
}

// Start launches the polling loop and, when a stream client is attached, one
// subscription per symbol. All loops exit when ctx is cancelled.
func (f *Feed) Start(ctx context.Context) {
	if f.stream != nil {
		for _, symbol := range f.symbols {
			ch, stop, err := f.stream.Subscribe(ctx, stream.BinanceTickerPath(symbol))
			if err != nil {
				f.logger.Warn().Str("symbol", symbol).Err(err).Msg("stream subscribe failed; polling only")
				continue
			}
			go f.bridge(ctx, ch, stop)
		}
	}
	go f.poll(ctx)
}

// Last returns the most recent tick seen for symbol.
func (f *Feed) Last(symbol string) (events.PriceTick, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tick, ok := f.last[symbol]
	return tick, ok
}

func (f *Feed) poll(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range f.symbols {
				t, err := f.gw.GetTicker(ctx, symbol)
				if err != nil {
					if ctx.Err() == nil {
						f.logger.Warn().Str("symbol", symbol).Err(err).Msg("ticker poll failed")
					}
					continue
				}
				f.publish(events.PriceTick{
					Venue:  f.venue,
					Symbol: t.Symbol,
					Price:  t.Last,
					Time:   time.Now().UTC(),
				})
			}
		}
	}
}

func (f *Feed) bridge(ctx context.Context, ch <-chan stream.Tick, stop func()) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ch:
			if !ok {
				return
			}
			f.publish(events.PriceTick{
				Venue:  f.venue,
				Symbol: tick.Symbol,
				Price:  tick.Price,
				Bid:    tick.Bid,
				Ask:    tick.Ask,
				Time:   tick.Time,
			})
		}
	}
}

func (f *Feed) publish(tick events.PriceTick) {
	f.mu.Lock()
	f.last[tick.Symbol] = tick
	f.mu.Unlock()
	if f.bus != nil {
		f.bus.Publish(events.EventPriceTick, tick)
	}
}
