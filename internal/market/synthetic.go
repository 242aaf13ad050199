package market

import (
	"context"
	"math/rand"
	"time"

	"decision-core/internal/events"
	"decision-core/pkg/exchange"
)

// SyntheticFeed drives a random walk into a mock venue for dry runs: each
// step reseeds the mock's tickers so trailing loops and smart routing see
// moving prices, and publishes the same tick on the bus.
type SyntheticFeed struct {
	Mock       *exchange.Mock
	Bus        *events.Bus
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

// Start launches the walk; it stops when ctx is cancelled.
func (s *SyntheticFeed) Start(ctx context.Context) {
	if len(s.Symbols) == 0 {
		s.Symbols = []string{"BTCUSDT"}
	}
	if s.StartPrice <= 0 {
		s.StartPrice = 100
	}
	if s.Step <= 0 {
		s.Step = 0.5
	}
	if s.Interval <= 0 {
		s.Interval = time.Second
	}

	prices := make(map[string]float64, len(s.Symbols))
	for _, sym := range s.Symbols {
		prices[sym] = s.StartPrice
	}

	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range s.Symbols {
					price := prices[sym] + (rand.Float64()*2-1)*s.Step
					if price <= 0 {
						price = s.Step
					}
					prices[sym] = price

					spread := price * 0.0002
					if s.Mock != nil {
						s.Mock.SetTicker(exchange.Ticker{
							Symbol: sym,
							Last:   price,
							High:   price + s.Step,
							Low:    price - s.Step,
						})
						s.Mock.SetBook(exchange.OrderBook{
							Symbol: sym,
							Bids:   []exchange.PriceLevel{{Price: price - spread, Qty: 100}},
							Asks:   []exchange.PriceLevel{{Price: price + spread, Qty: 100}},
						})
					}
					if s.Bus != nil {
						s.Bus.Publish(events.EventPriceTick, events.PriceTick{
							Venue:  "mock",
							Symbol: sym,
							Price:  price,
							Bid:    price - spread,
							Ask:    price + spread,
							Time:   time.Now().UTC(),
						})
					}
				}
			}
		}
	}()
}
