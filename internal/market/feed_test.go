package market

import (
	"context"
	"testing"
	"time"

	"decision-core/internal/events"
	"decision-core/pkg/exchange"
)

func TestPollPublishesAndCachesTicks(t *testing.T) {
	mock := exchange.NewMock("mock")
	mock.SetTicker(exchange.Ticker{Symbol: "BTCUSDT", Last: 50000})
	bus := events.NewBus()

	ch, unsub := bus.Subscribe(events.EventPriceTick, 8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewFeed(mock, bus, "mock", []string{"BTCUSDT"}, 5*time.Millisecond)
	feed.Start(ctx)

	select {
	case payload := <-ch:
		tick, ok := payload.(events.PriceTick)
		if !ok {
			t.Fatalf("payload type %T", payload)
		}
		if tick.Symbol != "BTCUSDT" || tick.Price != 50000 || tick.Venue != "mock" {
			t.Fatalf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick published")
	}

	cached, ok := feed.Last("BTCUSDT")
	if !ok || cached.Price != 50000 {
		t.Fatalf("cached tick = %+v, %v", cached, ok)
	}
	if _, ok := feed.Last("ETHUSDT"); ok {
		t.Fatal("unknown symbol cached")
	}
}

func TestSyntheticFeedSeedsMockVenue(t *testing.T) {
	mock := exchange.NewMock("mock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := &SyntheticFeed{
		Mock:       mock,
		Symbols:    []string{"BTCUSDT"},
		StartPrice: 100,
		Step:       0.5,
		Interval:   2 * time.Millisecond,
	}
	feed.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ticker, err := mock.GetTicker(ctx, "BTCUSDT")
		if err == nil {
			if ticker.Last <= 0 {
				t.Fatalf("non-positive synthetic price %.4f", ticker.Last)
			}
			if _, err := mock.GetOrderBook(ctx, "BTCUSDT"); err != nil {
				t.Fatalf("book not seeded: %v", err)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("synthetic feed never seeded the mock venue")
}
