package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderFilled, 4)
	defer unsub()

	bus.Publish(EventOrderFilled, OrderUpdate{OrderID: "o-1", Status: "FILLED"})

	select {
	case got := <-ch:
		upd, ok := got.(OrderUpdate)
		if !ok || upd.OrderID != "o-1" {
			t.Fatalf("payload = %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventPriceTick, PriceTick{Price: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestTypedSubscribeDeliversAndFilters(t *testing.T) {
	bus := NewBus()
	ticks, unsub := bus.SubscribeTicks(4)
	defer unsub()

	// A payload of the wrong type on the same topic is dropped, not delivered.
	bus.Publish(EventPriceTick, "not a tick")
	bus.Publish(EventPriceTick, PriceTick{Symbol: "BTCUSDT", Price: 50000})

	select {
	case tick := <-ticks:
		if tick.Symbol != "BTCUSDT" || tick.Price != 50000 {
			t.Fatalf("tick = %+v", tick)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick delivered")
	}

	orders, unsubOrders := bus.SubscribeOrders(EventOrderSubmitted, 4)
	defer unsubOrders()
	bus.Publish(EventOrderSubmitted, OrderUpdate{OrderID: "o-1", VenueLatencyMs: 7})
	select {
	case u := <-orders:
		if u.OrderID != "o-1" || u.VenueLatencyMs != 7 {
			t.Fatalf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no order update delivered")
	}
}

func TestTypedUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	drifts, unsub := bus.SubscribeDrift(1)
	unsub()

	select {
	case _, open := <-drifts:
		if open {
			t.Fatal("typed channel delivered after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("typed channel not closed after unsubscribe")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSignalAccepted, 1)
	unsub()

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing to a topic with no subscribers must be a no-op.
	bus.Publish(EventSignalAccepted, SignalVerdict{Symbol: "BTCUSDT"})
}
