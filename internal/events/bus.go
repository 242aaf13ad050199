// Package events is a lightweight in-process pub/sub broker connecting the
// decision pipeline stages.
package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers asynchronously to avoid blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// subscribeAs wraps Subscribe with a typed channel. Payloads of another type
// are dropped. The returned channel closes when the subscription is removed.
func subscribeAs[T any](b *Bus, e Event, buffer int) (<-chan T, func()) {
	raw, unsub := b.Subscribe(e, buffer)
	out := make(chan T, buffer)
	go func() {
		defer close(out)
		for payload := range raw {
			v, ok := payload.(T)
			if !ok {
				continue
			}
			select {
			case out <- v:
			default:
			}
		}
	}()
	return out, unsub
}

// SubscribeTicks returns a typed subscription to EventPriceTick.
func (b *Bus) SubscribeTicks(buffer int) (<-chan PriceTick, func()) {
	return subscribeAs[PriceTick](b, EventPriceTick, buffer)
}

// SubscribeOrders returns a typed subscription to one of the order.* topics.
func (b *Bus) SubscribeOrders(e Event, buffer int) (<-chan OrderUpdate, func()) {
	return subscribeAs[OrderUpdate](b, e, buffer)
}

// SubscribeVerdicts returns a typed subscription to one of the signal.* topics.
func (b *Bus) SubscribeVerdicts(e Event, buffer int) (<-chan SignalVerdict, func()) {
	return subscribeAs[SignalVerdict](b, e, buffer)
}

// SubscribeDrift returns a typed subscription to EventReconcileDrift.
func (b *Bus) SubscribeDrift(buffer int) (<-chan DriftCorrection, func()) {
	return subscribeAs[DriftCorrection](b, EventReconcileDrift, buffer)
}
