// Package monitor collects runtime metrics from the event bus and exposes
// point-in-time snapshots over the control API.
package monitor

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"decision-core/internal/events"
)

// Collector feeds Metrics counters from bus events so the rest of the core
// does not need a metrics dependency.
type Collector struct {
	bus     *events.Bus
	metrics *Metrics
	logger  zerolog.Logger
}

// NewCollector builds a collector over the given bus and metrics.
func NewCollector(bus *events.Bus, metrics *Metrics) *Collector {
	return &Collector{
		bus:     bus,
		metrics: metrics,
		logger:  log.With().Str("component", "monitor").Logger(),
	}
}

// Start subscribes to the counted topics. Consumers exit when ctx ends.
func (c *Collector) Start(ctx context.Context) {
	if c.bus == nil || c.metrics == nil {
		c.logger.Warn().Msg("collector not fully configured; skipping start")
		return
	}

	ticks, unsubTicks := c.bus.SubscribeTicks(64)
	drain(ctx, ticks, unsubTicks, func(events.PriceTick) {
		c.metrics.IncrementTicks()
	})

	accepted, unsubAccepted := c.bus.SubscribeVerdicts(events.EventSignalAccepted, 64)
	drain(ctx, accepted, unsubAccepted, func(events.SignalVerdict) {
		c.metrics.IncrementSignalsEvaluated()
		c.metrics.IncrementSignalsAccepted()
	})
	rejected, unsubRejected := c.bus.SubscribeVerdicts(events.EventSignalRejected, 64)
	drain(ctx, rejected, unsubRejected, func(events.SignalVerdict) {
		c.metrics.IncrementSignalsEvaluated()
	})

	submitted, unsubSubmitted := c.bus.SubscribeOrders(events.EventOrderSubmitted, 64)
	drain(ctx, submitted, unsubSubmitted, func(u events.OrderUpdate) {
		c.metrics.IncrementOrdersSubmitted()
		if u.VenueLatencyMs > 0 {
			c.metrics.SubmitLatency.Record(u.VenueLatencyMs)
		}
	})
	filled, unsubFilled := c.bus.SubscribeOrders(events.EventOrderFilled, 64)
	drain(ctx, filled, unsubFilled, func(u events.OrderUpdate) {
		c.metrics.IncrementOrdersFilled()
		if u.FillLatencyMs > 0 {
			c.metrics.ExecutionLatency.Record(u.FillLatencyMs)
		}
	})
	rejectedOrders, unsubRejOrders := c.bus.SubscribeOrders(events.EventOrderRejected, 64)
	drain(ctx, rejectedOrders, unsubRejOrders, func(events.OrderUpdate) {
		c.metrics.IncrementOrdersRejected()
		c.metrics.IncrementErrors()
	})

	drifts, unsubDrifts := c.bus.SubscribeDrift(64)
	drain(ctx, drifts, unsubDrifts, func(events.DriftCorrection) {
		c.metrics.IncrementDriftCorrections()
	})
}

func drain[T any](ctx context.Context, ch <-chan T, unsub func(), fn func(T)) {
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				fn(v)
			}
		}
	}()
}
