package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Gateway with a token-bucket limiter so bursts of
// submissions, polls and cancels stay inside the venue's request budget.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimited builds a rate-limited gateway allowing rps requests per
// second with the given burst.
func NewRateLimited(inner Gateway, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (g *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}
	return g.inner.PlaceOrder(ctx, req)
}

func (g *RateLimited) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.inner.CancelOrder(ctx, orderID, symbol)
}

func (g *RateLimited) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Ticker{}, err
	}
	return g.inner.GetTicker(ctx, symbol)
}

func (g *RateLimited) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return OrderBook{}, err
	}
	return g.inner.GetOrderBook(ctx, symbol)
}

func (g *RateLimited) ModifyPositionStopLossTakeProfit(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.inner.ModifyPositionStopLossTakeProfit(ctx, symbol, stopLoss, takeProfit)
}

func (g *RateLimited) ListOpenOrders(ctx context.Context, symbol string) ([]OrderView, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.inner.ListOpenOrders(ctx, symbol)
}

func (g *RateLimited) GetOrder(ctx context.Context, orderID, symbol string) (OrderView, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return OrderView{}, err
	}
	return g.inner.GetOrder(ctx, orderID, symbol)
}
