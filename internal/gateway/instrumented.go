package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/internal/metrics"
	"futures-worker/pkg/exchanges/common"
)

// instrumentedClient records latency and error classes for every exchange
// call. An authentication failure evicts the client so a rotated credential
// is picked up on the next resolve.
type instrumentedClient struct {
	common.TradingClient
	metrics     *metrics.Metrics
	onAuthError func()
}

// Unwrap returns the underlying client.
func (c *instrumentedClient) Unwrap() common.TradingClient { return c.TradingClient }

func (c *instrumentedClient) observe(start time.Time, err error) {
	c.metrics.ExchangeLatency.RecordDuration(time.Since(start))
	if err == nil {
		return
	}
	c.metrics.IncExchangeError(common.ErrorClass(err))
	if errors.Is(err, common.ErrAuth) && c.onAuthError != nil {
		c.onAuthError()
	}
}

func (c *instrumentedClient) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	start := time.Now()
	res, err := c.TradingClient.PlaceOrder(ctx, req)
	c.observe(start, err)
	return res, err
}

func (c *instrumentedClient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	start := time.Now()
	err := c.TradingClient.CancelOrder(ctx, symbol, exchangeOrderID)
	c.observe(start, err)
	return err
}

func (c *instrumentedClient) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	start := time.Now()
	st, err := c.TradingClient.GetOrderStatus(ctx, symbol, exchangeOrderID)
	c.observe(start, err)
	return st, err
}

func (c *instrumentedClient) LookupByClientID(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	start := time.Now()
	st, err := c.TradingClient.LookupByClientID(ctx, symbol, clientID)
	c.observe(start, err)
	return st, err
}

func (c *instrumentedClient) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilter, error) {
	start := time.Now()
	f, err := c.TradingClient.GetSymbolFilters(ctx, symbol)
	c.observe(start, err)
	return f, err
}

func (c *instrumentedClient) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	start := time.Now()
	bal, err := c.TradingClient.GetAvailableBalance(ctx, asset)
	c.observe(start, err)
	return bal, err
}

func (c *instrumentedClient) GetLeverage(ctx context.Context, symbol string) (int, error) {
	start := time.Now()
	lev, err := c.TradingClient.GetLeverage(ctx, symbol)
	c.observe(start, err)
	return lev, err
}

func (c *instrumentedClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	start := time.Now()
	err := c.TradingClient.SetLeverage(ctx, symbol, leverage)
	c.observe(start, err)
	return err
}

// Ping checks connectivity when the underlying client supports it.
func (c *instrumentedClient) Ping(ctx context.Context) error {
	p, ok := c.TradingClient.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
