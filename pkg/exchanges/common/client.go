package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// TradingClient is an authenticated futures account on one venue.
type TradingClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderState, error)
	LookupByClientID(ctx context.Context, symbol, clientID string) (OrderState, error)
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilter, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetLeverage(ctx context.Context, symbol string) (int, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	HedgeMode() bool
}
