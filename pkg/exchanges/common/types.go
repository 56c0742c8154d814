package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes USDT-M futures order types.
type OrderType string

const (
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeStop               OrderType = "STOP"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfit         OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTX TimeInForce = "GTX" // Post Only
	TIFGTD TimeInForce = "GTD" // Good Till Date
)

// PositionSide is LONG/SHORT in hedge mode, BOTH in one-way mode.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// WorkingType selects the trigger price source for conditional orders.
type WorkingType string

const (
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to the exchange.
// Zero decimals and empty strings mean "absent" and are never sent.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // LIMIT, STOP, TAKE_PROFIT
	StopPrice     decimal.Decimal // STOP*, TAKE_PROFIT*
	TimeInForce   TimeInForce
	PositionSide  PositionSide
	WorkingType   WorkingType
	ReduceOnly    bool
	ClosePosition bool
	PriceProtect  bool
	ClientID      string
}

// OrderResult is the exchange acknowledgment of a placed order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	RawStatus       string
}

// OrderState is a point-in-time view of an order on the exchange.
type OrderState struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Status          OrderStatus
	RawStatus       string
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	UpdatedAt       time.Time
}

// SymbolFilter holds the rounding rules of a symbol.
type SymbolFilter struct {
	Symbol            string
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinQty            decimal.Decimal
	MinNotional       decimal.Decimal
	PricePrecision    int32
	QuantityPrecision int32
	Degraded          bool
	FetchedAt         time.Time
}

// RoundPrice floors a price to the tick size.
func (f SymbolFilter) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return floorToStep(p, f.TickSize)
}

// RoundQty floors a quantity to the step size.
func (f SymbolFilter) RoundQty(q decimal.Decimal) decimal.Decimal {
	return floorToStep(q, f.StepSize)
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// PrecisionStep converts a precision (digits) into a step, e.g. 3 -> 0.001.
func PrecisionStep(digits int32) decimal.Decimal {
	return decimal.New(1, -digits)
}
