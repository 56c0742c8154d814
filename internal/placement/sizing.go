package placement

import (
	"github.com/shopspring/decimal"

	"futures-worker/pkg/db"
	"futures-worker/pkg/exchanges/common"
)

// SizingInput is everything the quantity calculation depends on.
type SizingInput struct {
	Mode            string
	Balance         decimal.Decimal
	RiskFraction    decimal.Decimal
	Leverage        int
	FixedNotional   decimal.Decimal
	BalancePct      decimal.Decimal
	MaxPositionUSDT decimal.Decimal
	Trigger         decimal.Decimal
	Stop            decimal.Decimal
	Filter          common.SymbolFilter
}

// SizingFromBot fills the bot-owned part of SizingInput.
func SizingFromBot(bot db.Bot) SizingInput {
	return SizingInput{
		Mode:            bot.SizingMode,
		RiskFraction:    bot.RiskFraction,
		Leverage:        bot.Leverage,
		FixedNotional:   bot.FixedNotional,
		BalancePct:      bot.BalancePct,
		MaxPositionUSDT: bot.MaxPositionUSDT,
	}
}

// Size returns the order quantity floored to the symbol step.
//
//	risk:           balance * riskFraction * leverage / |trigger - stop|
//	fixed_notional: fixedNotional / trigger
//	balance_pct:    balance * balancePct * leverage / trigger
//
// Every mode is capped at maxPositionUSDT of notional when set.
func Size(in SizingInput) (decimal.Decimal, error) {
	if !in.Trigger.IsPositive() {
		return decimal.Zero, &SizingError{Reason: "trigger must be positive"}
	}
	leverage := decimal.NewFromInt(int64(max(in.Leverage, 1)))

	var raw decimal.Decimal
	switch in.Mode {
	case "", db.SizingRisk:
		distance := in.Trigger.Sub(in.Stop).Abs()
		if distance.IsZero() {
			return decimal.Zero, &SizingError{Reason: "stop equals trigger"}
		}
		budget := in.Balance.Mul(in.RiskFraction)
		if !budget.IsPositive() {
			return decimal.Zero, &SizingError{Reason: "no risk budget"}
		}
		raw = budget.Mul(leverage).Div(distance)
	case db.SizingFixedNotional:
		if !in.FixedNotional.IsPositive() {
			return decimal.Zero, &SizingError{Reason: "fixed notional not configured"}
		}
		raw = in.FixedNotional.Div(in.Trigger)
	case db.SizingBalancePct:
		notional := in.Balance.Mul(in.BalancePct).Mul(leverage)
		if !notional.IsPositive() {
			return decimal.Zero, &SizingError{Reason: "no balance budget"}
		}
		raw = notional.Div(in.Trigger)
	default:
		return decimal.Zero, &SizingError{Reason: "unknown sizing mode " + in.Mode}
	}

	if in.MaxPositionUSDT.IsPositive() {
		capQty := in.MaxPositionUSDT.Div(in.Trigger)
		if raw.GreaterThan(capQty) {
			raw = capQty
		}
	}

	qty := in.Filter.RoundQty(raw)
	switch {
	case !qty.IsPositive():
		return qty, &SizingError{Reason: "quantity rounds to zero", Qty: qty}
	case in.Filter.MinQty.IsPositive() && qty.LessThan(in.Filter.MinQty):
		return qty, &SizingError{Reason: "below minimum quantity " + in.Filter.MinQty.String(), Qty: qty}
	case in.Filter.MinNotional.IsPositive() && qty.Mul(in.Trigger).LessThan(in.Filter.MinNotional):
		return qty, &SizingError{Reason: "below minimum notional " + in.Filter.MinNotional.String(), Qty: qty}
	}
	return qty, nil
}

// TakeProfitPrice returns trigger +/- r * |trigger - stop| for a long/short.
func TakeProfitPrice(side string, trigger, stop, r decimal.Decimal) decimal.Decimal {
	offset := trigger.Sub(stop).Abs().Mul(r)
	if side == SideShort {
		return trigger.Sub(offset)
	}
	return trigger.Add(offset)
}
