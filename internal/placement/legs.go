package placement

import (
	"strings"

	"github.com/shopspring/decimal"

	"futures-worker/internal/store"
	"futures-worker/pkg/exchanges/common"
)

// Signal sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Arm is a validated ARM signal as the placement service sees it.
type Arm struct {
	Symbol    string
	Timeframe string
	Side      string
	Trigger   decimal.Decimal
	Stop      decimal.Decimal
	SourceTs  int64
}

// Validate rejects malformed signals before any exchange call.
func (a Arm) Validate() error {
	switch {
	case a.Symbol == "":
		return &common.ValidationError{Field: "sym", Reason: "required"}
	case a.Side != SideLong && a.Side != SideShort:
		return &common.ValidationError{Field: "side", Reason: "must be long or short"}
	case !a.Trigger.IsPositive():
		return &common.ValidationError{Field: "trigger", Reason: "must be positive"}
	case !a.Stop.IsPositive():
		return &common.ValidationError{Field: "stop", Reason: "must be positive"}
	case a.Side == SideLong && !a.Stop.LessThan(a.Trigger):
		return &common.ValidationError{Field: "stop", Reason: "must be below trigger for a long"}
	case a.Side == SideShort && !a.Stop.GreaterThan(a.Trigger):
		return &common.ValidationError{Field: "stop", Reason: "must be above trigger for a short"}
	}
	return nil
}

// EntrySide returns the order side opening the position.
func (a Arm) EntrySide() common.Side {
	if a.Side == SideShort {
		return common.SideSell
	}
	return common.SideBuy
}

var roleSuffix = map[store.Role]string{
	store.RoleEntry:      "en",
	store.RoleStop:       "sl",
	store.RoleTakeProfit: "tp",
}

// ClientOrderID is the deterministic newClientOrderId of a leg, at most 36 chars.
func ClientOrderID(trioID string, role store.Role) string {
	compact := strings.ReplaceAll(trioID, "-", "")
	if len(compact) > 24 {
		compact = compact[:24]
	}
	return "fw" + compact + "-" + roleSuffix[role]
}

type legPlan struct {
	role store.Role
	req  common.OrderRequest
}

type legParams struct {
	trioID    string
	arm       Arm
	qty       decimal.Decimal
	stop      decimal.Decimal
	tp        decimal.Decimal
	filter    common.SymbolFilter
	hedge     bool
	entryType common.OrderType
}

// buildLegs returns the entry, stop and take-profit requests in submission order.
func buildLegs(p legParams) []legPlan {
	open := p.arm.EntrySide()
	closeSide := open.Opposite()

	var positionSide common.PositionSide
	if p.hedge {
		positionSide = common.PositionLong
		if p.arm.Side == SideShort {
			positionSide = common.PositionShort
		}
	}

	entry := common.OrderRequest{
		Symbol:       p.arm.Symbol,
		Side:         open,
		Type:         p.entryType,
		Qty:          p.qty,
		PositionSide: positionSide,
		ClientID:     ClientOrderID(p.trioID, store.RoleEntry),
	}
	trigger := p.filter.RoundPrice(p.arm.Trigger)
	if p.entryType == common.OrderTypeStopMarket {
		entry.StopPrice = trigger
		entry.WorkingType = common.WorkingMarkPrice
	} else {
		entry.Type = common.OrderTypeLimit
		entry.Price = trigger
		entry.TimeInForce = common.TIFGTC
	}

	bracket := func(role store.Role, typ common.OrderType, price decimal.Decimal) common.OrderRequest {
		return common.OrderRequest{
			Symbol:       p.arm.Symbol,
			Side:         closeSide,
			Type:         typ,
			Qty:          p.qty,
			StopPrice:    p.filter.RoundPrice(price),
			PositionSide: positionSide,
			WorkingType:  common.WorkingMarkPrice,
			ReduceOnly:   !p.hedge,
			ClientID:     ClientOrderID(p.trioID, role),
		}
	}

	return []legPlan{
		{role: store.RoleEntry, req: entry},
		{role: store.RoleStop, req: bracket(store.RoleStop, common.OrderTypeStopMarket, p.stop)},
		{role: store.RoleTakeProfit, req: bracket(store.RoleTakeProfit, common.OrderTypeTakeProfitMarket, p.tp)},
	}
}

func (lp legPlan) storeLeg() store.Leg {
	return store.Leg{
		Role:           lp.role,
		ClientOrderID:  lp.req.ClientID,
		Side:           string(lp.req.Side),
		OrderType:      string(lp.req.Type),
		RequestedQty:   lp.req.Qty,
		RequestedPrice: lp.req.Price,
		StopPrice:      lp.req.StopPrice,
	}
}
