package futures_usdt

import (
	"net/url"
	"strconv"
	"strings"

	"futures-worker/pkg/exchanges/common"
)

var (
	validSides = map[common.Side]bool{common.SideBuy: true, common.SideSell: true}
	validTypes = map[common.OrderType]bool{
		common.OrderTypeLimit:              true,
		common.OrderTypeMarket:             true,
		common.OrderTypeStop:               true,
		common.OrderTypeStopMarket:         true,
		common.OrderTypeTakeProfit:         true,
		common.OrderTypeTakeProfitMarket:   true,
		common.OrderTypeTrailingStopMarket: true,
	}
	validTIF = map[common.TimeInForce]bool{
		common.TIFGTC: true, common.TIFIOC: true, common.TIFFOK: true, common.TIFGTX: true, common.TIFGTD: true,
	}
	validPositionSides = map[common.PositionSide]bool{
		common.PositionBoth: true, common.PositionLong: true, common.PositionShort: true,
	}
	validWorkingTypes = map[common.WorkingType]bool{
		common.WorkingContractPrice: true, common.WorkingMarkPrice: true,
	}
)

func invalid(field, reason string) error {
	return &common.ValidationError{Field: field, Reason: reason}
}

// normalize upper-cases the enum-like fields of req.
func normalize(req common.OrderRequest) common.OrderRequest {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = common.Side(strings.ToUpper(string(req.Side)))
	req.Type = common.OrderType(strings.ToUpper(string(req.Type)))
	req.TimeInForce = common.TimeInForce(strings.ToUpper(string(req.TimeInForce)))
	req.PositionSide = common.PositionSide(strings.ToUpper(string(req.PositionSide)))
	req.WorkingType = common.WorkingType(strings.ToUpper(string(req.WorkingType)))
	return req
}

// validate checks the request shape against the futures order API without any network call.
func validate(req common.OrderRequest, hedgeMode bool) error {
	if req.Symbol == "" {
		return invalid("symbol", "required")
	}
	if !validSides[req.Side] {
		return invalid("side", "unsupported value "+strconv.Quote(string(req.Side)))
	}
	if !validTypes[req.Type] {
		return invalid("type", "unsupported value "+strconv.Quote(string(req.Type)))
	}
	if req.TimeInForce != "" && !validTIF[req.TimeInForce] {
		return invalid("timeInForce", "unsupported value "+strconv.Quote(string(req.TimeInForce)))
	}
	if req.PositionSide != "" && !validPositionSides[req.PositionSide] {
		return invalid("positionSide", "unsupported value "+strconv.Quote(string(req.PositionSide)))
	}
	if req.WorkingType != "" && !validWorkingTypes[req.WorkingType] {
		return invalid("workingType", "unsupported value "+strconv.Quote(string(req.WorkingType)))
	}
	if hedgeMode && req.PositionSide != common.PositionLong && req.PositionSide != common.PositionShort {
		return invalid("positionSide", "LONG or SHORT required in hedge mode")
	}
	if req.Price.IsNegative() {
		return invalid("price", "must be positive")
	}
	if req.StopPrice.IsNegative() {
		return invalid("stopPrice", "must be positive")
	}

	switch req.Type {
	case common.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return invalid("price", "required for LIMIT")
		}
		if req.TimeInForce == "" {
			return invalid("timeInForce", "required for LIMIT")
		}
	case common.OrderTypeStop, common.OrderTypeTakeProfit:
		if !req.Price.IsPositive() {
			return invalid("price", "required for "+string(req.Type))
		}
		if !req.StopPrice.IsPositive() {
			return invalid("stopPrice", "required for "+string(req.Type))
		}
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		if !req.StopPrice.IsPositive() {
			return invalid("stopPrice", "required for "+string(req.Type))
		}
	}

	if req.ClosePosition {
		if req.Type != common.OrderTypeStopMarket && req.Type != common.OrderTypeTakeProfitMarket {
			return invalid("closePosition", "only allowed with STOP_MARKET or TAKE_PROFIT_MARKET")
		}
		if !req.Qty.IsZero() {
			return invalid("quantity", "must be absent with closePosition")
		}
		if req.ReduceOnly {
			return invalid("reduceOnly", "cannot be combined with closePosition")
		}
		return nil
	}
	if !req.Qty.IsPositive() {
		return invalid("quantity", "required and must be positive")
	}
	return nil
}

// orderParams serializes req the way the exchange signs it: exact decimal
// strings, literal booleans, and absent fields omitted.
func orderParams(req common.OrderRequest) url.Values {
	p := url.Values{}
	p.Set("symbol", req.Symbol)
	p.Set("side", string(req.Side))
	p.Set("type", string(req.Type))
	if !req.Qty.IsZero() {
		p.Set("quantity", req.Qty.String())
	}
	if !req.Price.IsZero() {
		p.Set("price", req.Price.String())
	}
	if !req.StopPrice.IsZero() {
		p.Set("stopPrice", req.StopPrice.String())
	}
	if req.TimeInForce != "" {
		p.Set("timeInForce", string(req.TimeInForce))
	}
	if req.PositionSide != "" {
		p.Set("positionSide", string(req.PositionSide))
	}
	if req.WorkingType != "" {
		p.Set("workingType", string(req.WorkingType))
	}
	if req.ReduceOnly {
		p.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		p.Set("closePosition", "true")
	}
	if req.PriceProtect {
		p.Set("priceProtect", "TRUE")
	}
	if req.ClientID != "" {
		p.Set("newClientOrderId", req.ClientID)
	}
	p.Set("newOrderRespType", "ACK")
	return p
}
