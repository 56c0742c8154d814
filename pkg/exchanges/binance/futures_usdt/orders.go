package futures_usdt

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/pkg/exchanges/common"
)

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o orderResp) state() common.OrderState {
	return common.OrderState{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Status:          mapStatus(o.Status),
		RawStatus:       o.Status,
		OrigQty:         parseDecimal(o.OrigQty),
		ExecutedQty:     parseDecimal(o.ExecutedQty),
		AvgPrice:        parseDecimal(o.AvgPrice),
		UpdatedAt:       time.UnixMilli(o.UpdateTime),
	}
}

// PlaceOrder validates, normalizes and submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	req = normalize(req)
	if err := validate(req, c.cfg.HedgeMode); err != nil {
		return common.OrderResult{}, err
	}
	body, err := c.signedWrite(ctx, http.MethodPost, "/fapi/v1/order", orderParams(req))
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := decode(body, &resp); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		RawStatus:       resp.Status,
	}, nil
}

// TestOrder runs the same validation against the exchange's test endpoint.
// Nothing reaches the matching engine.
func (c *Client) TestOrder(ctx context.Context, req common.OrderRequest) error {
	req = normalize(req)
	if err := validate(req, c.cfg.HedgeMode); err != nil {
		return err
	}
	_, err := c.signedWrite(ctx, http.MethodPost, "/fapi/v1/order/test", orderParams(req))
	return err
}

// CancelOrder cancels an order by symbol and exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return invalid("orderId", "required")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", exchangeOrderID)
	_, err := c.signedWrite(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		log.Printf("binance usdt futures: cancel %s %s failed: %v", symbol, exchangeOrderID, err)
	}
	return err
}

// GetOrderStatus queries an order by exchange ID.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderState, error) {
	if exchangeOrderID == "" {
		return common.OrderState{}, invalid("orderId", "required")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", exchangeOrderID)
	return c.queryOrder(ctx, params)
}

// LookupByClientID queries an order by the client order id it was placed with.
func (c *Client) LookupByClientID(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	if clientID == "" {
		return common.OrderState{}, invalid("origClientOrderId", "required")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("origClientOrderId", clientID)
	return c.queryOrder(ctx, params)
}

func (c *Client) queryOrder(ctx context.Context, params url.Values) (common.OrderState, error) {
	body, err := c.signedRead(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderState{}, err
	}
	var resp orderResp
	if err := decode(body, &resp); err != nil {
		return common.OrderState{}, err
	}
	return resp.state(), nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
