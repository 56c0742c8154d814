package futures_usdt

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FuturesBalance is one asset row of /fapi/v2/balance.
type FuturesBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// PositionRisk is one row of /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	Leverage     string `json:"leverage"`
}

// GetBalance returns futures balances.
func (c *Client) GetBalance(ctx context.Context) ([]FuturesBalance, error) {
	body, err := c.signedRead(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return nil, err
	}
	var bal []FuturesBalance
	if err := decode(body, &bal); err != nil {
		return nil, err
	}
	return bal, nil
}

// GetAvailableBalance returns the available balance of asset (zero when absent).
func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	bal, err := c.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range bal {
		if strings.EqualFold(b.Asset, asset) {
			return parseDecimal(b.AvailableBalance), nil
		}
	}
	return decimal.Zero, nil
}

// GetPositions returns the position risk view; symbol optional.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := c.signedRead(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := decode(body, &pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// GetLeverage returns the configured leverage for symbol, 0 when unknown.
func (c *Client) GetLeverage(ctx context.Context, symbol string) (int, error) {
	pos, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return 0, err
	}
	for _, p := range pos {
		if strings.EqualFold(p.Symbol, symbol) {
			n, _ := strconv.Atoi(p.Leverage)
			return n, nil
		}
	}
	return 0, nil
}

// GetPositionAmount returns the signed net position for symbol.
func (c *Client) GetPositionAmount(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pos, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range pos {
		if strings.EqualFold(p.Symbol, symbol) {
			total = total.Add(parseDecimal(p.PositionAmt))
		}
	}
	return total, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return invalid("leverage", "must be between 1 and 125")
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.signedWrite(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}
