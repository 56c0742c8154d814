// Package exchangetest provides an in-memory common.TradingClient for tests.
package exchangetest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"futures-worker/pkg/exchanges/common"
)

// Call is one recorded client invocation.
type Call struct {
	Method string
	Symbol string
	ID     string
	Req    common.OrderRequest
}

// Client records every call and keeps orders in memory. Zero value is not
// usable; call New.
type Client struct {
	mu sync.Mutex

	Filter   common.SymbolFilter
	Balance  decimal.Decimal
	Leverage int
	Hedge    bool

	// FailPlace fails PlaceOrder for client ids ending in "-<suffix>".
	FailPlace map[string]error
	// PlacedOnAmbiguous creates the order even when FailPlace returns an
	// ambiguous outcome, as a timed-out request that reached the exchange.
	PlacedOnAmbiguous bool
	// PartialOnPlace starts orders whose client id ends in "-<suffix>" as
	// PARTIALLY_FILLED with the given executed quantity.
	PartialOnPlace map[string]decimal.Decimal
	// FailCancel fails CancelOrder for the given exchange order id.
	FailCancel map[string]error
	// FailStatus fails GetOrderStatus for the given exchange order id.
	FailStatus map[string]error
	// FailAll fails every call with the error, e.g. common.ErrAuth.
	FailAll error

	orders map[string]*common.OrderState
	calls  []Call
	nextID int
}

// New returns a client with a BTCUSDT-like filter and 1000 USDT available.
func New() *Client {
	return &Client{
		Filter: common.SymbolFilter{
			TickSize:    decimal.RequireFromString("0.1"),
			StepSize:    decimal.RequireFromString("0.001"),
			MinQty:      decimal.RequireFromString("0.001"),
			MinNotional: decimal.RequireFromString("5"),
		},
		Balance:    decimal.NewFromInt(1000),
		Leverage:   5,
		FailPlace:      map[string]error{},
		PartialOnPlace: map[string]decimal.Decimal{},
		FailCancel:     map[string]error{},
		FailStatus:     map[string]error{},
		orders:         map[string]*common.OrderState{},
		nextID:         1000,
	}
}

func (c *Client) record(call Call) {
	c.calls = append(c.calls, call)
}

// Calls returns the recorded calls for method, or all calls when method is empty.
func (c *Client) Calls(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if method == "" || call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Count returns the number of calls to method.
func (c *Client) Count(method string) int { return len(c.Calls(method)) }

// Seed inserts an order directly and returns its exchange id.
func (c *Client) Seed(clientID, symbol string, status common.OrderStatus) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.add(clientID, symbol, status)
}

func (c *Client) add(clientID, symbol string, status common.OrderStatus) string {
	c.nextID++
	id := strconv.Itoa(c.nextID)
	c.orders[id] = &common.OrderState{
		ExchangeOrderID: id,
		ClientID:        clientID,
		Symbol:          symbol,
		Status:          status,
		RawStatus:       string(status),
	}
	return id
}

// SetStatus changes an order as if the exchange moved it.
func (c *Client) SetStatus(id string, status common.OrderStatus, executed decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[id]; ok {
		o.Status = status
		o.RawStatus = string(status)
		o.ExecutedQty = executed
	}
}

// Remove drops an order so the exchange no longer knows it.
func (c *Client) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, id)
}

// Order returns the in-memory order.
func (c *Client) Order(id string) (common.OrderState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if !ok {
		return common.OrderState{}, false
	}
	return *o, true
}

// LiveOrders returns the number of orders still working.
func (c *Client) LiveOrders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.orders {
		if o.Status == common.StatusNew || o.Status == common.StatusPartial {
			n++
		}
	}
	return n
}

func notFound(op string) error {
	return &common.ExchangeError{Class: common.ErrNotFound, Op: op, Status: 400, Code: -2011, Message: "Unknown order sent."}
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "PlaceOrder", Symbol: req.Symbol, ID: req.ClientID, Req: req})
	if c.FailAll != nil {
		return common.OrderResult{}, c.FailAll
	}
	if i := strings.LastIndex(req.ClientID, "-"); i >= 0 {
		if err := c.FailPlace[req.ClientID[i+1:]]; err != nil {
			if c.PlacedOnAmbiguous && errors.Is(err, common.ErrAmbiguousOutcome) {
				c.add(req.ClientID, req.Symbol, common.StatusNew)
			}
			return common.OrderResult{}, err
		}
	}
	id := c.add(req.ClientID, req.Symbol, common.StatusNew)
	if i := strings.LastIndex(req.ClientID, "-"); i >= 0 {
		if qty, ok := c.PartialOnPlace[req.ClientID[i+1:]]; ok {
			c.orders[id].Status = common.StatusPartial
			c.orders[id].RawStatus = string(common.StatusPartial)
			c.orders[id].ExecutedQty = qty
		}
	}
	return common.OrderResult{ExchangeOrderID: id, ClientID: req.ClientID, Status: common.StatusNew, RawStatus: "NEW"}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "CancelOrder", Symbol: symbol, ID: id})
	if c.FailAll != nil {
		return c.FailAll
	}
	if err := c.FailCancel[id]; err != nil {
		return err
	}
	o, ok := c.orders[id]
	if !ok || (o.Status != common.StatusNew && o.Status != common.StatusPartial) {
		return notFound("cancel order")
	}
	o.Status = common.StatusCanceled
	o.RawStatus = "CANCELED"
	return nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, id string) (common.OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "GetOrderStatus", Symbol: symbol, ID: id})
	if c.FailAll != nil {
		return common.OrderState{}, c.FailAll
	}
	if err := c.FailStatus[id]; err != nil {
		return common.OrderState{}, err
	}
	o, ok := c.orders[id]
	if !ok {
		return common.OrderState{}, notFound("query order")
	}
	return *o, nil
}

func (c *Client) LookupByClientID(ctx context.Context, symbol, clientID string) (common.OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "LookupByClientID", Symbol: symbol, ID: clientID})
	if c.FailAll != nil {
		return common.OrderState{}, c.FailAll
	}
	for _, o := range c.orders {
		if o.ClientID == clientID {
			return *o, nil
		}
	}
	return common.OrderState{}, notFound("query order")
}

func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "GetSymbolFilters", Symbol: symbol})
	if c.FailAll != nil {
		return common.SymbolFilter{}, c.FailAll
	}
	f := c.Filter
	f.Symbol = symbol
	return f, nil
}

func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "GetAvailableBalance", ID: asset})
	if c.FailAll != nil {
		return decimal.Zero, c.FailAll
	}
	return c.Balance, nil
}

func (c *Client) GetLeverage(ctx context.Context, symbol string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "GetLeverage", Symbol: symbol})
	if c.FailAll != nil {
		return 0, c.FailAll
	}
	return c.Leverage, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "SetLeverage", Symbol: symbol, ID: strconv.Itoa(leverage)})
	if c.FailAll != nil {
		return c.FailAll
	}
	c.Leverage = leverage
	return nil
}

func (c *Client) HedgeMode() bool { return c.Hedge }

var _ common.TradingClient = (*Client)(nil)
