package placement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"futures-worker/pkg/exchanges/binance/futures_usdt"
	"futures-worker/pkg/exchanges/common"
)

// binanceStub serves the endpoints a placement touches and records order forms.
type binanceStub struct {
	mu       sync.Mutex
	posts    []map[string]string
	deletes  []string
	rejectSL bool
}

func (b *binanceStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method + " " + r.URL.Path {
	case "GET /fapi/v1/time":
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
	case "GET /fapi/v1/exchangeInfo":
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":3,"filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`)
	case "GET /fapi/v2/balance":
		fmt.Fprint(w, `[{"asset":"USDT","balance":"1000","availableBalance":"1000"}]`)
	case "GET /fapi/v2/positionRisk":
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","positionSide":"BOTH","positionAmt":"0","leverage":"5"}]`)
	case "POST /fapi/v1/order":
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		b.mu.Lock()
		b.posts = append(b.posts, form)
		n := len(b.posts)
		b.mu.Unlock()
		if b.rejectSL && strings.HasSuffix(form["newClientOrderId"], "-sl") {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-2021,"msg":"Order would immediately trigger."}`)
			return
		}
		fmt.Fprintf(w, `{"orderId":%d,"clientOrderId":%q,"status":"NEW","symbol":"BTCUSDT"}`, 5000+n, form["newClientOrderId"])
	case "DELETE /fapi/v1/order":
		b.mu.Lock()
		b.deletes = append(b.deletes, r.URL.Query().Get("orderId"))
		b.mu.Unlock()
		fmt.Fprint(w, `{"status":"CANCELED"}`)
	case "GET /fapi/v1/order":
		fmt.Fprintf(w, `{"orderId":%s,"symbol":"BTCUSDT","status":"CANCELED","executedQty":"0","origQty":"0.010"}`, r.URL.Query().Get("orderId"))
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":-1,"msg":"unexpected path"}`)
	}
}

func newStubClient(t *testing.T, stub *binanceStub) *futures_usdt.Client {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return futures_usdt.NewClient(futures_usdt.Config{
		APIKey:            "k",
		APISecret:         "s",
		BaseURL:           srv.URL,
		RecvWindow:        5000,
		RetryBase:         time.Millisecond,
		RequestsPerSecond: 1000,
	})
}

func TestBTCUSDTLongPayloads(t *testing.T) {
	stub := &binanceStub{}
	h := newHarness(t, newStubClient(t, stub))

	if _, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot()); err != nil {
		t.Fatalf("PlaceTrio: %v", err)
	}
	if len(stub.posts) != 3 {
		t.Fatalf("POST /fapi/v1/order calls = %d, want 3", len(stub.posts))
	}

	want := []map[string]string{
		{"symbol": "BTCUSDT", "side": "BUY", "type": "LIMIT", "quantity": "0.249", "price": "121600", "timeInForce": "GTC"},
		{"symbol": "BTCUSDT", "side": "SELL", "type": "STOP_MARKET", "quantity": "0.249", "stopPrice": "121399.9", "reduceOnly": "true"},
		{"symbol": "BTCUSDT", "side": "SELL", "type": "TAKE_PROFIT_MARKET", "quantity": "0.249", "stopPrice": "121900", "reduceOnly": "true"},
	}
	for i, form := range stub.posts {
		for k, v := range want[i] {
			if form[k] != v {
				t.Fatalf("order %d %s = %q, want %q", i, k, form[k], v)
			}
		}
		for k, v := range form {
			if v == "" || v == "null" {
				t.Fatalf("order %d sends empty field %s", i, k)
			}
		}
		if _, ok := form["closePosition"]; ok {
			t.Fatalf("order %d sends closePosition", i)
		}
		if form["signature"] == "" {
			t.Fatalf("order %d unsigned", i)
		}
	}
}

func TestStopRejectedKeepsRawCodeAndCancelsEntry(t *testing.T) {
	stub := &binanceStub{rejectSL: true}
	h := newHarness(t, newStubClient(t, stub))

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, common.ErrBadRequest) || !errors.Is(err, ErrPlacementFailed) {
		t.Fatalf("err = %v", err)
	}
	var xerr *common.ExchangeError
	if !errors.As(err, &xerr) || xerr.Code != -2021 || xerr.Status != http.StatusBadRequest {
		t.Fatalf("exchange error = %+v", xerr)
	}
	if len(stub.deletes) != 1 || stub.deletes[0] != "5001" {
		t.Fatalf("cancels = %v, want [5001]", stub.deletes)
	}
}
