package placement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/internal/events"
	"futures-worker/internal/metrics"
	"futures-worker/internal/store"
	"futures-worker/pkg/db"
	"futures-worker/pkg/exchanges/common"
	"futures-worker/pkg/exchanges/exchangetest"
)

type staticResolver struct {
	client common.TradingClient
	err    error
}

func (r staticResolver) ResolveTradingClient(ctx context.Context, ref string) (common.TradingClient, error) {
	return r.client, r.err
}

type harness struct {
	svc     *Service
	store   *store.Store
	metrics *metrics.Metrics
	bus     *events.Bus
}

func newHarness(t *testing.T, client common.TradingClient) harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(database)
	m := metrics.New()
	bus := events.NewBus()
	svc := NewService(st, staticResolver{client: client}, bus, m, Options{CallTimeout: time.Second})
	return harness{svc: svc, store: st, metrics: m, bus: bus}
}

func testBot() db.Bot {
	return db.Bot{
		ID: "bot-1", Symbol: "BTCUSDT", Timeframe: "15m", SideWhitelist: "both", Leverage: 5,
		RiskFraction: dec("0.01"), SizingMode: db.SizingRisk, TPRMultiple: dec("1.5"),
		CredentialRef: "cred-1", Enabled: true,
	}
}

func btcArm() Arm {
	return Arm{Symbol: "BTCUSDT", Timeframe: "15m", Side: SideLong,
		Trigger: dec("121600.01"), Stop: dec("121399.99"), SourceTs: 1700000000000}
}

func onlyTrio(t *testing.T, st *store.Store) store.Trio {
	t.Helper()
	trios, err := st.ListTrios(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("list trios: %v", err)
	}
	if len(trios) != 1 {
		t.Fatalf("trios = %d, want 1", len(trios))
	}
	return trios[0]
}

func TestPlaceTrioAllLegsLive(t *testing.T) {
	fx := exchangetest.New()
	h := newHarness(t, fx)

	trio, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if err != nil {
		t.Fatalf("PlaceTrio: %v", err)
	}
	if trio.State != store.TrioLive {
		t.Fatalf("trio state = %s", trio.State)
	}
	for _, leg := range trio.Legs {
		if leg.State != store.LegLive || leg.ExchangeOrderID == "" {
			t.Fatalf("leg %s = %s id=%q", leg.Role, leg.State, leg.ExchangeOrderID)
		}
	}

	places := fx.Calls("PlaceOrder")
	if len(places) != 3 {
		t.Fatalf("PlaceOrder calls = %d, want 3", len(places))
	}
	wantTypes := []common.OrderType{common.OrderTypeLimit, common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket}
	wantSides := []common.Side{common.SideBuy, common.SideSell, common.SideSell}
	for i, call := range places {
		if call.Req.Type != wantTypes[i] || call.Req.Side != wantSides[i] {
			t.Fatalf("order %d = %s %s", i, call.Req.Side, call.Req.Type)
		}
		if i > 0 && !call.Req.ReduceOnly {
			t.Fatalf("bracket %d must be reduceOnly", i)
		}
	}
	if got := places[2].Req.StopPrice.String(); got != "121900" {
		t.Fatalf("tp price = %s, want 121900", got)
	}
	if fx.Count("SetLeverage") != 0 {
		t.Fatalf("leverage already matches, SetLeverage must not be called")
	}
	if fx.LiveOrders() != 3 {
		t.Fatalf("live orders = %d", fx.LiveOrders())
	}
	if snap := h.metrics.Snapshot(0); snap.TriosPlaced != 1 || snap.LegTransitions["LIVE"] != 3 {
		t.Fatalf("metrics = placed %d, live transitions %d", snap.TriosPlaced, snap.LegTransitions["LIVE"])
	}
}

func TestPlaceTrioShortHedgeMode(t *testing.T) {
	fx := exchangetest.New()
	fx.Hedge = true
	h := newHarness(t, fx)

	arm := Arm{Symbol: "BTCUSDT", Timeframe: "15m", Side: SideShort, Trigger: dec("50000"), Stop: dec("50500")}
	if _, err := h.svc.PlaceTrio(context.Background(), arm, testBot()); err != nil {
		t.Fatalf("PlaceTrio: %v", err)
	}
	places := fx.Calls("PlaceOrder")
	for i, call := range places {
		if call.Req.PositionSide != common.PositionShort {
			t.Fatalf("order %d positionSide = %q", i, call.Req.PositionSide)
		}
		if call.Req.ReduceOnly {
			t.Fatalf("order %d: reduceOnly is not sent in hedge mode", i)
		}
	}
	if places[0].Req.Side != common.SideSell || places[1].Req.Side != common.SideBuy {
		t.Fatalf("short entry must sell and bracket must buy")
	}
	if got := places[2].Req.StopPrice.String(); got != "49250" {
		t.Fatalf("short tp = %s, want 49250", got)
	}
}

func TestPlaceTrioSetsLeverageWhenDifferent(t *testing.T) {
	fx := exchangetest.New()
	h := newHarness(t, fx)
	bot := testBot()
	bot.Leverage = 10

	if _, err := h.svc.PlaceTrio(context.Background(), btcArm(), bot); err != nil {
		t.Fatalf("PlaceTrio: %v", err)
	}
	calls := fx.Calls("SetLeverage")
	if len(calls) != 1 || calls[0].ID != "10" {
		t.Fatalf("SetLeverage calls = %+v", calls)
	}
}

func TestStopFailureCancelsEntryOnly(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["sl"] = &common.ExchangeError{Class: common.ErrExchangeDown, Op: "place order", Status: 503}
	h := newHarness(t, fx)

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, ErrPlacementFailed) || !errors.Is(err, common.ErrExchangeDown) {
		t.Fatalf("err = %v", err)
	}
	cancels := fx.Calls("CancelOrder")
	if len(cancels) != 1 {
		t.Fatalf("cancels = %d, want exactly 1", len(cancels))
	}
	entryID := fx.Calls("PlaceOrder")[0].ID
	if o, ok := fx.Order(cancels[0].ID); !ok || o.ClientID != entryID {
		t.Fatalf("canceled %s, want the entry leg", cancels[0].ID)
	}
	if fx.LiveOrders() != 0 {
		t.Fatalf("live orders = %d, want 0", fx.LiveOrders())
	}

	trio := onlyTrio(t, h.store)
	if trio.State != store.TrioFailed {
		t.Fatalf("trio state = %s", trio.State)
	}
	want := map[store.Role]store.LegState{
		store.RoleEntry:      store.LegCanceled,
		store.RoleStop:       store.LegRejected,
		store.RoleTakeProfit: store.LegCanceled,
	}
	for _, leg := range trio.Legs {
		if leg.State != want[leg.Role] {
			t.Fatalf("leg %s = %s, want %s", leg.Role, leg.State, want[leg.Role])
		}
	}
}

func TestTakeProfitFailureCancelsEntryAndStop(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["tp"] = &common.ExchangeError{Class: common.ErrRateLimited, Op: "place order", Status: 429}
	h := newHarness(t, fx)

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, ErrPlacementFailed) || !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
	if n := fx.Count("CancelOrder"); n != 2 {
		t.Fatalf("cancels = %d, want 2", n)
	}
	if fx.LiveOrders() != 0 {
		t.Fatalf("live orders = %d", fx.LiveOrders())
	}
	if snap := h.metrics.Snapshot(0); snap.Rollbacks != 1 {
		t.Fatalf("rollbacks = %d", snap.Rollbacks)
	}
}

func TestThreeOrZeroLiveLegs(t *testing.T) {
	failures := []error{
		&common.ExchangeError{Class: common.ErrBadRequest, Status: 400, Code: -2021},
		&common.ExchangeError{Class: common.ErrExchangeDown, Status: 502},
		&common.ExchangeError{Class: common.ErrForbidden, Status: 403},
		&common.ClockSkewError{DriftMs: 70000, RecvWindowMs: 5000},
	}
	for _, role := range []string{"", "en", "sl", "tp"} {
		for _, failure := range failures {
			t.Run(role+"/"+common.ErrorClass(failure), func(t *testing.T) {
				fx := exchangetest.New()
				if role != "" {
					fx.FailPlace[role] = failure
				}
				h := newHarness(t, fx)

				_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
				live := fx.LiveOrders()
				switch {
				case err == nil && live != 3:
					t.Fatalf("success with %d live legs", live)
				case err != nil && live != 0:
					t.Fatalf("error %v with %d live legs", err, live)
				}
			})
		}
	}
}

func TestEntryFailureNeedsNoRollback(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["en"] = &common.ClockSkewError{DriftMs: 70000, RecvWindowMs: 5000}
	h := newHarness(t, fx)

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, common.ErrClockSkew) {
		t.Fatalf("err = %v", err)
	}
	if fx.Count("CancelOrder") != 0 || fx.Count("PlaceOrder") != 1 {
		t.Fatalf("calls = %+v", fx.Calls(""))
	}
	if trio := onlyTrio(t, h.store); trio.State != store.TrioFailed {
		t.Fatalf("trio state = %s", trio.State)
	}
}

func TestRejectedBeforeExchangeLeavesNoArtifacts(t *testing.T) {
	t.Run("sizing", func(t *testing.T) {
		fx := exchangetest.New()
		fx.Balance = dec("0")
		h := newHarness(t, fx)

		_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
		if !errors.Is(err, ErrSizing) {
			t.Fatalf("err = %v", err)
		}
		if fx.Count("PlaceOrder") != 0 {
			t.Fatalf("orders sent on sizing error")
		}
		if trios, _ := h.store.ListTrios(context.Background(), store.Filter{}); len(trios) != 0 {
			t.Fatalf("trio persisted on sizing error")
		}
	})

	t.Run("validation", func(t *testing.T) {
		fx := exchangetest.New()
		h := newHarness(t, fx)
		arm := btcArm()
		arm.Stop = dec("130000")

		_, err := h.svc.PlaceTrio(context.Background(), arm, testBot())
		if !errors.Is(err, common.ErrValidation) {
			t.Fatalf("err = %v", err)
		}
		if len(fx.Calls("")) != 0 {
			t.Fatalf("exchange called on invalid signal: %+v", fx.Calls(""))
		}
	})

	t.Run("auth", func(t *testing.T) {
		fx := exchangetest.New()
		fx.FailAll = &common.ExchangeError{Class: common.ErrAuth, Status: 401, Code: -2015}
		h := newHarness(t, fx)

		_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
		if !errors.Is(err, common.ErrAuth) {
			t.Fatalf("err = %v", err)
		}
		if trios, _ := h.store.ListTrios(context.Background(), store.Filter{}); len(trios) != 0 {
			t.Fatalf("trio persisted on auth error")
		}
	})
}

func TestFailedRollbackRaisesAlert(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["tp"] = &common.ExchangeError{Class: common.ErrBadRequest, Status: 400, Code: -2021}
	// Orders are numbered from 1001: entry, then stop.
	fx.FailCancel["1001"] = &common.ExchangeError{Class: common.ErrExchangeDown, Status: 503}
	h := newHarness(t, fx)
	alerts, unsub := h.bus.Subscribe(4, events.EventRiskAlert)
	defer unsub()

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, ErrFailedRollback) {
		t.Fatalf("err = %v, want ErrFailedRollback", err)
	}
	var perr *PlacementError
	if !errors.As(err, &perr) || perr.State != store.TrioFailedRollback {
		t.Fatalf("placement error = %+v", perr)
	}

	trio := onlyTrio(t, h.store)
	if trio.State != store.TrioFailedRollback {
		t.Fatalf("trio state = %s", trio.State)
	}
	if entry, _ := trio.Leg(store.RoleEntry); entry.State != store.LegLive {
		t.Fatalf("entry leg = %s, want LIVE (orphan)", entry.State)
	}
	if stop, _ := trio.Leg(store.RoleStop); stop.State != store.LegCanceled {
		t.Fatalf("stop leg = %s, want CANCELED", stop.State)
	}
	if h.metrics.FailedRollbacks() != 1 {
		t.Fatalf("failed rollbacks = %d", h.metrics.FailedRollbacks())
	}
	select {
	case env := <-alerts:
		if env.TrioID != trio.ID {
			t.Fatalf("alert for %s", env.TrioID)
		}
	default:
		t.Fatalf("no risk alert published")
	}
}

func TestAmbiguousTakeProfitIsParked(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["tp"] = &common.ExchangeError{Class: common.ErrAmbiguousOutcome, Op: "place order"}
	fx.PlacedOnAmbiguous = true
	h := newHarness(t, fx)

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, common.ErrAmbiguousOutcome) || !errors.Is(err, ErrPlacementFailed) {
		t.Fatalf("err = %v", err)
	}
	if fx.Count("CancelOrder") != 2 {
		t.Fatalf("cancels = %d, want 2", fx.Count("CancelOrder"))
	}
	if fx.Count("PlaceOrder") != 3 {
		t.Fatalf("ambiguous submit must not be retried")
	}

	trio := onlyTrio(t, h.store)
	if trio.State != store.TrioAmbiguous {
		t.Fatalf("trio state = %s", trio.State)
	}
	if tp, _ := trio.Leg(store.RoleTakeProfit); tp.State != store.LegPendingSubmit {
		t.Fatalf("tp leg = %s, want PENDING_SUBMIT", tp.State)
	}
	if snap := h.metrics.Snapshot(0); snap.Ambiguous != 1 {
		t.Fatalf("ambiguous = %d", snap.Ambiguous)
	}
}

func TestPartialFillDuringRollbackIsRecorded(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["sl"] = &common.ExchangeError{Class: common.ErrBadRequest, Status: 400, Code: -2021}
	fx.PartialOnPlace["en"] = decimal.RequireFromString("0.001")
	h := newHarness(t, fx)
	alerts, unsub := h.bus.Subscribe(4, events.EventRiskAlert)
	defer unsub()

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if !errors.Is(err, ErrFailedRollback) {
		t.Fatalf("err = %v, want ErrFailedRollback", err)
	}

	trio := onlyTrio(t, h.store)
	if trio.State != store.TrioFailedRollback {
		t.Fatalf("trio state = %s", trio.State)
	}
	entry, _ := trio.Leg(store.RoleEntry)
	if entry.State != store.LegCanceled {
		t.Fatalf("entry leg = %s, want CANCELED", entry.State)
	}
	if !entry.FilledQty.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("entry filled = %s, want 0.001", entry.FilledQty)
	}
	if fx.Count("GetOrderStatus") != 1 {
		t.Fatalf("status queries = %d, want 1", fx.Count("GetOrderStatus"))
	}
	select {
	case <-alerts:
	default:
		t.Fatalf("no risk alert for exposed fill")
	}
}

func TestCleanCancelRecordsNoFill(t *testing.T) {
	fx := exchangetest.New()
	fx.FailPlace["sl"] = &common.ExchangeError{Class: common.ErrBadRequest, Status: 400, Code: -2021}
	h := newHarness(t, fx)

	_, err := h.svc.PlaceTrio(context.Background(), btcArm(), testBot())
	if errors.Is(err, ErrFailedRollback) {
		t.Fatalf("err = %v, clean cancel must not fail the rollback", err)
	}
	trio := onlyTrio(t, h.store)
	if trio.State != store.TrioFailed {
		t.Fatalf("trio state = %s, want FAILED", trio.State)
	}
	if entry, _ := trio.Leg(store.RoleEntry); !entry.FilledQty.IsZero() || entry.LastExchangeStatus != "CANCELED" {
		t.Fatalf("entry leg = %+v", entry)
	}
}
