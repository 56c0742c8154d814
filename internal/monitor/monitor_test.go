package monitor

import (
	"context"
	"strings"
	"sync"
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

type staticResolver struct{ client common.TradingClient }

func (r staticResolver) ResolveTradingClient(ctx context.Context, ref string) (common.TradingClient, error) {
	return r.client, nil
}

type fixture struct {
	mon     *Monitor
	store   *store.Store
	fx      *exchangetest.Client
	metrics *metrics.Metrics
	bus     *events.Bus
}

func newFixture(t *testing.T) fixture {
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
	fx := exchangetest.New()
	m := metrics.New()
	bus := events.NewBus()
	mon := New(st, staticResolver{client: fx}, bus, m, Options{Interval: time.Second, Workers: 4, CallTimeout: time.Second})
	return fixture{mon: mon, store: st, fx: fx, metrics: m, bus: bus}
}

// seedLive persists a LIVE trio whose three legs exist on the fake exchange.
func (f fixture) seedLive(t *testing.T, id, botID, side string) map[store.Role]string {
	t.Helper()
	ctx := context.Background()
	d := decimal.RequireFromString
	trio := store.Trio{
		ID: id, BotID: botID, Symbol: "BTCUSDT", Timeframe: "15m", Side: side, CredentialRef: "cred-1",
		Trigger: d("50000"), Stop: d("49500"), TakeProfit: d("50750"), Qty: d("0.01"),
	}
	for _, role := range store.Roles {
		trio.Legs = append(trio.Legs, store.Leg{
			Role: role, ClientOrderID: id + "-" + string(role), Side: "BUY", OrderType: "LIMIT", RequestedQty: d("0.01"),
		})
	}
	if err := f.store.CreateTrio(ctx, trio); err != nil {
		t.Fatalf("create trio: %v", err)
	}
	ids := map[store.Role]string{}
	for _, role := range store.Roles {
		ids[role] = f.fx.Seed(id+"-"+string(role), "BTCUSDT", common.StatusNew)
		if err := f.store.MarkLegLive(ctx, id, role, ids[role], "NEW"); err != nil {
			t.Fatalf("mark live: %v", err)
		}
	}
	if _, err := f.store.TransitionTrio(ctx, id, store.TrioPending, store.TrioLive, ""); err != nil {
		t.Fatalf("trio live: %v", err)
	}
	return ids
}

func (f fixture) trio(t *testing.T, id string) store.Trio {
	t.Helper()
	tr, err := f.store.GetTrio(context.Background(), id)
	if err != nil {
		t.Fatalf("get trio: %v", err)
	}
	return tr
}

func legState(t *testing.T, tr store.Trio, role store.Role) store.LegState {
	t.Helper()
	leg, ok := tr.Leg(role)
	if !ok {
		t.Fatalf("no %s leg", role)
	}
	return leg.State
}

func TestEntryFillKeepsBracketLive(t *testing.T) {
	f := newFixture(t)
	ids := f.seedLive(t, "t1", "bot-1", "long")
	f.fx.SetStatus(ids[store.RoleEntry], common.StatusFilled, decimal.RequireFromString("0.01"))

	if err := f.mon.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	tr := f.trio(t, "t1")
	if tr.State != store.TrioLive {
		t.Fatalf("trio = %s, want LIVE", tr.State)
	}
	if legState(t, tr, store.RoleEntry) != store.LegFilled {
		t.Fatalf("entry not FILLED")
	}
	if f.fx.Count("CancelOrder") != 0 {
		t.Fatalf("bracket must stay live after entry fill")
	}
	if entry, _ := tr.Leg(store.RoleEntry); !entry.FilledQty.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("filled qty = %s", entry.FilledQty)
	}
}

func TestBracketFillCancelsSibling(t *testing.T) {
	for _, filled := range []store.Role{store.RoleStop, store.RoleTakeProfit} {
		t.Run(string(filled), func(t *testing.T) {
			f := newFixture(t)
			ids := f.seedLive(t, "t1", "bot-1", "long")
			f.fx.SetStatus(ids[store.RoleEntry], common.StatusFilled, decimal.RequireFromString("0.01"))
			f.fx.SetStatus(ids[filled], common.StatusFilled, decimal.RequireFromString("0.01"))

			if err := f.mon.PollOnce(context.Background()); err != nil {
				t.Fatalf("poll: %v", err)
			}
			sibling := store.RoleTakeProfit
			if filled == store.RoleTakeProfit {
				sibling = store.RoleStop
			}
			cancels := f.fx.Calls("CancelOrder")
			if len(cancels) != 1 || cancels[0].ID != ids[sibling] {
				t.Fatalf("cancels = %+v, want only %s", cancels, sibling)
			}
			tr := f.trio(t, "t1")
			if tr.State != store.TrioClosed || tr.CloseReason != string(filled)+"_filled" {
				t.Fatalf("trio = %s (%s)", tr.State, tr.CloseReason)
			}
			if legState(t, tr, sibling) != store.LegCanceled {
				t.Fatalf("sibling = %s", legState(t, tr, sibling))
			}
		})
	}
}

func TestMissingOrderTreatedAsCanceled(t *testing.T) {
	f := newFixture(t)
	ids := f.seedLive(t, "t1", "bot-1", "long")
	f.fx.Remove(ids[store.RoleStop])

	if err := f.mon.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	tr := f.trio(t, "t1")
	if tr.State != store.TrioClosed {
		t.Fatalf("trio = %s, want CLOSED", tr.State)
	}
	if n := f.fx.Count("CancelOrder"); n != 2 {
		t.Fatalf("cancels = %d, want 2", n)
	}
	if f.fx.LiveOrders() != 0 {
		t.Fatalf("naked legs remain: %d", f.fx.LiveOrders())
	}
}

func TestPollErrorsNeverCloseTrio(t *testing.T) {
	f := newFixture(t)
	ids := f.seedLive(t, "t1", "bot-1", "long")
	f.fx.FailStatus[ids[store.RoleEntry]] = &common.ExchangeError{Class: common.ErrExchangeDown, Status: 503}
	f.fx.FailStatus[ids[store.RoleStop]] = &common.ExchangeError{Class: common.ErrRateLimited, Status: 429}

	if err := f.mon.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tr := f.trio(t, "t1"); tr.State != store.TrioLive {
		t.Fatalf("trio = %s, want LIVE", tr.State)
	}
	if f.fx.Count("CancelOrder") != 0 {
		t.Fatalf("poll failure must not cancel")
	}
	if snap := f.metrics.Snapshot(0); snap.PollErrors != 2 {
		t.Fatalf("poll errors = %d", snap.PollErrors)
	}
}

func TestDisarmCancelsExactlyLiveLegs(t *testing.T) {
	f := newFixture(t)
	ids := f.seedLive(t, "t1", "bot-1", "long")
	ctx := context.Background()
	f.fx.SetStatus(ids[store.RoleEntry], common.StatusFilled, decimal.RequireFromString("0.01"))
	if _, _, err := f.store.ApplyLegUpdate(ctx, "t1", store.RoleEntry, store.LegUpdate{To: store.LegFilled, ExchangeStatus: "FILLED"}); err != nil {
		t.Fatalf("fill entry: %v", err)
	}
	closedEvents, unsub := f.bus.Subscribe(4, events.EventTrioClosed)
	defer unsub()

	n, err := f.mon.CancelForDisarm(ctx, Disarm{Symbol: "BTCUSDT", Timeframe: "15m", PrevSide: "long", Reason: "regime flip"})
	if err != nil {
		t.Fatalf("disarm: %v", err)
	}
	if n != 1 {
		t.Fatalf("closed = %d, want 1", n)
	}
	cancels := f.fx.Calls("CancelOrder")
	if len(cancels) != 2 {
		t.Fatalf("cancels = %d, want exactly 2", len(cancels))
	}
	for _, c := range cancels {
		if c.ID == ids[store.RoleEntry] {
			t.Fatalf("filled entry must not be canceled")
		}
	}
	tr := f.trio(t, "t1")
	if tr.State != store.TrioClosed || !strings.HasPrefix(tr.CloseReason, "disarm") {
		t.Fatalf("trio = %s (%s)", tr.State, tr.CloseReason)
	}
	select {
	case env := <-closedEvents:
		if env.TrioID != "t1" {
			t.Fatalf("closed event for %s", env.TrioID)
		}
	default:
		t.Fatalf("no trio.closed event")
	}
}

func TestDisarmMatchesSideAndBots(t *testing.T) {
	f := newFixture(t)
	f.seedLive(t, "long-1", "bot-1", "long")
	f.seedLive(t, "short-1", "bot-1", "short")
	f.seedLive(t, "long-2", "bot-2", "long")

	n, err := f.mon.CancelForDisarm(context.Background(), Disarm{
		Symbol: "BTCUSDT", Timeframe: "15m", PrevSide: "long", BotIDs: []string{"bot-1"},
	})
	if err != nil || n != 1 {
		t.Fatalf("closed = %d, err = %v", n, err)
	}
	for id, want := range map[string]store.TrioState{
		"long-1": store.TrioClosed, "short-1": store.TrioLive, "long-2": store.TrioLive,
	} {
		if got := f.trio(t, id).State; got != want {
			t.Fatalf("%s = %s, want %s", id, got, want)
		}
	}
}

func TestConcurrentClosesClaimOnce(t *testing.T) {
	f := newFixture(t)
	f.seedLive(t, "t1", "bot-1", "long")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := f.mon.CancelForDisarm(context.Background(), Disarm{Symbol: "BTCUSDT", Timeframe: "15m"})
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("trio closed %d times", total)
	}
	if n := f.fx.Count("CancelOrder"); n != 3 {
		t.Fatalf("cancels = %d, want 3", n)
	}
}

func TestFailedCancelReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ids := f.seedLive(t, "t1", "bot-1", "long")
	f.fx.FailCancel[ids[store.RoleTakeProfit]] = &common.ExchangeError{Class: common.ErrExchangeDown, Status: 503}
	ctx := context.Background()

	if _, err := f.mon.CancelForDisarm(ctx, Disarm{Symbol: "BTCUSDT", Timeframe: "15m"}); err == nil {
		t.Fatalf("expected cancel failure")
	}
	tr := f.trio(t, "t1")
	if tr.State != store.TrioLive || legState(t, tr, store.RoleTakeProfit) != store.LegLive {
		t.Fatalf("trio = %s, tp = %s", tr.State, legState(t, tr, store.RoleTakeProfit))
	}

	delete(f.fx.FailCancel, ids[store.RoleTakeProfit])
	if err := f.mon.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tr := f.trio(t, "t1"); tr.State != store.TrioClosed {
		t.Fatalf("trio = %s after retry, want CLOSED", tr.State)
	}
	if f.fx.LiveOrders() != 0 {
		t.Fatalf("live orders = %d", f.fx.LiveOrders())
	}
}

func TestClosedTriosAreNotPolled(t *testing.T) {
	f := newFixture(t)
	f.seedLive(t, "t1", "bot-1", "long")
	ctx := context.Background()
	if _, err := f.mon.CancelForDisarm(ctx, Disarm{Symbol: "BTCUSDT", Timeframe: "15m"}); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	before := f.fx.Count("GetOrderStatus")
	if err := f.mon.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if f.fx.Count("GetOrderStatus") != before {
		t.Fatalf("closed trio polled again")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestIntervalFloor(t *testing.T) {
	m := New(nil, nil, nil, nil, Options{Interval: 100 * time.Millisecond})
	if m.Interval() != MinInterval {
		t.Fatalf("interval = %s, want %s", m.Interval(), MinInterval)
	}
	if m := New(nil, nil, nil, nil, Options{}); m.Interval() != 2*time.Second {
		t.Fatalf("default interval = %s", m.Interval())
	}
}

type chanSink chan string

func (c chanSink) Send(msg string) error {
	c <- msg
	return nil
}

func TestAlertRelay(t *testing.T) {
	bus := events.NewBus()
	sink := make(chanSink, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&AlertRelay{Bus: bus, Sink: sink}).Start(ctx)

	bus.Publish(events.Envelope{Event: events.EventRiskAlert, TrioID: "t9", To: "FAILED_ROLLBACK", Reason: "cancel failed"})
	select {
	case msg := <-sink:
		if !strings.Contains(msg, "t9") || !strings.Contains(msg, "cancel failed") {
			t.Fatalf("alert = %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("alert not delivered")
	}
}
