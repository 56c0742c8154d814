package signals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/internal/events"
	"futures-worker/internal/metrics"
	"futures-worker/internal/monitor"
	"futures-worker/internal/placement"
	"futures-worker/internal/store"
	"futures-worker/pkg/db"
	"futures-worker/pkg/exchanges/common"
)

type fakePlacer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (p *fakePlacer) PlaceTrio(ctx context.Context, arm placement.Arm, bot db.Bot) (store.Trio, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, bot.ID)
	if err := p.fail[bot.ID]; err != nil {
		return store.Trio{}, err
	}
	return store.Trio{ID: "trio-" + bot.ID, BotID: bot.ID, Symbol: arm.Symbol}, nil
}

func (p *fakePlacer) botIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := append([]string(nil), p.calls...)
	sort.Strings(ids)
	return ids
}

type fakeDisarmer struct {
	calls    []monitor.Disarm
	failures int
}

func (d *fakeDisarmer) CancelForDisarm(ctx context.Context, req monitor.Disarm) (int, error) {
	d.calls = append(d.calls, req)
	if d.failures > 0 {
		d.failures--
		return 0, errors.New("cancel stop leg: exchange unavailable")
	}
	return 1, nil
}

type dispatchHarness struct {
	disp     *Dispatcher
	placer   *fakePlacer
	disarmer *fakeDisarmer
	metrics  *metrics.Metrics
	bus      *events.Bus
}

func newDispatchHarness(t *testing.T, bots ...db.Bot) dispatchHarness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := database.UpsertBots(context.Background(), bots); err != nil {
		t.Fatalf("upsert bots: %v", err)
	}
	h := dispatchHarness{
		placer:   &fakePlacer{fail: map[string]error{}},
		disarmer: &fakeDisarmer{},
		metrics:  metrics.New(),
		bus:      events.NewBus(),
	}
	h.disp = NewDispatcher(database, store.New(database), h.placer, h.disarmer, h.bus, h.metrics, 2)
	h.disp.disarmBackoff = time.Millisecond
	return h
}

func bot(id, side string, enabled bool) db.Bot {
	return db.Bot{
		ID: id, UserID: "u1", Symbol: "BTCUSDT", Timeframe: "15m", SideWhitelist: side, Leverage: 5,
		RiskFraction: decimal.RequireFromString("0.01"), SizingMode: db.SizingRisk, CredentialRef: "cred-" + id, Enabled: enabled,
	}
}

func armSignal() Signal {
	sig, err := Parse(armFields())
	if err != nil {
		panic(err)
	}
	sig.StreamID = "1760000000000-0"
	return sig
}

func TestArmFansOutToEligibleBots(t *testing.T) {
	h := newDispatchHarness(t,
		bot("a", "both", true),
		bot("b", "long", true),
		bot("c", "short", true),
		bot("d", "both", false),
	)
	if err := h.disp.Handle(context.Background(), armSignal()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := h.placer.botIDs()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("placed for %v, want [a b]", got)
	}
	if h.metrics.Signal("placed") != 1 {
		t.Fatalf("placed signals = %d", h.metrics.Signal("placed"))
	}
}

func TestRedeliveredArmIsSkipped(t *testing.T) {
	h := newDispatchHarness(t, bot("a", "both", true))
	ctx := context.Background()
	sig := armSignal()
	if err := h.disp.Handle(ctx, sig); err != nil {
		t.Fatalf("first: %v", err)
	}
	sig.StreamID = "1760000000000-1"
	if err := h.disp.Handle(ctx, sig); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := len(h.placer.botIDs()); n != 1 {
		t.Fatalf("PlaceTrio calls = %d, want 1", n)
	}
	if snap := h.metrics.Snapshot(0); snap.DuplicateSkipped != 1 {
		t.Fatalf("duplicate skipped = %d", snap.DuplicateSkipped)
	}
}

func TestBotFailuresAreIsolated(t *testing.T) {
	h := newDispatchHarness(t, bot("a", "both", true), bot("b", "both", true), bot("c", "both", true))
	h.placer.fail["a"] = &common.ExchangeError{Class: common.ErrAuth, Status: 401, Code: -2015, Message: "Invalid API-key"}
	h.placer.fail["b"] = &placement.SizingError{Reason: "below min qty"}

	if err := h.disp.Handle(context.Background(), armSignal()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(h.placer.botIDs()); n != 3 {
		t.Fatalf("PlaceTrio calls = %d, want 3", n)
	}
	if snap := h.metrics.Snapshot(0); snap.AuthErrors != 1 {
		t.Fatalf("auth errors = %d", snap.AuthErrors)
	}
	if h.metrics.Signal("placed") != 1 {
		t.Fatalf("signal not counted as placed")
	}
}

func TestArmWithoutBotsIsRecorded(t *testing.T) {
	h := newDispatchHarness(t, bot("c", "short", true))
	if err := h.disp.Handle(context.Background(), armSignal()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.placer.botIDs()) != 0 || h.metrics.Signal("skipped") != 1 {
		t.Fatalf("calls = %v skipped = %d", h.placer.botIDs(), h.metrics.Signal("skipped"))
	}
}

func disarmSignal() Signal {
	return Signal{Version: "1", Kind: KindDisarm, Symbol: "BTCUSDT", Timeframe: "15m", Ts: 1760000060000, PrevSide: "long", Reason: "flip", StreamID: "1760000060000-0"}
}

func TestDisarmRoutesToMonitor(t *testing.T) {
	h := newDispatchHarness(t, bot("a", "both", true))
	if err := h.disp.Handle(context.Background(), disarmSignal()); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.disarmer.calls) != 1 {
		t.Fatalf("disarm calls = %d", len(h.disarmer.calls))
	}
	req := h.disarmer.calls[0]
	if req.Symbol != "BTCUSDT" || req.Timeframe != "15m" || req.PrevSide != "long" || req.Reason != "flip" {
		t.Fatalf("disarm = %+v", req)
	}
	if len(h.placer.botIDs()) != 0 {
		t.Fatalf("DISARM placed orders")
	}
}

func TestDisarmRetriesThenAlerts(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.disarmer.failures = 1
		if err := h.disp.Handle(context.Background(), disarmSignal()); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(h.disarmer.calls) != 2 || h.metrics.Signal("disarmed") != 1 {
			t.Fatalf("calls = %d disarmed = %d", len(h.disarmer.calls), h.metrics.Signal("disarmed"))
		}
	})
	t.Run("gives up", func(t *testing.T) {
		h := newDispatchHarness(t)
		h.disarmer.failures = 10
		alerts, unsub := h.bus.Subscribe(2, events.EventRiskAlert)
		defer unsub()
		if err := h.disp.Handle(context.Background(), disarmSignal()); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if len(h.disarmer.calls) != 3 {
			t.Fatalf("calls = %d, want 3", len(h.disarmer.calls))
		}
		select {
		case <-alerts:
		default:
			t.Fatalf("no risk alert")
		}
	})
}
