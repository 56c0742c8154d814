package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"futures-worker/internal/events"
	"futures-worker/internal/metrics"
	"futures-worker/internal/store"
	"futures-worker/pkg/exchanges/common"
)

// MinInterval is the fastest allowed poll interval.
const MinInterval = 500 * time.Millisecond

// ClientResolver turns a credential reference into an authenticated client.
type ClientResolver interface {
	ResolveTradingClient(ctx context.Context, credentialRef string) (common.TradingClient, error)
}

// Options tune the monitor.
type Options struct {
	Interval    time.Duration
	Workers     int
	CallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Interval < MinInterval {
		o.Interval = MinInterval
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	return o
}

// Monitor reconciles live trios against the exchange.
type Monitor struct {
	store   *store.Store
	clients ClientResolver
	bus     *events.Bus
	metrics *metrics.Metrics
	opts    Options

	workerPool chan struct{}
}

// New creates a monitor. bus may be nil.
func New(st *store.Store, clients ClientResolver, bus *events.Bus, m *metrics.Metrics, opts Options) *Monitor {
	if m == nil {
		m = metrics.New()
	}
	opts = opts.withDefaults()
	return &Monitor{
		store:      st,
		clients:    clients,
		bus:        bus,
		metrics:    m,
		opts:       opts,
		workerPool: make(chan struct{}, opts.Workers),
	}
}

// Interval returns the effective poll interval.
func (m *Monitor) Interval() time.Duration { return m.opts.Interval }

// Run polls until ctx is canceled. Each pass finishes before the next starts.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("monitor: polling every %s with %d workers", m.opts.Interval, m.opts.Workers)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("monitor: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.PollOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("monitor: poll pass failed: %v", err)
			}
		}
	}
}

// PollOnce reconciles every LIVE trio once, in parallel up to the worker limit.
func (m *Monitor) PollOnce(ctx context.Context) error {
	trios, err := m.store.LiveTrios(ctx)
	if err != nil {
		return err
	}
	m.each(ctx, trios, func(ctx context.Context, t store.Trio) {
		if err := m.ReconcileTrio(ctx, t); err != nil {
			log.Printf("monitor: trio %s: %v", t.ID, err)
		}
	})
	return nil
}

// each runs fn for every trio through the bounded worker pool and waits.
func (m *Monitor) each(ctx context.Context, trios []store.Trio, fn func(context.Context, store.Trio)) {
	var wg sync.WaitGroup
	for _, t := range trios {
		select {
		case m.workerPool <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(t store.Trio) {
			defer wg.Done()
			defer func() { <-m.workerPool }()
			fn(ctx, t)
		}(t)
	}
	wg.Wait()
}

// ReconcileTrio polls each live leg of t, records what changed and closes
// the trio when a bracket fired or any leg ended without filling.
func (m *Monitor) ReconcileTrio(ctx context.Context, t store.Trio) error {
	client, err := m.clients.ResolveTradingClient(ctx, t.CredentialRef)
	if err != nil {
		m.metrics.IncPollErrors()
		return fmt.Errorf("resolve client: %w", err)
	}

	var pollErr error
	for _, leg := range t.Legs {
		if leg.State != store.LegLive {
			continue
		}
		st, err := m.status(ctx, client, t.Symbol, leg.ExchangeOrderID)
		if err != nil {
			m.metrics.IncPollErrors()
			log.Printf("monitor: trio %s %s leg %s poll failed (%s): %v", t.ID, leg.Role, leg.ExchangeOrderID, common.ErrorClass(err), err)
			pollErr = errors.Join(pollErr, err)
			continue
		}
		m.apply(ctx, t, leg, st)
	}

	fresh, err := m.store.GetTrio(ctx, t.ID)
	if err != nil {
		return err
	}
	if fresh.State != store.TrioLive {
		return pollErr
	}
	if reason := closeReason(fresh); reason != "" {
		if _, err := m.closeTrio(ctx, client, fresh, reason); err != nil {
			return errors.Join(pollErr, err)
		}
	}
	return pollErr
}

// status queries one order; an order the exchange no longer knows is reported as canceled.
func (m *Monitor) status(ctx context.Context, client common.TradingClient, symbol, id string) (common.OrderState, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	st, err := client.GetOrderStatus(cctx, symbol, id)
	if errors.Is(err, common.ErrNotFound) {
		return common.OrderState{ExchangeOrderID: id, Status: common.StatusCanceled, RawStatus: "NOT_FOUND"}, nil
	}
	return st, err
}

// apply records an observed exchange status on a leg.
func (m *Monitor) apply(ctx context.Context, t store.Trio, leg store.Leg, st common.OrderState) {
	to, ok := LegStateOf(st.Status)
	if !ok {
		return
	}
	from, changed, err := m.store.ApplyLegUpdate(ctx, t.ID, leg.Role, store.LegUpdate{
		To:             to,
		FilledQty:      st.ExecutedQty,
		ExchangeStatus: st.RawStatus,
	})
	if err != nil {
		log.Printf("monitor: trio %s %s leg update: %v", t.ID, leg.Role, err)
		return
	}
	if !changed {
		return
	}
	m.metrics.IncTransition(string(to))
	m.publish(events.EventLegTransition, t, leg.Role, leg.ExchangeOrderID, string(from), string(to), st.RawStatus)
	log.Printf("monitor: trio %s %s leg %s %s -> %s", t.ID, leg.Role, leg.ExchangeOrderID, from, to)
}

// LegStateOf maps a normalized exchange status onto the leg state machine.
// UNKNOWN statuses are not applied.
func LegStateOf(s common.OrderStatus) (store.LegState, bool) {
	switch s {
	case common.StatusNew, common.StatusPartial:
		return store.LegLive, true
	case common.StatusFilled:
		return store.LegFilled, true
	case common.StatusCanceled:
		return store.LegCanceled, true
	case common.StatusRejected:
		return store.LegRejected, true
	case common.StatusExpired:
		return store.LegExpired, true
	}
	return "", false
}

// closeReason decides whether a LIVE trio must be closed.
func closeReason(t store.Trio) string {
	for _, role := range []store.Role{store.RoleStop, store.RoleTakeProfit} {
		if leg, ok := t.Leg(role); ok && leg.State == store.LegFilled {
			return string(role) + "_filled"
		}
	}
	for _, leg := range t.Legs {
		switch leg.State {
		case store.LegCanceled, store.LegExpired, store.LegRejected:
			return string(leg.Role) + "_" + strings.ToLower(string(leg.State))
		}
	}
	return ""
}

// closeTrio claims t (LIVE -> CLOSING), cancels every leg still live and
// marks it CLOSED. It reports false with a nil error when another pass
// already claimed the trio. A cancel that fails hands the trio back to LIVE
// so the next pass retries.
func (m *Monitor) closeTrio(ctx context.Context, client common.TradingClient, t store.Trio, reason string) (bool, error) {
	won, err := m.store.TransitionTrio(ctx, t.ID, store.TrioLive, store.TrioClosing, reason)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	return m.finishClose(ctx, client, t, reason)
}

// ResumeClose completes the close of a trio left in CLOSING, e.g. by a
// process that stopped mid-close. t must carry fresh leg states.
func (m *Monitor) ResumeClose(ctx context.Context, t store.Trio) error {
	if t.State != store.TrioClosing {
		return fmt.Errorf("trio %s is %s, not %s", t.ID, t.State, store.TrioClosing)
	}
	client, err := m.clients.ResolveTradingClient(ctx, t.CredentialRef)
	if err != nil {
		return fmt.Errorf("resolve client: %w", err)
	}
	_, err = m.finishClose(ctx, client, t, "")
	return err
}

// finishClose cancels the live legs of a trio already in CLOSING.
func (m *Monitor) finishClose(ctx context.Context, client common.TradingClient, t store.Trio, reason string) (bool, error) {
	canceled := 0
	var cancelErr error
	for _, leg := range t.Legs {
		if leg.State != store.LegLive {
			continue
		}
		ok, err := m.cancelLeg(ctx, client, t, leg)
		if err != nil {
			cancelErr = errors.Join(cancelErr, fmt.Errorf("cancel %s leg %s: %w", leg.Role, leg.ExchangeOrderID, err))
			continue
		}
		if ok {
			canceled++
		}
	}

	if cancelErr != nil {
		if _, err := m.store.TransitionTrio(ctx, t.ID, store.TrioClosing, store.TrioLive, ""); err != nil {
			log.Printf("monitor: trio %s release claim: %v", t.ID, err)
		}
		m.publish(events.EventExchangeFailure, t, "", "", string(store.TrioClosing), string(store.TrioLive), cancelErr.Error())
		return false, cancelErr
	}

	if _, err := m.store.TransitionTrio(ctx, t.ID, store.TrioClosing, store.TrioClosed, reason); err != nil {
		return false, err
	}
	if reason == "" {
		reason = t.CloseReason
	}
	m.publish(events.EventTrioClosed, t, "", "", string(store.TrioClosing), string(store.TrioClosed), reason)
	log.Printf("monitor: trio %s closed (%s), %d leg(s) canceled", t.ID, reason, canceled)
	return true, nil
}

// cancelLeg cancels one live leg and records the outcome. A leg the exchange
// no longer knows is re-queried so a fill is not mistaken for a cancel. The
// boolean reports whether the exchange accepted the cancel.
func (m *Monitor) cancelLeg(ctx context.Context, client common.TradingClient, t store.Trio, leg store.Leg) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	err := client.CancelOrder(cctx, t.Symbol, leg.ExchangeOrderID)
	switch {
	case err == nil:
		m.apply(ctx, t, leg, common.OrderState{Status: common.StatusCanceled, RawStatus: "CANCELED", ExecutedQty: leg.FilledQty})
		return true, nil
	case !errors.Is(err, common.ErrNotFound):
		return false, err
	}

	st, err := m.status(ctx, client, t.Symbol, leg.ExchangeOrderID)
	if err != nil {
		return false, err
	}
	if st.Status == common.StatusNew || st.Status == common.StatusPartial {
		return false, fmt.Errorf("order still working after cancel reported not found")
	}
	m.apply(ctx, t, leg, st)
	return false, nil
}

// Disarm identifies the trios a DISARM signal targets.
type Disarm struct {
	Symbol    string
	Timeframe string
	PrevSide  string   // long|short; empty matches both
	BotIDs    []string // nil matches every bot
	Reason    string
}

func (d Disarm) matches(t store.Trio) bool {
	if d.PrevSide != "" && t.Side != d.PrevSide {
		return false
	}
	if d.BotIDs == nil {
		return true
	}
	for _, id := range d.BotIDs {
		if id == t.BotID {
			return true
		}
	}
	return false
}

// CancelForDisarm cancels every still-live leg of the LIVE trios matching d
// and closes them, without waiting for the next poll. It returns the number
// of trios closed.
func (m *Monitor) CancelForDisarm(ctx context.Context, d Disarm) (int, error) {
	trios, err := m.store.LiveTriosFor(ctx, d.Symbol, d.Timeframe)
	if err != nil {
		return 0, err
	}
	var targets []store.Trio
	for _, t := range trios {
		if d.matches(t) {
			targets = append(targets, t)
		}
	}

	reason := "disarm"
	if d.Reason != "" {
		reason = "disarm: " + d.Reason
	}

	var (
		mu     sync.Mutex
		closed int
		errs   error
	)
	m.each(ctx, targets, func(ctx context.Context, t store.Trio) {
		var won bool
		client, err := m.clients.ResolveTradingClient(ctx, t.CredentialRef)
		if err == nil {
			won, err = m.closeTrio(ctx, client, t, reason)
		}
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("trio %s: %w", t.ID, err))
			return
		}
		if won {
			closed++
		}
	})
	if closed > 0 {
		log.Printf("monitor: DISARM %s %s closed %d trio(s)", d.Symbol, d.Timeframe, closed)
	}
	return closed, errs
}

func (m *Monitor) publish(ev events.Event, t store.Trio, role store.Role, legID, from, to, reason string) {
	m.bus.Publish(events.Envelope{
		Event:  ev,
		TrioID: t.ID,
		BotID:  t.BotID,
		Symbol: t.Symbol,
		LegID:  legID,
		Role:   string(role),
		From:   from,
		To:     to,
		Reason: reason,
	})
}
