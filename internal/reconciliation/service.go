package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"futures-worker/internal/events"
	"futures-worker/internal/metrics"
	"futures-worker/internal/monitor"
	"futures-worker/internal/store"
	"futures-worker/pkg/exchanges/common"
)

// ClientResolver turns a credential reference into an authenticated client.
type ClientResolver interface {
	ResolveTradingClient(ctx context.Context, credentialRef string) (common.TradingClient, error)
}

// Options tune the recovery service.
type Options struct {
	// Interval between background passes; zero runs only on demand.
	Interval time.Duration
	// MinAge skips trios updated more recently than this on background
	// passes, so placements and closes still in flight are left alone.
	MinAge      time.Duration
	CallTimeout time.Duration
}

// Service resolves trios a previous process left mid-flight: PENDING,
// ROLLING_BACK, AMBIGUOUS and CLOSING.
type Service struct {
	store   *store.Store
	clients ClientResolver
	monitor *monitor.Monitor
	bus     *events.Bus
	metrics *metrics.Metrics
	opts    Options
	mu      sync.Mutex
}

// Report contains the outcome of one recovery pass.
type Report struct {
	Timestamp  time.Time
	Checked    int
	Results    []TrioResult
	Unresolved int
}

// TrioResult is what recovery did to one trio.
type TrioResult struct {
	TrioID string
	From   store.TrioState
	To     store.TrioState
	Note   string
	Err    error
}

// NewService creates a recovery service. mon finishes CLOSING trios.
func NewService(st *store.Store, clients ClientResolver, mon *monitor.Monitor, bus *events.Bus, m *metrics.Metrics, opts Options) *Service {
	if m == nil {
		m = metrics.New()
	}
	if opts.MinAge <= 0 {
		opts.MinAge = 2 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Service{store: st, clients: clients, monitor: mon, bus: bus, metrics: m, opts: opts}
}

// Run performs background passes every Interval until ctx is done. It
// returns after the pass in progress, if any, has finished.
func (s *Service) Run(ctx context.Context) {
	if s.opts.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	log.Printf("✓ Recovery service started (interval: %v, min age: %v)", s.opts.Interval, s.opts.MinAge)
	for {
		select {
		case <-ticker.C:
			if _, err := s.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				log.Printf("recovery: pass failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RecoverAll runs the startup pass over every candidate regardless of age.
// It must finish before the monitor starts polling and must not run next to
// live placements.
func (s *Service) RecoverAll(ctx context.Context) (*Report, error) {
	return s.recoverReported(ctx, 0)
}

// RecoverStale runs a pass over candidates untouched for at least MinAge.
// It is safe while placements and closes are in flight.
func (s *Service) RecoverStale(ctx context.Context) (*Report, error) {
	return s.recoverReported(ctx, s.opts.MinAge)
}

func (s *Service) recoverReported(ctx context.Context, minAge time.Duration) (*Report, error) {
	report, err := s.Recover(ctx, minAge)
	if err != nil {
		return nil, err
	}
	s.handleReport(report)
	return report, nil
}

// Recover resolves every candidate trio last updated at least minAge ago.
func (s *Service) Recover(ctx context.Context, minAge time.Duration) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trios, err := s.store.RecoveryCandidates(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Timestamp: time.Now()}
	cutoff := report.Timestamp.Add(-minAge)
	for _, t := range trios {
		if minAge > 0 && t.UpdatedAt.After(cutoff) {
			continue
		}
		report.Checked++
		res := s.recoverTrio(ctx, t)
		if res.Err != nil {
			report.Unresolved++
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (s *Service) handleReport(r *Report) {
	if r.Checked == 0 {
		return
	}
	for _, res := range r.Results {
		if res.Err != nil {
			log.Printf("recovery: trio %s (%s) unresolved: %v", res.TrioID, res.From, res.Err)
			continue
		}
		log.Printf("recovery: trio %s %s -> %s %s", res.TrioID, res.From, res.To, res.Note)
	}
	log.Printf("recovery: checked %d trio(s), %d unresolved", r.Checked, r.Unresolved)
}

func (s *Service) recoverTrio(ctx context.Context, t store.Trio) TrioResult {
	res := TrioResult{TrioID: t.ID, From: t.State, To: t.State}
	client, err := s.clients.ResolveTradingClient(ctx, t.CredentialRef)
	if err != nil {
		res.Err = fmt.Errorf("resolve client: %w", err)
		return res
	}
	if err := s.resolveLegs(ctx, client, t); err != nil {
		res.Err = err
		return res
	}
	fresh, err := s.store.GetTrio(ctx, t.ID)
	if err != nil {
		res.Err = err
		return res
	}

	switch fresh.State {
	case store.TrioClosing:
		if err := s.monitor.ResumeClose(ctx, fresh); err != nil {
			res.Err = err
		}
		res.Note = "close resumed"
	case store.TrioPending:
		if resumable(fresh) {
			if _, err := s.store.TransitionTrio(ctx, fresh.ID, store.TrioPending, store.TrioLive, ""); err != nil {
				res.Err = err
			}
			res.Note = "all legs on exchange"
			break
		}
		res.Note, res.Err = s.unwind(ctx, client, fresh)
	case store.TrioRollingBack, store.TrioAmbiguous:
		res.Note, res.Err = s.unwind(ctx, client, fresh)
	}

	if final, err := s.store.GetTrio(ctx, t.ID); err == nil {
		res.To = final.State
	}
	return res
}

// resolveLegs brings every non-terminal leg in line with the exchange. A
// PENDING_SUBMIT leg is looked up by client order id; one the exchange never
// saw is marked CANCELED.
func (s *Service) resolveLegs(ctx context.Context, client common.TradingClient, t store.Trio) error {
	var errs error
	for _, leg := range t.Legs {
		var (
			st  common.OrderState
			err error
		)
		cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
		switch leg.State {
		case store.LegPendingSubmit:
			st, err = client.LookupByClientID(cctx, t.Symbol, leg.ClientOrderID)
		case store.LegLive:
			st, err = client.GetOrderStatus(cctx, t.Symbol, leg.ExchangeOrderID)
		default:
			cancel()
			continue
		}
		cancel()

		if errors.Is(err, common.ErrNotFound) {
			st = common.OrderState{ExchangeOrderID: leg.ExchangeOrderID, Status: common.StatusCanceled, RawStatus: "NOT_FOUND"}
			err = nil
		}
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s leg: %w", leg.Role, err))
			continue
		}
		if err := s.apply(ctx, t, leg, st); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s leg: %w", leg.Role, err))
		}
	}
	return errs
}

func (s *Service) apply(ctx context.Context, t store.Trio, leg store.Leg, st common.OrderState) error {
	to, ok := monitor.LegStateOf(st.Status)
	if !ok {
		return fmt.Errorf("unresolvable exchange status %q", st.RawStatus)
	}
	if leg.State == store.LegPendingSubmit && to == store.LegLive {
		if err := s.store.MarkLegLive(ctx, t.ID, leg.Role, st.ExchangeOrderID, st.RawStatus); err != nil {
			return err
		}
	} else {
		_, changed, err := s.store.ApplyLegUpdate(ctx, t.ID, leg.Role, store.LegUpdate{
			To:              to,
			ExchangeOrderID: st.ExchangeOrderID,
			FilledQty:       st.ExecutedQty,
			ExchangeStatus:  st.RawStatus,
		})
		if err != nil || !changed {
			return err
		}
	}
	s.metrics.IncTransition(string(to))
	s.bus.Publish(events.Envelope{
		Event:  events.EventLegTransition,
		TrioID: t.ID,
		BotID:  t.BotID,
		Symbol: t.Symbol,
		LegID:  st.ExchangeOrderID,
		Role:   string(leg.Role),
		From:   string(leg.State),
		To:     string(to),
		Reason: "recovery",
	})
	return nil
}

// resumable reports whether a PENDING trio has a complete set of legs on the
// exchange: all three live, or a filled entry with both brackets live.
func resumable(t store.Trio) bool {
	for _, leg := range t.Legs {
		switch {
		case leg.State == store.LegLive:
		case leg.Role == store.RoleEntry && leg.State == store.LegFilled:
		default:
			return false
		}
	}
	return len(t.Legs) == len(store.Roles)
}

// unwind cancels every live leg of an incomplete trio and settles it in
// FAILED, or FAILED_ROLLBACK when exposure may remain.
func (s *Service) unwind(ctx context.Context, client common.TradingClient, t store.Trio) (string, error) {
	var live []store.Leg
	var exposure error
	for _, leg := range t.Legs {
		switch leg.State {
		case store.LegLive:
			live = append(live, leg)
		case store.LegFilled:
			exposure = errors.Join(exposure, fmt.Errorf("%s leg filled", leg.Role))
		}
	}

	from := t.State
	if from == store.TrioPending {
		if len(live) == 0 && exposure == nil {
			_, err := s.store.TransitionTrio(ctx, t.ID, store.TrioPending, store.TrioFailed, "recovery: nothing reached the exchange")
			return "nothing to unwind", err
		}
		won, err := s.store.TransitionTrio(ctx, t.ID, store.TrioPending, store.TrioRollingBack, "")
		if err != nil {
			return "", err
		}
		if !won {
			return "", fmt.Errorf("trio %s changed during recovery", t.ID)
		}
		s.metrics.IncRollbacks()
		from = store.TrioRollingBack
	}

	failures := exposure
	for i := len(live) - 1; i >= 0; i-- {
		if err := s.cancelLeg(ctx, client, t, live[i]); err != nil {
			failures = errors.Join(failures, fmt.Errorf("cancel %s leg %s: %w", live[i].Role, live[i].ExchangeOrderID, err))
		}
	}

	if failures == nil {
		_, err := s.store.TransitionTrio(ctx, t.ID, from, store.TrioFailed, "recovery: rolled back")
		return fmt.Sprintf("%d leg(s) canceled", len(live)), err
	}

	reason := "recovery: " + failures.Error()
	if _, err := s.store.TransitionTrio(ctx, t.ID, from, store.TrioFailedRollback, reason); err != nil {
		return "", err
	}
	s.metrics.IncFailedRollbacks()
	s.bus.Publish(events.Envelope{
		Event:  events.EventRiskAlert,
		TrioID: t.ID,
		BotID:  t.BotID,
		Symbol: t.Symbol,
		From:   string(from),
		To:     string(store.TrioFailedRollback),
		Reason: reason,
	})
	log.Printf("recovery: RISK trio %s left exposure: %v", t.ID, failures)
	return "exposure remains", nil
}

// cancelLeg cancels a leg, re-querying an order the exchange no longer
// knows so a fill is reported instead of being recorded as a cancel.
func (s *Service) cancelLeg(ctx context.Context, client common.TradingClient, t store.Trio, leg store.Leg) error {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	err := client.CancelOrder(cctx, t.Symbol, leg.ExchangeOrderID)
	if err == nil {
		return s.apply(ctx, t, leg, common.OrderState{ExchangeOrderID: leg.ExchangeOrderID, Status: common.StatusCanceled, RawStatus: "CANCELED", ExecutedQty: leg.FilledQty})
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	st, err := client.GetOrderStatus(cctx, t.Symbol, leg.ExchangeOrderID)
	if errors.Is(err, common.ErrNotFound) {
		return s.apply(ctx, t, leg, common.OrderState{ExchangeOrderID: leg.ExchangeOrderID, Status: common.StatusCanceled, RawStatus: "NOT_FOUND"})
	}
	if err != nil {
		return err
	}
	if err := s.apply(ctx, t, leg, st); err != nil {
		return err
	}
	switch st.Status {
	case common.StatusFilled:
		return fmt.Errorf("order filled before cancel")
	case common.StatusNew, common.StatusPartial:
		return fmt.Errorf("order still working after cancel reported not found")
	}
	return nil
}
