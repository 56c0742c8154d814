package placement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-worker/internal/events"
	"futures-worker/internal/metrics"
	"futures-worker/internal/store"
	"futures-worker/pkg/db"
	"futures-worker/pkg/exchanges/common"
)

// ClientResolver turns a credential reference into an authenticated client.
type ClientResolver interface {
	ResolveTradingClient(ctx context.Context, credentialRef string) (common.TradingClient, error)
}

// Options tune the placement service.
type Options struct {
	CallTimeout     time.Duration    // bound on each exchange call
	RollbackTimeout time.Duration    // bound on the whole rollback, independent of the caller
	EntryType       common.OrderType // LIMIT (default) or STOP_MARKET
	Asset           string           // margin asset, USDT by default
	DefaultTPR      decimal.Decimal  // used when a bot has no tp R-multiple
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = 30 * time.Second
	}
	if o.EntryType == "" {
		o.EntryType = common.OrderTypeLimit
	}
	if o.Asset == "" {
		o.Asset = "USDT"
	}
	if !o.DefaultTPR.IsPositive() {
		o.DefaultTPR = decimal.RequireFromString("1.5")
	}
	return o
}

// Service places trios: entry, stop and take-profit, all live or none.
type Service struct {
	store   *store.Store
	clients ClientResolver
	bus     *events.Bus
	metrics *metrics.Metrics
	opts    Options
	newID   func() string
}

// NewService wires a placement service. bus may be nil.
func NewService(st *store.Store, clients ClientResolver, bus *events.Bus, m *metrics.Metrics, opts Options) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:   st,
		clients: clients,
		bus:     bus,
		metrics: m,
		opts:    opts.withDefaults(),
		newID:   uuid.NewString,
	}
}

type placedLeg struct {
	role store.Role
	id   string
}

// PlaceTrio sizes and submits the three legs for one ARM signal and bot.
// On success every leg is LIVE and so is the trio. On error no leg remains
// live, unless the error matches ErrFailedRollback.
func (s *Service) PlaceTrio(ctx context.Context, arm Arm, bot db.Bot) (store.Trio, error) {
	timer := metrics.NewTimer(s.metrics.PlacementLatency)
	defer timer.Stop()

	if err := arm.Validate(); err != nil {
		return store.Trio{}, err
	}
	client, err := s.clients.ResolveTradingClient(ctx, bot.CredentialRef)
	if err != nil {
		return store.Trio{}, fmt.Errorf("resolve client for bot %s: %w", bot.ID, err)
	}

	trio, legs, err := s.plan(ctx, client, arm, bot)
	if err != nil {
		return store.Trio{}, err
	}
	if err := s.store.CreateTrio(ctx, trio); err != nil {
		return store.Trio{}, fmt.Errorf("persist trio: %w", err)
	}

	placed := make([]placedLeg, 0, len(legs))
	for _, leg := range legs {
		res, err := s.submit(ctx, client, leg.req)
		if err != nil {
			return store.Trio{}, s.unwind(ctx, client, trio, leg.role, placed, err)
		}
		placed = append(placed, placedLeg{role: leg.role, id: res.ExchangeOrderID})
		if err := s.store.MarkLegLive(ctx, trio.ID, leg.role, res.ExchangeOrderID, res.RawStatus); err != nil {
			return store.Trio{}, s.unwind(ctx, client, trio, leg.role, placed, fmt.Errorf("persist leg: %w", err))
		}
		s.metrics.IncTransition(string(store.LegLive))
		s.publish(events.EventLegTransition, trio, leg.role, res.ExchangeOrderID, string(store.LegPendingSubmit), string(store.LegLive), "")
	}

	if _, err := s.store.TransitionTrio(ctx, trio.ID, store.TrioPending, store.TrioLive, ""); err != nil {
		return store.Trio{}, fmt.Errorf("mark trio live: %w", err)
	}
	s.metrics.IncTriosPlaced()
	s.publish(events.EventTrioPlaced, trio, "", "", string(store.TrioPending), string(store.TrioLive), "")
	log.Printf("placement: trio %s live bot=%s %s %s qty=%s trigger=%s stop=%s tp=%s",
		trio.ID, bot.ID, trio.Symbol, trio.Side, trio.Qty, trio.Trigger, trio.Stop, trio.TakeProfit)

	return s.store.GetTrio(ctx, trio.ID)
}

// plan resolves filters, balance and leverage, sizes the position and builds
// the legs. Only leverage adjustment has an exchange side effect.
func (s *Service) plan(ctx context.Context, client common.TradingClient, arm Arm, bot db.Bot) (store.Trio, []legPlan, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	filter, err := client.GetSymbolFilters(cctx, arm.Symbol)
	if err != nil {
		return store.Trio{}, nil, fmt.Errorf("symbol filters: %w", err)
	}
	balance, err := client.GetAvailableBalance(cctx, s.opts.Asset)
	if err != nil {
		return store.Trio{}, nil, fmt.Errorf("available balance: %w", err)
	}
	current, err := client.GetLeverage(cctx, arm.Symbol)
	if err != nil {
		return store.Trio{}, nil, fmt.Errorf("leverage: %w", err)
	}

	in := SizingFromBot(bot)
	in.Balance = balance
	in.Trigger = arm.Trigger
	in.Stop = arm.Stop
	in.Filter = filter
	if in.Leverage <= 0 {
		in.Leverage = current
	}
	qty, err := Size(in)
	if err != nil {
		log.Printf("placement: bot %s %s rejected: %v", bot.ID, arm.Symbol, err)
		return store.Trio{}, nil, err
	}

	r := bot.TPRMultiple
	if !r.IsPositive() {
		r = s.opts.DefaultTPR
	}
	tp := filter.RoundPrice(TakeProfitPrice(arm.Side, arm.Trigger, arm.Stop, r))
	if !tp.IsPositive() {
		return store.Trio{}, nil, &common.ValidationError{Field: "take_profit", Reason: "computed price is not positive"}
	}

	if bot.Leverage > 0 && bot.Leverage != current {
		if err := client.SetLeverage(cctx, arm.Symbol, bot.Leverage); err != nil {
			return store.Trio{}, nil, fmt.Errorf("set leverage %d: %w", bot.Leverage, err)
		}
		log.Printf("placement: %s leverage %d -> %d for bot %s", arm.Symbol, current, bot.Leverage, bot.ID)
	}

	id := s.newID()
	legs := buildLegs(legParams{
		trioID:    id,
		arm:       arm,
		qty:       qty,
		stop:      arm.Stop,
		tp:        tp,
		filter:    filter,
		hedge:     client.HedgeMode(),
		entryType: s.opts.EntryType,
	})
	trio := store.Trio{
		ID:            id,
		BotID:         bot.ID,
		Symbol:        arm.Symbol,
		Timeframe:     arm.Timeframe,
		Side:          arm.Side,
		CredentialRef: bot.CredentialRef,
		SignalTs:      arm.SourceTs,
		Trigger:       filter.RoundPrice(arm.Trigger),
		Stop:          filter.RoundPrice(arm.Stop),
		TakeProfit:    tp,
		Qty:           qty,
	}
	for _, l := range legs {
		trio.Legs = append(trio.Legs, l.storeLeg())
	}
	return trio, legs, nil
}

func (s *Service) submit(ctx context.Context, client common.TradingClient, req common.OrderRequest) (common.OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return client.PlaceOrder(cctx, req)
}

// unwind handles a failed leg: the failed and never-submitted legs are
// closed out in the store and every placed leg is canceled. The returned
// error is always a *PlacementError.
func (s *Service) unwind(ctx context.Context, client common.TradingClient, trio store.Trio, failed store.Role, placed []placedLeg, cause error) error {
	// Rollback must run to completion even if the caller is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RollbackTimeout)
	defer cancel()

	ambiguous := errors.Is(cause, common.ErrAmbiguousOutcome)
	perr := &PlacementError{TrioID: trio.ID, Role: failed, Err: cause}
	log.Printf("placement: trio %s %s leg failed (%s): %v", trio.ID, failed, common.ErrorClass(cause), cause)

	submitted := true
	for _, role := range store.Roles {
		if role == failed {
			submitted = false
			if ambiguous || s.wasPlaced(placed, role) {
				continue
			}
			s.closeLeg(ctx, trio.ID, role, store.LegRejected, common.ErrorClass(cause), decimal.Zero)
			continue
		}
		if !submitted {
			s.closeLeg(ctx, trio.ID, role, store.LegCanceled, "NOT_SUBMITTED", decimal.Zero)
		}
	}

	if len(placed) == 0 {
		to := store.TrioFailed
		if ambiguous {
			to = store.TrioAmbiguous
			s.metrics.IncAmbiguous()
		}
		s.finish(ctx, trio, store.TrioPending, to, failed, cause)
		perr.State = to
		return perr
	}

	if _, err := s.store.TransitionTrio(ctx, trio.ID, store.TrioPending, store.TrioRollingBack, "rollback: "+string(failed)+" failed"); err != nil {
		log.Printf("placement: trio %s rolling back: %v", trio.ID, err)
	}
	s.metrics.IncRollbacks()

	perr.Rollback = s.rollback(ctx, client, trio, placed)
	switch {
	case perr.Rollback != nil:
		perr.State = store.TrioFailedRollback
		s.metrics.IncFailedRollbacks()
		s.publish(events.EventRiskAlert, trio, failed, "", string(store.TrioRollingBack), string(store.TrioFailedRollback),
			"rollback failed: "+perr.Rollback.Error())
		log.Printf("placement: ⚠️ trio %s FAILED_ROLLBACK, operator attention required: %v", trio.ID, perr.Rollback)
	case ambiguous:
		perr.State = store.TrioAmbiguous
		s.metrics.IncAmbiguous()
	default:
		perr.State = store.TrioFailed
	}
	s.finish(ctx, trio, store.TrioRollingBack, perr.State, failed, cause)
	return perr
}

func (s *Service) wasPlaced(placed []placedLeg, role store.Role) bool {
	for _, p := range placed {
		if p.role == role {
			return true
		}
	}
	return false
}

// rollback cancels placed legs newest first. A leg the exchange no longer
// knows is accepted as canceled unless it filled, which leaves a position
// without its bracket.
func (s *Service) rollback(ctx context.Context, client common.TradingClient, trio store.Trio, placed []placedLeg) error {
	var firstErr error
	for i := len(placed) - 1; i >= 0; i-- {
		leg := placed[i]
		err := s.cancelLeg(ctx, client, trio, leg)
		if err != nil {
			log.Printf("placement: trio %s cancel %s (%s) failed: %v", trio.ID, leg.role, leg.id, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cancel %s leg %s: %w", leg.role, leg.id, err)
			}
		}
	}
	return firstErr
}

func (s *Service) cancelLeg(ctx context.Context, client common.TradingClient, trio store.Trio, leg placedLeg) error {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	err := client.CancelOrder(cctx, trio.Symbol, leg.id)
	if err == nil {
		filled := s.executedQty(ctx, client, trio, leg)
		s.closeLeg(ctx, trio.ID, leg.role, store.LegCanceled, "CANCELED", filled)
		if filled.IsPositive() {
			return fmt.Errorf("leg %s filled %s before it was canceled", leg.id, filled)
		}
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	st, qerr := client.GetOrderStatus(cctx, trio.Symbol, leg.id)
	switch {
	case errors.Is(qerr, common.ErrNotFound):
		s.closeLeg(ctx, trio.ID, leg.role, store.LegCanceled, "NOT_FOUND", decimal.Zero)
		return nil
	case qerr != nil:
		return qerr
	case st.Status == common.StatusFilled || st.ExecutedQty.IsPositive():
		s.store.ApplyLegUpdate(ctx, trio.ID, leg.role, store.LegUpdate{
			To: store.LegLive, FilledQty: st.ExecutedQty, ExchangeStatus: st.RawStatus,
		})
		return fmt.Errorf("leg %s filled before it could be canceled", leg.id)
	default:
		s.closeLeg(ctx, trio.ID, leg.role, legStateOf(st.Status), st.RawStatus, st.ExecutedQty)
		return nil
	}
}

func legStateOf(st common.OrderStatus) store.LegState {
	switch st {
	case common.StatusFilled:
		return store.LegFilled
	case common.StatusRejected:
		return store.LegRejected
	case common.StatusExpired:
		return store.LegExpired
	default:
		return store.LegCanceled
	}
}

// executedQty reads what a just-canceled leg filled. A failed read is logged
// and recorded as no fill.
func (s *Service) executedQty(ctx context.Context, client common.TradingClient, trio store.Trio, leg placedLeg) decimal.Decimal {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	st, err := client.GetOrderStatus(cctx, trio.Symbol, leg.id)
	if err != nil {
		log.Printf("placement: trio %s %s leg %s canceled, fill unknown: %v", trio.ID, leg.role, leg.id, err)
		return decimal.Zero
	}
	return st.ExecutedQty
}

func (s *Service) closeLeg(ctx context.Context, trioID string, role store.Role, to store.LegState, status string, filled decimal.Decimal) {
	u := store.LegUpdate{To: to, ExchangeStatus: status, FilledQty: filled}
	if _, _, err := s.store.ApplyLegUpdate(ctx, trioID, role, u); err != nil {
		log.Printf("placement: trio %s leg %s -> %s: %v", trioID, role, to, err)
		return
	}
	s.metrics.IncTransition(string(to))
}

func (s *Service) finish(ctx context.Context, trio store.Trio, from, to store.TrioState, failed store.Role, cause error) {
	reason := fmt.Sprintf("%s leg: %s", failed, common.ErrorClass(cause))
	if _, err := s.store.TransitionTrio(ctx, trio.ID, from, to, reason); err != nil {
		log.Printf("placement: trio %s -> %s: %v", trio.ID, to, err)
	}
	s.publish(events.EventTrioFailed, trio, failed, "", string(from), string(to), reason)
}

func (s *Service) publish(ev events.Event, trio store.Trio, role store.Role, legID, from, to, reason string) {
	s.bus.Publish(events.Envelope{
		Event:  ev,
		TrioID: trio.ID,
		BotID:  trio.BotID,
		Symbol: trio.Symbol,
		LegID:  legID,
		Role:   string(role),
		From:   from,
		To:     to,
		Reason: reason,
	})
}
