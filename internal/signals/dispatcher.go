package signals

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
	"futures-worker/internal/placement"
	"futures-worker/internal/store"
	"futures-worker/pkg/db"
	"futures-worker/pkg/exchanges/common"
)

// BotSource lists the bots subscribed to a route.
type BotSource interface {
	EnabledBotsFor(ctx context.Context, symbol, timeframe string) ([]db.Bot, error)
}

// Deduper records handled signals.
type Deduper interface {
	MarkSignalProcessed(ctx context.Context, k store.SignalKey, streamID string) (bool, error)
}

// Placer places one trio for one bot.
type Placer interface {
	PlaceTrio(ctx context.Context, arm placement.Arm, bot db.Bot) (store.Trio, error)
}

// Disarmer closes open trios for a route.
type Disarmer interface {
	CancelForDisarm(ctx context.Context, d monitor.Disarm) (int, error)
}

// Dispatcher routes deduplicated signals: ARM to placement once per eligible
// bot, DISARM to the monitor's cancellation path.
type Dispatcher struct {
	bots     BotSource
	dedup    Deduper
	placer   Placer
	disarmer Disarmer
	bus      *events.Bus
	metrics  *metrics.Metrics
	workers  int

	disarmAttempts int
	disarmBackoff  time.Duration
}

// NewDispatcher creates a dispatcher placing for at most workers bots at once.
func NewDispatcher(bots BotSource, dedup Deduper, placer Placer, disarmer Disarmer, bus *events.Bus, m *metrics.Metrics, workers int) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		bots:           bots,
		dedup:          dedup,
		placer:         placer,
		disarmer:       disarmer,
		bus:            bus,
		metrics:        m,
		workers:        workers,
		disarmAttempts: 3,
		disarmBackoff:  time.Second,
	}
}

// Handle dispatches sig once. Errors before the signal is recorded are
// returned so the entry is redelivered; once recorded, per-bot failures are
// logged and counted but never returned.
func (d *Dispatcher) Handle(ctx context.Context, sig Signal) error {
	var bots []db.Bot
	if sig.Kind == KindArm {
		all, err := d.bots.EnabledBotsFor(ctx, sig.Symbol, sig.Timeframe)
		if err != nil {
			return fmt.Errorf("load bots: %w", err)
		}
		for _, b := range all {
			if b.AllowsSide(sig.Side) {
				bots = append(bots, b)
			}
		}
	}

	first, err := d.dedup.MarkSignalProcessed(ctx, sig.Key(), sig.StreamID)
	if err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	if !first {
		d.metrics.IncDuplicateSkipped()
		d.metrics.IncSignal("duplicate")
		log.Printf("signals: %s %s already handled, skipping", sig.Kind, sig.Key())
		return nil
	}
	d.bus.Publish(events.Envelope{Event: events.EventSignalReceived, Symbol: sig.Symbol, Reason: string(sig.Kind)})

	switch sig.Kind {
	case KindArm:
		d.arm(ctx, sig, bots)
	case KindDisarm:
		d.disarm(ctx, sig)
	}
	return nil
}

func (d *Dispatcher) arm(ctx context.Context, sig Signal, bots []db.Bot) {
	if len(bots) == 0 {
		d.metrics.IncSignal("skipped")
		log.Printf("signals: ARM %s %s %s has no eligible bots", sig.Symbol, sig.Timeframe, sig.Side)
		return
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		placed int
		sem    = make(chan struct{}, d.workers)
	)
	arm := sig.Arm()
	for _, bot := range bots {
		wg.Add(1)
		sem <- struct{}{}
		go func(bot db.Bot) {
			defer wg.Done()
			defer func() { <-sem }()
			trio, err := d.placer.PlaceTrio(ctx, arm, bot)
			if err != nil {
				d.placeFailed(sig, bot, err)
				return
			}
			mu.Lock()
			placed++
			mu.Unlock()
			log.Printf("signals: bot %s trio %s placed for %s %s", bot.ID, trio.ID, sig.Symbol, sig.Side)
		}(bot)
	}
	wg.Wait()

	if placed > 0 {
		d.metrics.IncSignal("placed")
	} else {
		d.metrics.IncSignal("failed")
	}
	log.Printf("signals: ARM %s %s %s dispatched to %d bot(s), %d placed", sig.Symbol, sig.Timeframe, sig.Side, len(bots), placed)
}

func (d *Dispatcher) placeFailed(sig Signal, bot db.Bot, err error) {
	switch {
	case errors.Is(err, common.ErrAuth), errors.Is(err, common.ErrForbidden):
		d.metrics.IncAuthErrors()
		log.Printf("signals: bot %s skipped, credentials rejected: %v", bot.ID, err)
	case errors.Is(err, placement.ErrSizing), errors.Is(err, common.ErrValidation):
		log.Printf("signals: bot %s rejected %s %s: %v", bot.ID, sig.Symbol, sig.Side, err)
	default:
		log.Printf("signals: bot %s placement failed: %v", bot.ID, err)
	}
}

// disarm retries a partially failed cancellation in place. Trios still open
// after the last attempt keep their brackets and raise a risk alert.
func (d *Dispatcher) disarm(ctx context.Context, sig Signal) {
	req := monitor.Disarm{
		Symbol:    sig.Symbol,
		Timeframe: sig.Timeframe,
		PrevSide:  sig.PrevSide,
		Reason:    sig.Reason,
	}
	total := 0
	var err error
retry:
	for attempt := 1; attempt <= d.disarmAttempts; attempt++ {
		var closed int
		closed, err = d.disarmer.CancelForDisarm(ctx, req)
		total += closed
		if err == nil {
			break
		}
		log.Printf("signals: DISARM %s %s attempt %d: %v", sig.Symbol, sig.Timeframe, attempt, err)
		if attempt == d.disarmAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(d.disarmBackoff):
		}
	}
	if err != nil {
		d.metrics.IncSignal("error")
		d.bus.Publish(events.Envelope{
			Event:  events.EventRiskAlert,
			Symbol: sig.Symbol,
			Reason: fmt.Sprintf("DISARM %s %s not completed: %v", sig.Timeframe, sig.PrevSide, err),
		})
		return
	}
	d.metrics.IncSignal("disarmed")
	log.Printf("signals: DISARM %s %s %s closed %d trio(s)", sig.Symbol, sig.Timeframe, sig.PrevSide, total)
}

// PruneLoop deletes processed-signal records older than retention, every
// interval, until ctx is done.
func PruneLoop(ctx context.Context, st *store.Store, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PruneProcessedSignals(ctx, time.Now().Add(-retention).UnixMilli())
			if err != nil {
				log.Printf("signals: prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("signals: pruned %d processed signal(s)", n)
			}
		}
	}
}
