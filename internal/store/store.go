package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/pkg/db"
)

// ErrNotFound is returned when a trio or leg does not exist.
var ErrNotFound = db.ErrNotFound

// Trio is the persisted record of one placement attempt.
type Trio struct {
	ID            string
	BotID         string
	Symbol        string
	Timeframe     string
	Side          string // long|short
	State         TrioState
	CredentialRef string
	SignalTs      int64
	Trigger       decimal.Decimal
	Stop          decimal.Decimal
	TakeProfit    decimal.Decimal
	Qty           decimal.Decimal
	CloseReason   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Legs          []Leg
}

// Leg returns the leg with the given role.
func (t Trio) Leg(role Role) (Leg, bool) {
	for _, l := range t.Legs {
		if l.Role == role {
			return l, true
		}
	}
	return Leg{}, false
}

// Leg is one order of a trio.
type Leg struct {
	TrioID             string
	Role               Role
	ClientOrderID      string
	ExchangeOrderID    string
	Side               string // BUY|SELL
	OrderType          string
	State              LegState
	RequestedQty       decimal.Decimal
	RequestedPrice     decimal.Decimal
	StopPrice          decimal.Decimal
	FilledQty          decimal.Decimal
	LastExchangeStatus string
	UpdatedAt          time.Time
}

// Filter narrows ListTrios. Empty fields match everything.
type Filter struct {
	BotID  string
	Symbol string
	State  TrioState
	Limit  int
}

// Store is the order state store on top of SQLite.
type Store struct {
	db  *db.Database
	now func() time.Time
}

// New returns a store backed by d. The schema must already be applied.
func New(d *db.Database) *Store {
	return &Store{db: d, now: time.Now}
}

// CreateTrio persists a trio in PENDING with every leg PENDING_SUBMIT, atomically.
func (s *Store) CreateTrio(ctx context.Context, t Trio) error {
	if len(t.Legs) == 0 {
		return fmt.Errorf("trio %s has no legs", t.ID)
	}
	now := s.now().UnixMilli()

	tx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trios (id, bot_id, symbol, timeframe, side, state, credential_ref, signal_ts,
			trigger_price, stop_price, tp_price, qty, close_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`, t.ID, t.BotID, t.Symbol, t.Timeframe, t.Side, string(TrioPending), t.CredentialRef, t.SignalTs,
		t.Trigger.String(), t.Stop.String(), t.TakeProfit.String(), t.Qty.String(), now, now)
	if err != nil {
		return fmt.Errorf("insert trio %s: %w", t.ID, err)
	}

	for _, l := range t.Legs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO legs (trio_id, role, client_order_id, exchange_order_id, side, order_type, state,
				requested_qty, requested_price, stop_price, filled_qty, last_exchange_status, updated_at)
			VALUES (?, ?, ?, '', ?, ?, ?, ?, ?, ?, '0', '', ?)
		`, t.ID, string(l.Role), l.ClientOrderID, l.Side, l.OrderType, string(LegPendingSubmit),
			l.RequestedQty.String(), l.RequestedPrice.String(), l.StopPrice.String(), now)
		if err != nil {
			return fmt.Errorf("insert leg %s/%s: %w", t.ID, l.Role, err)
		}
	}
	return tx.Commit()
}

// MarkLegLive records the exchange acknowledgement of a PENDING_SUBMIT leg.
func (s *Store) MarkLegLive(ctx context.Context, trioID string, role Role, exchangeOrderID, exchangeStatus string) error {
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE legs SET state = ?, exchange_order_id = ?, last_exchange_status = ?, updated_at = ?
		WHERE trio_id = ? AND role = ? AND state = ?
	`, string(LegLive), exchangeOrderID, exchangeStatus, s.now().UnixMilli(),
		trioID, string(role), string(LegPendingSubmit))
	if err != nil {
		return fmt.Errorf("mark leg live %s/%s: %w", trioID, role, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		leg, err := s.GetLeg(ctx, trioID, role)
		if err != nil {
			return err
		}
		return &TransitionError{Kind: "leg", ID: trioID + "/" + string(role), From: string(leg.State), To: string(LegLive)}
	}
	return nil
}

// LegUpdate is an observation of a leg on the exchange.
type LegUpdate struct {
	To              LegState
	ExchangeOrderID string // set when known and not yet recorded
	FilledQty       decimal.Decimal
	ExchangeStatus  string
}

// ApplyLegUpdate moves a leg forward. Re-observing the current state only
// refreshes fill and raw status; observations that would move a terminal leg
// are ignored. It returns the previous state and whether the state changed.
func (s *Store) ApplyLegUpdate(ctx context.Context, trioID string, role Role, u LegUpdate) (LegState, bool, error) {
	if !u.To.Valid() {
		return "", false, fmt.Errorf("unknown leg state %q", u.To)
	}
	leg, err := s.GetLeg(ctx, trioID, role)
	if err != nil {
		return "", false, err
	}
	from := leg.State
	now := s.now().UnixMilli()

	if from == u.To || from.Terminal() {
		if from.Terminal() && from != u.To {
			return from, false, nil
		}
		_, err := s.db.DB.ExecContext(ctx, `
			UPDATE legs SET filled_qty = ?, last_exchange_status = ?, updated_at = ?
			WHERE trio_id = ? AND role = ? AND state = ?
		`, u.FilledQty.String(), u.ExchangeStatus, now, trioID, string(role), string(from))
		return from, false, err
	}
	if !from.CanTransition(u.To) {
		return from, false, &TransitionError{Kind: "leg", ID: trioID + "/" + string(role), From: string(from), To: string(u.To)}
	}

	exchangeID := leg.ExchangeOrderID
	if exchangeID == "" {
		exchangeID = u.ExchangeOrderID
	}
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE legs SET state = ?, exchange_order_id = ?, filled_qty = ?, last_exchange_status = ?, updated_at = ?
		WHERE trio_id = ? AND role = ? AND state = ?
	`, string(u.To), exchangeID, u.FilledQty.String(), u.ExchangeStatus, now, trioID, string(role), string(from))
	if err != nil {
		return from, false, fmt.Errorf("update leg %s/%s: %w", trioID, role, err)
	}
	n, _ := res.RowsAffected()
	return from, n == 1, nil
}

// TransitionTrio moves a trio from -> to only if it is still in from. The
// boolean reports whether this caller won the transition.
func (s *Store) TransitionTrio(ctx context.Context, id string, from, to TrioState, reason string) (bool, error) {
	if !from.CanTransition(to) {
		return false, &TransitionError{Kind: "trio", ID: id, From: string(from), To: string(to)}
	}
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE trios SET state = ?, close_reason = CASE WHEN ? != '' THEN ? ELSE close_reason END, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(to), reason, reason, s.now().UnixMilli(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition trio %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const trioColumns = `id, bot_id, symbol, timeframe, side, state, credential_ref, signal_ts,
	trigger_price, stop_price, tp_price, qty, close_reason, created_at, updated_at`

const legColumns = `trio_id, role, client_order_id, exchange_order_id, side, order_type, state,
	requested_qty, requested_price, stop_price, filled_qty, last_exchange_status, updated_at`

type scanner interface{ Scan(...any) error }

func scanTrio(row scanner) (Trio, error) {
	var (
		t                Trio
		state            string
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.BotID, &t.Symbol, &t.Timeframe, &t.Side, &state, &t.CredentialRef,
		&t.SignalTs, &t.Trigger, &t.Stop, &t.TakeProfit, &t.Qty, &t.CloseReason, &created, &updated)
	if err != nil {
		return Trio{}, err
	}
	t.State = TrioState(state)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}

func scanLeg(row scanner) (Leg, error) {
	var (
		l           Leg
		role, state string
		updated     int64
	)
	err := row.Scan(&l.TrioID, &role, &l.ClientOrderID, &l.ExchangeOrderID, &l.Side, &l.OrderType, &state,
		&l.RequestedQty, &l.RequestedPrice, &l.StopPrice, &l.FilledQty, &l.LastExchangeStatus, &updated)
	if err != nil {
		return Leg{}, err
	}
	l.Role = Role(role)
	l.State = LegState(state)
	l.UpdatedAt = time.UnixMilli(updated)
	return l, nil
}

// GetTrio returns a trio with its legs.
func (s *Store) GetTrio(ctx context.Context, id string) (Trio, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+trioColumns+` FROM trios WHERE id = ?`, id)
	t, err := scanTrio(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trio{}, ErrNotFound
	}
	if err != nil {
		return Trio{}, fmt.Errorf("get trio %s: %w", id, err)
	}
	legs, err := s.legsOf(ctx, []string{id})
	if err != nil {
		return Trio{}, err
	}
	t.Legs = legs[id]
	return t, nil
}

// GetLeg returns one leg.
func (s *Store) GetLeg(ctx context.Context, trioID string, role Role) (Leg, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+legColumns+` FROM legs WHERE trio_id = ? AND role = ?`,
		trioID, string(role))
	l, err := scanLeg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Leg{}, ErrNotFound
	}
	if err != nil {
		return Leg{}, fmt.Errorf("get leg %s/%s: %w", trioID, role, err)
	}
	return l, nil
}

// ListTrios returns trios matching f, newest first, with legs attached.
func (s *Store) ListTrios(ctx context.Context, f Filter) ([]Trio, error) {
	var (
		where []string
		args  []any
	)
	if f.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, f.BotID)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	query := `SELECT ` + trioColumns + ` FROM trios`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryTrios(ctx, query, args...)
}

// TriosInStates returns trios in any of states, oldest first.
func (s *Store) TriosInStates(ctx context.Context, states ...TrioState) ([]Trio, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	query := `SELECT ` + trioColumns + ` FROM trios WHERE state IN (` + placeholders(len(states)) + `) ORDER BY created_at, id`
	return s.queryTrios(ctx, query, args...)
}

// LiveTrios returns the trios the monitor must poll.
func (s *Store) LiveTrios(ctx context.Context) ([]Trio, error) {
	return s.TriosInStates(ctx, TrioLive)
}

// LiveTriosFor returns LIVE trios for a (symbol, timeframe) route.
func (s *Store) LiveTriosFor(ctx context.Context, symbol, timeframe string) ([]Trio, error) {
	return s.queryTrios(ctx, `SELECT `+trioColumns+` FROM trios
		WHERE symbol = ? AND timeframe = ? AND state = ? ORDER BY created_at, id`,
		strings.ToUpper(symbol), timeframe, string(TrioLive))
}

// RecoveryCandidates returns trios a previous process left mid-flight.
func (s *Store) RecoveryCandidates(ctx context.Context) ([]Trio, error) {
	return s.TriosInStates(ctx, TrioPending, TrioRollingBack, TrioAmbiguous, TrioClosing)
}

// CountByState returns the number of trios per state.
func (s *Store) CountByState(ctx context.Context) (map[TrioState]int, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM trios GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count trios: %w", err)
	}
	defer rows.Close()

	out := make(map[TrioState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[TrioState(state)] = n
	}
	return out, rows.Err()
}

func (s *Store) queryTrios(ctx context.Context, query string, args ...any) ([]Trio, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trios: %w", err)
	}
	var (
		trios []Trio
		ids   []string
	)
	for rows.Next() {
		t, err := scanTrio(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan trio: %w", err)
		}
		trios = append(trios, t)
		ids = append(ids, t.ID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return trios, nil
	}

	legs, err := s.legsOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range trios {
		trios[i].Legs = legs[trios[i].ID]
	}
	return trios, nil
}

func (s *Store) legsOf(ctx context.Context, trioIDs []string) (map[string][]Leg, error) {
	args := make([]any, len(trioIDs))
	for i, id := range trioIDs {
		args[i] = id
	}
	rows, err := s.db.DB.QueryContext(ctx, `SELECT `+legColumns+` FROM legs
		WHERE trio_id IN (`+placeholders(len(trioIDs))+`)
		ORDER BY trio_id, CASE role WHEN 'entry' THEN 0 WHEN 'stop' THEN 1 ELSE 2 END`, args...)
	if err != nil {
		return nil, fmt.Errorf("query legs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Leg, len(trioIDs))
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		out[l.TrioID] = append(out[l.TrioID], l)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
