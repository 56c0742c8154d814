package store

import "fmt"

// LegState is the lifecycle of one order leg.
//
//	PENDING_SUBMIT -> LIVE -> {FILLED, CANCELED, REJECTED, EXPIRED}
//
// PENDING_SUBMIT may also resolve straight to a terminal state when the
// recovery pass finds the order already finished (or never placed).
type LegState string

const (
	LegPendingSubmit LegState = "PENDING_SUBMIT"
	LegLive          LegState = "LIVE"
	LegFilled        LegState = "FILLED"
	LegCanceled      LegState = "CANCELED"
	LegRejected      LegState = "REJECTED"
	LegExpired       LegState = "EXPIRED"
)

var legTransitions = map[LegState]map[LegState]bool{
	LegPendingSubmit: {LegLive: true, LegFilled: true, LegCanceled: true, LegRejected: true, LegExpired: true},
	LegLive:          {LegFilled: true, LegCanceled: true, LegRejected: true, LegExpired: true},
	LegFilled:        {},
	LegCanceled:      {},
	LegRejected:      {},
	LegExpired:       {},
}

// Valid reports whether s is a known leg state.
func (s LegState) Valid() bool {
	_, ok := legTransitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s LegState) Terminal() bool {
	next, ok := legTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is allowed.
func (s LegState) CanTransition(to LegState) bool {
	return legTransitions[s][to]
}

// TrioState is the lifecycle of a three-leg order set.
type TrioState string

const (
	TrioPending        TrioState = "PENDING"         // legs being submitted
	TrioLive           TrioState = "LIVE"            // all three legs acknowledged
	TrioRollingBack    TrioState = "ROLLING_BACK"    // placement failed, canceling placed legs
	TrioClosing        TrioState = "CLOSING"         // a monitor pass or DISARM claimed the close
	TrioClosed         TrioState = "CLOSED"          // every leg terminal after being live
	TrioFailed         TrioState = "FAILED"          // placement failed and nothing remains live
	TrioAmbiguous      TrioState = "AMBIGUOUS"       // a submit may have reached the exchange
	TrioFailedRollback TrioState = "FAILED_ROLLBACK" // a cancel failed; operator attention required
)

var trioTransitions = map[TrioState]map[TrioState]bool{
	TrioPending:        {TrioLive: true, TrioRollingBack: true, TrioFailed: true, TrioAmbiguous: true},
	TrioLive:           {TrioClosing: true},
	TrioRollingBack:    {TrioFailed: true, TrioFailedRollback: true, TrioAmbiguous: true},
	TrioClosing:        {TrioClosed: true, TrioLive: true, TrioFailedRollback: true},
	TrioAmbiguous:      {TrioFailed: true, TrioFailedRollback: true},
	TrioClosed:         {},
	TrioFailed:         {},
	TrioFailedRollback: {},
}

// Valid reports whether s is a known trio state.
func (s TrioState) Valid() bool {
	_, ok := trioTransitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s TrioState) Terminal() bool {
	next, ok := trioTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is allowed.
func (s TrioState) CanTransition(to TrioState) bool {
	return trioTransitions[s][to]
}

// NeedsRecovery reports whether a trio was left mid-flight by a previous process.
func (s TrioState) NeedsRecovery() bool {
	switch s {
	case TrioPending, TrioRollingBack, TrioAmbiguous, TrioClosing:
		return true
	}
	return false
}

// Role identifies a leg inside its trio.
type Role string

const (
	RoleEntry      Role = "entry"
	RoleStop       Role = "stop"
	RoleTakeProfit Role = "take_profit"
)

// Roles in placement order.
var Roles = []Role{RoleEntry, RoleStop, RoleTakeProfit}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	Kind string
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Kind, e.ID, e.From, e.To)
}
