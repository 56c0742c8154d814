package events

import "time"

// Event enumerates high-level topics inside the worker.
type Event string

const (
	EventSignalReceived  Event = "signal.received"
	EventTrioPlaced      Event = "trio.placed"
	EventTrioFailed      Event = "trio.failed"
	EventTrioClosed      Event = "trio.closed"
	EventLegTransition   Event = "leg.transition"
	EventRiskAlert       Event = "risk_alert"
	EventExchangeFailure Event = "exchange.failure"
)

// AllEvents lists every topic, used by broadcast subscribers.
var AllEvents = []Event{
	EventSignalReceived,
	EventTrioPlaced,
	EventTrioFailed,
	EventTrioClosed,
	EventLegTransition,
	EventRiskAlert,
	EventExchangeFailure,
}

// Envelope is the payload shape published on the bus.
type Envelope struct {
	Event  Event     `json:"event"`
	TrioID string    `json:"trio_id,omitempty"`
	BotID  string    `json:"bot_id,omitempty"`
	Symbol string    `json:"symbol,omitempty"`
	LegID  string    `json:"leg_id,omitempty"`
	Role   string    `json:"role,omitempty"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
