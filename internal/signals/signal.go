// Package signals consumes ARM/DISARM records from the upstream signal
// streams and routes them to placement and the monitor.
package signals

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/internal/placement"
	"futures-worker/internal/store"
	"futures-worker/pkg/exchanges/common"
)

// Kind is the record type.
type Kind string

const (
	KindArm    Kind = "arm"
	KindDisarm Kind = "disarm"
)

// Signal is one validated stream record.
type Signal struct {
	Version   string
	Kind      Kind
	Symbol    string
	Timeframe string
	Ts        int64 // epoch ms

	// ARM
	Side    string
	IndTs   int64
	IndHigh decimal.Decimal
	IndLow  decimal.Decimal
	Trigger decimal.Decimal
	Stop    decimal.Decimal

	// DISARM
	PrevSide string
	Reason   string

	StreamID string
}

// Key identifies the signal for deduplication.
func (s Signal) Key() store.SignalKey {
	return store.SignalKey{Symbol: s.Symbol, Timeframe: s.Timeframe, SourceTs: s.Ts, Kind: strings.ToUpper(string(s.Kind))}
}

// Arm converts an ARM signal into a placement request.
func (s Signal) Arm() placement.Arm {
	return placement.Arm{
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		Side:      s.Side,
		Trigger:   s.Trigger,
		Stop:      s.Stop,
		SourceTs:  s.Ts,
	}
}

// Age returns how old the signal is at now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.Ts))
}

// Parse validates a stream entry. The payload is either a single "json"
// field holding an object or flat fields. Numbers may be JSON numbers or
// strings; unknown fields are ignored.
func Parse(values map[string]any) (Signal, error) {
	fields := values
	if raw, ok := values["json"]; ok {
		obj, err := decodeJSON(raw)
		if err != nil {
			return Signal{}, invalid("json", err.Error())
		}
		fields = obj
	}
	r := reader{fields: fields}

	sig := Signal{
		Version:   r.str("v"),
		Kind:      Kind(strings.ToLower(r.str("type"))),
		Symbol:    strings.ToUpper(r.str("sym")),
		Timeframe: r.str("tf"),
		Ts:        r.millis("ts"),
	}
	switch sig.Kind {
	case KindArm:
		sig.Side = strings.ToLower(r.str("side"))
		sig.IndTs = r.millis("ind_ts")
		sig.IndHigh = r.dec("ind_high")
		sig.IndLow = r.dec("ind_low")
		sig.Trigger = r.dec("trigger")
		sig.Stop = r.dec("stop")
	case KindDisarm:
		sig.PrevSide = strings.ToLower(r.str("prev_side"))
		sig.Reason = r.str("reason")
	case "":
		return Signal{}, invalid("type", "missing")
	default:
		return Signal{}, invalid("type", fmt.Sprintf("unknown %q", sig.Kind))
	}
	if r.err != nil {
		return Signal{}, r.err
	}
	if err := sig.validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

func (s Signal) validate() error {
	if s.Ts <= 0 {
		return invalid("ts", "must be positive epoch milliseconds")
	}
	if s.Kind == KindDisarm {
		if !validSide(s.PrevSide) {
			return invalid("prev_side", fmt.Sprintf("%q is not long|short", s.PrevSide))
		}
		if strings.TrimSpace(s.Reason) == "" {
			return invalid("reason", "empty")
		}
		return nil
	}
	switch {
	case !validSide(s.Side):
		return invalid("side", fmt.Sprintf("%q is not long|short", s.Side))
	case s.IndTs <= 0:
		return invalid("ind_ts", "must be positive epoch milliseconds")
	case s.IndLow.GreaterThan(s.IndHigh):
		return invalid("ind_low", "above ind_high")
	case !s.Trigger.IsPositive():
		return invalid("trigger", "must be > 0")
	case !s.Stop.IsPositive():
		return invalid("stop", "must be > 0")
	}
	return nil
}

func validSide(s string) bool { return s == placement.SideLong || s == placement.SideShort }

func invalid(field, reason string) error {
	return &common.ValidationError{Field: field, Reason: reason}
}

func decodeJSON(raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

// reader extracts required fields, keeping the first error.
type reader struct {
	fields map[string]any
	err    error
}

func (r *reader) fail(field, reason string) {
	if r.err == nil {
		r.err = invalid(field, reason)
	}
}

func (r *reader) str(field string) string {
	v, ok := r.fields[field]
	if !ok || v == nil {
		r.fail(field, "missing")
		return ""
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	case json.Number:
		s = t.String()
	case float64:
		s = decimal.NewFromFloat(t).String()
	case int, int64, uint64:
		s = fmt.Sprint(t)
	case bool:
		s = fmt.Sprint(t)
	default:
		r.fail(field, fmt.Sprintf("unexpected %T", v))
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		r.fail(field, "missing")
	}
	return s
}

func (r *reader) dec(field string) decimal.Decimal {
	s := r.str(field)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.fail(field, fmt.Sprintf("%q is not a number", s))
		return decimal.Zero
	}
	return d
}

func (r *reader) millis(field string) int64 {
	d := r.dec(field)
	if !d.Equal(d.Truncate(0)) {
		r.fail(field, "must be integer milliseconds")
		return 0
	}
	return d.IntPart()
}
