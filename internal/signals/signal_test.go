package signals

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-worker/pkg/exchanges/common"
)

func armFields() map[string]any {
	return map[string]any{
		"v": "1", "type": "arm", "side": "long", "sym": "btcusdt", "tf": "15m",
		"ts": "1760000000000", "ind_ts": "1759999100000", "ind_high": "121600.01",
		"ind_low": "121399.99", "trigger": "121600.01", "stop": "121399.99",
	}
}

func TestParseFlatArm(t *testing.T) {
	fields := armFields()
	fields["extra"] = "ignored"
	sig, err := Parse(fields)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sig.Kind != KindArm || sig.Symbol != "BTCUSDT" || sig.Side != "long" || sig.Ts != 1760000000000 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if !sig.Trigger.Equal(decimal.RequireFromString("121600.01")) {
		t.Fatalf("trigger = %s", sig.Trigger)
	}
	arm := sig.Arm()
	if arm.Symbol != "BTCUSDT" || arm.Timeframe != "15m" || !arm.Stop.Equal(sig.Stop) || arm.SourceTs != sig.Ts {
		t.Fatalf("arm = %+v", arm)
	}
}

func TestParseJSONPayloadWithNumbers(t *testing.T) {
	sig, err := Parse(map[string]any{"json": `{"v":1,"type":"ARM","side":"short","sym":"ETHUSDT","tf":"1h",
		"ts":1760000000000,"ind_ts":1759996400000,"ind_high":2650.5,"ind_low":"2600","trigger":2600,"stop":2650.5,"note":{"x":1}}`})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sig.Kind != KindArm || sig.Side != "short" || sig.Version != "1" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if !sig.Stop.Equal(decimal.RequireFromString("2650.5")) || sig.IndTs != 1759996400000 {
		t.Fatalf("stop = %s ind_ts = %d", sig.Stop, sig.IndTs)
	}
}

func TestParseDisarm(t *testing.T) {
	sig, err := Parse(map[string]any{
		"v": "1", "type": "disarm", "prev_side": "LONG", "sym": "BTCUSDT", "tf": "15m",
		"ts": "1760000000000", "reason": "regime flip",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sig.Kind != KindDisarm || sig.PrevSide != "long" || sig.Reason != "regime flip" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if k := sig.Key(); k.Kind != "DISARM" || k.SourceTs != 1760000000000 || k.Symbol != "BTCUSDT" {
		t.Fatalf("key = %+v", k)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{"missing version", func(f map[string]any) { delete(f, "v") }, "v"},
		{"missing type", func(f map[string]any) { delete(f, "type") }, "type"},
		{"unknown type", func(f map[string]any) { f["type"] = "hold" }, "type"},
		{"missing trigger", func(f map[string]any) { delete(f, "trigger") }, "trigger"},
		{"missing ind_ts", func(f map[string]any) { delete(f, "ind_ts") }, "ind_ts"},
		{"blank stop", func(f map[string]any) { f["stop"] = " " }, "stop"},
		{"bad side", func(f map[string]any) { f["side"] = "flat" }, "side"},
		{"non-numeric trigger", func(f map[string]any) { f["trigger"] = "abc" }, "trigger"},
		{"zero trigger", func(f map[string]any) { f["trigger"] = "0" }, "trigger"},
		{"negative stop", func(f map[string]any) { f["stop"] = "-1" }, "stop"},
		{"fractional ts", func(f map[string]any) { f["ts"] = "1760000000000.5" }, "ts"},
		{"inverted indicator range", func(f map[string]any) { f["ind_low"] = "121700" }, "ind_low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := armFields()
			tt.mutate(fields)
			_, err := Parse(fields)
			var verr *common.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field = %s, want %s", verr.Field, tt.field)
			}
			if !errors.Is(err, common.ErrValidation) {
				t.Fatalf("not classed as validation: %v", err)
			}
		})
	}

	t.Run("disarm without reason", func(t *testing.T) {
		_, err := Parse(map[string]any{"v": "1", "type": "disarm", "prev_side": "short", "sym": "BTCUSDT", "tf": "15m", "ts": "1", "reason": ""})
		if !errors.Is(err, common.ErrValidation) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("malformed json", func(t *testing.T) {
		_, err := Parse(map[string]any{"json": `{"type":`})
		if !errors.Is(err, common.ErrValidation) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestStreamKeys(t *testing.T) {
	key := StreamKey("btcusdt", "15m")
	if key != "stream:signal|{BTCUSDT:15m}" {
		t.Fatalf("key = %s", key)
	}
	sym, tf, ok := ParseStreamKey(key)
	if !ok || sym != "BTCUSDT" || tf != "15m" {
		t.Fatalf("parsed %s %s %v", sym, tf, ok)
	}
	for _, bad := range []string{"stream:ind|{BTCUSDT:15m}", "stream:signal|BTCUSDT:15m", "stream:signal|{BTCUSDT}"} {
		if _, _, ok := ParseStreamKey(bad); ok {
			t.Fatalf("%s parsed", bad)
		}
	}
}

func TestAge(t *testing.T) {
	now := time.UnixMilli(1760000020000)
	sig := Signal{Ts: 1760000000000}
	if got := sig.Age(now); got != 20*time.Second {
		t.Fatalf("age = %s", got)
	}
}
