package metrics

import (
	"testing"
	"time"
)

func TestCountersAndSnapshot(t *testing.T) {
	m := New()
	m.IncTriosPlaced()
	m.IncRollbacks()
	m.IncFailedRollbacks()
	m.IncSignal("placed")
	m.IncSignal("placed")
	m.IncSignal("stale")
	m.IncTransition("FILLED")
	m.IncExchangeError("bad_request")
	m.IncExchangeError("")
	m.PlacementLatency.RecordDuration(20 * time.Millisecond)

	snap := m.Snapshot(2)
	if snap.TriosPlaced != 1 || snap.Rollbacks != 1 || snap.FailedRollbacks != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if snap.SignalsProcessed["placed"] != 2 || snap.SignalsProcessed["stale"] != 1 {
		t.Fatalf("signals = %v", snap.SignalsProcessed)
	}
	if len(snap.ExchangeErrors) != 1 || m.ExchangeError("bad_request") != 1 {
		t.Fatalf("exchange errors = %v", snap.ExchangeErrors)
	}
	if snap.DegradedFilters != 2 || snap.PlacementLatency.Count != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	st := h.Stats()
	if st.Count != 3 || st.Max != 3 || st.Min != 1 {
		t.Fatalf("oldest sample should be evicted: %+v", st)
	}
}
