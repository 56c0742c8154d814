package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync tracks the offset between the local clock and an exchange server.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	now           func() time.Time
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a time sync that resyncs once its offset is older than interval.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), interval time.Duration) *TimeSync {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &TimeSync{
		getServerTime: getServerTime,
		now:           time.Now,
		syncInterval:  interval,
	}
}

// Sync queries the server time and recomputes the offset.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := ts.now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := ts.now().UnixMilli()

	// Assume network latency is symmetric
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = ts.now()
	ts.mu.Unlock()

	log.Printf("timesync: offset=%dms server=%d local=%d", serverTime-localTime, serverTime, localTime)
	return nil
}

// Stale reports whether the offset was never measured or has aged out.
func (ts *TimeSync) Stale() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync.IsZero() || ts.now().Sub(ts.lastSync) >= ts.syncInterval
}

// SyncIfStale resyncs only when the offset is stale.
func (ts *TimeSync) SyncIfStale(ctx context.Context) error {
	if !ts.Stale() {
		return nil
	}
	return ts.Sync(ctx)
}

// Check fails with ClockSkewError when the measured drift cannot fit recvWindow.
func (ts *TimeSync) Check(recvWindowMs int64) error {
	drift := ts.Offset()
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	if abs > recvWindowMs {
		return &ClockSkewError{DriftMs: drift, RecvWindowMs: recvWindowMs}
	}
	return nil
}

// Now returns the current time in ms adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
