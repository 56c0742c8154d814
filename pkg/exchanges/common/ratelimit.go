package common

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"
)

// WeightTracker follows the exchange-reported request weight for the current window.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (2400/min for USDT-M futures)
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the X-MBX-USED-WEIGHT-1M header value.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight

	percentage := float64(wt.usedWeight) / float64(wt.limit) * 100
	if percentage >= 95 {
		log.Printf("ratelimit: critical %d/%d (%.1f%%)", wt.usedWeight, wt.limit, percentage)
	} else if percentage >= 80 {
		log.Printf("ratelimit: warning %d/%d (%.1f%%)", wt.usedWeight, wt.limit, percentage)
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (wt *WeightTracker) ShouldDelay() bool {
	_, _, pct := wt.Usage()
	return pct >= 90
}

// Backoff waits up to max while the window is nearly exhausted.
func (wt *WeightTracker) Backoff(ctx context.Context, max time.Duration) error {
	if !wt.ShouldDelay() {
		return nil
	}
	wt.mu.RLock()
	wait := wt.resetInterval - time.Since(wt.lastReset)
	wt.mu.RUnlock()
	if wait > max {
		wait = max
	}
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
