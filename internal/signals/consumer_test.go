package signals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-worker/internal/metrics"
)

// fakeStreams serves queued XREADGROUP replies per stream and records acks.
// A nil batch is an empty reply; an exhausted queue is redis.Nil.
type fakeStreams struct {
	mu      sync.Mutex
	groups  []string
	reads   []*redis.XReadGroupArgs
	replies map[string][][]redis.XMessage
	acks    []string
	ackErr  error
}

func (f *fakeStreams) queue(stream string, batches ...[]redis.XMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = make(map[string][][]redis.XMessage)
	}
	f.replies[stream] = append(f.replies[stream], batches...)
}

func (f *fakeStreams) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, stream)
	if len(f.groups) > 1 {
		return redis.NewStatusResult("", errors.New("BUSYGROUP Consumer Group name already exists"))
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStreams) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	f.reads = append(f.reads, a)
	stream := a.Streams[0]
	batches := f.replies[stream]
	if len(batches) == 0 {
		f.mu.Unlock()
		if a.Block > 0 {
			time.Sleep(time.Millisecond)
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	next := batches[0]
	f.replies[stream] = batches[1:]
	f.mu.Unlock()
	if next == nil {
		return redis.NewXStreamSliceCmdResult([]redis.XStream{}, nil)
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: stream, Messages: next}}, nil)
}

func (f *fakeStreams) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return redis.NewIntResult(0, f.ackErr)
	}
	f.acks = append(f.acks, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStreams) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

type recordingHandler struct {
	mu      sync.Mutex
	handled []Signal
	err     error
	// before runs ahead of recording, outside the lock.
	before func(sig Signal)
}

func (h *recordingHandler) Handle(ctx context.Context, sig Signal) error {
	if h.before != nil {
		h.before(sig)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, sig)
	return h.err
}

func (h *recordingHandler) symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.handled))
	for _, s := range h.handled {
		out = append(out, s.Symbol)
	}
	return out
}

const (
	btcStream = "stream:signal|{BTCUSDT:15m}"
	ethStream = "stream:signal|{ETHUSDT:15m}"
)

func entry(id string, values map[string]any) redis.XMessage {
	return redis.XMessage{ID: id, Values: values}
}

func freshArm(now time.Time) map[string]any {
	f := armFields()
	f["sym"] = "BTCUSDT"
	f["ts"] = now.Add(-2 * time.Second).UnixMilli()
	return f
}

func newTestConsumer(fs *fakeStreams, h Handler, m *metrics.Metrics, now time.Time) *Consumer {
	c := NewConsumer(fs, h, m, [][2]string{{"BTCUSDT", "15m"}}, ConsumerOptions{CatchupThreshold: 15 * time.Second})
	c.now = func() time.Time { return now }
	return c
}

func TestConsumerAcksAfterHandling(t *testing.T) {
	now := time.UnixMilli(1760000100000)
	stale := freshArm(now)
	stale["ts"] = now.Add(-time.Minute).UnixMilli()
	wrongRoute := freshArm(now)
	wrongRoute["tf"] = "1h"

	fs := &fakeStreams{}
	fs.queue(btcStream,
		nil, // pending list empty
		[]redis.XMessage{
			entry("1-0", freshArm(now)),
			entry("2-0", map[string]any{"type": "arm"}),
			entry("3-0", stale),
			entry("4-0", wrongRoute),
		},
	)
	h := &recordingHandler{}
	m := metrics.New()
	c := newTestConsumer(fs, h, m, now)
	ctx := context.Background()

	if err := c.ensureGroups(ctx); err != nil {
		t.Fatalf("ensureGroups: %v", err)
	}
	r := c.readers[0]
	if n, err := c.poll(ctx, r); err != nil || n != 0 {
		t.Fatalf("pending poll = %d, %v", n, err)
	}
	if n, err := c.poll(ctx, r); err != nil || n != 4 {
		t.Fatalf("poll = %d, %v", n, err)
	}

	if len(h.handled) != 1 || h.handled[0].StreamID != "1-0" {
		t.Fatalf("handled = %+v", h.handled)
	}
	if len(fs.acks) != 4 {
		t.Fatalf("acks = %v, want all four", fs.acks)
	}
	if m.Signal("invalid") != 2 || m.Signal("stale") != 1 {
		t.Fatalf("invalid = %d stale = %d", m.Signal("invalid"), m.Signal("stale"))
	}

	if got := fs.reads[0]; got.Streams[1] != "0" || got.Block >= 0 {
		t.Fatalf("first read = %+v, want pending list without blocking", got)
	}
	if got := fs.reads[1]; got.Streams[0] != btcStream || got.Streams[1] != ">" || got.Group != "cg:worker:signal" {
		t.Fatalf("second read = %+v", got)
	}
}

func TestHandlerErrorLeavesEntryPending(t *testing.T) {
	now := time.UnixMilli(1760000100000)
	fs := &fakeStreams{}
	fs.queue(btcStream,
		[]redis.XMessage{entry("1-0", freshArm(now))},
		[]redis.XMessage{entry("1-0", freshArm(now))},
	)
	h := &recordingHandler{err: errors.New("database is locked")}
	c := newTestConsumer(fs, h, metrics.New(), now)
	r := c.readers[0]
	r.pending = false
	ctx := context.Background()

	if _, err := c.poll(ctx, r); !errors.Is(err, errHandlerFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(fs.acks) != 0 {
		t.Fatalf("failed entry acked")
	}

	h.err = nil
	if _, err := c.poll(ctx, r); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if fs.reads[1].Streams[1] != "0" {
		t.Fatalf("retry did not read the pending list")
	}
	if len(fs.acks) != 1 || fs.acks[0] != "1-0" {
		t.Fatalf("acks = %v", fs.acks)
	}
}

func TestAckFailureIsCounted(t *testing.T) {
	now := time.UnixMilli(1760000100000)
	fs := &fakeStreams{ackErr: errors.New("connection reset")}
	fs.queue(btcStream, []redis.XMessage{entry("1-0", freshArm(now))})
	m := metrics.New()
	c := newTestConsumer(fs, &recordingHandler{}, m, now)
	r := c.readers[0]
	r.pending = false

	if _, err := c.poll(context.Background(), r); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if snap := m.Snapshot(0); snap.AckFailed != 1 {
		t.Fatalf("ack failed = %d", snap.AckFailed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := &fakeStreams{}
	c := NewConsumer(fs, &recordingHandler{}, nil, [][2]string{{"BTCUSDT", "15m"}, {"ETHUSDT", "15m"}}, ConsumerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
	if len(fs.groups) != 2 {
		t.Fatalf("groups created for %d streams", len(fs.groups))
	}
}

func TestStalenessIsJudgedAtReadTime(t *testing.T) {
	now := time.UnixMilli(1760000100000)
	fs := &fakeStreams{}
	fs.queue(btcStream, []redis.XMessage{
		entry("1-0", freshArm(now)),
		entry("2-0", freshArm(now)),
	})
	h := &recordingHandler{}
	m := metrics.New()
	c := newTestConsumer(fs, h, m, now)
	// The first placement takes longer than the catch-up threshold.
	clock := now
	c.now = func() time.Time { return clock }
	h.before = func(Signal) { clock = clock.Add(20 * time.Second) }
	r := c.readers[0]
	r.pending = false

	if n, err := c.poll(context.Background(), r); err != nil || n != 2 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if got := h.symbols(); len(got) != 2 {
		t.Fatalf("handled = %v, want both entries", got)
	}
	if m.Signal("stale") != 0 {
		t.Fatalf("stale = %d", m.Signal("stale"))
	}
}

func TestSlowRouteDoesNotBlockOthers(t *testing.T) {
	now := time.Now()
	ethArm := freshArm(now)
	ethArm["sym"] = "ETHUSDT"

	fs := &fakeStreams{}
	fs.queue(btcStream, nil, []redis.XMessage{entry("1-0", freshArm(now))})
	fs.queue(ethStream, nil, []redis.XMessage{entry("1-0", ethArm)})

	release := make(chan struct{})
	h := &recordingHandler{before: func(sig Signal) {
		if sig.Symbol == "BTCUSDT" {
			<-release
		}
	}}
	m := metrics.New()
	c := NewConsumer(fs, h, m, [][2]string{{"BTCUSDT", "15m"}, {"ETHUSDT", "15m"}},
		ConsumerOptions{CatchupThreshold: 15 * time.Second, Block: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.symbols()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.symbols(); len(got) != 1 || got[0] != "ETHUSDT" {
		close(release)
		cancel()
		t.Fatalf("handled = %v, want ETH while BTC is in flight", got)
	}

	// Run must wait for the in-flight BTC handler before returning.
	cancel()
	select {
	case <-done:
		t.Fatalf("Run returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
	if got := h.symbols(); len(got) != 2 {
		t.Fatalf("handled = %v", got)
	}
	if fs.ackCount() != 2 {
		t.Fatalf("acks = %d, want both entries acked", fs.ackCount())
	}
	if m.Signal("stale") != 0 {
		t.Fatalf("stale = %d", m.Signal("stale"))
	}
}
