package signals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-worker/internal/metrics"
)

const streamPrefix = "stream:signal|"

// StreamKey returns the signal stream for a route, e.g. stream:signal|{BTCUSDT:15m}.
func StreamKey(symbol, timeframe string) string {
	return fmt.Sprintf("%s{%s:%s}", streamPrefix, strings.ToUpper(symbol), timeframe)
}

// ParseStreamKey splits a signal stream key into symbol and timeframe.
func ParseStreamKey(key string) (symbol, timeframe string, ok bool) {
	if !strings.HasPrefix(key, streamPrefix) {
		return "", "", false
	}
	inner := strings.TrimPrefix(key, streamPrefix)
	if !strings.HasPrefix(inner, "{") || !strings.HasSuffix(inner, "}") {
		return "", "", false
	}
	symbol, timeframe, ok = strings.Cut(inner[1:len(inner)-1], ":")
	if !ok || symbol == "" || timeframe == "" {
		return "", "", false
	}
	return strings.ToUpper(symbol), timeframe, true
}

// StreamClient is the subset of *redis.Client the consumer needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

var errHandlerFailed = errors.New("entries left pending")

// Handler acts on a validated signal. Returning an error leaves the entry
// unacknowledged for redelivery.
type Handler interface {
	Handle(ctx context.Context, sig Signal) error
}

// ConsumerOptions tune the stream reader.
type ConsumerOptions struct {
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
	// CatchupThreshold acks and skips records older than this; zero disables.
	CatchupThreshold time.Duration
	Backoff          time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Group == "" {
		o.Group = "cg:worker:signal"
	}
	if o.Consumer == "" {
		o.Consumer = "worker-1"
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.Count <= 0 {
		o.Count = 64
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	return o
}

// Consumer reads signal streams through a consumer group with at-least-once
// delivery: entries are acked only after the handler is done with them. Each
// stream has its own reader, so entries are handled in order within a route
// and a slow route never holds up another.
type Consumer struct {
	client  StreamClient
	handler Handler
	metrics *metrics.Metrics
	opts    ConsumerOptions
	streams []string
	readers []*streamReader
	now     func() time.Time
}

// streamReader is the read position of one stream. While pending is set it
// re-reads this consumer's pending list instead of taking new entries.
type streamReader struct {
	stream  string
	pending bool
}

// NewConsumer creates a consumer for the given (symbol, timeframe) routes.
func NewConsumer(client StreamClient, handler Handler, m *metrics.Metrics, routes [][2]string, opts ConsumerOptions) *Consumer {
	if m == nil {
		m = metrics.New()
	}
	streams := make([]string, 0, len(routes))
	readers := make([]*streamReader, 0, len(routes))
	for _, r := range routes {
		key := StreamKey(r[0], r[1])
		streams = append(streams, key)
		readers = append(readers, &streamReader{stream: key, pending: true})
	}
	return &Consumer{
		client:  client,
		handler: handler,
		metrics: m,
		opts:    opts.withDefaults(),
		streams: streams,
		readers: readers,
		now:     time.Now,
	}
}

// Streams returns the stream keys this consumer reads.
func (c *Consumer) Streams() []string { return c.streams }

// Run creates the groups and consumes every stream until ctx is canceled.
// Entries left pending by an earlier run are handled first. Run returns only
// after every in-flight handler has returned.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.streams) == 0 {
		return errors.New("signals: no streams to consume")
	}
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}
	log.Printf("signals: consuming %d stream(s) as %s/%s", len(c.streams), c.opts.Group, c.opts.Consumer)

	var wg sync.WaitGroup
	for _, r := range c.readers {
		wg.Add(1)
		go func(r *streamReader) {
			defer wg.Done()
			c.consume(ctx, r)
		}(r)
	}
	wg.Wait()
	log.Println("signals: consumer stopped")
	return ctx.Err()
}

func (c *Consumer) consume(ctx context.Context, r *streamReader) {
	for ctx.Err() == nil {
		if _, err := c.poll(ctx, r); err != nil && ctx.Err() == nil {
			log.Printf("signals: %s read failed: %v", r.stream, err)
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.Backoff):
			}
		}
	}
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, s := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, s, c.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", s, err)
		}
	}
	return nil
}

// poll reads one batch from r's stream and handles it in order. It returns
// the number of entries read.
func (c *Consumer) poll(ctx context.Context, r *streamReader) (int, error) {
	start := ">"
	block := c.opts.Block
	if r.pending {
		start = "0"
		block = -1
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{r.stream, start},
		Count:    c.opts.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		r.pending = false
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	// Age is judged against the read time so a slow earlier entry does not
	// turn later ones in the same batch stale.
	readAt := c.now()

	read := 0
	failed := false
	for _, stream := range res {
		for _, msg := range stream.Messages {
			read++
			if !c.handle(ctx, stream.Stream, msg, readAt) {
				failed = true
			}
		}
	}
	// A pending read that returns nothing means the backlog is drained.
	r.pending = failed || (r.pending && read > 0)
	if failed {
		return read, errHandlerFailed
	}
	return read, nil
}

// handle processes one entry and reports whether it was acked.
func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage, readAt time.Time) bool {
	sig, err := Parse(msg.Values)
	if err == nil {
		if sym, tf, ok := ParseStreamKey(stream); ok && (sig.Symbol != sym || sig.Timeframe != tf) {
			err = invalid("sym", fmt.Sprintf("%s:%s does not match stream %s", sig.Symbol, sig.Timeframe, stream))
		}
	}
	switch {
	case err != nil:
		c.metrics.IncSignal("invalid")
		log.Printf("signals: %s %s rejected: %v", stream, msg.ID, err)
	case c.opts.CatchupThreshold > 0 && sig.Age(readAt) > c.opts.CatchupThreshold:
		c.metrics.IncSignal("stale")
		log.Printf("signals: %s %s %s skipped, %s old", stream, msg.ID, sig.Kind, sig.Age(readAt).Truncate(time.Millisecond))
	default:
		sig.StreamID = msg.ID
		if err := c.handler.Handle(ctx, sig); err != nil {
			c.metrics.IncSignal("error")
			log.Printf("signals: %s %s left pending: %v", stream, msg.ID, err)
			return false
		}
	}
	// Finished work is acked even while shutting down.
	c.ack(context.WithoutCancel(ctx), stream, msg.ID)
	return true
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.opts.Group, id).Err(); err != nil {
		c.metrics.IncAckFailed()
		log.Printf("signals: ack %s %s failed: %v", stream, id, err)
	}
}
