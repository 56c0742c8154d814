package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"futures-worker/pkg/exchanges/common"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"

	// MaxRecvWindow is the largest recvWindow the exchange accepts.
	MaxRecvWindow int64 = 60000
)

// Config holds Binance USDT-M futures credentials and transport tuning.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	HedgeMode  bool
	RecvWindow int64 // ms
	BaseURL    string

	Timeout           time.Duration
	MaxReadRetries    int
	RetryBase         time.Duration
	RequestsPerSecond float64
	TimeSyncInterval  time.Duration

	// Filters is shared between clients; NewClient creates one when nil.
	Filters *FilterCache
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg      Config
	http     *resty.Client
	timeSync *common.TimeSync
	weights  *common.WeightTracker
	limiter  *rate.Limiter
	filters  *FilterCache
	base     string
	sleep    func(ctx context.Context, d time.Duration) error
}

var _ common.TradingClient = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = mainnetURL
		if cfg.Testnet {
			base = testnetURL
		}
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RecvWindow > MaxRecvWindow {
		cfg.RecvWindow = MaxRecvWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch {
	case cfg.MaxReadRetries == 0:
		cfg.MaxReadRetries = 3
	case cfg.MaxReadRetries < 0:
		cfg.MaxReadRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(base)
	httpClient.SetTimeout(cfg.Timeout)
	httpClient.SetRetryCount(0) // retries are classified by the client itself

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		weights: common.NewWeightTracker(2400, time.Minute), // 2400 weight/min for futures
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		filters: cfg.Filters,
		base:    base,
		sleep:   sleepCtx,
	}
	if c.filters == nil {
		c.filters = NewFilterCache(0)
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, cfg.TimeSyncInterval)
	return c
}

// RecvWindow returns the effective recvWindow in ms.
func (c *Client) RecvWindow() int64 { return c.cfg.RecvWindow }

// HedgeMode reports whether orders must carry a positionSide.
func (c *Client) HedgeMode() bool { return c.cfg.HedgeMode }

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := decode(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, "/fapi/v1/ping", nil)
	return err
}

// prepareSigned runs the local checks every signed call needs before touching the network.
func (c *Client) prepareSigned(ctx context.Context, params url.Values) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.ExchangeError{Class: common.ErrAuth, Op: "sign", Message: "API key/secret required"}
	}
	if err := c.timeSync.SyncIfStale(ctx); err != nil {
		log.Printf("binance usdt futures: time sync failed, using last offset: %v", err)
	}
	if err := c.timeSync.Check(c.cfg.RecvWindow); err != nil {
		return err
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return nil
}

// signedRead performs an idempotent signed call with bounded backoff.
func (c *Client) signedRead(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxReadRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBase * time.Duration(1<<(attempt-1))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}
		p := cloneValues(params)
		if err := c.prepareSigned(ctx, p); err != nil {
			return nil, err
		}
		body, err := c.send(ctx, method, path, p, false)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !errors.Is(err, common.ErrExchangeDown) {
			return nil, err
		}
		log.Printf("binance usdt futures: %s %s attempt %d failed: %v", method, path, attempt+1, err)
	}
	return nil, lastErr
}

// signedWrite performs a mutating signed call. It is retried only when the
// connection could not be established, since the request then never left.
func (c *Client) signedWrite(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxReadRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.RetryBase*time.Duration(1<<(attempt-1))); err != nil {
				return nil, lastErr
			}
		}
		p := cloneValues(params)
		if err := c.prepareSigned(ctx, p); err != nil {
			return nil, err
		}
		body, err := c.send(ctx, method, path, p, true)
		if err == nil {
			return body, nil
		}
		lastErr = err
		var notSent *notSentError
		if !errors.As(err, &notSent) {
			return nil, err
		}
		log.Printf("binance usdt futures: %s %s not sent (attempt %d): %v", method, path, attempt+1, notSent.err)
	}
	var notSent *notSentError
	if errors.As(lastErr, &notSent) {
		return nil, &common.ExchangeError{Class: common.ErrExchangeDown, Op: method + " " + path, Message: notSent.err.Error()}
	}
	return nil, lastErr
}

// send signs params and executes a single request.
func (c *Client) send(ctx context.Context, method, path string, params url.Values, mutating bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &notSentError{err: err}
	}
	if err := c.weights.Backoff(ctx, 2*time.Second); err != nil {
		return nil, &notSentError{err: err}
	}

	payload := params.Encode()
	payload += "&signature=" + sign(payload, c.cfg.APISecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.cfg.APIKey)

	target := path
	switch method {
	case http.MethodGet, http.MethodDelete:
		target = path + "?" + payload
	default:
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded").SetBody(payload)
	}

	res, err := req.Execute(method, target)
	if err != nil {
		if neverSent(err) {
			return nil, &notSentError{err: err}
		}
		class := common.ErrExchangeDown
		if mutating {
			class = common.ErrAmbiguousOutcome
		}
		return nil, &common.ExchangeError{Class: class, Op: method + " " + path, Message: redact(err.Error(), c.cfg.APIKey)}
	}
	c.weights.UpdateFromHeader(res.Header().Get("X-MBX-USED-WEIGHT-1M"))

	if res.StatusCode() >= 300 {
		return nil, classify(method+" "+path, res.StatusCode(), res.Body())
	}
	return res.Body(), nil
}

// doPublic performs an unsigned read with the same backoff as signed reads.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxReadRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.RetryBase*time.Duration(1<<(attempt-1))); err != nil {
				return nil, lastErr
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req := c.http.R().SetContext(ctx)
		target := path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		res, err := req.Get(target)
		if err != nil {
			lastErr = &common.ExchangeError{Class: common.ErrExchangeDown, Op: "GET " + path, Message: err.Error()}
			continue
		}
		c.weights.UpdateFromHeader(res.Header().Get("X-MBX-USED-WEIGHT-1M"))
		if res.StatusCode() >= 300 {
			lastErr = classify("GET "+path, res.StatusCode(), res.Body())
			if errors.Is(lastErr, common.ErrExchangeDown) {
				continue
			}
			return nil, lastErr
		}
		return res.Body(), nil
	}
	return nil, lastErr
}

type notSentError struct{ err error }

func (e *notSentError) Error() string { return fmt.Sprintf("request not sent: %v", e.err) }

func (e *notSentError) Unwrap() error { return common.ErrExchangeDown }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+3)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
