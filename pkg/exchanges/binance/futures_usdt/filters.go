package futures_usdt

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"futures-worker/pkg/cache"
	"futures-worker/pkg/exchanges/common"
)

// FilterCache holds per-symbol trading rules for every venue a client talks
// to. Entries are keyed by base URL and symbol so testnet and mainnet rules
// never mix. Entries are replaced whole on refresh and at most one refresh
// per venue and symbol is in flight.
type FilterCache struct {
	entries  *cache.ShardedCache[common.SymbolFilter]
	group    singleflight.Group
	ttl      time.Duration
	degraded atomic.Uint64
}

// NewFilterCache creates a cache refreshing entries older than ttl (default 1h).
func NewFilterCache(ttl time.Duration) *FilterCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FilterCache{
		entries: cache.NewShardedCache[common.SymbolFilter](),
		ttl:     ttl,
	}
}

// DegradedCount returns how many entries were built from precision fallbacks.
func (fc *FilterCache) DegradedCount() uint64 { return fc.degraded.Load() }

type fetchFilters func(ctx context.Context) ([]common.SymbolFilter, error)

// Get returns the cached filter for symbol on venue, refreshing synchronously
// on a miss and in the background when the entry is stale.
func (fc *FilterCache) Get(ctx context.Context, venue, symbol string, fetch fetchFilters) (common.SymbolFilter, error) {
	symbol = strings.ToUpper(symbol)
	key := filterKey(venue, symbol)
	if f, age, ok := fc.entries.GetWithAge(key); ok {
		if age >= fc.ttl {
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			ch := fc.group.DoChan(key, func() (any, error) { return nil, fc.refresh(bg, venue, fetch) })
			go func() {
				defer cancel()
				if res := <-ch; res.Err != nil {
					log.Printf("filters: background refresh of %s on %s failed: %v", symbol, venue, res.Err)
				}
			}()
		}
		return f, nil
	}

	if _, err, _ := fc.group.Do(key, func() (any, error) { return nil, fc.refresh(ctx, venue, fetch) }); err != nil {
		return common.SymbolFilter{}, err
	}
	f, ok := fc.entries.Get(key)
	if !ok {
		return common.SymbolFilter{}, invalid("symbol", "unknown symbol "+symbol)
	}
	return f, nil
}

func filterKey(venue, symbol string) string { return venue + "|" + symbol }

func (fc *FilterCache) refresh(ctx context.Context, venue string, fetch fetchFilters) error {
	filters, err := fetch(ctx)
	if err != nil {
		return err
	}
	for _, f := range filters {
		if f.Degraded {
			fc.degraded.Add(1)
			log.Printf("filters: degraded entry for %s on %s, using precision fallback tick=%s step=%s", f.Symbol, venue, f.TickSize, f.StepSize)
		}
		fc.entries.Set(filterKey(venue, f.Symbol), f)
	}
	return nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		Status            string `json:"status"`
		PricePrecision    int32  `json:"pricePrecision"`
		QuantityPrecision int32  `json:"quantityPrecision"`
		Filters           []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetSymbolFilters returns tick/step rules for symbol, cache-first.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilter, error) {
	return c.filters.Get(ctx, c.base, symbol, c.fetchExchangeInfo)
}

func (c *Client) fetchExchangeInfo(ctx context.Context) ([]common.SymbolFilter, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info exchangeInfo
	if err := decode(body, &info); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]common.SymbolFilter, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		f := common.SymbolFilter{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			FetchedAt:         now,
		}
		for _, raw := range s.Filters {
			switch raw.FilterType {
			case "PRICE_FILTER":
				f.TickSize = parseDecimal(raw.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseDecimal(raw.StepSize)
				f.MinQty = parseDecimal(raw.MinQty)
			case "MARKET_LOT_SIZE":
				if f.StepSize.IsZero() {
					f.StepSize = parseDecimal(raw.StepSize)
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				n := parseDecimal(raw.Notional)
				if n.IsZero() {
					n = parseDecimal(raw.MinNotional)
				}
				f.MinNotional = n
			}
		}
		if f.TickSize.Sign() <= 0 {
			f.TickSize = common.PrecisionStep(s.PricePrecision)
			f.Degraded = true
		}
		if f.StepSize.Sign() <= 0 {
			f.StepSize = common.PrecisionStep(s.QuantityPrecision)
			f.Degraded = true
		}
		if f.MinQty.IsNegative() {
			f.MinQty = decimal.Zero
		}
		out = append(out, f)
	}
	return out, nil
}
