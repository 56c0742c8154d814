package gateway

import (
	"fmt"
	"time"

	"futures-worker/pkg/db"
	exfutusdt "futures-worker/pkg/exchanges/binance/futures_usdt"
	"futures-worker/pkg/exchanges/common"
)

// ExchangeBinanceUSDTFutures is the only venue the worker trades.
const ExchangeBinanceUSDTFutures = "binance-usdtfut"

// FactoryOptions carries transport tuning shared by every client.
type FactoryOptions struct {
	BaseURL           string // overrides the mainnet/testnet host
	RecvWindow        int64
	Timeout           time.Duration
	MaxReadRetries    int
	RequestsPerSecond float64
	TimeSyncInterval  time.Duration

	// Filters is shared so symbol rules are fetched once per venue and symbol.
	Filters *exfutusdt.FilterCache
}

// BinanceFactory creates USDT-M futures clients.
func BinanceFactory(opts FactoryOptions) ClientFactory {
	if opts.Filters == nil {
		opts.Filters = exfutusdt.NewFilterCache(0)
	}
	return func(cred db.Credential, apiKey, apiSecret string) (common.TradingClient, error) {
		switch cred.Exchange {
		case ExchangeBinanceUSDTFutures, "":
			return exfutusdt.NewClient(exfutusdt.Config{
				APIKey:            apiKey,
				APISecret:         apiSecret,
				Testnet:           cred.Testnet,
				HedgeMode:         cred.HedgeMode,
				RecvWindow:        opts.RecvWindow,
				BaseURL:           opts.BaseURL,
				Timeout:           opts.Timeout,
				MaxReadRetries:    opts.MaxReadRetries,
				RequestsPerSecond: opts.RequestsPerSecond,
				TimeSyncInterval:  opts.TimeSyncInterval,
				Filters:           opts.Filters,
			}), nil
		default:
			return nil, fmt.Errorf("unsupported exchange type: %s", cred.Exchange)
		}
	}
}
