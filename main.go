package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"futures-worker/internal/api"
	"futures-worker/internal/bots"
	"futures-worker/internal/events"
	"futures-worker/internal/gateway"
	"futures-worker/internal/metrics"
	"futures-worker/internal/monitor"
	"futures-worker/internal/placement"
	"futures-worker/internal/reconciliation"
	"futures-worker/internal/signals"
	"futures-worker/internal/store"
	"futures-worker/pkg/config"
	"futures-worker/pkg/crypto"
	"futures-worker/pkg/db"
	exfutusdt "futures-worker/pkg/exchanges/binance/futures_usdt"
	"futures-worker/pkg/exchanges/common"
)

var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// worker holds the components shared by the run and reconcile commands.
type worker struct {
	cfg       *config.Config
	database  *db.Database
	store     *store.Store
	bus       *events.Bus
	metrics   *metrics.Metrics
	keys      *crypto.Keyring
	filters   *exfutusdt.FilterCache
	clients   *gateway.Manager
	placement *placement.Service
	monitor   *monitor.Monitor
	recovery  *reconciliation.Service
}

func newWorker(cfg *config.Config) (*worker, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	log.Printf("Using database at %s", cfg.DBPath)

	keys, err := loadKeys(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	w := &worker{
		cfg:      cfg,
		database: database,
		store:    store.New(database),
		bus:      events.NewBus(),
		metrics:  metrics.New(),
		keys:     keys,
		filters:  exfutusdt.NewFilterCache(cfg.FilterTTL),
	}

	factory := gateway.BinanceFactory(gateway.FactoryOptions{
		BaseURL:           cfg.BinanceBaseURL,
		RecvWindow:        cfg.RecvWindowMs,
		Timeout:           cfg.ExchangeTimeout,
		MaxReadRetries:    cfg.MaxReadRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
		TimeSyncInterval:  cfg.TimeSyncInterval,
		Filters:           w.filters,
	})
	w.clients = gateway.NewManager(database, keys, factory, w.metrics, gateway.Config{
		MaxSize:               cfg.ClientCacheSize,
		IdleTimeout:           cfg.ClientIdleTimeout,
		AllowPlaintextTestnet: cfg.AllowPlaintextSecret,
	})

	w.placement = placement.NewService(w.store, w.clients, w.bus, w.metrics, placement.Options{
		CallTimeout:     cfg.CallTimeout,
		RollbackTimeout: cfg.RollbackTimeout,
		EntryType:       common.OrderType(cfg.EntryOrderType),
		Asset:           cfg.QuoteAsset,
		DefaultTPR:      decimal.NewFromFloat(cfg.DefaultTPR),
	})
	w.monitor = monitor.New(w.store, w.clients, w.bus, w.metrics, monitor.Options{
		Interval:    cfg.PollInterval,
		Workers:     cfg.MonitorWorkers,
		CallTimeout: cfg.CallTimeout,
	})
	w.recovery = reconciliation.NewService(w.store, w.clients, w.monitor, w.bus, w.metrics, reconciliation.Options{
		Interval:    cfg.RecoveryInterval,
		MinAge:      cfg.RecoveryMinAge,
		CallTimeout: cfg.CallTimeout,
	})
	return w, nil
}

// loadKeys reads the credential keyring. Without keys only plaintext testnet
// credentials can be used, and only when explicitly allowed.
func loadKeys(cfg *config.Config) (*crypto.Keyring, error) {
	keys, err := crypto.LoadKeyring(cfg.SecretKeyEnv)
	if errors.Is(err, crypto.ErrNoKeys) && cfg.AllowPlaintextSecret {
		log.Printf("⚠️  %s not set; only plaintext testnet credentials will resolve", cfg.SecretKeyEnv)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential keys: %w", err)
	}
	log.Printf("Credential keyring loaded (current v%d)", keys.Current())
	return keys, nil
}

func (w *worker) Close() {
	w.clients.Stop()
	if err := w.database.Close(); err != nil {
		log.Printf("close database: %v", err)
	}
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// runWorker starts every component and blocks until SIGINT/SIGTERM.
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := newWorker(cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	if cfg.BotsFile != "" {
		n, err := bots.Sync(ctx, w.database, w.keys, cfg.BotsFile)
		if err != nil {
			return fmt.Errorf("sync bots from %s: %w", cfg.BotsFile, err)
		}
		log.Printf("Synced %d bot(s) from %s", n, cfg.BotsFile)
	}
	routes, err := w.database.Routes(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	if len(routes) == 0 {
		log.Println("⚠️  No enabled bots; the consumer has nothing to read")
	}

	rdbOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	// Each stream reader holds a connection while it blocks.
	if rdbOpts.PoolSize == 0 {
		rdbOpts.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}
	rdbOpts.PoolSize = max(rdbOpts.PoolSize, len(routes)+4)
	rdb := redis.NewClient(rdbOpts)
	defer rdb.Close()

	consumer := signals.NewConsumer(rdb,
		signals.NewDispatcher(w.database, w.store, w.placement, w.monitor, w.bus, w.metrics, cfg.DispatchWorkers),
		w.metrics, routes, signals.ConsumerOptions{
			Group:            cfg.StreamGroup,
			Consumer:         cfg.StreamConsumer,
			Block:            cfg.StreamBlock,
			CatchupThreshold: cfg.CatchupThreshold,
		})

	server := api.NewServer(api.Deps{
		Store:           w.store,
		Bus:             w.bus,
		Metrics:         w.metrics,
		Recovery:        w.recovery,
		DB:              w.database,
		Pool:            w.clients.Stats,
		DegradedFilters: w.filters.DegradedCount,
	}, api.SystemMeta{
		Version:   version,
		Consumer:  cfg.StreamConsumer,
		Streams:   consumer.Streams(),
		EntryType: cfg.EntryOrderType,
		StartedAt: time.Now(),
	}, cfg.JWTSecret, cfg.APIRateLimit)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			cancel()
		}
	}()

	(&monitor.AlertRelay{Bus: w.bus, Sink: monitor.LogSink{}}).Start(ctx)
	w.clients.Start(ctx)

	// Trios left mid-flight by a previous process are resolved before the
	// monitor or the consumer touch anything.
	if _, err := w.recovery.RecoverAll(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	server.SetReady(true)
	log.Println("✓ Startup recovery complete")

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { w.recovery.Run(ctx) })
	spawn(func() {
		if err := w.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("monitor stopped: %v", err)
		}
	})
	spawn(func() { signals.PruneLoop(ctx, w.store, cfg.SignalRetention, time.Hour) })
	spawn(func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("signal consumer stopped: %v", err)
			cancel()
		}
	})
	log.Printf("✓ Worker running: %d stream(s), entry=%s", len(consumer.Streams()), cfg.EntryOrderType)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	log.Println("Shutting down...")
	server.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	// In-flight placements finish their rollback before the store closes.
	drain := cfg.RollbackTimeout + cfg.CallTimeout
	if !waitTimeout(&wg, drain) {
		log.Printf("⚠️  Workers still busy after %s; leftover trios are resolved by the next startup recovery", drain)
	} else {
		log.Println("✓ Workers drained")
	}
	return nil
}
