// Package gateway resolves credential references into cached, authenticated
// exchange clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"futures-worker/internal/metrics"
	"futures-worker/pkg/crypto"
	"futures-worker/pkg/db"
	"futures-worker/pkg/exchanges/common"
)

var (
	ErrPoolFull = errors.New("client pool is full")
	// ErrClientUnhealthy is returned while a client's circuit is open.
	ErrClientUnhealthy = fmt.Errorf("client unhealthy: %w", common.ErrExchangeDown)
)

// CredentialSource loads stored credentials by reference.
type CredentialSource interface {
	GetCredential(ctx context.Context, ref string) (db.Credential, error)
}

// ClientFactory builds a client from a decrypted credential.
type ClientFactory func(cred db.Credential, apiKey, apiSecret string) (common.TradingClient, error)

// cachedClient holds a client with metadata for lifecycle management.
type cachedClient struct {
	client    *instrumentedClient
	ref       string
	exchange  string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // maximum cached clients (LRU eviction)
	IdleTimeout      time.Duration // idle clients are dropped after this
	HealthInterval   time.Duration // between Ping checks
	FailureThreshold int           // consecutive Ping failures before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit rejects resolves

	// AllowPlaintextTestnet accepts unsealed secrets on testnet credentials.
	AllowPlaintextTestnet bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   time.Minute,
	}
}

// Manager manages a pool of clients with LRU eviction and health checks.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*cachedClient // credential ref -> cached client
	lruOrder []string                 // oldest first

	config  Config
	keys    *crypto.Keyring
	creds   CredentialSource
	factory ClientFactory
	metrics *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new Manager. keys may be nil when only plaintext
// testnet credentials are used.
func NewManager(creds CredentialSource, keys *crypto.Keyring, factory ClientFactory, m *metrics.Metrics, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		clients: make(map[string]*cachedClient),
		config:  cfg,
		keys:    keys,
		creds:   creds,
		factory: factory,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()
}

// Stop shuts down the background loops and drops every client.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = make(map[string]*cachedClient)
	m.lruOrder = nil
}

// ResolveTradingClient returns the cached client for ref or builds one from
// the stored credential. A missing or undecryptable credential is an
// authentication error.
func (m *Manager) ResolveTradingClient(ctx context.Context, ref string) (common.TradingClient, error) {
	m.mu.RLock()
	if cached, ok := m.clients[ref]; ok {
		if m.circuitOpenLocked(cached) {
			m.mu.RUnlock()
			return nil, fmt.Errorf("credential %s: %w", ref, ErrClientUnhealthy)
		}
		m.mu.RUnlock()
		m.touchLRU(ref)
		return cached.client, nil
	}
	m.mu.RUnlock()

	return m.createClient(ctx, ref)
}

func (m *Manager) createClient(ctx context.Context, ref string) (common.TradingClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring lock
	if cached, ok := m.clients[ref]; ok {
		m.touchLRULocked(ref)
		return cached.client, nil
	}

	cred, err := m.creds.GetCredential(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("credential %s: %w: %w", ref, common.ErrAuth, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s: %w", ref, err)
	}
	apiKey, err := m.reveal(cred, cred.APIKey)
	if err != nil {
		return nil, fmt.Errorf("credential %s api key: %w: %w", ref, common.ErrAuth, err)
	}
	apiSecret, err := m.reveal(cred, cred.APISecret)
	if err != nil {
		return nil, fmt.Errorf("credential %s api secret: %w: %w", ref, common.ErrAuth, err)
	}

	client, err := m.factory(cred, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", ref, err)
	}

	if len(m.clients) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	now := time.Now()
	wrapped := &instrumentedClient{
		TradingClient: client,
		metrics:       m.metrics,
		onAuthError:   func() { m.Remove(ref) },
	}
	m.clients[ref] = &cachedClient{
		client:    wrapped,
		ref:       ref,
		exchange:  cred.Exchange,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, ref)
	log.Printf("gateway: client created for credential %s (testnet=%v)", ref, cred.Testnet)
	return wrapped, nil
}

// reveal decrypts a stored value. Unsealed values are accepted only for
// testnet credentials when the manager allows it.
func (m *Manager) reveal(cred db.Credential, stored string) (string, error) {
	if !crypto.IsSealed(stored) {
		if cred.Testnet && m.config.AllowPlaintextTestnet {
			return stored, nil
		}
		return "", crypto.ErrNotSealed
	}
	if m.keys == nil {
		return "", crypto.ErrNoKeys
	}
	return m.keys.Open(stored)
}

// Remove drops the client for ref; the next resolve rebuilds it.
func (m *Manager) Remove(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[ref]; ok {
		delete(m.clients, ref)
		m.removeLRULocked(ref)
	}
}

// RecordFailure records a failed health check for ref.
func (m *Manager) RecordFailure(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.clients[ref]; ok {
		cached.failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.clients[ref]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalClients: len(m.clients),
		MaxSize:      m.config.MaxSize,
		ByExchange:   make(map[string]int),
	}
	for _, cached := range m.clients {
		stats.ByExchange[cached.exchange]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains client pool statistics.
type PoolStats struct {
	TotalClients   int            `json:"total_clients"`
	MaxSize        int            `json:"max_size"`
	ByExchange     map[string]int `json:"by_exchange"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

// --- Internal helpers ---

func (m *Manager) circuitOpenLocked(cached *cachedClient) bool {
	return cached.failures >= m.config.FailureThreshold &&
		time.Since(cached.healthyAt) < m.config.CircuitTimeout
}

func (m *Manager) touchLRU(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(ref)
}

func (m *Manager) touchLRULocked(ref string) {
	if cached, ok := m.clients[ref]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == ref {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, ref)
			break
		}
	}
}

func (m *Manager) removeLRULocked(ref string) {
	for i, id := range m.lruOrder {
		if id == ref {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.clients, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for ref, cached := range m.clients {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.clients, ref)
			m.removeLRULocked(ref)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	refs := make([]string, 0, len(m.clients))
	for ref := range m.clients {
		refs = append(refs, ref)
	}
	m.mu.RUnlock()

	for _, ref := range refs {
		m.healthCheck(ctx, ref)
	}
}

func (m *Manager) healthCheck(ctx context.Context, ref string) {
	m.mu.RLock()
	cached, ok := m.clients[ref]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cached.client.Ping(ctx); err != nil {
		log.Printf("gateway: health check for %s failed: %v", ref, err)
		m.RecordFailure(ref)
		return
	}
	m.RecordSuccess(ref)
}
