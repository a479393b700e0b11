// Package gateway manages per-connection broker clients for the
// multi-user relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade-relay/pkg/brokers"
	"trade-relay/pkg/brokers/common"
	"trade-relay/pkg/crypto"
	"trade-relay/pkg/db"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrPoolFull           = errors.New("broker pool is full")
)

// cachedBroker holds a broker client with metadata for lifecycle
// management.
type cachedBroker struct {
	broker       common.Broker
	connectionID string
	userID       string
	brokerName   string
	createdAt    time.Time
	lastUsed     time.Time
}

// Config holds pool settings.
type Config struct {
	MaxSize     int           // maximum cached clients (LRU eviction)
	IdleTimeout time.Duration // time before an idle client is dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:     100,
		IdleTimeout: 30 * time.Minute,
	}
}

// Pool caches broker clients per connection. Credentials are decrypted
// just in time and never stored in the cache entry.
type Pool struct {
	mu       sync.RWMutex
	brokers  map[string]*cachedBroker // connectionID -> client
	lruOrder []string                 // oldest first

	config   Config
	crypto   *crypto.KeyManager
	queries  *db.UserQueries
	registry *brokers.Registry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a broker pool.
func NewPool(queries *db.UserQueries, keys *crypto.KeyManager, registry *brokers.Registry, cfg Config) *Pool {
	return &Pool{
		brokers:  make(map[string]*cachedBroker),
		lruOrder: make([]string, 0),
		config:   cfg,
		crypto:   keys,
		queries:  queries,
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the idle cleanup goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down the pool.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.brokers = make(map[string]*cachedBroker)
	p.lruOrder = nil
}

// GetOrCreate returns a cached client for the connection or builds one,
// decrypting the stored credentials on the way.
func (p *Pool) GetOrCreate(ctx context.Context, userID, connectionID string) (common.Broker, error) {
	p.mu.RLock()
	if cached, ok := p.brokers[connectionID]; ok {
		if cached.userID != userID {
			p.mu.RUnlock()
			return nil, ErrConnectionNotFound
		}
		p.mu.RUnlock()
		p.touchLRU(connectionID)
		return cached.broker, nil
	}
	p.mu.RUnlock()

	return p.create(ctx, userID, connectionID)
}

func (p *Pool) create(ctx context.Context, userID, connectionID string) (common.Broker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cached, ok := p.brokers[connectionID]; ok {
		if cached.userID != userID {
			return nil, ErrConnectionNotFound
		}
		p.touchLRULocked(connectionID)
		return cached.broker, nil
	}

	if len(p.brokers) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	conn, err := p.queries.GetConnectionByID(ctx, userID, connectionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}

	creds, err := p.decrypt(conn)
	if err != nil {
		return nil, err
	}

	client, err := p.registry.Build(conn.Broker, creds)
	if err != nil {
		return nil, fmt.Errorf("build broker client: %w", err)
	}

	now := time.Now()
	p.brokers[connectionID] = &cachedBroker{
		broker:       client,
		connectionID: connectionID,
		userID:       userID,
		brokerName:   conn.Broker,
		createdAt:    now,
		lastUsed:     now,
	}
	p.lruOrder = append(p.lruOrder, connectionID)

	return client, nil
}

func (p *Pool) decrypt(conn *db.BrokerConnection) (brokers.Credentials, error) {
	var creds brokers.Credentials
	var err error

	if conn.APIKeyEncrypted != "" {
		creds.APIKey, err = p.crypto.Decrypt(conn.APIKeyEncrypted)
		if err != nil {
			return creds, fmt.Errorf("decrypt api key: %w", err)
		}
	}
	if conn.APISecretEncrypted != "" {
		creds.APISecret, err = p.crypto.Decrypt(conn.APISecretEncrypted)
		if err != nil {
			return creds, fmt.Errorf("decrypt api secret: %w", err)
		}
	}
	if conn.AccessTokenEncrypted != "" {
		creds.AccessToken, err = p.crypto.Decrypt(conn.AccessTokenEncrypted)
		if err != nil {
			return creds, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	return creds, nil
}

// Remove drops the cached client for a connection. Call it after a token
// exchange or a deactivation so the next use rebuilds from the database.
func (p *Pool) Remove(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.brokers[connectionID]; ok {
		delete(p.brokers, connectionID)
		p.removeLRULocked(connectionID)
	}
}

// RemoveByUser drops all cached clients for a user.
func (p *Pool) RemoveByUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, cached := range p.brokers {
		if cached.userID == userID {
			delete(p.brokers, id)
			p.removeLRULocked(id)
		}
	}
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalClients: len(p.brokers),
		MaxSize:      p.config.MaxSize,
		ByBroker:     make(map[string]int),
	}
	for _, cached := range p.brokers {
		stats.ByBroker[cached.brokerName]++
	}
	return stats
}

// PoolStats contains broker pool statistics.
type PoolStats struct {
	TotalClients int            `json:"total_clients"`
	MaxSize      int            `json:"max_size"`
	ByBroker     map[string]int `json:"by_broker"`
}

func (p *Pool) touchLRU(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLRULocked(connectionID)
}

func (p *Pool) touchLRULocked(connectionID string) {
	if cached, ok := p.brokers[connectionID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range p.lruOrder {
		if id == connectionID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, connectionID)
			break
		}
	}
}

func (p *Pool) removeLRULocked(connectionID string) {
	for i, id := range p.lruOrder {
		if id == connectionID {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldestID := p.lruOrder[0]
	delete(p.brokers, oldestID)
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, cached := range p.brokers {
		if now.Sub(cached.lastUsed) > p.config.IdleTimeout {
			delete(p.brokers, id)
			p.removeLRULocked(id)
		}
	}
}
