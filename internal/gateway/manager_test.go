package gateway

import (
	"context"
	"errors"
	"testing"

	"trade-relay/pkg/brokers"
	"trade-relay/pkg/crypto"
	"trade-relay/pkg/db"
)

func newTestPool(t *testing.T) (*Pool, *db.UserQueries, *crypto.KeyManager) {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	keys, err := crypto.NewKeyManager("pool-test-secret")
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	registry, err := brokers.NewRegistry("", 0)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	return NewPool(database.Queries(), keys, registry, DefaultConfig()), database.Queries(), keys
}

func seedConnection(t *testing.T, q *db.UserQueries, keys *crypto.KeyManager, userID, connID string) {
	t.Helper()
	key, _ := keys.Encrypt("pk")
	secret, _ := keys.Encrypt("ps")
	if err := q.CreateConnection(context.Background(), db.BrokerConnection{
		ID: connID, UserID: userID, Broker: "paper",
		APIKeyEncrypted: key, APISecretEncrypted: secret,
		KeyVersion: keys.CurrentVersion(), IsActive: true,
	}); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
}

func TestPoolCachesPerConnection(t *testing.T) {
	pool, q, keys := newTestPool(t)
	seedConnection(t, q, keys, "user-1", "conn-1")
	ctx := context.Background()

	first, err := pool.GetOrCreate(ctx, "user-1", "conn-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := pool.GetOrCreate(ctx, "user-1", "conn-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first != second {
		t.Error("expected the cached client on the second call")
	}

	stats := pool.Stats()
	if stats.TotalClients != 1 || stats.ByBroker["paper"] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPoolEnforcesOwnership(t *testing.T) {
	pool, q, keys := newTestPool(t)
	seedConnection(t, q, keys, "user-1", "conn-1")
	ctx := context.Background()

	if _, err := pool.GetOrCreate(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := pool.GetOrCreate(ctx, "user-2", "conn-1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestPoolUnknownConnection(t *testing.T) {
	pool, _, _ := newTestPool(t)
	if _, err := pool.GetOrCreate(context.Background(), "user-1", "nope"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestPoolRemove(t *testing.T) {
	pool, q, keys := newTestPool(t)
	seedConnection(t, q, keys, "user-1", "conn-1")
	ctx := context.Background()

	first, err := pool.GetOrCreate(ctx, "user-1", "conn-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	pool.Remove("conn-1")

	second, err := pool.GetOrCreate(ctx, "user-1", "conn-1")
	if err != nil {
		t.Fatalf("GetOrCreate after remove: %v", err)
	}
	if first == second {
		t.Error("expected a fresh client after Remove")
	}
}

func TestPoolRemoveByUser(t *testing.T) {
	pool, q, keys := newTestPool(t)
	seedConnection(t, q, keys, "user-1", "conn-1")
	ctx := context.Background()

	if _, err := pool.GetOrCreate(ctx, "user-1", "conn-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	pool.RemoveByUser("user-1")
	if stats := pool.Stats(); stats.TotalClients != 0 {
		t.Errorf("expected empty pool, got %+v", stats)
	}
}

func TestPoolEvictsAtCapacity(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	keys, err := crypto.NewKeyManager("pool-test-secret")
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	registry, err := brokers.NewRegistry("", 0)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxSize = 2
	pool := NewPool(database.Queries(), keys, registry, cfg)

	ctx := context.Background()
	q := database.Queries()
	for i, user := range []string{"u1", "u2", "u3"} {
		connID := []string{"c1", "c2", "c3"}[i]
		seedConnection(t, q, keys, user, connID)
		if _, err := pool.GetOrCreate(ctx, user, connID); err != nil {
			t.Fatalf("GetOrCreate %s: %v", connID, err)
		}
	}

	stats := pool.Stats()
	if stats.TotalClients != 2 {
		t.Errorf("expected 2 cached clients after eviction, got %d", stats.TotalClients)
	}
}
