package cache

import (
	"fmt"
	"testing"
	"time"

	"trade-relay/pkg/brokers/common"
)

func TestQuoteCacheSetGet(t *testing.T) {
	c := NewQuoteCache(time.Minute)

	c.Set("NSE:RELIANCE", common.Quote{Symbol: "NSE:RELIANCE", LastPrice: 2455})

	q, ok := c.Get("NSE:RELIANCE")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if q.LastPrice != 2455 {
		t.Errorf("LastPrice = %v", q.LastPrice)
	}

	if _, ok := c.Get("NSE:TCS"); ok {
		t.Error("expected a miss for an unseen symbol")
	}
}

func TestQuoteCacheExpiry(t *testing.T) {
	c := NewQuoteCache(10 * time.Millisecond)
	c.Set("NSE:INFY", common.Quote{LastPrice: 1500})

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("NSE:INFY"); ok {
		t.Error("expected stale entry to miss")
	}

	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after cleanup", c.Len())
	}
}

func TestQuoteCacheShardsIndependent(t *testing.T) {
	c := NewQuoteCache(time.Minute)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("NSE:SYM%d", i)
		c.Set(key, common.Quote{LastPrice: float64(i)})
	}
	if c.Len() != 100 {
		t.Errorf("Len = %d, want 100", c.Len())
	}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("NSE:SYM%d", i)
		q, ok := c.Get(key)
		if !ok || q.LastPrice != float64(i) {
			t.Fatalf("lost %s: %+v ok=%v", key, q, ok)
		}
	}
}
