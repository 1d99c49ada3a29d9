package cache

import (
	"testing"
	"time"
)

func TestVectorsEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewVectors(3, time.Hour)

	c.Set("a", []float32{1})
	c.Set("b", []float32{2})
	c.Set("c", []float32{3})

	// Touch "a" so "b" becomes the eviction candidate.
	if v, ok := c.Get("a"); !ok || v[0] != 1 {
		t.Errorf("expected [1], got %v", v)
	}

	c.Set("d", []float32{4})

	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}
	if c.Len() != 3 {
		t.Errorf("expected cache length 3, got %d", c.Len())
	}
}

func TestVectorsTTL(t *testing.T) {
	c := NewVectors(10, 10*time.Millisecond)

	c.Set("key", []float32{1, 2})
	if _, ok := c.Get("key"); !ok {
		t.Error("expected value to be present")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("key"); ok {
		t.Error("expected value to be expired")
	}
	if _, ok := c.Get("key"); ok {
		t.Error("expired entry must stay gone")
	}
}

func TestVectorsZeroTTLNeverExpires(t *testing.T) {
	c := NewVectors(10, 0)
	c.Set("key", []float32{1})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("key"); !ok {
		t.Error("entries must not expire without a TTL")
	}
}

func TestVectorsUpdateExisting(t *testing.T) {
	c := NewVectors(2, time.Hour)
	c.Set("key", []float32{1})
	c.Set("key", []float32{2})

	if c.Len() != 1 {
		t.Errorf("update must not grow the cache, got length %d", c.Len())
	}
	if v, _ := c.Get("key"); v[0] != 2 {
		t.Errorf("expected updated value, got %v", v)
	}
}

func TestHashKeyStable(t *testing.T) {
	if HashKey("same") != HashKey("same") {
		t.Error("hash must be deterministic")
	}
	if HashKey("one") == HashKey("two") {
		t.Error("different texts must not collide trivially")
	}
}

func BenchmarkVectorsConcurrentAccess(b *testing.B) {
	c := NewVectors(1000, 5*time.Minute)
	vec := make([]float32, 128)
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = HashKey(string(rune(i)))
		c.Set(keys[i], vec)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := keys[i%len(keys)]
			if i%2 == 0 {
				c.Get(key)
			} else {
				c.Set(key, vec)
			}
			i++
		}
	})
}
