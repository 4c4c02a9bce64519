package chain

import "testing"

func TestHashCacheGenesisAndTip(t *testing.T) {
	c := NewHashCache(2)
	c.SetGenesis("genesis-hash")
	c.SetTip(100, "tip-hash")

	if got, ok := c.Get(0); !ok || got != "genesis-hash" {
		t.Fatalf("Get(0) = %q, %v, want genesis-hash, true", got, ok)
	}
	if got, ok := c.Get(100); !ok || got != "tip-hash" {
		t.Fatalf("Get(100) = %q, %v, want tip-hash, true", got, ok)
	}
	if _, ok := c.Get(50); ok {
		t.Fatalf("Get(50) = ok, want miss before any Put")
	}
}

func TestHashCacheEvictsLRU(t *testing.T) {
	c := NewHashCache(2)
	c.Put(1, "h1")
	c.Put(2, "h2")
	c.Put(3, "h3") // evicts 1, the least recently touched

	if _, ok := c.Get(1); ok {
		t.Fatalf("Get(1) = ok after eviction, want miss")
	}
	if got, ok := c.Get(2); !ok || got != "h2" {
		t.Fatalf("Get(2) = %q, %v, want h2, true", got, ok)
	}
	if got, ok := c.Get(3); !ok || got != "h3" {
		t.Fatalf("Get(3) = %q, %v, want h3, true", got, ok)
	}
}

func TestHashCacheTouchRefreshesRecency(t *testing.T) {
	c := NewHashCache(2)
	c.Put(1, "h1")
	c.Put(2, "h2")
	c.Get(1) // touch 1, making 2 the least recently used
	c.Put(3, "h3")

	if _, ok := c.Get(2); ok {
		t.Fatalf("Get(2) = ok after eviction, want miss")
	}
	if got, ok := c.Get(1); !ok || got != "h1" {
		t.Fatalf("Get(1) = %q, %v, want h1, true", got, ok)
	}
}

func TestHashCacheDoesNotDuplicateTipOrGenesis(t *testing.T) {
	c := NewHashCache(2)
	c.SetTip(100, "tip-hash")
	c.Put(100, "stale") // no-op: tip height is authoritative
	if got, _ := c.Get(100); got != "tip-hash" {
		t.Fatalf("Get(100) = %q, want tip-hash unaffected by Put", got)
	}
	c.SetGenesis("genesis-hash")
	c.Put(0, "stale") // no-op: genesis is authoritative
	if got, _ := c.Get(0); got != "genesis-hash" {
		t.Fatalf("Get(0) = %q, want genesis-hash unaffected by Put", got)
	}
}
