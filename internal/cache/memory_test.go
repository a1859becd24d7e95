package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSetDelete(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	if _, found, _ := m.Get(ctx, "auth:missing"); found {
		t.Error("missing key should not be found")
	}

	if err := m.Set(ctx, "auth:u1", []byte("grant"), NoTTL); err != nil {
		t.Fatal(err)
	}
	v, found, err := m.Get(ctx, "auth:u1")
	if err != nil || !found {
		t.Fatalf("get after set: found=%v err=%v", found, err)
	}
	if string(v) != "grant" {
		t.Errorf("value = %q, want grant", v)
	}

	m.Delete(ctx, "auth:u1")
	if _, found, _ := m.Get(ctx, "auth:u1"); found {
		t.Error("deleted key should not be found")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	m.Set(ctx, "tokens:t1", []byte("v"), 30*time.Millisecond)
	if _, found, _ := m.Get(ctx, "tokens:t1"); !found {
		t.Fatal("key should be live before TTL")
	}

	time.Sleep(50 * time.Millisecond)
	if _, found, _ := m.Get(ctx, "tokens:t1"); found {
		t.Error("key should expire after TTL")
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	t.Parallel()
	m := NewMemory(3)
	ctx := context.Background()

	m.Set(ctx, "s:a", []byte("1"), NoTTL)
	m.Set(ctx, "s:b", []byte("2"), NoTTL)
	m.Set(ctx, "s:c", []byte("3"), NoTTL)

	// Touch a so b becomes the least recently used.
	m.Get(ctx, "s:a")

	m.Set(ctx, "s:d", []byte("4"), NoTTL)

	if _, found, _ := m.Get(ctx, "s:b"); found {
		t.Error("b should have been evicted as LRU")
	}
	for _, k := range []string{"s:a", "s:c", "s:d"} {
		if _, found, _ := m.Get(ctx, k); !found {
			t.Errorf("%s should survive eviction", k)
		}
	}
}

func TestMemoryPrefixOps(t *testing.T) {
	t.Parallel()
	m := NewMemory(100)
	ctx := context.Background()

	m.Set(ctx, "active_trades:1", []byte("a"), NoTTL)
	m.Set(ctx, "active_trades:2", []byte("b"), NoTTL)
	m.Set(ctx, "scheduled_alerts:1", []byte("c"), NoTTL)

	items, err := m.Items(ctx, "active_trades:")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}

	n, _ := m.Size(ctx, "active_trades:")
	if n != 2 {
		t.Errorf("size = %d, want 2", n)
	}

	m.Clear(ctx, "active_trades:")
	if n, _ := m.Size(ctx, "active_trades:"); n != 0 {
		t.Errorf("size after clear = %d, want 0", n)
	}
	if _, found, _ := m.Get(ctx, "scheduled_alerts:1"); !found {
		t.Error("clear must not touch other namespaces")
	}
}

func TestNamespaceObjectRoundTrip(t *testing.T) {
	t.Parallel()
	ns := NewNamespace(NewMemory(100), NSStrategies)
	ctx := context.Background()

	type rec struct {
		Name  string
		Funds float64
	}
	in := rec{Name: "momentum", Funds: 500000}
	if err := ns.SetObject(ctx, "s1", in, NoTTL); err != nil {
		t.Fatal(err)
	}

	var out rec
	found, err := ns.GetObject(ctx, "s1", &out)
	if err != nil || !found {
		t.Fatalf("get object: found=%v err=%v", found, err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
