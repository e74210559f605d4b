// Package storagetest holds the conformance suite every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/githound/mcp-auth/storage"
)

// Factory creates a fresh, empty Storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaces(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory) })
	t.Run("TakeIsSingleUse", func(t *testing.T) { testTakeSingleUse(t, factory) })
	t.Run("TakeConcurrent", func(t *testing.T) { testTakeConcurrent(t, factory) })
	t.Run("InvalidTTL", func(t *testing.T) { testInvalidTTL(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), storage.WithNamespace("clients")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "k", storage.WithNamespace("clients"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != "v" {
		t.Fatalf("Get() returned wrong data: got %s, want v", string(item.Data))
	}
	if item.ExpiresAt != nil {
		t.Fatalf("item without TTL has expiry %v", item.ExpiresAt)
	}
}

func testGetNonExistent(t *testing.T, factory Factory) {
	s := factory(t)
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testTTL(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("x"), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "short")
	if err != nil || item == nil {
		t.Fatalf("fresh item missing: %v", err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected expiry on item with TTL")
	}

	time.Sleep(250 * time.Millisecond)

	item, err = s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("expired item was returned")
	}
}

func testNamespaces(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("a"), storage.WithNamespace("codes"))
	_ = s.Set(ctx, "k", []byte("b"), storage.WithNamespace("tokens"))
	_ = s.Set(ctx, "k", []byte("g"))

	for ns, want := range map[string]string{"codes": "a", "tokens": "b", "": "g"} {
		item, err := s.Get(ctx, "k", storage.WithNamespace(ns))
		if err != nil || item == nil {
			t.Fatalf("namespace %q: item missing (%v)", ns, err)
		}
		if string(item.Data) != want {
			t.Fatalf("namespace %q: got %s, want %s", ns, item.Data, want)
		}
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithNamespace("n"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithNamespace("n"))
	if err := s.Delete(ctx, storage.WithNamespace("n"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithNamespace("n")); item != nil {
		t.Fatal("deleted key still present")
	}
	if item, _ := s.Get(ctx, "b", storage.WithNamespace("n")); item == nil {
		t.Fatal("sibling key was deleted")
	}
}

func testDeleteNamespace(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithNamespace("drop"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithNamespace("drop"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithNamespace("keep"))
	if err := s.Delete(ctx, storage.WithNamespace("drop")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithNamespace("drop")); item != nil {
			t.Fatalf("key %s survived namespace delete", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithNamespace("keep")); item == nil {
		t.Fatal("other namespace was deleted")
	}
}

func testTakeSingleUse(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	_ = s.Set(ctx, "code", []byte("c"), storage.WithNamespace("codes"), storage.WithTTL(time.Minute))
	item, err := s.Take(ctx, "code", storage.WithNamespace("codes"))
	if err != nil || item == nil {
		t.Fatalf("first Take() failed: item=%v err=%v", item, err)
	}
	item, err = s.Take(ctx, "code", storage.WithNamespace("codes"))
	if err != nil {
		t.Fatalf("second Take() failed: %v", err)
	}
	if item != nil {
		t.Fatal("second Take() returned the item again")
	}
}

func testTakeConcurrent(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_ = s.Set(ctx, "race", []byte("x"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if item, err := s.Take(ctx, "race"); err == nil && item != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("Take() succeeded %d times, want 1", wins.Load())
	}
}

func testInvalidTTL(t *testing.T, factory Factory) {
	s := factory(t)
	if err := s.Set(context.Background(), "k", []byte("v"), storage.WithTTL(-time.Second)); err == nil {
		t.Fatal("expected error for negative TTL")
	}
}
