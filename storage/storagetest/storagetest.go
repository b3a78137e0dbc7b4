// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/clearnode-go/storage"
)

const (
	walletA = "0xAbC0000000000000000000000000000000000001"
	walletB = "0xabc0000000000000000000000000000000000002"
)

// Run exercises s against the behavior every backend must share. Backends
// are expected to start empty.
func Run(t *testing.T, s storage.Storage) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, s) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, s) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, s) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, s) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, s) })
	t.Run("DeleteGlobalNamespaceRefused", func(t *testing.T) { testDeleteGlobal(t, s) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "test-key"
	data := []byte("test data")

	if err := s.Set(ctx, key, data); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != string(data) {
		t.Errorf("Expected data %s, got %s", data, item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}

	// Returned data must not alias stored data.
	item.Data[0] = 'X'
	again, err := s.Get(ctx, key)
	if err != nil || again == nil || string(again.Data) != string(data) {
		t.Errorf("Stored data changed through a returned item: %v", again)
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "ttl-key"
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, key, []byte("ttl data"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should not be nil for data with TTL")
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get expired data: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for expired data, got item")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "namespace-key"
	globalData := []byte("global data")
	walletData := []byte("wallet data")
	appData := []byte("app data")

	if err := s.Set(ctx, key, globalData); err != nil {
		t.Fatalf("Failed to set global data: %v", err)
	}
	if err := s.Set(ctx, key, walletData, storage.WithWallet(walletA)); err != nil {
		t.Fatalf("Failed to set wallet data: %v", err)
	}
	if err := s.Set(ctx, key, appData, storage.WithApplication(walletA, "reader")); err != nil {
		t.Fatalf("Failed to set application data: %v", err)
	}

	expect := func(name string, want []byte, opts ...storage.Option) {
		t.Helper()
		item, err := s.Get(ctx, key, opts...)
		if err != nil {
			t.Fatalf("Failed to get %s data: %v", name, err)
		}
		if want == nil {
			if item != nil {
				t.Errorf("Expected nil for %s, got %s", name, item.Data)
			}
			return
		}
		if item == nil || string(item.Data) != string(want) {
			t.Errorf("Expected %s data %s, got %v", name, want, item)
		}
	}

	expect("global", globalData)
	expect("wallet", walletData, storage.WithWallet(walletA))
	// Addresses are case-insensitive.
	expect("wallet (lowercase)", walletData, storage.WithWallet("0xabc0000000000000000000000000000000000001"))
	expect("application", appData, storage.WithApplication(walletA, "reader"))
	expect("other wallet", nil, storage.WithWallet(walletB))
	expect("other application", nil, storage.WithApplication(walletA, "writer"))
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "delete-key"

	if err := s.Set(ctx, key, []byte("delete data"), storage.WithWallet(walletB)); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	if item, err := s.Get(ctx, key, storage.WithWallet(walletB)); err != nil || item == nil {
		t.Fatalf("Expected item to exist before deletion: %v", err)
	}

	if err := s.Delete(ctx, storage.WithWallet(walletB), storage.WithKey(key)); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}

	item, err := s.Get(ctx, key, storage.WithWallet(walletB))
	if err != nil {
		t.Fatalf("Failed to get data after deletion: %v", err)
	}
	if item != nil {
		t.Error("Expected nil after deletion, got item")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	wallet := "0xdead000000000000000000000000000000000003"

	keys := []string{"key1", "key2", "key3"}
	for _, key := range keys {
		if err := s.Set(ctx, key, []byte("data for "+key), storage.WithApplication(wallet, "reader")); err != nil {
			t.Fatalf("Failed to set data for key %s: %v", key, err)
		}
	}
	if err := s.Set(ctx, "kept", []byte("kept"), storage.WithWallet(walletB)); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	// Deleting the wallet namespace removes its application data too.
	if err := s.Delete(ctx, storage.WithWallet(wallet)); err != nil {
		t.Fatalf("Failed to delete wallet namespace: %v", err)
	}

	for _, key := range keys {
		item, err := s.Get(ctx, key, storage.WithApplication(wallet, "reader"))
		if err != nil {
			t.Fatalf("Failed to get data for key %s after deletion: %v", key, err)
		}
		if item != nil {
			t.Errorf("Expected nil after namespace deletion for key %s, got item", key)
		}
	}
	if item, err := s.Get(ctx, "kept", storage.WithWallet(walletB)); err != nil || item == nil {
		t.Errorf("Deleting one wallet removed another wallet's data: %v", err)
	}
}

func testDeleteGlobal(t *testing.T, s storage.Storage) {
	if err := s.Delete(context.Background()); !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("Delete() without key or namespace = %v, want ErrInvalidOptions", err)
	}
}
