package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/clearnode-go/storage"
	"github.com/ggoodman/clearnode-go/storage/storagetest"
)

func TestFileStorage(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	storagetest.Run(t, s)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	ctx := context.Background()
	wallet := storage.WithWallet("0x0000000000000000000000000000000000000009")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Set(ctx, "credential", []byte("token"), wallet); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	_ = s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("file mode = %o, want 600", perm)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reopened.Close()

	item, err := reopened.Get(ctx, "credential", wallet)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "token" {
		t.Fatalf("Get() = %v, want persisted token", item)
	}
}

func TestReloadsExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	wallet := storage.WithWallet("0x0000000000000000000000000000000000000009")

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer reader.Close()

	writer, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer writer.Close()

	if err := writer.Set(ctx, "credential", []byte("fresh"), wallet); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		item, err := reader.Get(ctx, "credential", wallet)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if item != nil && string(item.Data) == "fresh" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reader never observed the external write")
}

func TestCorruptFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open() on a corrupt file should fail")
	}
}
