// Package file provides a storage.Storage kept in a single JSON file, so a
// credential survives process restarts without an external server. The
// file is rewritten atomically on every change and reloaded when another
// process modifies it.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/clearnode-go/storage"
)

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Storage implements storage.Storage on top of one JSON file.
type Storage struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	items map[string]storedItem

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Option configures a file Storage.
type Option func(*Storage)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.log = l
		}
	}
}

// Open loads path, creating its directory if needed, and starts watching it
// for external changes. A missing file is an empty store.
func Open(path string, opts ...Option) (*Storage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	s := &Storage{
		path:  abs,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		items: make(map[string]storedItem),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug("fsnotify unavailable", slog.String("err", err.Error()))
		close(s.done)
		return s, nil
	}
	// Watch the directory: atomic rewrites replace the file's inode.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		s.log.Debug("fsnotify add dir failed", slog.String("err", err.Error()))
		close(s.done)
		return s, nil
	}
	s.watcher = w
	go s.watch()

	return s, nil
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	options := storage.Apply(opts...)
	k := storage.Path(options.Namespace, key)

	s.mu.RLock()
	item, ok := s.items[k]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	out := &storage.StorageItem{
		Data:      append([]byte(nil), item.Data...),
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}
	if out.IsExpired() {
		s.mu.Lock()
		delete(s.items, k)
		err := s.persistLocked()
		s.mu.Unlock()
		return nil, err
	}
	return out, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	now := time.Now()
	item := storedItem{Data: append([]byte(nil), data...), CreatedAt: now}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[storage.Path(options.Namespace, key)] = item
	return s.persistLocked()
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		delete(s.items, storage.Path(options.Namespace, *options.Key))
		return s.persistLocked()
	}
	if options.Namespace == nil {
		return storage.ErrInvalidOptions
	}
	prefix := storage.Prefix(options.Namespace)
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
		}
	}
	return s.persistLocked()
}

// Close stops watching the file.
func (s *Storage) Close() error {
	var err error
	s.once.Do(func() {
		if s.watcher != nil {
			err = s.watcher.Close()
			<-s.done
		}
	})
	return err
}

func (s *Storage) watch() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Debug("storage.file.reload.fail", slog.String("path", s.path), slog.String("err", err.Error()))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}

// reload replaces the in-memory view with the file's contents. A partially
// written or corrupt file leaves the current view untouched. The file is
// read under the lock so a reload never races a concurrent persist.
func (s *Storage) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.items = make(map[string]storedItem)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	items := make(map[string]storedItem)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	s.items = items
	return nil
}

func (s *Storage) persistLocked() error {
	raw, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".clearnode-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Compile-time interface check
var _ storage.Storage = (*Storage)(nil)
