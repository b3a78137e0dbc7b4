// Package storage provides a small namespaced key-value interface used to
// persist client state, such as the handshake credential, across process
// restarts.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Storage defines the primary interface for namespaced data storage
type Storage interface {
	// Get retrieves data for a specific key within the given namespace
	// Returns nil StorageItem if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given namespace
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace
	// If no key specified via WithKey, removes entire namespace
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace      // Optional: specifies the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Namespace scopes keys to a wallet, or to one application of a wallet.
// If nil, storage operates in the global namespace.
type Namespace interface {
	namespace() // private method to ensure only our types implement this
}

// WalletNamespace holds data owned by one paying wallet.
type WalletNamespace struct {
	Wallet string
}

func (WalletNamespace) namespace() {}

// ApplicationNamespace holds data a wallet keeps for one clearing-node
// application.
type ApplicationNamespace struct {
	Wallet      string
	Application string
}

func (ApplicationNamespace) namespace() {}

// WithWallet specifies wallet-level storage namespace. Addresses are
// compared case-insensitively.
func WithWallet(wallet string) Option {
	return func(opts *Options) {
		opts.Namespace = WalletNamespace{Wallet: strings.ToLower(wallet)}
	}
}

// WithApplication specifies application-level storage namespace.
func WithApplication(wallet, application string) Option {
	return func(opts *Options) {
		opts.Namespace = ApplicationNamespace{Wallet: strings.ToLower(wallet), Application: application}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Prefix returns the key prefix shared by every key in namespace. Prefixes of
// nested namespaces extend their parent's.
func Prefix(namespace Namespace) string {
	switch ns := namespace.(type) {
	case WalletNamespace:
		return "wallet:" + ns.Wallet + ":"
	case ApplicationNamespace:
		return "wallet:" + ns.Wallet + ":app:" + ns.Application + ":"
	default:
		return "global:"
	}
}

// Path returns the fully qualified key for key within namespace.
func Path(namespace Namespace, key string) string {
	return Prefix(namespace) + "key:" + key
}

// Error types
var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
)
