package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/clearnode-go/storage"
	"github.com/golang-jwt/jwt/v5"
)

const credentialKey = "credential"

// Credential is the advisory proof of a successful handshake.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the credential carries a token that has not expired
// at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// tokenExpiry reads the exp claim of a JWT without verifying it.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// CredentialCache persists at most one credential per wallet and application.
type CredentialCache struct {
	store       storage.Storage
	application string
	now         func() time.Time
}

// NewCredentialCache stores credentials for application in store.
func NewCredentialCache(store storage.Storage, application string) *CredentialCache {
	return &CredentialCache{store: store, application: application, now: time.Now}
}

// Load returns the cached credential for wallet if one exists and is valid.
func (c *CredentialCache) Load(ctx context.Context, wallet common.Address) (Credential, bool, error) {
	item, err := c.store.Get(ctx, credentialKey, c.namespace(wallet))
	if err != nil {
		return Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	if item == nil {
		return Credential{}, false, nil
	}
	var cred Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("decode credential: %w", err)
	}
	if !cred.Valid(c.now()) {
		return Credential{}, false, nil
	}
	return cred, true, nil
}

// Save replaces the cached credential for wallet. Credentials that are
// already expired are not stored.
func (c *CredentialCache) Save(ctx context.Context, wallet common.Address, cred Credential) error {
	now := c.now()
	if !cred.Valid(now) {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	opts := []storage.Option{c.namespace(wallet)}
	if !cred.ExpiresAt.IsZero() {
		opts = append(opts, storage.WithTTL(cred.ExpiresAt.Sub(now)))
	}
	if err := c.store.Set(ctx, credentialKey, data, opts...); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Clear drops the cached credential for wallet.
func (c *CredentialCache) Clear(ctx context.Context, wallet common.Address) error {
	if err := c.store.Delete(ctx, c.namespace(wallet), storage.WithKey(credentialKey)); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (c *CredentialCache) namespace(wallet common.Address) storage.Option {
	return storage.WithApplication(wallet.Hex(), c.application)
}
