package clearnodetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// tokenIssuer signs handshake credentials as compact EdDSA JWTs.
type tokenIssuer struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	ttl  time.Duration
}

func newTokenIssuer(ttl time.Duration) (*tokenIssuer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate issuer key: %w", err)
	}
	return &tokenIssuer{kid: "clearnodetest", priv: priv, pub: pub, ttl: ttl}, nil
}

// TokenClaims are the claims carried by issued credentials.
type TokenClaims struct {
	Subject    string `json:"sub"`
	SessionKey string `json:"session_key"`
	Scope      string `json:"scope"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
}

func (i *tokenIssuer) issue(wallet, sessionKey, scope string, now time.Time) (string, error) {
	payload, err := json.Marshal(TokenClaims{
		Subject:    wallet,
		SessionKey: sessionKey,
		Scope:      scope,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(i.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", i.kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: i.priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (i *tokenIssuer) verify(token string) (TokenClaims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return TokenClaims{}, fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return TokenClaims{}, fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	if kid := jws.Signatures[0].Protected.KeyID; kid != i.kid {
		return TokenClaims{}, fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(i.pub)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("signature verification failed: %w", err)
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("decode claims: %w", err)
	}
	return claims, nil
}
