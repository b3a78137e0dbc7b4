package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrSigningFailed wraps every failure to produce a signature.
var ErrSigningFailed = errors.New("signer: signing failed")

// Wallet is the payer's signing capability. Every method may fail.
type Wallet interface {
	Address() common.Address
	// SignTypedData signs an EIP-712 structure.
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	// SignRaw signs keccak256(data).
	SignRaw(ctx context.Context, data []byte) ([]byte, error)
}

// TxSigner is implemented by wallets that can sign value transfers.
type TxSigner interface {
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SessionKey is an ephemeral protocol signing key.
type SessionKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSessionKey generates a fresh session key.
func NewSessionKey() (*SessionKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &SessionKey{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the session key's address, which the node learns during
// the handshake.
func (k *SessionKey) Address() common.Address { return k.addr }

// Sign signs keccak256(payload) and returns the 0x-prefixed hex signature.
func (k *SessionKey) Sign(payload []byte) (string, error) {
	sig, err := signDigest(k.key, crypto.Keccak256(payload))
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// KeyWallet is a Wallet backed by a local private key.
type KeyWallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var (
	_ Wallet   = (*KeyWallet)(nil)
	_ TxSigner = (*KeyWallet)(nil)
)

// NewKeyWallet wraps key.
func NewKeyWallet(key *ecdsa.PrivateKey) *KeyWallet {
	return &KeyWallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateKeyWallet returns a wallet with a fresh random key.
func GenerateKeyWallet() (*KeyWallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	return NewKeyWallet(key), nil
}

// KeyWalletFromHex parses a hex private key, with or without 0x prefix.
func KeyWalletFromHex(hexKey string) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return NewKeyWallet(key), nil
}

func (w *KeyWallet) Address() common.Address { return w.addr }

func (w *KeyWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("%w: hash typed data: %w", ErrSigningFailed, err)
	}
	return signDigest(w.key, digest)
}

func (w *KeyWallet) SignRaw(ctx context.Context, data []byte) ([]byte, error) {
	return signDigest(w.key, crypto.Keccak256(data))
}

func (w *KeyWallet) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return signed, nil
}

func signDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest.
func Recover(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverHex decodes a 0x-prefixed signature and recovers its signer over
// keccak256(payload).
func RecoverHex(payload []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	return Recover(crypto.Keccak256(payload), sig)
}

// RecoverTypedData recovers the signer of an EIP-712 signature.
func RecoverTypedData(data apitypes.TypedData, sig []byte) (common.Address, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return common.Address{}, err
	}
	return Recover(digest, sig)
}
