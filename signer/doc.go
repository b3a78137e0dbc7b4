// Package signer holds the two signing capabilities the session client uses.
//
// A SessionKey is an ephemeral secp256k1 key generated once per process. It
// signs protocol messages so the wallet is only asked to sign once per
// handshake. It is never persisted.
//
// A Wallet is the payer's own signing capability. The client consumes only
// Address, SignTypedData and SignRaw; account selection and chain switching
// belong to whatever produced the Wallet. KeyWallet is a Wallet backed by a
// local private key, used by the CLI and tests.
//
// All signatures are 65 bytes in [R || S || V] form with V in {27, 28}, the
// form browser wallets produce. Recover accepts either V convention.
package signer
