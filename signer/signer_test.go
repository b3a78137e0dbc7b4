package signer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

func TestSessionKey_SignRecover(t *testing.T) {
	sk, err := NewSessionKey()
	if err != nil {
		t.Fatalf("NewSessionKey: %v", err)
	}
	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"submit_app_state"}`)
	sig, err := sk.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw := hexutil.MustDecode(sig)
	if len(raw) != 65 || (raw[64] != 27 && raw[64] != 28) {
		t.Fatalf("signature %s is not [R || S || V] with V in {27, 28}", sig)
	}

	got, err := RecoverHex(payload, sig)
	if err != nil {
		t.Fatalf("RecoverHex: %v", err)
	}
	if got != sk.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), sk.Address().Hex())
	}

	other, err := RecoverHex([]byte("tampered"), sig)
	if err == nil && other == sk.Address() {
		t.Fatal("signature verified over a different payload")
	}
}

func TestRecover_AcceptsBothRecoveryConventions(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest := crypto.Keccak256([]byte("hello"))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)

	got, err := Recover(digest, sig)
	if err != nil || got != want {
		t.Fatalf("Recover(v in {0,1}) = %s, %v", got.Hex(), err)
	}
	shifted := append([]byte(nil), sig...)
	shifted[64] += 27
	got, err = Recover(digest, shifted)
	if err != nil || got != want {
		t.Fatalf("Recover(v in {27,28}) = %s, %v", got.Hex(), err)
	}
	if shifted[64] < 27 {
		t.Fatal("Recover mutated its input")
	}

	if _, err := Recover(digest, sig[:64]); err == nil {
		t.Fatal("Recover accepted a short signature")
	}
}

func TestKeyWallet_SignTypedData(t *testing.T) {
	w, err := GenerateKeyWallet()
	if err != nil {
		t.Fatalf("GenerateKeyWallet: %v", err)
	}
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Note":         {{Name: "text", Type: "string"}},
		},
		PrimaryType: "Note",
		Domain:      apitypes.TypedDataDomain{Name: "YellowRead"},
		Message:     apitypes.TypedDataMessage{"text": "hi"},
	}
	sig, err := w.SignTypedData(context.Background(), data)
	if err != nil {
		t.Fatalf("SignTypedData: %v", err)
	}
	got, err := RecoverTypedData(data, sig)
	if err != nil {
		t.Fatalf("RecoverTypedData: %v", err)
	}
	if got != w.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), w.Address().Hex())
	}

	data.PrimaryType = "Missing"
	if _, err := w.SignTypedData(context.Background(), data); !errors.Is(err, ErrSigningFailed) {
		t.Fatalf("SignTypedData(bad) err = %v, want ErrSigningFailed", err)
	}
}

func TestKeyWallet_SignTx(t *testing.T) {
	w, err := GenerateKeyWallet()
	if err != nil {
		t.Fatalf("GenerateKeyWallet: %v", err)
	}
	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x00000000000000000000000000000000000000Ee")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(5),
	})
	signed, err := w.SignTx(context.Background(), tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != w.Address() {
		t.Fatalf("sender %s, want %s", from.Hex(), w.Address().Hex())
	}
}

func TestKeyWalletFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hexKey := hexutil.Encode(crypto.FromECDSA(key))
	for _, in := range []string{hexKey, hexKey[2:], " " + hexKey + "\n"} {
		w, err := KeyWalletFromHex(in)
		if err != nil {
			t.Fatalf("KeyWalletFromHex(%q): %v", in, err)
		}
		if w.Address() != crypto.PubkeyToAddress(key.PublicKey) {
			t.Fatalf("address mismatch for %q", in)
		}
	}
	if _, err := KeyWalletFromHex("0xzz"); err == nil {
		t.Fatal("KeyWalletFromHex accepted garbage")
	}
}
