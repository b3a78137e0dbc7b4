package rpc

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

func TestSchema_WireTypes(t *testing.T) {
	s, err := Schema(MethodSubmitAppState)
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var doc struct {
		Title      string `json:"title"`
		Properties struct {
			Version     map[string]any `json:"version"`
			Allocations struct {
				Items struct {
					Properties map[string]struct {
						Type    string `json:"type"`
						Pattern string `json:"pattern"`
					} `json:"properties"`
				} `json:"items"`
			} `json:"allocations"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, b)
	}
	if doc.Title != "submit_app_state" {
		t.Fatalf("title = %q", doc.Title)
	}
	if doc.Properties.Version["type"] != "integer" {
		t.Fatalf("version schema = %v", doc.Properties.Version)
	}
	props := doc.Properties.Allocations.Items.Properties
	if p := props["participant"]; p.Type != "string" || !strings.Contains(p.Pattern, "{40}") {
		t.Fatalf("participant schema = %+v\n%s", p, b)
	}
	if p := props["amount"]; p.Type != "string" || p.Pattern == "" {
		t.Fatalf("amount schema = %+v\n%s", p, b)
	}
}

func TestSchema_UnknownMethod(t *testing.T) {
	if _, err := Schema(MethodAssets); err == nil {
		t.Fatal("Schema(assets) = nil error, want error")
	}
}

func TestMethods_Sorted(t *testing.T) {
	ms := Methods()
	if len(ms) != len(schemaTypes) {
		t.Fatalf("Methods() returned %d, want %d", len(ms), len(schemaTypes))
	}
	if !sort.SliceIsSorted(ms, func(i, j int) bool { return ms[i] < ms[j] }) {
		t.Fatalf("Methods() not sorted: %v", ms)
	}
}

func TestMethod_IsAuthResult(t *testing.T) {
	for m, want := range map[Method]bool{
		MethodAuthVerify:       true,
		MethodAuthSuccess:      true,
		MethodAuthFailure:      true,
		MethodAuthChallenge:    false,
		MethodCreateAppSession: false,
	} {
		if got := m.IsAuthResult(); got != want {
			t.Fatalf("%s.IsAuthResult() = %v, want %v", m, got, want)
		}
	}
}

func TestPolicyTypedData_BindsChallenge(t *testing.T) {
	req := AuthRequestParams{
		Wallet:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		SessionKey:  common.HexToAddress("0x00000000000000000000000000000000000000bb"),
		Application: "YellowRead",
		Scope:       "app",
		ExpiresAt:   1700000000,
		Allowances:  []Allowance{{Asset: "eth", Amount: decimal.RequireFromString("0.1")}},
	}

	h1, _, err := apitypes.TypedDataAndHash(PolicyTypedData(req, "c-1"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	again, _, err := apitypes.TypedDataAndHash(PolicyTypedData(req, "c-1"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _, err := apitypes.TypedDataAndHash(PolicyTypedData(req, "c-2"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if string(h1) != string(again) {
		t.Fatal("policy hash is not deterministic")
	}
	if string(h1) == string(h2) {
		t.Fatal("policy hash does not depend on the challenge")
	}

	req.Allowances[0].Amount = decimal.RequireFromString("0.2")
	h3, _, err := apitypes.TypedDataAndHash(PolicyTypedData(req, "c-1"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if string(h1) == string(h3) {
		t.Fatal("policy hash does not depend on the allowance")
	}
}

func TestAllocation_JSON(t *testing.T) {
	a := Allocation{
		Participant: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Asset:       "eth",
		Amount:      decimal.RequireFromString("0.098"),
	}
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"participant":"0x00000000000000000000000000000000000000aa","asset":"eth","amount":"0.098"}`
	if string(b) != want {
		t.Fatalf("Marshal() = %s, want %s", b, want)
	}
}
