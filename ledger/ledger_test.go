package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	payer = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee = common.HexToAddress("0x53A50d231569437f969EF1c1Aa034230FD032241")
)

func testTerms(price, deposit string) Terms {
	return Terms{
		Payer:        payer,
		Payee:        payee,
		Asset:        "eth",
		PricePerItem: decimal.RequireFromString(price),
		Deposit:      decimal.RequireFromString(deposit),
	}
}

func mustOpen(t *testing.T, s *Session, terms Terms) Snapshot {
	t.Helper()
	snap, err := s.Open(terms)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return snap
}

func mustRecord(t *testing.T, s *Session, id string) (Snapshot, bool) {
	t.Helper()
	snap, recorded, err := s.Record(id)
	if err != nil {
		t.Fatalf("Record(%q) failed: %v", id, err)
	}
	return snap, recorded
}

func allocationSum(allocs []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a.Amount)
	}
	return sum
}

func TestReadingScenario(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.001", "0.1"))

	var snap Snapshot
	for _, id := range []string{"7", "3", "7"} {
		snap, _ = mustRecord(t, s, id)
	}

	if snap.ItemCount != 2 {
		t.Fatalf("ItemCount = %d, want 2", snap.ItemCount)
	}
	if !snap.AmountOwed.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("AmountOwed = %s, want 0.002", snap.AmountOwed)
	}
	if snap.StateIndex != 2 {
		t.Fatalf("StateIndex = %d, want 2", snap.StateIndex)
	}

	final, history, err := s.Close()
	if err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if got := final.Allocations[0].Amount; !got.Equal(decimal.RequireFromString("0.098")) {
		t.Fatalf("payer allocation = %s, want 0.098", got)
	}
	if got := final.Allocations[1].Amount; !got.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("payee allocation = %s, want 0.002", got)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	wantKinds := []EventKind{KindSessionStarted, KindItemRecorded, KindItemRecorded, KindSessionClosed}
	for i, k := range wantKinds {
		if history[i].Kind() != k {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].Kind(), k)
		}
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.001", "0.1"))
	first, recorded := mustRecord(t, s, "a")
	if !recorded {
		t.Fatal("first Record() reported no change")
	}

	for i := 0; i < 5; i++ {
		again, recorded := mustRecord(t, s, "a")
		if recorded {
			t.Fatalf("duplicate Record() #%d reported a change", i)
		}
		if again.StateIndex != first.StateIndex || !again.AmountOwed.Equal(first.AmountOwed) || again.ItemCount != first.ItemCount {
			t.Fatalf("duplicate Record() changed state: before=%+v after=%+v", first, again)
		}
	}
	if n := len(s.History()); n != 2 {
		t.Fatalf("history length = %d, want 2", n)
	}
}

func TestAmountOwedTracksDistinctItems(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.001", "100"))

	const n = 1000
	for i := 0; i < n; i++ {
		mustRecord(t, s, fmt.Sprintf("item-%d", i))
		mustRecord(t, s, fmt.Sprintf("item-%d", i/2))
	}

	snap := s.Snapshot()
	if snap.StateIndex != n {
		t.Fatalf("StateIndex = %d, want %d", snap.StateIndex, n)
	}
	if !snap.AmountOwed.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("AmountOwed = %s, want exactly 1", snap.AmountOwed)
	}
	if got := len(s.History()); got != 1+n {
		t.Fatalf("history length = %d, want %d", got, 1+n)
	}
}

func TestAllocationsConserveDeposit(t *testing.T) {
	tests := []struct {
		name    string
		price   string
		deposit string
		items   int
	}{
		{name: "within deposit", price: "0.001", deposit: "0.1", items: 10},
		{name: "exactly at deposit", price: "0.05", deposit: "0.1", items: 2},
		{name: "beyond deposit", price: "0.03", deposit: "0.1", items: 7},
		{name: "zero deposit", price: "0.01", deposit: "0", items: 3},
		{name: "free items", price: "0", deposit: "1", items: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := testTerms(tt.price, tt.deposit)
			s := New()
			snap := mustOpen(t, s, terms)
			if !allocationSum(snap.Allocations).Equal(terms.Deposit) {
				t.Fatalf("initial allocations sum to %s, want %s", allocationSum(snap.Allocations), terms.Deposit)
			}

			for i := 0; i < tt.items; i++ {
				snap, _ = mustRecord(t, s, fmt.Sprintf("%d", i))
				if !allocationSum(snap.Allocations).Equal(terms.Deposit) {
					t.Fatalf("after item %d allocations sum to %s, want %s", i, allocationSum(snap.Allocations), terms.Deposit)
				}
				for _, a := range snap.Allocations {
					if a.Amount.IsNegative() {
						t.Fatalf("negative allocation %s for %s", a.Amount, a.Participant)
					}
				}
			}

			final, _, err := s.Close()
			if err != nil {
				t.Fatalf("Close() failed: %v", err)
			}
			if !allocationSum(final.Allocations).Equal(terms.Deposit) {
				t.Fatalf("final allocations sum to %s, want %s", allocationSum(final.Allocations), terms.Deposit)
			}
		})
	}
}

func TestOverflowClampKeepsCounting(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.04", "0.1"))
	var snap Snapshot
	for _, id := range []string{"a", "b", "c"} {
		snap, _ = mustRecord(t, s, id)
	}

	if !snap.AmountOwed.Equal(decimal.RequireFromString("0.12")) {
		t.Fatalf("AmountOwed = %s, want 0.12", snap.AmountOwed)
	}
	if !snap.Allocations[1].Amount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("payee allocation = %s, want clamped 0.1", snap.Allocations[1].Amount)
	}
	if !snap.Allocations[0].Amount.IsZero() {
		t.Fatalf("payer allocation = %s, want 0", snap.Allocations[0].Amount)
	}
}

func TestOverflowRejectRefusesItem(t *testing.T) {
	terms := testTerms("0.04", "0.1")
	terms.Overflow = OverflowReject
	s := New()
	mustOpen(t, s, terms)
	mustRecord(t, s, "a")
	mustRecord(t, s, "b")

	snap, recorded, err := s.Record("c")
	if !errors.Is(err, ErrDepositExhausted) {
		t.Fatalf("Record() error = %v, want ErrDepositExhausted", err)
	}
	if recorded || snap.StateIndex != 2 || snap.ItemCount != 2 {
		t.Fatalf("rejected item changed state: %+v", snap)
	}
}

func TestOpenAfterResetDoesNotLeak(t *testing.T) {
	s := New()
	first := mustOpen(t, s, testTerms("0.001", "0.1"))
	mustRecord(t, s, "1")
	mustRecord(t, s, "2")
	if _, _, err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s.Reset()
	if snap := s.Snapshot(); snap.Opened || snap.LocalID != "" || snap.StateIndex != 0 || len(s.History()) != 0 {
		t.Fatalf("Reset() left state behind: %+v", snap)
	}

	second := mustOpen(t, s, testTerms("0.001", "0.1"))
	if second.StateIndex != 0 || second.ItemCount != 0 || len(second.Items) != 0 {
		t.Fatalf("reopened session not empty: %+v", second)
	}
	if second.LocalID == first.LocalID {
		t.Fatal("reopened session reused local id")
	}
	if second.Generation <= first.Generation {
		t.Fatalf("generation did not advance: %d -> %d", first.Generation, second.Generation)
	}

	snap, recorded := mustRecord(t, s, "1")
	if !recorded || snap.StateIndex != 1 {
		t.Fatalf("item from previous session leaked: %+v", snap)
	}
}

func TestOpenAfterCloseStartsFresh(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.001", "0.1"))
	mustRecord(t, s, "x")
	if _, _, err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	snap := mustOpen(t, s, testTerms("0.001", "0.1"))
	if snap.StateIndex != 0 || snap.Closed || len(s.History()) != 1 {
		t.Fatalf("Open() after Close() not fresh: %+v", snap)
	}
}

func TestLifecycleErrors(t *testing.T) {
	s := New()
	if _, _, err := s.Record("a"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Record() before Open() = %v, want ErrNotOpen", err)
	}
	if _, _, err := s.Close(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Close() before Open() = %v, want ErrNotOpen", err)
	}

	mustOpen(t, s, testTerms("0.001", "0.1"))
	if _, _, err := s.Record(" "); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("Record(blank) = %v, want ErrInvalidItem", err)
	}
	if err := s.RecordSettlement("0xabc", decimal.Zero); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("RecordSettlement() while open = %v, want ErrNotClosed", err)
	}
	if _, _, err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, _, err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close() = %v, want ErrClosed", err)
	}
	if _, _, err := s.Record("a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Record() after Close() = %v, want ErrClosed", err)
	}
	if err := s.RecordSettlement("0xabc", decimal.Zero); err != nil {
		t.Fatalf("RecordSettlement() failed: %v", err)
	}
	if err := s.RecordSettlement("0xabc", decimal.Zero); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second RecordSettlement() = %v, want ErrAlreadySettled", err)
	}
}

func TestInvalidTerms(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Terms)
	}{
		{name: "missing payer", mutate: func(t *Terms) { t.Payer = common.Address{} }},
		{name: "missing payee", mutate: func(t *Terms) { t.Payee = common.Address{} }},
		{name: "same participant", mutate: func(t *Terms) { t.Payee = t.Payer }},
		{name: "missing asset", mutate: func(t *Terms) { t.Asset = "" }},
		{name: "negative price", mutate: func(t *Terms) { t.PricePerItem = decimal.NewFromInt(-1) }},
		{name: "negative deposit", mutate: func(t *Terms) { t.Deposit = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := testTerms("0.001", "0.1")
			tt.mutate(&terms)
			if _, err := New().Open(terms); !errors.Is(err, ErrInvalidTerms) {
				t.Fatalf("Open() = %v, want ErrInvalidTerms", err)
			}
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.001", "0.1"))
	snap, _ := mustRecord(t, s, "a")

	snap.Items[0] = "tampered"
	snap.Allocations[0].Amount = decimal.NewFromInt(99)

	fresh := s.Snapshot()
	if fresh.Items[0] != "a" {
		t.Fatalf("snapshot items aliased internal state: %v", fresh.Items)
	}
	if fresh.Allocations[0].Amount.Equal(decimal.NewFromInt(99)) {
		t.Fatal("snapshot allocations aliased internal state")
	}

	if _, _, err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	history := s.History()
	closed := history[len(history)-1].(SessionClosed)
	closed.FinalAllocations[0].Amount = decimal.NewFromInt(99)
	again := s.History()[len(history)-1].(SessionClosed)
	if again.FinalAllocations[0].Amount.Equal(decimal.NewFromInt(99)) {
		t.Fatal("history allocations aliased internal state")
	}
}

func TestConcurrentRecordsAreSerialized(t *testing.T) {
	s := New()
	mustOpen(t, s, testTerms("0.001", "10"))

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Every worker records the same ids; only the first wins.
				if _, _, err := s.Record(fmt.Sprintf("%d", i)); err != nil {
					t.Errorf("Record() failed: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.StateIndex != perWorker || snap.ItemCount != perWorker {
		t.Fatalf("StateIndex=%d ItemCount=%d, want %d", snap.StateIndex, snap.ItemCount, perWorker)
	}
	var want uint64
	for _, e := range s.History() {
		if rec, ok := e.(ItemRecorded); ok {
			want++
			if rec.StateIndex != want {
				t.Fatalf("history state index %d, want %d", rec.StateIndex, want)
			}
		}
	}
}

func TestRemoteIDRespectsGeneration(t *testing.T) {
	s := New()
	snap := mustOpen(t, s, testTerms("0.001", "0.1"))

	if !s.SetRemoteID(snap.Generation, "remote-1") {
		t.Fatal("SetRemoteID() for current generation was rejected")
	}
	if id, ok := s.RemoteID(snap.Generation); !ok || id != "remote-1" {
		t.Fatalf("RemoteID() = %q, %v", id, ok)
	}

	s.Reset()
	if s.SetRemoteID(snap.Generation, "remote-2") {
		t.Fatal("SetRemoteID() for stale generation was applied")
	}
	next := mustOpen(t, s, testTerms("0.001", "0.1"))
	if s.SetRemoteID(snap.Generation, "remote-3") {
		t.Fatal("SetRemoteID() from previous session was applied to the new one")
	}
	if got := s.Snapshot().RemoteID; got != "" {
		t.Fatalf("RemoteID leaked into new session: %q", got)
	}
	if _, ok := s.RemoteID(next.Generation); ok {
		t.Fatal("new session reports a remote id")
	}
}

func TestReplayReconstructsSnapshot(t *testing.T) {
	terms := testTerms("0.001", "0.1")
	s := New()
	mustOpen(t, s, terms)
	for _, id := range []string{"7", "3", "7", "9"} {
		mustRecord(t, s, id)
	}
	final, history, err := s.Close()
	if err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	replayed, err := Replay(terms, history)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}
	if replayed.StateIndex != final.StateIndex || !replayed.AmountOwed.Equal(final.AmountOwed) || !replayed.Closed {
		t.Fatalf("Replay() = %+v, want %+v", replayed, final)
	}
	for i := range final.Allocations {
		if !replayed.Allocations[i].Amount.Equal(final.Allocations[i].Amount) {
			t.Fatalf("replayed allocation %d = %s, want %s", i, replayed.Allocations[i].Amount, final.Allocations[i].Amount)
		}
	}

	reordered := append([]Event{history[0], history[2], history[1]}, history[3:]...)
	if _, err := Replay(terms, reordered); err == nil {
		t.Fatal("Replay() accepted a reordered history")
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	for in, want := range map[string]OverflowPolicy{"": OverflowClamp, "clamp": OverflowClamp, "REJECT": OverflowReject} {
		got, err := ParseOverflowPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseOverflowPolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseOverflowPolicy("top-up"); err == nil {
		t.Fatal("ParseOverflowPolicy(top-up) succeeded")
	}
}
