package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Replay rebuilds a snapshot from terms and a history produced by a Session
// opened under those terms. It fails if the history is out of order or its
// recorded amounts disagree with the terms.
func Replay(terms Terms, history []Event) (Snapshot, error) {
	if err := terms.Validate(); err != nil {
		return Snapshot{}, err
	}
	if len(history) == 0 {
		return Snapshot{}, fmt.Errorf("replay: empty history")
	}
	start, ok := history[0].(SessionStarted)
	if !ok {
		return Snapshot{}, fmt.Errorf("replay: history starts with %s", history[0].Kind())
	}

	snap := Snapshot{
		LocalID:      start.LocalID,
		PricePerItem: terms.PricePerItem,
		AmountOwed:   decimal.Zero,
		Allocations:  allocationsFor(terms, decimal.Zero),
		Opened:       true,
	}
	seen := make(map[string]struct{})

	for i, e := range history[1:] {
		pos := i + 1
		switch ev := e.(type) {
		case ItemRecorded:
			if snap.Closed {
				return Snapshot{}, fmt.Errorf("replay: item at %d after close", pos)
			}
			if _, dup := seen[ev.ItemID]; dup {
				return Snapshot{}, fmt.Errorf("replay: duplicate item %q at %d", ev.ItemID, pos)
			}
			if ev.StateIndex != snap.StateIndex+1 {
				return Snapshot{}, fmt.Errorf("replay: state index %d at %d, want %d", ev.StateIndex, pos, snap.StateIndex+1)
			}
			seen[ev.ItemID] = struct{}{}
			snap.Items = append(snap.Items, ev.ItemID)
			snap.ItemCount++
			snap.StateIndex = ev.StateIndex
			snap.AmountOwed = amountFor(terms, snap.ItemCount)
			if !snap.AmountOwed.Equal(ev.AmountOwedAfter) {
				return Snapshot{}, fmt.Errorf("replay: amount %s at %d, want %s", ev.AmountOwedAfter, pos, snap.AmountOwed)
			}
			snap.Allocations = allocationsFor(terms, snap.AmountOwed)
		case SessionClosed:
			if snap.Closed {
				return Snapshot{}, fmt.Errorf("replay: second close at %d", pos)
			}
			snap.Closed = true
		case Settled:
			if !snap.Closed || snap.Settled {
				return Snapshot{}, fmt.Errorf("replay: unexpected settlement at %d", pos)
			}
			snap.Settled = true
		default:
			return Snapshot{}, fmt.Errorf("replay: unexpected %s at %d", e.Kind(), pos)
		}
	}
	return snap, nil
}
