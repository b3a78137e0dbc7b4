package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind names a history entry.
type EventKind string

const (
	KindSessionStarted EventKind = "session_started"
	KindItemRecorded   EventKind = "item_recorded"
	KindSessionClosed  EventKind = "session_closed"
	KindSettled        EventKind = "settled"
)

// Event is one entry of a session's history. The concrete types are
// SessionStarted, ItemRecorded, SessionClosed and Settled.
type Event interface {
	Kind() EventKind
	Time() time.Time
	isEvent()
}

type SessionStarted struct {
	LocalID string
	At      time.Time
}

type ItemRecorded struct {
	StateIndex      uint64
	ItemID          string
	AmountOwedAfter decimal.Decimal
	At              time.Time
}

type SessionClosed struct {
	FinalAllocations []Allocation
	At               time.Time
}

type Settled struct {
	TxReference string
	Amount      decimal.Decimal
	At          time.Time
}

func (e SessionStarted) Kind() EventKind { return KindSessionStarted }
func (e ItemRecorded) Kind() EventKind   { return KindItemRecorded }
func (e SessionClosed) Kind() EventKind  { return KindSessionClosed }
func (e Settled) Kind() EventKind        { return KindSettled }

func (e SessionStarted) Time() time.Time { return e.At }
func (e ItemRecorded) Time() time.Time   { return e.At }
func (e SessionClosed) Time() time.Time  { return e.At }
func (e Settled) Time() time.Time        { return e.At }

func (SessionStarted) isEvent() {}
func (ItemRecorded) isEvent()   {}
func (SessionClosed) isEvent()  {}
func (Settled) isEvent()        {}

// copyEvent returns e with any slices detached from the session's storage.
func copyEvent(e Event) Event {
	if c, ok := e.(SessionClosed); ok {
		c.FinalAllocations = append([]Allocation(nil), c.FinalAllocations...)
		return c
	}
	return e
}
