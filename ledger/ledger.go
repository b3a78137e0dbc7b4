package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotOpen is returned when an operation needs an open session.
	ErrNotOpen = errors.New("ledger: session not open")
	// ErrClosed is returned when mutating a closed session.
	ErrClosed = errors.New("ledger: session closed")
	// ErrNotClosed is returned when settling a session that is still open.
	ErrNotClosed = errors.New("ledger: session not closed")
	// ErrAlreadySettled is returned when a session records a second settlement.
	ErrAlreadySettled = errors.New("ledger: session already settled")
	// ErrDepositExhausted is returned under OverflowReject when an item would
	// push the amount owed above the deposit.
	ErrDepositExhausted = errors.New("ledger: deposit exhausted")
	// ErrInvalidTerms is returned by Open for unusable terms.
	ErrInvalidTerms = errors.New("ledger: invalid terms")
	// ErrInvalidItem is returned for an empty item ID.
	ErrInvalidItem = errors.New("ledger: invalid item id")
)

// Allocation is a participant's share of the deposit for one asset.
type Allocation struct {
	Participant common.Address
	Asset       string
	Amount      decimal.Decimal
}

// OverflowPolicy decides what happens once the amount owed reaches the deposit.
type OverflowPolicy int

const (
	// OverflowClamp keeps recording; the payee allocation stops at the deposit.
	OverflowClamp OverflowPolicy = iota
	// OverflowReject refuses items that would exceed the deposit.
	OverflowReject
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowClamp:
		return "clamp"
	case OverflowReject:
		return "reject"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy parses "clamp" or "reject". The empty string is clamp.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return OverflowClamp, nil
	case "reject":
		return OverflowReject, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Terms fix the economics of a session for its whole lifetime.
type Terms struct {
	Payer        common.Address
	Payee        common.Address
	Asset        string
	PricePerItem decimal.Decimal
	Deposit      decimal.Decimal
	Overflow     OverflowPolicy
}

// Validate reports whether the terms can back a session.
func (t Terms) Validate() error {
	if t.Payer == (common.Address{}) {
		return fmt.Errorf("%w: missing payer", ErrInvalidTerms)
	}
	if t.Payee == (common.Address{}) {
		return fmt.Errorf("%w: missing payee", ErrInvalidTerms)
	}
	if t.Payer == t.Payee {
		return fmt.Errorf("%w: payer and payee are the same address", ErrInvalidTerms)
	}
	if strings.TrimSpace(t.Asset) == "" {
		return fmt.Errorf("%w: missing asset", ErrInvalidTerms)
	}
	if t.PricePerItem.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidTerms)
	}
	if t.Deposit.IsNegative() {
		return fmt.Errorf("%w: negative deposit", ErrInvalidTerms)
	}
	return nil
}

// Participants returns [payer, payee].
func (t Terms) Participants() []common.Address {
	return []common.Address{t.Payer, t.Payee}
}

// Snapshot is a value copy of a session's billing state. Mutating it never
// affects the session.
type Snapshot struct {
	LocalID      string
	RemoteID     string
	Generation   uint64
	Items        []string
	ItemCount    int
	AmountOwed   decimal.Decimal
	PricePerItem decimal.Decimal
	StateIndex   uint64
	Allocations  []Allocation
	Opened       bool
	Closed       bool
	Settled      bool
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides local session ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Session) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// Session is the local ledger of one billing session.
type Session struct {
	mu sync.Mutex

	now   func() time.Time
	newID func() string

	gen     uint64
	open    bool
	closed  bool
	settled bool

	localID  string
	remoteID string
	terms    Terms

	seen       map[string]struct{}
	items      []string
	stateIndex uint64
	owed       decimal.Decimal
	allocs     []Allocation
	history    []Event
}

// New returns an unopened Session.
func New(opts ...Option) *Session {
	s := &Session{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts a fresh session under terms, discarding any previous one.
func (s *Session) Open(terms Terms) (Snapshot, error) {
	if err := terms.Validate(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.open = true
	s.localID = s.newID()
	s.terms = terms
	s.allocs = allocationsFor(terms, decimal.Zero)
	s.history = append(s.history, SessionStarted{LocalID: s.localID, At: s.now()})

	return s.snapshotLocked(), nil
}

// Record adds itemID to the session. recorded is false when the item was
// already present, in which case the snapshot is unchanged.
func (s *Session) Record(itemID string) (snap Snapshot, recorded bool, err error) {
	if strings.TrimSpace(itemID) == "" {
		return Snapshot{}, false, ErrInvalidItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return Snapshot{}, false, ErrNotOpen
	}
	if s.closed {
		return s.snapshotLocked(), false, ErrClosed
	}
	if _, dup := s.seen[itemID]; dup {
		return s.snapshotLocked(), false, nil
	}

	owed := amountFor(s.terms, len(s.items)+1)
	if s.terms.Overflow == OverflowReject && owed.GreaterThan(s.terms.Deposit) {
		return s.snapshotLocked(), false, fmt.Errorf("%w: %s owed exceeds deposit %s", ErrDepositExhausted, owed, s.terms.Deposit)
	}

	s.seen[itemID] = struct{}{}
	s.items = append(s.items, itemID)
	s.stateIndex++
	s.owed = owed
	s.allocs = allocationsFor(s.terms, owed)
	s.history = append(s.history, ItemRecorded{
		StateIndex:      s.stateIndex,
		ItemID:          itemID,
		AmountOwedAfter: owed,
		At:              s.now(),
	})

	return s.snapshotLocked(), true, nil
}

// Close freezes the session and returns the final snapshot and history.
func (s *Session) Close() (Snapshot, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return Snapshot{}, nil, ErrNotOpen
	}
	if s.closed {
		return Snapshot{}, nil, ErrClosed
	}

	s.closed = true
	s.history = append(s.history, SessionClosed{
		FinalAllocations: copyAllocations(s.allocs),
		At:               s.now(),
	})

	return s.snapshotLocked(), s.historyLocked(), nil
}

// RecordSettlement appends the on-chain settlement of a closed session.
func (s *Session) RecordSettlement(txReference string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrNotOpen
	}
	if !s.closed {
		return ErrNotClosed
	}
	if s.settled {
		return ErrAlreadySettled
	}

	s.settled = true
	s.history = append(s.history, Settled{TxReference: txReference, Amount: amount, At: s.now()})
	return nil
}

// Reset discards the session entirely.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// Snapshot returns a copy of the current billing state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// History returns a copy of the session's events in insertion order.
func (s *Session) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

// Terms returns the terms of the open session.
func (s *Session) Terms() (Terms, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terms, s.open
}

// Generation identifies the current session incarnation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// SetRemoteID records the node's session ID if gen is still current. It
// reports whether the ID was applied.
func (s *Session) SetRemoteID(gen uint64, remoteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.open || remoteID == "" {
		return false
	}
	s.remoteID = remoteID
	return true
}

// RemoteID returns the node's session ID for generation gen.
func (s *Session) RemoteID(gen uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.remoteID == "" {
		return "", false
	}
	return s.remoteID, true
}

func (s *Session) clearLocked() {
	s.gen++
	s.open = false
	s.closed = false
	s.settled = false
	s.localID = ""
	s.remoteID = ""
	s.terms = Terms{}
	s.seen = make(map[string]struct{})
	s.items = nil
	s.stateIndex = 0
	s.owed = decimal.Zero
	s.allocs = nil
	s.history = nil
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		LocalID:      s.localID,
		RemoteID:     s.remoteID,
		Generation:   s.gen,
		Items:        append([]string(nil), s.items...),
		ItemCount:    len(s.items),
		AmountOwed:   s.owed,
		PricePerItem: s.terms.PricePerItem,
		StateIndex:   s.stateIndex,
		Allocations:  copyAllocations(s.allocs),
		Opened:       s.open,
		Closed:       s.closed,
		Settled:      s.settled,
	}
}

func (s *Session) historyLocked() []Event {
	out := make([]Event, len(s.history))
	for i, e := range s.history {
		out[i] = copyEvent(e)
	}
	return out
}

func amountFor(t Terms, count int) decimal.Decimal {
	return t.PricePerItem.Mul(decimal.NewFromInt(int64(count)))
}

// allocationsFor moves owed from the payer's share to the payee's, bounded
// by the deposit on both sides.
func allocationsFor(t Terms, owed decimal.Decimal) []Allocation {
	payee := decimal.Min(owed, t.Deposit)
	if payee.IsNegative() {
		payee = decimal.Zero
	}
	payer := t.Deposit.Sub(payee)
	return []Allocation{
		{Participant: t.Payer, Asset: t.Asset, Amount: payer},
		{Participant: t.Payee, Asset: t.Asset, Amount: payee},
	}
}

func copyAllocations(in []Allocation) []Allocation {
	if in == nil {
		return nil
	}
	return append([]Allocation(nil), in...)
}
