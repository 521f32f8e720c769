package tracker

// LedgerCapacity is the number of most recent transactions kept.
const LedgerCapacity = 5

// Ledger is the bounded, most-recent-first list of accepted transactions.
// It has a single writer (the controller loop) and no locking of its own;
// readers only ever see copies produced by Snapshot.
type Ledger struct {
	items []Transaction
}

func NewLedger() *Ledger {
	return &Ledger{items: make([]Transaction, 0, LedgerCapacity)}
}

// InsertFront prepends t and drops the oldest entries beyond capacity.
func (l *Ledger) InsertFront(t Transaction) {
	keep := min(len(l.items), LedgerCapacity-1)

	items := make([]Transaction, 0, LedgerCapacity)
	items = append(items, t)
	items = append(items, l.items[:keep]...)
	l.items = items
}

func (l *Ledger) Clear() {
	l.items = make([]Transaction, 0, LedgerCapacity)
}

func (l *Ledger) Len() int {
	return len(l.items)
}

// Snapshot returns a copy of the ledger, most recent first.
func (l *Ledger) Snapshot() []Transaction {
	out := make([]Transaction, len(l.items))
	copy(out, l.items)
	return out
}
