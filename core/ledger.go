package core

import (
	"golang.org/x/xerrors"
)

// Ledger is the ordered list of entries of the current round. The same
// address appears once per paid entry.
type Ledger struct {
	participants []Address
}

func (l *Ledger) Append(p Address) {
	l.participants = append(l.participants, p)
}

func (l *Ledger) Get(index int) (Address, error) {
	if index < 0 || index >= len(l.participants) {
		return "", xerrors.Errorf("%w: index %d, %d participants",
			ErrIndexOutOfRange, index, len(l.participants))
	}
	return l.participants[index], nil
}

func (l *Ledger) Count() int {
	return len(l.participants)
}

// clear is only called on settlement.
func (l *Ledger) clear() {
	l.participants = nil
}

func (l *Ledger) clone() Ledger {
	if l.participants == nil {
		return Ledger{}
	}
	ps := make([]Address, len(l.participants))
	copy(ps, l.participants)
	return Ledger{participants: ps}
}
