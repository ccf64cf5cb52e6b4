package core

import (
	"golang.org/x/xerrors"
)

// FeePolicy checks the value attached to an entry.
type FeePolicy struct {
	EntranceFee uint64
}

func (f FeePolicy) ValidateEntry(value uint64) error {
	if value < f.EntranceFee {
		return xerrors.Errorf("%w: sent %d, entrance fee is %d",
			ErrNotEnoughValue, value, f.EntranceFee)
	}
	return nil
}
