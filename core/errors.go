package core

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

var (
	ErrNotEnoughValue   = xerrors.New("Lottery__NotEnoughValue")
	ErrRoundNotOpen     = xerrors.New("Lottery__RoundNotOpen")
	ErrUpkeepNotNeeded  = xerrors.New("Lottery__UpkeepNotNeeded")
	ErrInvalidRequest   = xerrors.New("Lottery__InvalidRequest")
	ErrEmptyLedger      = xerrors.New("Lottery__EmptyLedger")
	ErrPayoutFailed     = xerrors.New("Lottery__PayoutFailed")
	ErrIndexOutOfRange  = xerrors.New("Lottery__IndexOutOfRange")
	ErrTransferRejected = xerrors.New("Lottery__TransferRejected")
	ErrPoolOverflow     = xerrors.New("Lottery__PoolOverflow")
)

var sentinels = []error{ErrNotEnoughValue, ErrRoundNotOpen,
	ErrUpkeepNotNeeded, ErrInvalidRequest, ErrEmptyLedger, ErrPayoutFailed,
	ErrIndexOutOfRange, ErrTransferRejected, ErrPoolOverflow}

// PayoutError is returned when the treasury refuses the payout of a round.
// It matches ErrPayoutFailed and unwraps to the treasury error.
type PayoutError struct {
	Winner Address
	Amount uint64
	Err    error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("%v: paying %d to %s: %v", ErrPayoutFailed, e.Amount,
		e.Winner, e.Err)
}

func (e *PayoutError) Is(target error) bool {
	return target == ErrPayoutFailed
}

func (e *PayoutError) Unwrap() error {
	return e.Err
}

// ErrorFromString maps an error message received over the network back to
// the sentinel it was built from. The original text is kept as context.
func ErrorFromString(msg string) error {
	// PayoutFailed messages embed the treasury error, so it goes first.
	if strings.Contains(msg, ErrPayoutFailed.Error()) {
		return xerrors.Errorf("%w (%s)", ErrPayoutFailed, msg)
	}
	for _, s := range sentinels {
		if strings.Contains(msg, s.Error()) {
			return xerrors.Errorf("%w (%s)", s, msg)
		}
	}
	return xerrors.New(msg)
}
