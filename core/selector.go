package core

// SelectWinner maps a random value onto an index of a ledger holding size
// entries.
func SelectWinner(random uint64, size int) (int, error) {
	if size <= 0 {
		return 0, ErrEmptyLedger
	}
	return int(random % uint64(size)), nil
}
