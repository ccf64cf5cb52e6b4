package bank

import (
	"github.com/dedis/lottery/core"
)

// CustodyAddress holds the pooled entrance fees between payouts.
const CustodyAddress core.Address = "lottery_custody"

// Account is the stored state of an address. Counter is the last signer
// counter used by the address; Closed accounts cannot receive funds.
type Account struct {
	Balance uint64
	Counter uint64
	Closed  bool
}
