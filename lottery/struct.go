package lottery

import (
	"github.com/dedis/lottery/easyrand/base"
	"github.com/dedis/lottery/sys"
	"go.dedis.ch/kyber/v3"
)

// storage is the deployment data kept next to the lottery snapshot.
type storage struct {
	Cfg          *sys.LotteryConfig
	BeaconPublic []byte
}

type InitUnitRequest struct {
	Cfg *sys.LotteryConfig
}

// InitUnitReply returns the key of the beacon that is allowed to settle
// rounds.
type InitUnitReply struct {
	BeaconPublic []byte
}

// Ticket is a signed entry. Signature is a schnorr signature of
// utils.TicketMessage(Key, Value, Counter).
type Ticket struct {
	Key       kyber.Point
	Value     uint64
	Counter   uint64
	Signature []byte
}

type EnterRequest struct {
	Ticket Ticket
}

type EnterReply struct {
	Participant string
	Pool        uint64
}

type GetEntranceFeeRequest struct{}

type GetEntranceFeeReply struct {
	Fee uint64
}

type GetParticipantRequest struct {
	Index int
}

type GetParticipantReply struct {
	Participant string
}

type GetNumberOfParticipantsRequest struct{}

type GetNumberOfParticipantsReply struct {
	Count int
}

type GetRecentWinnerRequest struct{}

// GetRecentWinnerReply has an empty Winner until the first round settles.
type GetRecentWinnerReply struct {
	Winner string
}

type GetRoundStateRequest struct{}

type GetRoundStateReply struct {
	State         int
	Round         uint64
	LastTimestamp int64
	Pending       bool
	RequestID     uint64
}

type GetPoolRequest struct{}

type GetPoolReply struct {
	Pool uint64
}

type CheckUpkeepRequest struct{}

type CheckUpkeepReply struct {
	UpkeepNeeded bool
}

type PerformUpkeepRequest struct{}

// PerformUpkeepReply carries the id of the randomness request. The winner
// is settled asynchronously.
type PerformUpkeepReply struct {
	RequestID uint64
}

// FulfillRequest delivers the beacon output of round RequestID.
type FulfillRequest struct {
	RequestID  uint64
	Randomness base.RandomnessOutput
}

type FulfillReply struct {
	Winner string
}

type RetryPayoutRequest struct{}

type RetryPayoutReply struct {
	Winner string
}

type MintRequest struct {
	Address string
	Amount  uint64
}

type MintReply struct {
	Balance uint64
}

type GetBalanceRequest struct {
	Address string
}

type GetBalanceReply struct {
	Balance uint64
}
