package core

import (
	"time"
)

// Address identifies a participant account.
type Address string

// RoundState drives which operations a lottery accepts.
type RoundState int

const (
	// Open accepts entries.
	Open RoundState = iota
	// CalculatingWinner has closed entry and waits for randomness.
	CalculatingWinner
)

func (s RoundState) String() string {
	switch s {
	case Open:
		return "open"
	case CalculatingWinner:
		return "calculating_winner"
	default:
		return "unknown"
	}
}

// RequestID correlates a randomness request with its fulfilment.
type RequestID uint64

// Request is the outstanding randomness request of a round.
type Request struct {
	ID    RequestID
	Round uint64
}

// Config holds the deployment parameters of a lottery.
type Config struct {
	EntranceFee uint64
	// Interval is the minimum time a round stays open before upkeep.
	Interval time.Duration
	// MinParticipants is the number of entries needed before upkeep.
	// Values below 1 are treated as 1.
	MinParticipants int
}

// Treasury custodies the pool. Collect is called when an entry is accepted
// and Payout when a winner is settled. Neither may leave partial effects
// behind when it returns an error.
type Treasury interface {
	Collect(from Address, amount uint64) error
	Payout(to Address, amount uint64) error
}

// RandomnessProvider is asked for one random value per round. The value is
// delivered later through Lottery.FulfillRandomness.
type RandomnessProvider interface {
	RequestRandomness(round uint64) (RequestID, error)
}

type EventKind int

const (
	EventEnter EventKind = iota
	EventRequestedWinner
	EventWinnerPicked
)

func (k EventKind) String() string {
	switch k {
	case EventEnter:
		return "LotteryEnter"
	case EventRequestedWinner:
		return "RequestedLotteryWinner"
	case EventWinnerPicked:
		return "WinnerPicked"
	default:
		return "Unknown"
	}
}

// Event records a state transition of the lottery.
type Event struct {
	Kind        EventKind
	Round       uint64
	Participant Address
	RequestID   RequestID
	Amount      uint64
}

// Storage is the encoded form of a Lottery.
type Storage struct {
	EntranceFee     uint64
	Interval        int64
	MinParticipants int64
	State           int64
	Participants    []string
	Pool            uint64
	Winner          string
	Round           uint64
	LastTimestamp   int64
	Pending         bool
	PendingID       uint64
	PendingRound    uint64
}
