package core

import (
	"time"

	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Lottery owns the ledger, the pool and the round state. Every state
// changing method either applies completely or returns an error and leaves
// the lottery untouched.
type Lottery struct {
	fee             FeePolicy
	interval        time.Duration
	minParticipants int

	state   RoundState
	ledger  Ledger
	pool    uint64
	winner  Address
	round   uint64
	last    time.Time
	pending *Request

	events []Event
}

// New creates a lottery in the Open state. The round timer starts at now.
func New(cfg Config, now time.Time) *Lottery {
	minP := cfg.MinParticipants
	if minP < 1 {
		minP = 1
	}
	return &Lottery{
		fee:             FeePolicy{EntranceFee: cfg.EntranceFee},
		interval:        cfg.Interval,
		minParticipants: minP,
		state:           Open,
		last:            now,
	}
}

// Enter admits participant p with the attached value. The treasury collects
// the value before anything else changes.
func (l *Lottery) Enter(t Treasury, p Address, value uint64) error {
	if l.state != Open {
		return xerrors.Errorf("%w: round is %v", ErrRoundNotOpen, l.state)
	}
	if err := l.fee.ValidateEntry(value); err != nil {
		return err
	}
	if l.pool+value < l.pool {
		return xerrors.Errorf("%w: pool %d, value %d", ErrPoolOverflow,
			l.pool, value)
	}
	if err := t.Collect(p, value); err != nil {
		return xerrors.Errorf("collecting entrance fee: %w", err)
	}
	l.ledger.Append(p)
	l.pool += value
	l.emit(Event{Kind: EventEnter, Round: l.round, Participant: p,
		Amount: value})
	log.Lvl3("participant", p, "entered round", l.round, "with", value)
	return nil
}

// CheckUpkeep reports whether the round can be closed at time now.
func (l *Lottery) CheckUpkeep(now time.Time) bool {
	return l.state == Open &&
		l.ledger.Count() >= l.minParticipants &&
		l.pool > 0 &&
		now.Sub(l.last) >= l.interval
}

// RequestSelection closes entry and asks rp for randomness. It returns as
// soon as the request is registered.
func (l *Lottery) RequestSelection(rp RandomnessProvider, now time.Time) (RequestID, error) {
	if !l.CheckUpkeep(now) {
		return 0, xerrors.Errorf("%w: pool %d, %d participants, state %v",
			ErrUpkeepNotNeeded, l.pool, l.ledger.Count(), l.state)
	}
	id, err := rp.RequestRandomness(l.round)
	if err != nil {
		return 0, xerrors.Errorf("requesting randomness: %v", err)
	}
	l.state = CalculatingWinner
	l.pending = &Request{ID: id, Round: l.round}
	l.emit(Event{Kind: EventRequestedWinner, Round: l.round, RequestID: id})
	log.Lvl2("round", l.round, "closed, randomness request", id)
	return id, nil
}

// FulfillRandomness settles the round for the outstanding request id: the
// winner gets the whole pool, the ledger is cleared and a new round opens.
func (l *Lottery) FulfillRandomness(t Treasury, id RequestID, random uint64, now time.Time) (Address, error) {
	if l.state != CalculatingWinner || l.pending == nil {
		return "", xerrors.Errorf("%w: no outstanding request, round is %v",
			ErrInvalidRequest, l.state)
	}
	if id != l.pending.ID {
		return "", xerrors.Errorf("%w: got request %d, expected %d",
			ErrInvalidRequest, id, l.pending.ID)
	}
	idx, err := SelectWinner(random, l.ledger.Count())
	if err != nil {
		log.Errorf("round %d reached selection without participants", l.round)
		return "", err
	}
	winner, err := l.ledger.Get(idx)
	if err != nil {
		return "", err
	}
	if err := t.Payout(winner, l.pool); err != nil {
		return "", &PayoutError{Winner: winner, Amount: l.pool, Err: err}
	}
	amount := l.pool
	l.winner = winner
	l.ledger.clear()
	l.pool = 0
	l.pending = nil
	l.state = Open
	l.last = now
	l.emit(Event{Kind: EventWinnerPicked, Round: l.round, Participant: winner,
		RequestID: id, Amount: amount})
	log.Lvlf1("round %d: winner %s (index %d) receives %d", l.round, winner,
		idx, amount)
	l.round++
	return winner, nil
}

func (l *Lottery) EntranceFee() uint64 {
	return l.fee.EntranceFee
}

func (l *Lottery) Participant(index int) (Address, error) {
	return l.ledger.Get(index)
}

func (l *Lottery) NumberOfParticipants() int {
	return l.ledger.Count()
}

// RecentWinner returns the winner of the last settled round, or an empty
// address if no round was settled yet.
func (l *Lottery) RecentWinner() Address {
	return l.winner
}

func (l *Lottery) RoundState() RoundState {
	return l.state
}

func (l *Lottery) Pool() uint64 {
	return l.pool
}

func (l *Lottery) Round() uint64 {
	return l.round
}

func (l *Lottery) LastTimestamp() time.Time {
	return l.last
}

func (l *Lottery) Interval() time.Duration {
	return l.interval
}

func (l *Lottery) MinParticipants() int {
	return l.minParticipants
}

// Pending returns the outstanding randomness request, if any.
func (l *Lottery) Pending() (Request, bool) {
	if l.pending == nil {
		return Request{}, false
	}
	return *l.pending, true
}

// DrainEvents returns the events recorded since the last call.
func (l *Lottery) DrainEvents() []Event {
	evs := l.events
	l.events = nil
	return evs
}

func (l *Lottery) emit(e Event) {
	l.events = append(l.events, e)
}

// Clone returns a deep copy, used to stage a transition before committing it.
func (l *Lottery) Clone() *Lottery {
	c := *l
	c.ledger = l.ledger.clone()
	if l.pending != nil {
		p := *l.pending
		c.pending = &p
	}
	c.events = nil
	return &c
}

func (l *Lottery) Storage() *Storage {
	st := &Storage{
		EntranceFee:     l.fee.EntranceFee,
		Interval:        int64(l.interval),
		MinParticipants: int64(l.minParticipants),
		State:           int64(l.state),
		Pool:            l.pool,
		Winner:          string(l.winner),
		Round:           l.round,
		LastTimestamp:   l.last.UnixNano(),
	}
	for _, p := range l.ledger.participants {
		st.Participants = append(st.Participants, string(p))
	}
	if l.pending != nil {
		st.Pending = true
		st.PendingID = uint64(l.pending.ID)
		st.PendingRound = l.pending.Round
	}
	return st
}

// FromStorage rebuilds a lottery from its stored form.
func FromStorage(st *Storage) (*Lottery, error) {
	state := RoundState(st.State)
	if state != Open && state != CalculatingWinner {
		return nil, xerrors.Errorf("invalid round state %d", st.State)
	}
	if st.Pending != (state == CalculatingWinner) {
		return nil, xerrors.New("pending request does not match round state")
	}
	l := New(Config{
		EntranceFee:     st.EntranceFee,
		Interval:        time.Duration(st.Interval),
		MinParticipants: int(st.MinParticipants),
	}, time.Unix(0, st.LastTimestamp))
	l.state = state
	l.pool = st.Pool
	l.winner = Address(st.Winner)
	l.round = st.Round
	for _, p := range st.Participants {
		l.ledger.Append(Address(p))
	}
	if st.Pending {
		l.pending = &Request{ID: RequestID(st.PendingID),
			Round: st.PendingRound}
	}
	return l, nil
}

func (l *Lottery) Encode() ([]byte, error) {
	buf, err := protobuf.Encode(l.Storage())
	if err != nil {
		return nil, xerrors.Errorf("couldn't encode lottery: %v", err)
	}
	return buf, nil
}

func Decode(buf []byte) (*Lottery, error) {
	st := &Storage{}
	if err := protobuf.Decode(buf, st); err != nil {
		return nil, xerrors.Errorf("couldn't decode lottery: %v", err)
	}
	return FromStorage(st)
}
