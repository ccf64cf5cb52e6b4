package lottery

import (
	"bytes"
	"time"

	"github.com/dedis/lottery/bank"
	"github.com/dedis/lottery/core"
	"github.com/dedis/lottery/easyrand"
	"github.com/dedis/lottery/easyrand/base"
	"github.com/dedis/lottery/upkeep"
	"github.com/dedis/lottery/utils"
	"github.com/sasha-s/go-deadlock"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var ServiceName = "LotteryService"
var lotteryID onet.ServiceID

var (
	stateBucketName = []byte("lottery")
	bankBucketName  = []byte("lottery_bank")
	configKey       = []byte("config")
	lotteryKey      = []byte("lottery")
)

var ErrNotInitialized = xerrors.New("lottery not initialized")

// maxDeliveryBackoff bounds the wait between two attempts to fetch the
// randomness of a request from a busy beacon.
const maxDeliveryBackoff = 30 * time.Second

func init() {
	var err error
	lotteryID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
	network.RegisterMessages(&InitUnitRequest{}, &InitUnitReply{},
		&EnterRequest{}, &EnterReply{}, &GetEntranceFeeRequest{},
		&GetEntranceFeeReply{}, &GetParticipantRequest{},
		&GetParticipantReply{}, &GetNumberOfParticipantsRequest{},
		&GetNumberOfParticipantsReply{}, &GetRecentWinnerRequest{},
		&GetRecentWinnerReply{}, &GetRoundStateRequest{},
		&GetRoundStateReply{}, &GetPoolRequest{}, &GetPoolReply{},
		&CheckUpkeepRequest{}, &CheckUpkeepReply{},
		&PerformUpkeepRequest{}, &PerformUpkeepReply{}, &FulfillRequest{},
		&FulfillReply{}, &RetryPayoutRequest{}, &RetryPayoutReply{},
		&MintRequest{}, &MintReply{}, &GetBalanceRequest{},
		&GetBalanceReply{})
}

// beacon is the part of the randomness service the lottery relies on.
type beacon interface {
	NextRound() uint64
	Randomness(*easyrand.RandomnessRequest) (*easyrand.RandomnessReply, error)
	Public(*easyrand.PublicRequest) (*easyrand.PublicReply, error)
}

// beaconProvider binds a selection request to the next beacon round, which
// nobody knows yet when the round closes.
type beaconProvider struct {
	b beacon
}

func (p beaconProvider) RequestRandomness(round uint64) (core.RequestID, error) {
	id := core.RequestID(p.b.NextRound())
	log.Lvl3("round", round, "will be settled by beacon round", id)
	return id, nil
}

type Service struct {
	*onet.ServiceProcessor
	beacon beacon

	db          *bbolt.DB
	stateBucket []byte
	bank        *bank.Bank

	// mu guards the fields below and serializes state transitions.
	mu      deadlock.Mutex
	storage *storage
	lottery *core.Lottery
	keeper  *upkeep.Keeper
	clock   func() time.Time
}

// InitUnit deploys the lottery. The randomness beacon must be running on
// this node.
func (s *Service) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	if req.Cfg == nil {
		return nil, xerrors.New("missing lottery config")
	}
	if err := req.Cfg.Validate(); err != nil {
		return nil, err
	}
	pub, err := s.beacon.Public(&easyrand.PublicRequest{})
	if err != nil {
		return nil, xerrors.Errorf("randomness beacon not ready: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery != nil {
		return nil, xerrors.New("lottery already initialized")
	}
	st := &storage{Cfg: req.Cfg, BeaconPublic: pub.Public}
	l := core.New(req.Cfg.Core(), s.clock())
	err = s.db.Update(func(tx *bbolt.Tx) error {
		buf, err := protobuf.Encode(st)
		if err != nil {
			return xerrors.Errorf("couldn't encode config: %v", err)
		}
		if err := tx.Bucket(s.stateBucket).Put(configKey, buf); err != nil {
			return err
		}
		return s.putLottery(tx, l)
	})
	if err != nil {
		log.Errorf("Could not save data: %v", err)
		return nil, err
	}
	s.storage = st
	s.lottery = l
	s.startKeeper()
	log.Lvl2(s.ServerIdentity(), "lottery initialized with fee", req.Cfg.EntranceFee)
	return &InitUnitReply{BeaconPublic: pub.Public}, nil
}

// Enter verifies the ticket and admits its signer.
func (s *Service) Enter(req *EnterRequest) (*EnterReply, error) {
	t := req.Ticket
	if t.Key == nil {
		return nil, xerrors.New("missing ticket key")
	}
	if err := utils.VerifyTicket(t.Key, t.Value, t.Counter, t.Signature); err != nil {
		return nil, err
	}
	addr, err := utils.AddressFromPoint(t.Key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.apply(func(l *core.Lottery, bt *bank.Tx) error {
		if err := bt.CheckCounter(addr, t.Counter); err != nil {
			return err
		}
		return l.Enter(bt, addr, t.Value)
	})
	if err != nil {
		return nil, err
	}
	return &EnterReply{Participant: string(addr), Pool: s.lottery.Pool()}, nil
}

func (s *Service) GetEntranceFee(req *GetEntranceFeeRequest) (*GetEntranceFeeReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return nil, ErrNotInitialized
	}
	return &GetEntranceFeeReply{Fee: s.lottery.EntranceFee()}, nil
}

func (s *Service) GetParticipant(req *GetParticipantRequest) (*GetParticipantReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return nil, ErrNotInitialized
	}
	p, err := s.lottery.Participant(req.Index)
	if err != nil {
		return nil, err
	}
	return &GetParticipantReply{Participant: string(p)}, nil
}

func (s *Service) GetNumberOfParticipants(req *GetNumberOfParticipantsRequest) (*GetNumberOfParticipantsReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return nil, ErrNotInitialized
	}
	return &GetNumberOfParticipantsReply{Count: s.lottery.NumberOfParticipants()}, nil
}

func (s *Service) GetRecentWinner(req *GetRecentWinnerRequest) (*GetRecentWinnerReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return nil, ErrNotInitialized
	}
	return &GetRecentWinnerReply{Winner: string(s.lottery.RecentWinner())}, nil
}

func (s *Service) GetRoundState(req *GetRoundStateRequest) (*GetRoundStateReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return nil, ErrNotInitialized
	}
	reply := &GetRoundStateReply{
		State:         int(s.lottery.RoundState()),
		Round:         s.lottery.Round(),
		LastTimestamp: s.lottery.LastTimestamp().UnixNano(),
	}
	if p, ok := s.lottery.Pending(); ok {
		reply.Pending = true
		reply.RequestID = uint64(p.ID)
	}
	return reply, nil
}

func (s *Service) GetPool(req *GetPoolRequest) (*GetPoolReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return nil, ErrNotInitialized
	}
	return &GetPoolReply{Pool: s.lottery.Pool()}, nil
}

func (s *Service) CheckUpkeep(req *CheckUpkeepRequest) (*CheckUpkeepReply, error) {
	needed, err := s.checkUpkeep()
	if err != nil {
		return nil, err
	}
	return &CheckUpkeepReply{UpkeepNeeded: needed}, nil
}

// PerformUpkeep closes the round and requests randomness. The round is
// settled in the background once the beacon produced the requested round.
func (s *Service) PerformUpkeep(req *PerformUpkeepRequest) (*PerformUpkeepReply, error) {
	id, err := s.performUpkeep()
	if err != nil {
		return nil, err
	}
	return &PerformUpkeepReply{RequestID: uint64(id)}, nil
}

// Fulfill settles the outstanding request with a beacon output. Only
// outputs signed by the registered beacon for the requested round are
// accepted.
func (s *Service) Fulfill(req *FulfillRequest) (*FulfillReply, error) {
	winner, err := s.fulfill(core.RequestID(req.RequestID), &req.Randomness)
	if err != nil {
		return nil, err
	}
	return &FulfillReply{Winner: string(winner)}, nil
}

// RetryPayout fetches the randomness of the outstanding request again and
// re-runs the settlement, typically after a failed payout.
func (s *Service) RetryPayout(req *RetryPayoutRequest) (*RetryPayoutReply, error) {
	s.mu.Lock()
	if s.lottery == nil {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	pending, ok := s.lottery.Pending()
	s.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("%w: no outstanding request", core.ErrInvalidRequest)
	}
	out, err := s.fetchRandomness(pending.ID)
	if err != nil {
		return nil, err
	}
	winner, err := s.fulfill(pending.ID, out)
	if err != nil {
		return nil, err
	}
	return &RetryPayoutReply{Winner: string(winner)}, nil
}

func (s *Service) Mint(req *MintRequest) (*MintReply, error) {
	s.mu.Lock()
	st := s.storage
	s.mu.Unlock()
	if st == nil {
		return nil, ErrNotInitialized
	}
	if !st.Cfg.Faucet {
		return nil, xerrors.New("faucet is disabled")
	}
	if req.Address == "" || core.Address(req.Address) == bank.CustodyAddress {
		return nil, xerrors.Errorf("cannot mint for address %q", req.Address)
	}
	addr := core.Address(req.Address)
	if err := s.bank.Mint(addr, req.Amount); err != nil {
		return nil, err
	}
	bal, err := s.bank.Balance(addr)
	if err != nil {
		return nil, err
	}
	return &MintReply{Balance: bal}, nil
}

func (s *Service) GetBalance(req *GetBalanceRequest) (*GetBalanceReply, error) {
	bal, err := s.bank.Balance(core.Address(req.Address))
	if err != nil {
		return nil, err
	}
	return &GetBalanceReply{Balance: bal}, nil
}

func (s *Service) checkUpkeep() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return false, ErrNotInitialized
	}
	return s.lottery.CheckUpkeep(s.clock()), nil
}

func (s *Service) performUpkeep() (core.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id core.RequestID
	err := s.apply(func(l *core.Lottery, _ *bank.Tx) error {
		var err error
		id, err = l.RequestSelection(beaconProvider{b: s.beacon}, s.clock())
		return err
	})
	if err != nil {
		return 0, err
	}
	go s.deliver(id)
	return id, nil
}

// deliver plays the role of the randomness callback for request id.
func (s *Service) deliver(id core.RequestID) {
	out, err := s.fetchRandomness(id)
	for wait := time.Second; xerrors.Is(err, easyrand.ErrBusy) && wait <= maxDeliveryBackoff; wait *= 2 {
		log.Lvl2(s.ServerIdentity(), "beacon busy, retrying request", id, "in", wait)
		time.Sleep(wait)
		out, err = s.fetchRandomness(id)
	}
	if err != nil {
		log.Error(s.ServerIdentity(), "request", id, "not fulfilled:", err)
		return
	}
	if _, err := s.fulfill(id, out); err != nil {
		log.Error(s.ServerIdentity(), "request", id, "not settled:", err)
	}
}

func (s *Service) fetchRandomness(id core.RequestID) (*base.RandomnessOutput, error) {
	reply, err := s.beacon.Randomness(&easyrand.RandomnessRequest{Round: uint64(id)})
	if err != nil {
		return nil, xerrors.Errorf("couldn't get randomness of round %d: %w", id, err)
	}
	return &reply.Output, nil
}

func (s *Service) fulfill(id core.RequestID, out *base.RandomnessOutput) (core.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lottery == nil {
		return "", ErrNotInitialized
	}
	if out.Round != uint64(id) {
		return "", xerrors.Errorf("%w: randomness of round %d cannot settle request %d",
			core.ErrInvalidRequest, out.Round, id)
	}
	if !bytes.Equal(out.Public, s.storage.BeaconPublic) {
		return "", xerrors.Errorf("%w: randomness from an unknown provider",
			core.ErrInvalidRequest)
	}
	if err := out.Verify(easyrand.Suite()); err != nil {
		return "", xerrors.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	var winner core.Address
	err := s.apply(func(l *core.Lottery, bt *bank.Tx) error {
		var err error
		winner, err = l.FulfillRandomness(bt, id, out.Uint64(), s.clock())
		return err
	})
	if xerrors.Is(err, core.ErrPayoutFailed) {
		log.Errorf("settlement of request %d failed, retry with RetryPayout: %v", id, err)
	}
	if err != nil {
		return "", err
	}
	return winner, nil
}

// apply runs fn on a copy of the lottery inside one write transaction and
// swaps the copy in once the transaction committed. Must be called with mu
// held.
func (s *Service) apply(fn func(*core.Lottery, *bank.Tx) error) error {
	if s.lottery == nil {
		return ErrNotInitialized
	}
	next := s.lottery.Clone()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := fn(next, s.bank.Tx(tx)); err != nil {
			return err
		}
		return s.putLottery(tx, next)
	})
	if err != nil {
		return err
	}
	s.lottery = next
	for _, ev := range next.DrainEvents() {
		log.Lvlf2("%s: round %d, participant %q, request %d, amount %d",
			ev.Kind, ev.Round, ev.Participant, ev.RequestID, ev.Amount)
	}
	return nil
}

func (s *Service) putLottery(tx *bbolt.Tx, l *core.Lottery) error {
	buf, err := l.Encode()
	if err != nil {
		return err
	}
	return tx.Bucket(s.stateBucket).Put(lotteryKey, buf)
}

// startKeeper must be called with mu held.
func (s *Service) startKeeper() {
	if s.keeper != nil || s.storage.Cfg.UpkeepPeriod == 0 {
		return
	}
	s.keeper = upkeep.NewKeeper(keeperTarget{s}, s.storage.Cfg.UpkeepPeriod)
	s.keeper.Start()
}

// StopKeeper stops the automatic upkeep, if it runs.
func (s *Service) StopKeeper() {
	s.mu.Lock()
	k := s.keeper
	s.keeper = nil
	s.mu.Unlock()
	if k != nil {
		k.Stop()
	}
}

type keeperTarget struct {
	s *Service
}

func (k keeperTarget) CheckUpkeep() (bool, error) {
	return k.s.checkUpkeep()
}

func (k keeperTarget) PerformUpkeep() error {
	_, err := k.s.performUpkeep()
	return err
}

func (s *Service) tryLoad() error {
	var st *storage
	var l *core.Lottery
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.stateBucket)
		cfgBuf := b.Get(configKey)
		if cfgBuf == nil {
			return nil
		}
		st = &storage{}
		if err := protobuf.Decode(cfgBuf, st); err != nil {
			return xerrors.Errorf("couldn't decode config: %v", err)
		}
		var err error
		l, err = core.Decode(b.Get(lotteryKey))
		return err
	})
	if err != nil {
		log.Errorf("Load storage failed: %v", err)
		return err
	}
	if st == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = st
	s.lottery = l
	s.startKeeper()
	if req, ok := l.Pending(); ok {
		log.Lvl2("resuming randomness request", req.ID)
		go s.deliver(req.ID)
	}
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		beacon:           c.Service(easyrand.ServiceName).(*easyrand.EasyRand),
		clock:            time.Now,
	}
	db, stateBucket := s.GetAdditionalBucket(stateBucketName)
	_, bankBucket := s.GetAdditionalBucket(bankBucketName)
	s.db = db
	s.stateBucket = stateBucket
	b, err := bank.New(db, bankBucket)
	if err != nil {
		return nil, err
	}
	s.bank = b
	if err := s.RegisterHandlers(s.InitUnit, s.Enter, s.GetEntranceFee,
		s.GetParticipant, s.GetNumberOfParticipants, s.GetRecentWinner,
		s.GetRoundState, s.GetPool, s.CheckUpkeep, s.PerformUpkeep,
		s.Fulfill, s.RetryPayout, s.Mint, s.GetBalance); err != nil {
		log.Errorf("couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
