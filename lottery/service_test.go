package lottery

import (
	"testing"
	"time"

	"github.com/dedis/lottery/bank"
	"github.com/dedis/lottery/core"
	"github.com/dedis/lottery/easyrand"
	"github.com/dedis/lottery/easyrand/base"
	"github.com/dedis/lottery/sys"
	"github.com/dedis/lottery/utils"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type player struct {
	kp   *key.Pair
	addr core.Address
	ctr  uint64
}

func newPlayer(t *testing.T) *player {
	kp := key.NewKeyPair(cothority.Suite)
	addr, err := utils.AddressFromPoint(kp.Public)
	require.NoError(t, err)
	return &player{kp: kp, addr: addr}
}

func (p *player) enter(cl *Client, value uint64) (*EnterReply, error) {
	p.ctr++
	reply, err := cl.Enter(p.kp.Private, value, p.ctr)
	if err != nil {
		// the counter is only consumed by accepted entries
		p.ctr--
	}
	return reply, err
}

type testEnv struct {
	local   *onet.LocalTest
	roster  *onet.Roster
	service *Service
	cl      *Client
	randCl  *easyrand.Client
}

func newTestEnv(t *testing.T, cfg *sys.LotteryConfig) *testEnv {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, roster, _ := local.GenTree(4, true)
	env := &testEnv{
		local:   local,
		roster:  roster,
		service: local.GetServices(hosts, lotteryID)[0].(*Service),
		cl:      NewClient(roster),
		randCl:  easyrand.NewClient(roster),
	}
	_, err := env.randCl.InitDKG(5)
	require.NoError(t, err)
	// wait for DKG to finish on all
	time.Sleep(time.Second / 2)
	_, err = env.cl.InitUnit(cfg)
	require.NoError(t, err)
	return env
}

func (env *testEnv) waitSettled(t *testing.T, round uint64) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		st, err := env.cl.GetRoundState()
		require.NoError(t, err)
		if st.Round >= round && st.State == int(core.Open) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.FailNow(t, "round was not settled")
}

func testConfig() *sys.LotteryConfig {
	return &sys.LotteryConfig{EntranceFee: 10, MinParticipants: 1, Faucet: true}
}

func TestService_Round(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.local.CloseAll()
	cl := env.cl

	fee, err := cl.GetEntranceFee()
	require.NoError(t, err)
	require.Equal(t, uint64(10), fee)
	winner, err := cl.GetRecentWinner()
	require.NoError(t, err)
	require.Empty(t, winner)

	players := []*player{newPlayer(t), newPlayer(t), newPlayer(t)}
	for _, p := range players {
		bal, err := cl.Mint(p.addr, 100)
		require.NoError(t, err)
		require.Equal(t, uint64(100), bal)
	}
	for i, p := range players {
		reply, err := p.enter(cl, 10)
		require.NoError(t, err)
		require.Equal(t, string(p.addr), reply.Participant)
		require.Equal(t, uint64(10*(i+1)), reply.Pool)
	}

	n, err := cl.GetNumberOfParticipants()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for i, p := range players {
		addr, err := cl.GetParticipant(i)
		require.NoError(t, err)
		require.Equal(t, p.addr, addr)
	}
	_, err = cl.GetParticipant(3)
	require.True(t, xerrors.Is(err, core.ErrIndexOutOfRange))

	needed, err := cl.CheckUpkeep()
	require.NoError(t, err)
	require.True(t, needed)
	id, err := cl.PerformUpkeep()
	require.NoError(t, err)
	env.waitSettled(t, 1)

	rand, err := env.randCl.Randomness(uint64(id))
	require.NoError(t, err)
	expected := players[rand.Output.Uint64()%3].addr

	winner, err = cl.GetRecentWinner()
	require.NoError(t, err)
	require.Equal(t, expected, winner)
	pool, err := cl.GetPool()
	require.NoError(t, err)
	require.Zero(t, pool)
	n, err = cl.GetNumberOfParticipants()
	require.NoError(t, err)
	require.Zero(t, n)

	for _, p := range players {
		bal, err := cl.GetBalance(p.addr)
		require.NoError(t, err)
		want := uint64(90)
		if p.addr == winner {
			want = 120
		}
		require.Equal(t, want, bal)
	}

	// the same randomness cannot settle twice
	_, err = cl.Fulfill(id, rand.Output)
	require.True(t, xerrors.Is(err, core.ErrInvalidRequest))
}

func TestService_EnterErrors(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.local.CloseAll()
	cl := env.cl

	p := newPlayer(t)
	_, err := p.enter(cl, 10)
	require.True(t, xerrors.Is(err, bank.ErrInsufficientFunds))

	_, err = cl.Mint(p.addr, 15)
	require.NoError(t, err)
	_, err = p.enter(cl, 9)
	require.True(t, xerrors.Is(err, core.ErrNotEnoughValue))
	_, err = p.enter(cl, 0)
	require.True(t, xerrors.Is(err, core.ErrNotEnoughValue))

	// replayed counter
	_, err = cl.Enter(p.kp.Private, 10, 0)
	require.True(t, xerrors.Is(err, bank.ErrInvalidCounter))

	// signature of another key
	other := newPlayer(t)
	sig, err := utils.SignTicket(other.kp.Private, 10, 1)
	require.NoError(t, err)
	_, err = env.service.Enter(&EnterRequest{Ticket: Ticket{
		Key: p.kp.Public, Value: 10, Counter: 1, Signature: sig}})
	require.Error(t, err)

	// nothing was recorded
	n, err := cl.GetNumberOfParticipants()
	require.NoError(t, err)
	require.Equal(t, 0, n)
	bal, err := cl.GetBalance(p.addr)
	require.NoError(t, err)
	require.Equal(t, uint64(15), bal)

	_, err = p.enter(cl, 15)
	require.NoError(t, err)
	pool, err := cl.GetPool()
	require.NoError(t, err)
	require.Equal(t, uint64(15), pool)
}

func TestService_UpkeepErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MinParticipants = 2
	env := newTestEnv(t, cfg)
	defer env.local.CloseAll()
	cl := env.cl

	needed, err := cl.CheckUpkeep()
	require.NoError(t, err)
	require.False(t, needed)
	_, err = cl.PerformUpkeep()
	require.True(t, xerrors.Is(err, core.ErrUpkeepNotNeeded))

	p := newPlayer(t)
	_, err = cl.Mint(p.addr, 100)
	require.NoError(t, err)
	_, err = p.enter(cl, 10)
	require.NoError(t, err)
	_, err = cl.PerformUpkeep()
	require.True(t, xerrors.Is(err, core.ErrUpkeepNotNeeded))

	_, err = cl.Fulfill(0, env.mustRandomness(t, 0))
	require.True(t, xerrors.Is(err, core.ErrInvalidRequest))
	_, err = cl.RetryPayout()
	require.True(t, xerrors.Is(err, core.ErrInvalidRequest))

	st, err := cl.GetRoundState()
	require.NoError(t, err)
	require.Equal(t, int(core.Open), st.State)
	require.False(t, st.Pending)
}

func (env *testEnv) mustRandomness(t *testing.T, round uint64) base.RandomnessOutput {
	reply, err := env.randCl.Randomness(round)
	require.NoError(t, err)
	return reply.Output
}

func TestService_FulfillChecks(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.local.CloseAll()
	cl := env.cl

	// beacon rounds produced before the request cannot settle it
	old := env.mustRandomness(t, 0)

	p := newPlayer(t)
	_, err := cl.Mint(p.addr, 100)
	require.NoError(t, err)
	_, err = p.enter(cl, 10)
	require.NoError(t, err)
	id, err := cl.PerformUpkeep()
	require.NoError(t, err)
	require.Equal(t, core.RequestID(1), id)

	_, err = cl.Fulfill(id, old)
	require.True(t, xerrors.Is(err, core.ErrInvalidRequest))
	tampered := old
	tampered.Round = uint64(id)
	_, err = cl.Fulfill(id, tampered)
	require.True(t, xerrors.Is(err, core.ErrInvalidRequest))

	env.waitSettled(t, 1)
	winner, err := cl.GetRecentWinner()
	require.NoError(t, err)
	require.Equal(t, p.addr, winner)
}

func TestService_RetryPayout(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.local.CloseAll()
	cl := env.cl

	p := newPlayer(t)
	_, err := cl.Mint(p.addr, 100)
	require.NoError(t, err)
	_, err = p.enter(cl, 10)
	require.NoError(t, err)
	require.NoError(t, env.service.bank.CloseAccount(p.addr))

	id, err := cl.PerformUpkeep()
	require.NoError(t, err)
	// let the automatic delivery fail
	time.Sleep(2 * time.Second)

	_, err = cl.RetryPayout()
	require.True(t, xerrors.Is(err, core.ErrPayoutFailed))
	st, err := cl.GetRoundState()
	require.NoError(t, err)
	require.Equal(t, int(core.CalculatingWinner), st.State)
	require.True(t, st.Pending)
	require.Equal(t, uint64(id), st.RequestID)
	pool, err := cl.GetPool()
	require.NoError(t, err)
	require.Equal(t, uint64(10), pool)

	require.NoError(t, env.service.bank.OpenAccount(p.addr))
	winner, err := cl.RetryPayout()
	require.NoError(t, err)
	require.Equal(t, p.addr, winner)
	bal, err := cl.GetBalance(p.addr)
	require.NoError(t, err)
	require.Equal(t, uint64(100), bal)
	env.waitSettled(t, 1)
}

func TestService_Keeper(t *testing.T) {
	cfg := testConfig()
	cfg.UpkeepPeriod = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	defer env.local.CloseAll()
	defer env.service.StopKeeper()
	cl := env.cl

	p := newPlayer(t)
	_, err := cl.Mint(p.addr, 100)
	require.NoError(t, err)
	_, err = p.enter(cl, 10)
	require.NoError(t, err)

	env.waitSettled(t, 1)
	winner, err := cl.GetRecentWinner()
	require.NoError(t, err)
	require.Equal(t, p.addr, winner)
}

func TestService_Reload(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.local.CloseAll()
	cl := env.cl
	s := env.service

	p := newPlayer(t)
	_, err := cl.Mint(p.addr, 100)
	require.NoError(t, err)
	_, err = p.enter(cl, 10)
	require.NoError(t, err)

	_, err = cl.InitUnit(testConfig())
	require.Error(t, err)

	s.mu.Lock()
	before := s.lottery.Storage()
	cfg := s.storage.Cfg
	s.lottery, s.storage = nil, nil
	s.mu.Unlock()

	_, err = cl.GetPool()
	require.True(t, xerrors.Is(err, ErrNotInitialized))

	require.NoError(t, s.tryLoad())
	s.mu.Lock()
	after := s.lottery.Storage()
	require.Empty(t, cmp.Diff(cfg, s.storage.Cfg))
	s.mu.Unlock()
	require.Empty(t, cmp.Diff(before, after))
}

func TestService_ReloadPending(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.local.CloseAll()
	cl := env.cl
	s := env.service

	p := newPlayer(t)
	_, err := cl.Mint(p.addr, 100)
	require.NoError(t, err)
	_, err = p.enter(cl, 10)
	require.NoError(t, err)
	require.NoError(t, s.bank.CloseAccount(p.addr))
	id, err := cl.PerformUpkeep()
	require.NoError(t, err)
	// let the automatic delivery fail
	time.Sleep(2 * time.Second)
	st, err := cl.GetRoundState()
	require.NoError(t, err)
	require.True(t, st.Pending)

	// the node comes back with the request still outstanding
	require.NoError(t, s.bank.OpenAccount(p.addr))
	s.mu.Lock()
	s.lottery, s.storage = nil, nil
	s.mu.Unlock()
	require.NoError(t, s.tryLoad())

	env.waitSettled(t, 1)
	winner, err := cl.GetRecentWinner()
	require.NoError(t, err)
	require.Equal(t, p.addr, winner)
	out := env.mustRandomness(t, uint64(id))
	_, err = cl.Fulfill(id, out)
	require.True(t, xerrors.Is(err, core.ErrInvalidRequest))
}
