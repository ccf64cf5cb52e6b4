package main

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/lottery/core"
	"github.com/dedis/lottery/easyrand"
	"github.com/dedis/lottery/lottery"
	"github.com/dedis/lottery/sys"
	"github.com/dedis/lottery/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul/monitor"
	"golang.org/x/xerrors"
)

type SimulationService struct {
	onet.SimulationBFTree
	NumParticipants int
	EntranceFee     uint64
	// SettleTimeout is in seconds
	SettleTimeout int
}

func init() {
	onet.SimulationRegister("Lottery", NewLottery)
}

func NewLottery(config string) (onet.Simulation, error) {
	ss := &SimulationService{}
	_, err := toml.Decode(config, ss)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (s *SimulationService) Setup(dir string,
	hosts []string) (*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.GetID())
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

type participant struct {
	kp      *key.Pair
	addr    core.Address
	counter uint64
}

func (s *SimulationService) generateParticipants() ([]*participant, error) {
	ps := make([]*participant, s.NumParticipants)
	for i := range ps {
		kp := key.NewKeyPair(cothority.Suite)
		addr, err := utils.AddressFromPoint(kp.Public)
		if err != nil {
			return nil, err
		}
		ps[i] = &participant{kp: kp, addr: addr}
	}
	return ps, nil
}

func (s *SimulationService) executeEnter(cl *lottery.Client, p *participant) error {
	p.counter++
	_, err := cl.Enter(p.kp.Private, s.EntranceFee, p.counter)
	if err != nil {
		p.counter--
		log.Errorf("entering %s: %v", p.addr, err)
	}
	return err
}

func (s *SimulationService) waitSettled(cl *lottery.Client, round uint64) error {
	deadline := time.Now().Add(time.Duration(s.SettleTimeout) * time.Second)
	for time.Now().Before(deadline) {
		st, err := cl.GetRoundState()
		if err != nil {
			return err
		}
		if st.Round > round && st.State == int(core.Open) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return xerrors.Errorf("round %d not settled after %ds", round, s.SettleTimeout)
}

func (s *SimulationService) runLottery(roster *onet.Roster) error {
	participants, err := s.generateParticipants()
	if err != nil {
		return err
	}
	cl := lottery.NewClient(roster)
	defer cl.Close()
	for _, p := range participants {
		if _, err := cl.Mint(p.addr, s.EntranceFee*uint64(s.Rounds)); err != nil {
			log.Errorf("minting: %v", err)
			return err
		}
	}

	for round := 0; round < s.Rounds; round++ {
		joinMonitor := monitor.NewTimeMeasure("join")
		var wg sync.WaitGroup
		errs := make(chan error, len(participants))
		for _, p := range participants {
			wg.Add(1)
			go func(p *participant) {
				defer wg.Done()
				// each goroutine uses its own connection
				pcl := lottery.NewClient(roster)
				defer pcl.Close()
				if err := s.executeEnter(pcl, p); err != nil {
					errs <- err
				}
			}(p)
		}
		wg.Wait()
		close(errs)
		if err := <-errs; err != nil {
			return err
		}
		joinMonitor.Record()

		closeMonitor := monitor.NewTimeMeasure("close")
		if _, err := cl.PerformUpkeep(); err != nil {
			log.Errorf("performing upkeep: %v", err)
			return err
		}
		closeMonitor.Record()

		finalizeMonitor := monitor.NewTimeMeasure("finalize")
		if err := s.waitSettled(cl, uint64(round)); err != nil {
			log.Error(err)
			return err
		}
		finalizeMonitor.Record()
		winner, err := cl.GetRecentWinner()
		if err != nil {
			return err
		}
		log.Lvl1("round", round, "won by", winner)
	}
	return nil
}

func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	if s.SettleTimeout == 0 {
		s.SettleTimeout = 60
	}
	randCl := easyrand.NewClient(config.Roster)
	dkgMonitor := monitor.NewTimeMeasure("dkg")
	_, err := randCl.InitDKG(30)
	if err != nil {
		log.Errorf("initializing DKG: %v", err)
		return err
	}
	dkgMonitor.Record()
	randCl.Close()

	cfg := sys.DefaultLotteryConfig()
	cfg.EntranceFee = s.EntranceFee
	cfg.Interval = 0
	cfg.Faucet = true
	cl := lottery.NewClient(config.Roster)
	defer cl.Close()
	if _, err := cl.InitUnit(cfg); err != nil {
		log.Errorf("initializing lottery: %v", err)
		return err
	}
	return s.runLottery(config.Roster)
}
