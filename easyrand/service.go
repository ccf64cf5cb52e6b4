package easyrand

/*
The service.go defines what to do for each API-call. This part of the service
runs on the node.
*/

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/dedis/lottery/easyrand/base"
	"github.com/dedis/lottery/easyrand/protocol"
	"github.com/sasha-s/go-deadlock"
	"go.dedis.ch/cothority/v3"
	dkgprotocol "go.dedis.ch/cothority/v3/dkg/pedersen"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	dkg "go.dedis.ch/kyber/v3/share/dkg/pedersen"
	vss "go.dedis.ch/kyber/v3/share/vss/pedersen"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var serviceID onet.ServiceID
var suite = bn256.NewSuite()
var vssSuite = suite.G2().(vss.Suite)

// ServiceName is the name of the easyrand service
const ServiceName = "easyrand"

const (
	defaultSignTimeout = 10 * time.Second
	// defaultGenerationWait covers one generation with a slow signer.
	defaultGenerationWait = 25 * time.Second
)

var (
	shareBucketName = []byte("easyrand_share")
	blockBucketName = []byte("easyrand_blocks")
	shareKey        = []byte("share")
)

// ErrBusy is returned when a round could not be generated because another
// generation did not finish in time.
var ErrBusy = xerrors.New("beacon busy")

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// Suite returns the pairing suite the beacon signs with.
func Suite() *bn256.Suite {
	return suite
}

// EasyRand holds the internal state of the service.
type EasyRand struct {
	*onet.ServiceProcessor

	// roster is only set on the node that ran the DKG, the only one that
	// starts new rounds.
	roster *onet.Roster

	keypair      *key.Pair
	distKeyStore *dkg.DistKeyShare
	pubPoly      *share.PubPoly

	// gen holds a token while a round is generated.
	gen         chan struct{}
	genWait     time.Duration
	signTimeout time.Duration

	db          *bbolt.DB
	shareBucket []byte
	blockBucket []byte

	lock   deadlock.Mutex
	blocks [][]byte
}

// InitDKG starts the DKG protocol.
func (s *EasyRand) InitDKG(req *InitDKGRequest) (*InitDKGReply, error) {
	if req.Roster == nil || len(req.Roster.List) == 0 {
		return nil, xerrors.New("missing roster")
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	s.lock.Lock()
	done := s.distKeyStore != nil
	s.lock.Unlock()
	if done {
		return nil, xerrors.New("dkg already done")
	}
	tree := req.Roster.GenerateStar()
	pi, err := s.CreateProtocol(protocol.DKGProtoName, tree)
	if err != nil {
		return nil, xerrors.Errorf("couldn't create dkg protocol: %v", err)
	}
	setup := pi.(*dkgprotocol.Setup)
	setup.Wait = true
	if err := pi.Start(); err != nil {
		return nil, xerrors.Errorf("couldn't start dkg protocol: %v", err)
	}
	select {
	case <-setup.Finished:
		if err := s.storeShare(setup); err != nil {
			return nil, err
		}
	case <-time.After(timeout):
		return nil, xerrors.New("dkg did not finish")
	}
	s.lock.Lock()
	s.roster = req.Roster
	s.lock.Unlock()
	if err := s.saveShare(); err != nil {
		return nil, err
	}
	pub, err := s.publicKey()
	if err != nil {
		return nil, err
	}
	log.Lvl2(s.ServerIdentity(), "beacon ready")
	return &InitDKGReply{Public: pub}, nil
}

// Randomness returns the output of the requested round. The next round is
// generated on demand by the node that ran the DKG.
func (s *EasyRand) Randomness(req *RandomnessRequest) (*RandomnessReply, error) {
	out, ok, err := s.output(req.Round)
	if err != nil {
		return nil, err
	}
	if ok {
		return &RandomnessReply{Output: out}, nil
	}
	select {
	case s.gen <- struct{}{}:
		defer func() { <-s.gen }()
	case <-time.After(s.genWait):
		return nil, xerrors.Errorf("%w: round %d not generated after %v",
			ErrBusy, req.Round, s.genWait)
	}
	// another request may have generated it while we were waiting
	out, ok, err = s.output(req.Round)
	if err != nil {
		return nil, err
	}
	if ok {
		return &RandomnessReply{Output: out}, nil
	}
	if next := s.NextRound(); req.Round != next {
		return nil, xerrors.Errorf("round %d is in the future, next round is %d",
			req.Round, next)
	}
	if err := s.generate(); err != nil {
		// the round is kept even if the root gave up on a slow node
		if out, ok, _ := s.output(req.Round); ok {
			return &RandomnessReply{Output: out}, nil
		}
		return nil, err
	}
	out, _, err = s.output(req.Round)
	if err != nil {
		return nil, err
	}
	return &RandomnessReply{Output: out}, nil
}

// Public returns the collective key of the beacon.
func (s *EasyRand) Public(req *PublicRequest) (*PublicReply, error) {
	pub, err := s.publicKey()
	if err != nil {
		return nil, err
	}
	return &PublicReply{Public: pub, NextRound: s.NextRound()}, nil
}

// NextRound is the round the beacon will produce next.
func (s *EasyRand) NextRound() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return uint64(len(s.blocks))
}

func (s *EasyRand) generate() error {
	s.lock.Lock()
	roster := s.roster
	msg := s.nextMsg()
	s.lock.Unlock()
	if roster == nil {
		return xerrors.New("this node does not lead the beacon")
	}
	pi, err := s.CreateProtocol(protocol.SignProtoName, roster.GenerateStar())
	if err != nil {
		return xerrors.Errorf("couldn't create sign protocol: %v", err)
	}
	signPi := pi.(*protocol.SignProtocol)
	signPi.Msg = msg
	signPi.Timeout = s.signTimeout
	if err := pi.Start(); err != nil {
		return xerrors.Errorf("couldn't start sign protocol: %v", err)
	}
	// collecting the shares and the syncs may both time out
	select {
	case <-signPi.FinalSignature:
		return nil
	case <-time.After(2*s.signTimeout + time.Second):
		return xerrors.New("timeout waiting for final signature")
	}
}

func (s *EasyRand) output(round uint64) (base.RandomnessOutput, bool, error) {
	s.lock.Lock()
	if round >= uint64(len(s.blocks)) {
		s.lock.Unlock()
		return base.RandomnessOutput{}, false, nil
	}
	var prev []byte
	if round > 0 {
		prev = s.blocks[round-1]
	}
	out := base.RandomnessOutput{
		Round: round,
		Prev:  base.NextMessage(round, prev),
		Value: s.blocks[round],
	}
	s.lock.Unlock()
	pub, err := s.publicKey()
	if err != nil {
		return base.RandomnessOutput{}, false, err
	}
	out.Public = pub
	return out, true, nil
}

func (s *EasyRand) publicKey() ([]byte, error) {
	s.lock.Lock()
	pubPoly := s.pubPoly
	s.lock.Unlock()
	if pubPoly == nil {
		return nil, xerrors.New("dkg not done")
	}
	buf, err := pubPoly.Commit().MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal public key: %v", err)
	}
	return buf, nil
}

// NewProtocol is a callback for creating protocols on non-root nodes.
func (s *EasyRand) NewProtocol(tn *onet.TreeNodeInstance, conf *onet.GenericConfig) (onet.ProtocolInstance, error) {
	log.Lvl3(s.ServerIdentity(), tn.ProtocolName(), conf)
	switch tn.ProtocolName() {
	case protocol.DKGProtoName:
		s.lock.Lock()
		done := s.distKeyStore != nil
		s.lock.Unlock()
		if done {
			return nil, xerrors.New("dkg already done")
		}
		pi, err := dkgprotocol.CustomSetup(tn, vssSuite, s.keypair)
		if err != nil {
			return nil, err
		}
		setup := pi.(*dkgprotocol.Setup)
		go func() {
			<-setup.Finished
			if err := s.storeShare(setup); err != nil {
				log.Error(s.ServerIdentity(), err)
			}
		}()
		return pi, nil
	case protocol.SignProtoName:
		return s.newSignProtocol(tn)
	default:
		return nil, xerrors.New("invalid protocol")
	}
}

func (s *EasyRand) newSignProtocol(tn *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
	s.lock.Lock()
	dks, pubPoly := s.distKeyStore, s.pubPoly
	s.lock.Unlock()
	if dks == nil {
		return nil, xerrors.New("dkg not done")
	}
	pi, err := protocol.NewSignProtocol(tn, s.verify, dks.PriShare(), pubPoly, suite)
	if err != nil {
		return nil, err
	}
	pi.(*protocol.SignProtocol).OnSignature = s.appendBlock
	return pi, nil
}

func (s *EasyRand) storeShare(setup *dkgprotocol.Setup) error {
	_, dks, err := setup.SharedSecret()
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.distKeyStore = dks
	s.pubPoly = share.NewPubPoly(vssSuite, vssSuite.Point().Base(), dks.Commitments())
	s.lock.Unlock()
	return s.saveShare()
}

func (s *EasyRand) saveShare() error {
	s.lock.Lock()
	st := &storage{
		Roster: s.roster,
		Index:  s.distKeyStore.Share.I,
	}
	v, err := s.distKeyStore.Share.V.MarshalBinary()
	if err != nil {
		s.lock.Unlock()
		return xerrors.Errorf("couldn't marshal share: %v", err)
	}
	st.Share = v
	for _, c := range s.distKeyStore.Commits {
		buf, err := c.MarshalBinary()
		if err != nil {
			s.lock.Unlock()
			return xerrors.Errorf("couldn't marshal commitment: %v", err)
		}
		st.Commits = append(st.Commits, buf)
	}
	s.lock.Unlock()

	buf, err := protobuf.Encode(st)
	if err != nil {
		return xerrors.Errorf("couldn't encode share: %v", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.shareBucket).Put(shareKey, buf)
	})
}

func (s *EasyRand) verify(msg []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !bytes.Equal(msg, s.nextMsg()) {
		return xerrors.New("bad message")
	}
	return nil
}

func (s *EasyRand) appendBlock(msg, sig []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !bytes.Equal(msg, s.nextMsg()) {
		log.Error(s.ServerIdentity(), "signature for a stale round")
		return
	}
	round := uint64(len(s.blocks))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.blockBucket).Put(blockKey(round), sig)
	})
	if err != nil {
		log.Errorf("couldn't store round %d: %v", round, err)
		return
	}
	s.blocks = append(s.blocks, sig)
	log.Lvl3(s.ServerIdentity(), "stored round", len(s.blocks)-1)
}

// nextMsg must be called with lock held.
func (s *EasyRand) nextMsg() []byte {
	round := uint64(len(s.blocks))
	if round == 0 {
		return base.NextMessage(0, nil)
	}
	return base.NextMessage(round, s.blocks[round-1])
}

func blockKey(round uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, round)
	return k
}

// tryLoad restores the key share and the rounds produced before a restart.
func (s *EasyRand) tryLoad() error {
	var st *storage
	var blocks [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if buf := tx.Bucket(s.shareBucket).Get(shareKey); buf != nil {
			st = &storage{}
			buf = append([]byte{}, buf...)
			err := protobuf.DecodeWithConstructors(buf, st,
				network.DefaultConstructors(cothority.Suite))
			if err != nil {
				return xerrors.Errorf("couldn't decode share: %v", err)
			}
		}
		return tx.Bucket(s.blockBucket).ForEach(func(k, v []byte) error {
			if binary.BigEndian.Uint64(k) != uint64(len(blocks)) {
				return xerrors.Errorf("round %d is missing", len(blocks))
			}
			blocks = append(blocks, append([]byte{}, v...))
			return nil
		})
	})
	if err != nil {
		log.Errorf("Load storage failed: %v", err)
		return err
	}
	if st == nil {
		return nil
	}
	v := vssSuite.Scalar()
	if err := v.UnmarshalBinary(st.Share); err != nil {
		return xerrors.Errorf("couldn't unmarshal share: %v", err)
	}
	commits := make([]kyber.Point, len(st.Commits))
	for i, buf := range st.Commits {
		commits[i] = vssSuite.Point()
		if err := commits[i].UnmarshalBinary(buf); err != nil {
			return xerrors.Errorf("couldn't unmarshal commitment: %v", err)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.roster = st.Roster
	s.distKeyStore = &dkg.DistKeyShare{
		Commits: commits,
		Share:   &share.PriShare{I: st.Index, V: v},
	}
	s.pubPoly = share.NewPubPoly(vssSuite, vssSuite.Point().Base(), commits)
	s.blocks = blocks
	log.Lvl2(s.ServerIdentity(), "restored beacon with", len(blocks), "rounds")
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &EasyRand{
		ServiceProcessor: onet.NewServiceProcessor(c),
		keypair:          key.NewKeyPair(vssSuite),
		gen:              make(chan struct{}, 1),
		genWait:          defaultGenerationWait,
		signTimeout:      defaultSignTimeout,
	}
	s.db, s.shareBucket = s.GetAdditionalBucket(shareBucketName)
	_, s.blockBucket = s.GetAdditionalBucket(blockBucketName)
	if _, err := s.ProtocolRegister(protocol.DKGProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		return dkgprotocol.CustomSetup(n, vssSuite, s.keypair)
	}); err != nil {
		return nil, err
	}
	if _, err := s.ProtocolRegister(protocol.SignProtoName, s.newSignProtocol); err != nil {
		return nil, err
	}
	if err := s.RegisterHandlers(s.InitDKG, s.Randomness, s.Public); err != nil {
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
