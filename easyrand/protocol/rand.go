package protocol

import (
	"time"

	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// VerifyFn checks the message proposed by the root before a node signs it.
type VerifyFn func(msg []byte) error

// SignProtocol starts a threshold BLS signature protocol.
type SignProtocol struct {
	*onet.TreeNodeInstance
	Msg     []byte
	Timeout time.Duration

	Threshold      int
	FinalSignature chan []byte
	// OnSignature is called on every node once the signature is recovered
	// and before the node reports back to the root.
	OnSignature func(msg, sig []byte)

	initChan chan initChan
	sigChan  chan sigChan
	syncChan chan syncChan

	verify VerifyFn
	sk     *share.PriShare
	pk     *share.PubPoly
	suite  pairing.Suite
}

// NewSignProtocol initialises the structure for use in one round.
func NewSignProtocol(n *onet.TreeNodeInstance, vf VerifyFn, sk *share.PriShare, pk *share.PubPoly, suite pairing.Suite) (onet.ProtocolInstance, error) {
	nodes := len(n.Roster().List)
	t := &SignProtocol{
		TreeNodeInstance: n,
		Timeout:          10 * time.Second,
		Threshold:        nodes - (nodes-1)/3,
		FinalSignature:   make(chan []byte, 1),
		verify:           vf,
		sk:               sk,
		pk:               pk,
		suite:            suite,
	}
	if err := t.RegisterChannels(&t.initChan, &t.sigChan, &t.syncChan); err != nil {
		return nil, err
	}
	return t, nil
}

// Start implements the onet.ProtocolInstance interface.
func (p *SignProtocol) Start() error {
	if len(p.Msg) == 0 {
		return xerrors.New("empty message")
	}
	log.Lvl3(p.ServerIdentity(), "starting")
	return p.fullBroadcast(&Init{Msg: p.Msg, Timeout: int64(p.Timeout)})
}

// Dispatch implements the onet.ProtocolInstance interface.
func (p *SignProtocol) Dispatch() error {
	defer p.Done()
	var initMsg initChan
	select {
	case initMsg = <-p.initChan:
	case <-time.After(p.Timeout):
		return xerrors.New("time out while waiting for the message to sign")
	}
	if !p.IsRoot() && initMsg.Timeout > 0 {
		p.Timeout = time.Duration(initMsg.Timeout)
	}
	if !p.IsRoot() && p.verify != nil {
		if err := p.verify(initMsg.Msg); err != nil {
			log.Lvl2(p.ServerIdentity(), "refusing to sign:", err)
			return err
		}
	}
	log.Lvl3(p.ServerIdentity(), "signing")
	sig, err := tbls.Sign(p.suite, p.sk, initMsg.Msg)
	if err != nil {
		return err
	}
	if err := p.fullBroadcast(&Sig{sig}); err != nil {
		return err
	}
	log.Lvl3(p.ServerIdentity(), "waiting for all signatures")
	n := len(p.List())
	sigs := make([][]byte, 0, n)
	for len(sigs) < n {
		select {
		case sigMsg := <-p.sigChan:
			sigs = append(sigs, sigMsg.ThresholdSig)
		case <-time.After(p.Timeout):
			if len(sigs) < p.Threshold {
				return xerrors.Errorf("time out with %d of %d signatures",
					len(sigs), p.Threshold)
			}
			n = len(sigs)
		}
	}
	finalSig, err := tbls.Recover(p.suite, p.pk, initMsg.Msg, sigs, p.Threshold, len(p.List()))
	if err != nil {
		return err
	}
	if p.OnSignature != nil {
		p.OnSignature(initMsg.Msg, finalSig)
	}
	if p.IsRoot() {
		// the root counts as synced
		synced := 1
	wait:
		for synced < len(p.List()) {
			select {
			case <-p.syncChan:
				synced++
			case <-time.After(p.Timeout):
				if synced < p.Threshold {
					return xerrors.Errorf("time out while synchronising with %d of %d nodes",
						synced, p.Threshold)
				}
				log.Lvl2(p.ServerIdentity(), "continuing with", synced, "synced nodes")
				break wait
			}
		}
		p.FinalSignature <- finalSig
		return nil
	}
	p.FinalSignature <- finalSig
	return p.SendTo(p.Root(), &Sync{})
}

func (p *SignProtocol) fullBroadcast(msg interface{}) error {
	n := len(p.List())
	errc := make(chan error, n)
	for _, treenode := range p.List() {
		go func(tn *onet.TreeNode) {
			errc <- p.SendTo(tn, msg)
		}(treenode)
	}
	// TODO tolerate up to n-Threshold unreachable nodes
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}
