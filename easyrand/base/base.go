package base

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"
)

const (
	UID        string = "easyrand"
	GenesisMsg string = "genesis_msg"
)

// RandomnessOutput is one round of the beacon. Public is the marshalled
// collective key, Prev the signed message and Value the recovered threshold
// signature.
type RandomnessOutput struct {
	Public []byte
	Round  uint64
	Prev   []byte
	// Value is the collective signature. Use the hash of it!
	Value []byte
}

// NextMessage returns the message signed in the given round: the genesis
// message for round 0, the round number followed by the previous signature
// afterwards.
func NextMessage(round uint64, prevSig []byte) []byte {
	if round == 0 {
		return []byte(GenesisMsg)
	}
	buf := make([]byte, 8, 8+len(prevSig))
	binary.LittleEndian.PutUint64(buf, round)
	return append(buf, prevSig...)
}

// Point unmarshals the collective key on G2.
func (o *RandomnessOutput) Point(suite pairing.Suite) (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(o.Public); err != nil {
		return nil, xerrors.Errorf("couldn't unmarshal public key: %v", err)
	}
	return p, nil
}

// Verify checks that Prev belongs to Round and that Value is a valid
// signature of Prev under Public.
func (o *RandomnessOutput) Verify(suite pairing.Suite) error {
	if o.Round == 0 {
		if !bytes.Equal(o.Prev, []byte(GenesisMsg)) {
			return xerrors.New("round 0 must sign the genesis message")
		}
	} else if len(o.Prev) < 8 || binary.LittleEndian.Uint64(o.Prev[:8]) != o.Round {
		return xerrors.Errorf("signed message does not belong to round %d", o.Round)
	}
	pub, err := o.Point(suite)
	if err != nil {
		return err
	}
	if err := bls.Verify(suite, pub, o.Prev, o.Value); err != nil {
		return xerrors.Errorf("invalid randomness signature: %v", err)
	}
	return nil
}

// Uint64 derives the random number of the round from the hash of the
// signature.
func (o *RandomnessOutput) Uint64() uint64 {
	h := sha256.Sum256(o.Value)
	return binary.LittleEndian.Uint64(h[:8])
}

func (o *RandomnessOutput) Hash() []byte {
	h := sha256.New()
	h.Write(o.Public)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, o.Round)
	h.Write(b)
	h.Write(o.Prev)
	h.Write(o.Value)
	return h.Sum(nil)
}
