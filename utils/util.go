package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"

	"github.com/dedis/lottery/core"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// AddressLen is the number of hash bytes kept in an address.
const AddressLen = 20

func ReadRoster(path *string) (*onet.Roster, error) {
	file, err := os.Open(*path)
	if err != nil {
		log.Errorf("ReadRoster error: %v", err)
		return nil, err
	}
	defer file.Close()

	group, err := app.ReadGroupDescToml(file)
	if err != nil {
		log.Errorf("ReadRoster error: %v", err)
		return nil, err
	}
	if group.Roster == nil || len(group.Roster.List) == 0 {
		return nil, xerrors.Errorf("empty roster in %s", *path)
	}
	return group.Roster, nil
}

// AddressFromPoint derives the account address of a public key.
func AddressFromPoint(p kyber.Point) (core.Address, error) {
	buf, err := p.MarshalBinary()
	if err != nil {
		return "", xerrors.Errorf("couldn't marshal point: %v", err)
	}
	h := sha256.Sum256(buf)
	return core.Address(hex.EncodeToString(h[:AddressLen])), nil
}

// PointFromString parses a hex encoded ed25519 public key.
func PointFromString(s string) (kyber.Point, error) {
	p, err := encoding.StringHexToPoint(cothority.Suite, s)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode public key: %v", err)
	}
	return p, nil
}

// ScalarFromString parses a hex encoded ed25519 private key.
func ScalarFromString(s string) (kyber.Scalar, error) {
	sk, err := encoding.StringHexToScalar(cothority.Suite, s)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode private key: %v", err)
	}
	return sk, nil
}

// TicketMessage is what a participant signs to enter: H(key) || value ||
// counter.
func TicketMessage(pub kyber.Point, value, counter uint64) ([]byte, error) {
	buf, err := pub.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal point: %v", err)
	}
	h := sha256.Sum256(buf)
	msg := make([]byte, len(h)+16)
	copy(msg, h[:])
	binary.LittleEndian.PutUint64(msg[len(h):], value)
	binary.LittleEndian.PutUint64(msg[len(h)+8:], counter)
	return msg, nil
}

func SignTicket(sk kyber.Scalar, value, counter uint64) ([]byte, error) {
	pub := cothority.Suite.Point().Mul(sk, nil)
	msg, err := TicketMessage(pub, value, counter)
	if err != nil {
		return nil, err
	}
	return schnorr.Sign(cothority.Suite, sk, msg)
}

func VerifyTicket(pub kyber.Point, value, counter uint64, sig []byte) error {
	msg, err := TicketMessage(pub, value, counter)
	if err != nil {
		return err
	}
	if err := schnorr.Verify(cothority.Suite, pub, msg, sig); err != nil {
		return xerrors.Errorf("invalid ticket signature: %v", err)
	}
	return nil
}
