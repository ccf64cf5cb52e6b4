package easyrand

import (
	"github.com/dedis/lottery/easyrand/base"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&InitDKGRequest{}, &InitDKGReply{},
		&RandomnessRequest{}, &RandomnessReply{},
		&PublicRequest{}, &PublicReply{})
}

type InitDKGRequest struct {
	Roster *onet.Roster
	// Timeout in seconds waiting for DKG to finish, 5 if unset
	Timeout int
}

// InitDKGReply carries the marshalled collective key.
type InitDKGReply struct {
	Public []byte
}

// RandomnessRequest asks for the output of a round. A round that does not
// exist yet is generated if it is the next one.
type RandomnessRequest struct {
	Round uint64
}

type RandomnessReply struct {
	Output base.RandomnessOutput
}

type PublicRequest struct{}

// PublicReply describes the beacon: its key and the next round it will
// produce.
type PublicReply struct {
	Public    []byte
	NextRound uint64
}

// storage is the key share of the node as kept on disk. Roster is only set
// on the node that ran the DKG.
type storage struct {
	Roster  *onet.Roster
	Index   int
	Share   []byte
	Commits [][]byte
}
