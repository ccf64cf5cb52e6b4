package protocol

import (
	"go.dedis.ch/onet/v3"
)

const DKGProtoName = "easyrand_dkg"
const SignProtoName = "easyrand_sign"

// Init initializes the message to sign. Timeout is the root's timeout in
// nanoseconds, adopted by every node for the round.
type Init struct {
	Msg     []byte
	Timeout int64
}
type initChan struct {
	*onet.TreeNode
	Init
}

// Sig contains a signature share.
type Sig struct {
	ThresholdSig []byte
}
type sigChan struct {
	*onet.TreeNode
	Sig
}

// Sync is a synchronisation message.
type Sync struct{}

type syncChan struct {
	*onet.TreeNode
	Sync
}
