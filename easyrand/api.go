package easyrand

import (
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
)

type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient talks to the beacon leader, the first node of r.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// InitDKG runs the DKG over the whole roster. timeout is in seconds.
func (c *Client) InitDKG(timeout int) (*InitDKGReply, error) {
	req := &InitDKGRequest{Roster: c.roster, Timeout: timeout}
	reply := &InitDKGReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) Randomness(round uint64) (*RandomnessReply, error) {
	reply := &RandomnessReply{}
	err := c.SendProtobuf(c.roster.List[0], &RandomnessRequest{Round: round}, reply)
	return reply, err
}

func (c *Client) Public() (*PublicReply, error) {
	reply := &PublicReply{}
	err := c.SendProtobuf(c.roster.List[0], &PublicRequest{}, reply)
	return reply, err
}
