package lottery

import (
	"strings"

	"github.com/dedis/lottery/bank"
	"github.com/dedis/lottery/core"
	"github.com/dedis/lottery/easyrand/base"
	"github.com/dedis/lottery/sys"
	"github.com/dedis/lottery/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
)

// Client talks to the lottery service of the first node of the roster.
// Errors returned by the service are mapped back to the sentinels of the
// core and bank packages.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

func (c *Client) send(req, reply interface{}) error {
	return mapError(c.SendProtobuf(c.roster.List[0], req, reply))
}

func (c *Client) InitUnit(cfg *sys.LotteryConfig) (*InitUnitReply, error) {
	reply := &InitUnitReply{}
	err := c.send(&InitUnitRequest{Cfg: cfg}, reply)
	return reply, err
}

// Enter signs a ticket for value with sk and submits it. counter must be
// one more than the last counter used with sk.
func (c *Client) Enter(sk kyber.Scalar, value, counter uint64) (*EnterReply, error) {
	sig, err := utils.SignTicket(sk, value, counter)
	if err != nil {
		return nil, err
	}
	req := &EnterRequest{Ticket: Ticket{
		Key:       cothority.Suite.Point().Mul(sk, nil),
		Value:     value,
		Counter:   counter,
		Signature: sig,
	}}
	reply := &EnterReply{}
	err = c.send(req, reply)
	return reply, err
}

func (c *Client) GetEntranceFee() (uint64, error) {
	reply := &GetEntranceFeeReply{}
	err := c.send(&GetEntranceFeeRequest{}, reply)
	return reply.Fee, err
}

func (c *Client) GetParticipant(index int) (core.Address, error) {
	reply := &GetParticipantReply{}
	err := c.send(&GetParticipantRequest{Index: index}, reply)
	return core.Address(reply.Participant), err
}

func (c *Client) GetNumberOfParticipants() (int, error) {
	reply := &GetNumberOfParticipantsReply{}
	err := c.send(&GetNumberOfParticipantsRequest{}, reply)
	return reply.Count, err
}

func (c *Client) GetRecentWinner() (core.Address, error) {
	reply := &GetRecentWinnerReply{}
	err := c.send(&GetRecentWinnerRequest{}, reply)
	return core.Address(reply.Winner), err
}

func (c *Client) GetRoundState() (*GetRoundStateReply, error) {
	reply := &GetRoundStateReply{}
	err := c.send(&GetRoundStateRequest{}, reply)
	return reply, err
}

func (c *Client) GetPool() (uint64, error) {
	reply := &GetPoolReply{}
	err := c.send(&GetPoolRequest{}, reply)
	return reply.Pool, err
}

func (c *Client) CheckUpkeep() (bool, error) {
	reply := &CheckUpkeepReply{}
	err := c.send(&CheckUpkeepRequest{}, reply)
	return reply.UpkeepNeeded, err
}

func (c *Client) PerformUpkeep() (core.RequestID, error) {
	reply := &PerformUpkeepReply{}
	err := c.send(&PerformUpkeepRequest{}, reply)
	return core.RequestID(reply.RequestID), err
}

func (c *Client) Fulfill(id core.RequestID, out base.RandomnessOutput) (core.Address, error) {
	reply := &FulfillReply{}
	err := c.send(&FulfillRequest{RequestID: uint64(id), Randomness: out}, reply)
	return core.Address(reply.Winner), err
}

func (c *Client) RetryPayout() (core.Address, error) {
	reply := &RetryPayoutReply{}
	err := c.send(&RetryPayoutRequest{}, reply)
	return core.Address(reply.Winner), err
}

func (c *Client) Mint(addr core.Address, amount uint64) (uint64, error) {
	reply := &MintReply{}
	err := c.send(&MintRequest{Address: string(addr), Amount: amount}, reply)
	return reply.Balance, err
}

func (c *Client) GetBalance(addr core.Address) (uint64, error) {
	reply := &GetBalanceReply{}
	err := c.send(&GetBalanceRequest{Address: string(addr)}, reply)
	return reply.Balance, err
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	// lottery errors take precedence over the treasury errors they wrap
	if strings.Contains(msg, "Lottery__") {
		return core.ErrorFromString(msg)
	}
	for _, e := range []error{bank.ErrInsufficientFunds,
		bank.ErrInvalidCounter, ErrNotInitialized} {
		if strings.Contains(msg, e.Error()) {
			return xerrors.Errorf("%w (%s)", e, msg)
		}
	}
	return xerrors.New(msg)
}
