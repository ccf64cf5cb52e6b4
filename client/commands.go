package main

import (
	"fmt"
	"strconv"

	"github.com/dedis/lottery/core"
	"github.com/dedis/lottery/easyrand"
	"github.com/dedis/lottery/lottery"
	"github.com/dedis/lottery/sys"
	"github.com/dedis/lottery/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

var commands = []cli.Command{
	{
		Name:   "keygen",
		Usage:  "create a participant key pair",
		Action: keygen,
	},
	{
		Name:  "dkg",
		Usage: "run the distributed key generation of the randomness beacon",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "timeout", Usage: "seconds to wait", Value: 5},
		},
		Action: dkg,
	},
	{
		Name:      "init",
		Usage:     "deploy the lottery",
		ArgsUsage: "config.toml",
		Action:    initLottery,
	},
	{
		Name:  "enter",
		Usage: "enter the current round",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "key, k", Usage: "hex private key"},
			cli.Uint64Flag{Name: "value, v", Usage: "value to pay"},
			cli.Uint64Flag{Name: "counter, c", Usage: "signer counter, last one plus one"},
		},
		Action: enter,
	},
	{
		Name:   "fee",
		Usage:  "show the entrance fee",
		Action: fee,
	},
	{
		Name:      "participant",
		Usage:     "show the participant at an index",
		ArgsUsage: "index",
		Action:    participant,
	},
	{
		Name:   "winner",
		Usage:  "show the winner of the last round",
		Action: winner,
	},
	{
		Name:   "state",
		Usage:  "show the round state, the pool and the participant count",
		Action: state,
	},
	{
		Name:  "upkeep",
		Usage: "check whether the round can be closed, and close it with --perform",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "perform", Usage: "request the winner selection"},
		},
		Action: upkeep,
	},
	{
		Name:   "retry",
		Usage:  "retry the settlement of a round whose payout failed",
		Action: retry,
	},
	{
		Name:      "mint",
		Usage:     "credit an address, if the faucet is enabled",
		ArgsUsage: "address amount",
		Action:    mint,
	},
	{
		Name:      "balance",
		Usage:     "show the balance of an address",
		ArgsUsage: "address",
		Action:    balance,
	},
}

func readRoster(c *cli.Context) (*onet.Roster, error) {
	path := c.GlobalString("roster")
	return utils.ReadRoster(&path)
}

func lotteryClient(c *cli.Context) (*lottery.Client, error) {
	r, err := readRoster(c)
	if err != nil {
		return nil, err
	}
	return lottery.NewClient(r), nil
}

func keygen(c *cli.Context) error {
	kp := key.NewKeyPair(cothority.Suite)
	sk, err := encoding.ScalarToStringHex(cothority.Suite, kp.Private)
	if err != nil {
		return err
	}
	pk, err := encoding.PointToStringHex(cothority.Suite, kp.Public)
	if err != nil {
		return err
	}
	addr, err := utils.AddressFromPoint(kp.Public)
	if err != nil {
		return err
	}
	fmt.Println("private:", sk)
	fmt.Println("public:", pk)
	fmt.Println("address:", addr)
	return nil
}

func dkg(c *cli.Context) error {
	r, err := readRoster(c)
	if err != nil {
		return err
	}
	reply, err := easyrand.NewClient(r).InitDKG(c.Int("timeout"))
	if err != nil {
		return err
	}
	fmt.Printf("beacon key: %x\n", reply.Public)
	return nil
}

func initLottery(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("missing config file")
	}
	cfg, err := sys.ReadLotteryConfig(c.Args().First())
	if err != nil {
		return err
	}
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.InitUnit(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("lottery deployed, beacon key: %x\n", reply.BeaconPublic)
	return nil
}

func enter(c *cli.Context) error {
	sk, err := utils.ScalarFromString(c.String("key"))
	if err != nil {
		return err
	}
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.Enter(sk, c.Uint64("value"), c.Uint64("counter"))
	if err != nil {
		return err
	}
	fmt.Printf("%s entered, pool is %d\n", reply.Participant, reply.Pool)
	return nil
}

func fee(c *cli.Context) error {
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	f, err := cl.GetEntranceFee()
	if err != nil {
		return err
	}
	fmt.Println(f)
	return nil
}

func participant(c *cli.Context) error {
	idx, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return xerrors.Errorf("invalid index: %v", err)
	}
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	p, err := cl.GetParticipant(idx)
	if err != nil {
		return err
	}
	fmt.Println(p)
	return nil
}

func winner(c *cli.Context) error {
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	w, err := cl.GetRecentWinner()
	if err != nil {
		return err
	}
	if w == "" {
		fmt.Println("no winner yet")
		return nil
	}
	fmt.Println(w)
	return nil
}

func state(c *cli.Context) error {
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	st, err := cl.GetRoundState()
	if err != nil {
		return err
	}
	pool, err := cl.GetPool()
	if err != nil {
		return err
	}
	n, err := cl.GetNumberOfParticipants()
	if err != nil {
		return err
	}
	fmt.Printf("round %d: %v, pool %d, %d participants\n", st.Round,
		core.RoundState(st.State), pool, n)
	if st.Pending {
		fmt.Println("waiting for beacon round", st.RequestID)
	}
	return nil
}

func upkeep(c *cli.Context) error {
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	if !c.Bool("perform") {
		needed, err := cl.CheckUpkeep()
		if err != nil {
			return err
		}
		fmt.Println("upkeep needed:", needed)
		return nil
	}
	id, err := cl.PerformUpkeep()
	if err != nil {
		return err
	}
	fmt.Println("round closed, waiting for beacon round", id)
	return nil
}

func retry(c *cli.Context) error {
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	w, err := cl.RetryPayout()
	if err != nil {
		return err
	}
	fmt.Println("winner:", w)
	return nil
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("invalid amount %q: %v", s, err)
	}
	return v, nil
}

func mint(c *cli.Context) error {
	if c.NArg() != 2 {
		return xerrors.New("need an address and an amount")
	}
	amount, err := parseAmount(c.Args().Get(1))
	if err != nil {
		return err
	}
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	bal, err := cl.Mint(core.Address(c.Args().First()), amount)
	if err != nil {
		return err
	}
	fmt.Println("balance:", bal)
	return nil
}

func balance(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("missing address")
	}
	cl, err := lotteryClient(c)
	if err != nil {
		return err
	}
	bal, err := cl.GetBalance(core.Address(c.Args().First()))
	if err != nil {
		return err
	}
	fmt.Println(bal)
	return nil
}
