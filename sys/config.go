package sys

import (
	"io/ioutil"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/lottery/core"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

const (
	// DefaultEntranceFee is one ether in its smallest unit.
	DefaultEntranceFee uint64 = 1000000000000000000
	DefaultInterval           = 30 * time.Second
)

// LotteryConfig is the deployment configuration of a lottery.
type LotteryConfig struct {
	EntranceFee     uint64
	Interval        time.Duration
	MinParticipants int
	// UpkeepPeriod is how often the node checks whether the round can be
	// closed. Zero disables the keeper.
	UpkeepPeriod time.Duration
	// Faucet enables minting of funds through the service.
	Faucet bool
}

type lotteryTOML struct {
	EntranceFee     *uint64
	Interval        string
	MinParticipants *int
	UpkeepPeriod    string
	Faucet          bool
}

func DefaultLotteryConfig() *LotteryConfig {
	return &LotteryConfig{
		EntranceFee:     DefaultEntranceFee,
		Interval:        DefaultInterval,
		MinParticipants: 1,
	}
}

// Core returns the parameters of the round state machine.
func (c *LotteryConfig) Core() core.Config {
	return core.Config{
		EntranceFee:     c.EntranceFee,
		Interval:        c.Interval,
		MinParticipants: c.MinParticipants,
	}
}

// Validate rejects a zero fee: a round only closes once its pool holds
// funds.
func (c *LotteryConfig) Validate() error {
	if c.EntranceFee == 0 {
		return xerrors.New("entrance fee must be positive")
	}
	if c.Interval < 0 || c.UpkeepPeriod < 0 {
		return xerrors.New("durations must not be negative")
	}
	if c.MinParticipants < 1 {
		return xerrors.Errorf("need at least one participant, got %d",
			c.MinParticipants)
	}
	return nil
}

// ParseLotteryConfig decodes a TOML configuration. Missing keys keep their
// default value, durations use time.ParseDuration syntax.
func ParseLotteryConfig(data string) (*LotteryConfig, error) {
	raw := &lotteryTOML{}
	if _, err := toml.Decode(data, raw); err != nil {
		return nil, xerrors.Errorf("couldn't decode config: %v", err)
	}
	cfg := DefaultLotteryConfig()
	cfg.Faucet = raw.Faucet
	if raw.EntranceFee != nil {
		cfg.EntranceFee = *raw.EntranceFee
	}
	if raw.MinParticipants != nil {
		cfg.MinParticipants = *raw.MinParticipants
	}
	var err error
	if raw.Interval != "" {
		cfg.Interval, err = time.ParseDuration(raw.Interval)
		if err != nil {
			return nil, xerrors.Errorf("invalid interval: %v", err)
		}
	}
	if raw.UpkeepPeriod != "" {
		cfg.UpkeepPeriod, err = time.ParseDuration(raw.UpkeepPeriod)
		if err != nil {
			return nil, xerrors.Errorf("invalid upkeep period: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ReadLotteryConfig(path string) (*LotteryConfig, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		log.Errorf("Cannot read file %s: %v", path, err)
		return nil, err
	}
	return ParseLotteryConfig(string(buf))
}
