// Package upkeep runs the off-chain automation that closes lottery rounds:
// it polls the upkeep condition and triggers winner selection when it holds.
package upkeep

import (
	"context"
	"time"

	"github.com/dedis/lottery/core"
	"github.com/sasha-s/go-deadlock"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Target is what the keeper drives.
type Target interface {
	CheckUpkeep() (bool, error)
	PerformUpkeep() error
}

type Keeper struct {
	target Target
	period time.Duration

	mu     deadlock.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewKeeper(target Target, period time.Duration) *Keeper {
	return &Keeper{target: target, period: period}
}

// Poll checks the upkeep condition once and performs the upkeep if it
// holds. It reports whether a selection was requested.
func (k *Keeper) Poll() (bool, error) {
	needed, err := k.target.CheckUpkeep()
	if err != nil {
		return false, xerrors.Errorf("couldn't check upkeep: %v", err)
	}
	if !needed {
		return false, nil
	}
	err = k.target.PerformUpkeep()
	if xerrors.Is(err, core.ErrUpkeepNotNeeded) {
		// someone else closed the round in between
		log.Lvl3("upkeep no longer needed")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Start polls every period until Stop is called. Starting a running keeper
// does nothing.
func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.run(ctx, k.done)
}

func (k *Keeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			performed, err := k.Poll()
			if err != nil {
				log.Error("upkeep failed:", err)
			} else if performed {
				log.Lvl2("upkeep performed")
			}
		}
	}
}

// Stop terminates the polling loop and waits for it to return.
func (k *Keeper) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
