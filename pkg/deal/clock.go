package deal

import (
	"sync"
	"time"
)

// EpochClock tells the ledger what the current epoch is. Epochs only
// move forward.
type EpochClock interface {
	CurrentEpoch() uint64
}

// WallClock derives the epoch from wall time against a genesis instant.
type WallClock struct {
	Genesis       time.Time
	EpochDuration time.Duration
}

func (c WallClock) CurrentEpoch() uint64 {
	elapsed := time.Since(c.Genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.EpochDuration)
}

// ManualClock is an epoch counter advanced by hand, for tests and
// single-process simulations.
type ManualClock struct {
	mu    sync.Mutex
	epoch uint64
}

func NewManualClock(epoch uint64) *ManualClock {
	return &ManualClock{epoch: epoch}
}

func (c *ManualClock) CurrentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *ManualClock) Advance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch += n
}
