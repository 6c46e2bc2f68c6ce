// Package chain holds the on-ledger balance accounting used by deals,
// provider stakes and repair bounties. All balances are denominated in
// the network's smallest token unit.
package chain

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quarry-storage/quarry/pkg/model"
)

var log = logging.Logger("chain")

// Bank tracks spendable and locked balances per address. Every mutation
// is serialized under a single mutex so invariants hold without any
// ordering requirements on callers.
type Bank struct {
	mu       sync.Mutex
	balances map[model.Address]uint64
	locked   map[model.Address]uint64
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[model.Address]uint64),
		locked:   make(map[model.Address]uint64),
	}
}

// Balance returns the spendable balance of addr.
func (b *Bank) Balance(addr model.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[addr]
}

// Locked returns the amount currently locked for addr (stakes, escrow).
func (b *Bank) Locked(addr model.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked[addr]
}

// Deposit credits amount to addr's spendable balance.
func (b *Bank) Deposit(addr model.Address, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] += amount
}

// Withdraw debits amount from addr's spendable balance.
func (b *Bank) Withdraw(addr model.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debit(addr, amount)
}

// Transfer moves amount from one spendable balance to another.
func (b *Bank) Transfer(from, to model.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, amount); err != nil {
		return err
	}
	b.balances[to] += amount
	return nil
}

// Lock moves amount from addr's spendable balance into its locked
// balance. Locked funds cannot be spent until released or slashed.
func (b *Bank) Lock(addr model.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(addr, amount); err != nil {
		return err
	}
	b.locked[addr] += amount
	return nil
}

// Unlock returns amount from addr's locked balance to its spendable one.
func (b *Bank) Unlock(addr model.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked[addr] < amount {
		return fmt.Errorf("unlock %d from %s (locked %d): %w", amount, addr, b.locked[addr], model.ErrInsufficientFunds)
	}
	b.locked[addr] -= amount
	b.balances[addr] += amount
	return nil
}

// Slash seizes up to amount from addr's locked balance and credits it to
// the beneficiary's spendable balance. It returns the amount actually
// seized, which is less than requested when the locked balance is short.
func (b *Bank) Slash(addr, beneficiary model.Address, amount uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seized := amount
	if b.locked[addr] < seized {
		seized = b.locked[addr]
	}
	b.locked[addr] -= seized
	b.balances[beneficiary] += seized
	if seized < amount {
		log.Warnw("slash short of requested amount", "address", addr, "requested", amount, "seized", seized)
	}
	return seized
}

func (b *Bank) debit(addr model.Address, amount uint64) error {
	if b.balances[addr] < amount {
		return fmt.Errorf("debit %d from %s (balance %d): %w", amount, addr, b.balances[addr], model.ErrInsufficientFunds)
	}
	b.balances[addr] -= amount
	return nil
}
