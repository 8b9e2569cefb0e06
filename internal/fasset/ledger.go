// Package fasset is the minimal f-asset token ledger the asset manager mints into
// and burns from.
package fasset

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrBalanceTooLow = errors.New("f-asset balance too low")

type Token interface {
	Mint(to common.Address, amountUBA uint64) error
	Burn(from common.Address, amountUBA uint64) error
	BalanceOf(owner common.Address) uint64
	TotalSupply() uint64
}

type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]uint64
	supply   uint64
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]uint64)}
}

func (l *Ledger) Mint(to common.Address, amountUBA uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.supply+amountUBA < l.supply {
		return fmt.Errorf("mint %d: supply overflow", amountUBA)
	}
	l.balances[to] += amountUBA
	l.supply += amountUBA
	return nil
}

func (l *Ledger) Burn(from common.Address, amountUBA uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amountUBA {
		return ErrBalanceTooLow
	}
	l.balances[from] -= amountUBA
	if l.balances[from] == 0 {
		delete(l.balances, from)
	}
	l.supply -= amountUBA
	return nil
}

// Transfer moves f-assets between holders.
func (l *Ledger) Transfer(from, to common.Address, amountUBA uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from] < amountUBA {
		return ErrBalanceTooLow
	}
	l.balances[from] -= amountUBA
	l.balances[to] += amountUBA
	return nil
}

func (l *Ledger) BalanceOf(owner common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[owner]
}

func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

func (l *Ledger) Export() map[common.Address]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Address]uint64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

func (l *Ledger) Import(balances map[common.Address]uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[common.Address]uint64, len(balances))
	l.supply = 0
	for k, v := range balances {
		l.balances[k] = v
		l.supply += v
	}
}
