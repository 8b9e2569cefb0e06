// Package collateralpool holds each agent's pool collateral. The asset manager
// only deposits fee shares and requests payouts; pool token economics live elsewhere.
package collateralpool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrUnknownPool = errors.New("collateral pool not found")

// Sink is the narrow surface the asset manager calls on pools.
type Sink interface {
	// DepositFee credits the pool with its f-asset share of a minting fee.
	DepositFee(agent common.Address, amountUBA uint64) error
	// DepositNat credits the pool with a native-currency fee share.
	DepositNat(agent common.Address, wei *big.Int) error
	// Payout sends up to natWei of pool collateral to recipient and returns what was
	// paid. agentResponsibilityWei is the part the agent should have covered from its
	// vault collateral; the pool books it as agent debt.
	Payout(agent, recipient common.Address, natWei, agentResponsibilityWei *big.Int) (*big.Int, error)
	// RedeemInCollateral pays recipient in pool collateral instead of underlying.
	RedeemInCollateral(agent, recipient common.Address, natWei *big.Int) error
	TotalCollateral(agent common.Address) *big.Int
}

// PoolAddress is the holder of a pool's f-asset fee share.
func PoolAddress(agent common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("collateral pool"), agent.Bytes()))
}

type pool struct {
	collateral *big.Int
	feesUBA    uint64
	agentDebt  *big.Int
}

// Pools is the in-memory Sink used by the service and tests.
type Pools struct {
	mu       sync.Mutex
	pools    map[common.Address]*pool
	balances map[common.Address]*big.Int
}

func NewPools() *Pools {
	return &Pools{
		pools:    make(map[common.Address]*pool),
		balances: make(map[common.Address]*big.Int),
	}
}

// Create registers an empty pool for a new agent vault.
func (p *Pools) Create(agent common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pools[agent]; !ok {
		p.pools[agent] = &pool{collateral: new(big.Int), agentDebt: new(big.Int)}
	}
}

// Enter adds collateral to an agent's pool.
func (p *Pools) Enter(agent common.Address, wei *big.Int) error {
	if wei.Sign() <= 0 {
		return fmt.Errorf("enter: amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[agent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, agent.Hex())
	}
	pl.collateral.Add(pl.collateral, wei)
	return nil
}

// Destroy removes an empty pool.
func (p *Pools) Destroy(agent common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[agent]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, agent.Hex())
	}
	if pl.collateral.Sign() != 0 {
		return fmt.Errorf("destroy: pool still holds %s wei", pl.collateral)
	}
	delete(p.pools, agent)
	return nil
}

func (p *Pools) get(agent common.Address) (*pool, error) {
	pl, ok := p.pools[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, agent.Hex())
	}
	return pl, nil
}

func (p *Pools) DepositFee(agent common.Address, amountUBA uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, err := p.get(agent)
	if err != nil {
		return err
	}
	pl.feesUBA += amountUBA
	return nil
}

func (p *Pools) DepositNat(agent common.Address, wei *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, err := p.get(agent)
	if err != nil {
		return err
	}
	pl.collateral.Add(pl.collateral, wei)
	return nil
}

func (p *Pools) Payout(agent, recipient common.Address, natWei, agentResponsibilityWei *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, err := p.get(agent)
	if err != nil {
		return nil, err
	}
	paid := new(big.Int).Set(natWei)
	if paid.Cmp(pl.collateral) > 0 {
		paid.Set(pl.collateral)
	}
	debt := new(big.Int).Set(agentResponsibilityWei)
	if debt.Cmp(paid) > 0 {
		debt.Set(paid)
	}
	pl.collateral.Sub(pl.collateral, paid)
	pl.agentDebt.Add(pl.agentDebt, debt)
	p.credit(recipient, paid)
	return paid, nil
}

func (p *Pools) RedeemInCollateral(agent, recipient common.Address, natWei *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, err := p.get(agent)
	if err != nil {
		return err
	}
	if natWei.Cmp(pl.collateral) > 0 {
		return fmt.Errorf("redeem in collateral: pool holds %s wei, need %s", pl.collateral, natWei)
	}
	pl.collateral.Sub(pl.collateral, natWei)
	p.credit(recipient, natWei)
	return nil
}

func (p *Pools) credit(recipient common.Address, wei *big.Int) {
	bal, ok := p.balances[recipient]
	if !ok {
		bal = new(big.Int)
		p.balances[recipient] = bal
	}
	bal.Add(bal, wei)
}

func (p *Pools) TotalCollateral(agent common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[agent]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(pl.collateral)
}

// FeesUBA returns the f-asset fees collected by an agent's pool.
func (p *Pools) FeesUBA(agent common.Address) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pools[agent]; ok {
		return pl.feesUBA
	}
	return 0
}

// AgentDebt returns how much of past payouts the agent owes its pool.
func (p *Pools) AgentDebt(agent common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pools[agent]; ok {
		return new(big.Int).Set(pl.agentDebt)
	}
	return new(big.Int)
}

// Received returns the native currency paid out to recipient by all pools.
func (p *Pools) Received(recipient common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bal, ok := p.balances[recipient]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// PoolState is the serializable form of one pool.
type PoolState struct {
	Agent      common.Address `json:"agent"`
	Collateral *big.Int       `json:"collateral"`
	FeesUBA    uint64         `json:"feesUBA"`
	AgentDebt  *big.Int       `json:"agentDebt"`
}

type State struct {
	Pools    []PoolState                 `json:"pools"`
	Balances map[common.Address]*big.Int `json:"balances"`
}

func (p *Pools) Export() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := State{Balances: make(map[common.Address]*big.Int, len(p.balances))}
	for agent, pl := range p.pools {
		st.Pools = append(st.Pools, PoolState{
			Agent:      agent,
			Collateral: new(big.Int).Set(pl.collateral),
			FeesUBA:    pl.feesUBA,
			AgentDebt:  new(big.Int).Set(pl.agentDebt),
		})
	}
	for addr, bal := range p.balances {
		st.Balances[addr] = new(big.Int).Set(bal)
	}
	return st
}

func (p *Pools) Import(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools = make(map[common.Address]*pool, len(st.Pools))
	p.balances = make(map[common.Address]*big.Int, len(st.Balances))
	for _, ps := range st.Pools {
		pl := &pool{collateral: new(big.Int), feesUBA: ps.FeesUBA, agentDebt: new(big.Int)}
		if ps.Collateral != nil {
			pl.collateral.Set(ps.Collateral)
		}
		if ps.AgentDebt != nil {
			pl.agentDebt.Set(ps.AgentDebt)
		}
		p.pools[ps.Agent] = pl
	}
	for addr, bal := range st.Balances {
		p.balances[addr] = new(big.Int).Set(bal)
	}
}
