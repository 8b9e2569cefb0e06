package assetmanager

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"fassets/internal/tickets"
	"fassets/internal/timing"

	"github.com/ethereum/go-ethereum/common"
)

// State is the engine's full serializable state. Pools, the f-asset ledger and
// the core vault manager are exported by their own packages.
type State struct {
	Agents       []Agent                     `json:"agents"`
	OwnerNonces  map[common.Address]uint64   `json:"ownerNonces"`
	Reservations []CollateralReservation     `json:"reservations"`
	Redemptions  []RedemptionRequest         `json:"redemptions"`
	Returns      []ReturnRequest             `json:"returns"`
	Tickets      tickets.State               `json:"tickets"`
	Chain        timing.UnderlyingChain      `json:"chain"`
	Confirmed    []common.Hash               `json:"confirmed"`
	Native       map[common.Address]*big.Int `json:"native"`

	NextReservationID  uint64 `json:"nextReservationId"`
	NextRequestID      uint64 `json:"nextRequestId"`
	NextReturnID       uint64 `json:"nextReturnId"`
	NextWithdrawalID   uint64 `json:"nextWithdrawalId"`
	NextCVRedemptionID uint64 `json:"nextCoreVaultRedemptionId"`

	CoreVaultMintedAMG         uint64   `json:"coreVaultMintedAMG"`
	CoreVaultReturnReservedAMG uint64   `json:"coreVaultReturnReservedAMG"`
	CoreVaultFeesWei           *big.Int `json:"coreVaultFeesWei"`
	BurnedWei                  *big.Int `json:"burnedWei"`

	Paused     bool `json:"paused"`
	Terminated bool `json:"terminated"`
}

func cloneAgent(a *Agent) Agent {
	c := *a
	c.VaultCollateralWei = copyBig(a.VaultCollateralWei)
	if a.CollateralWithdrawal != nil {
		w := *a.CollateralWithdrawal
		w.AmountWei = copyBig(w.AmountWei)
		c.CollateralWithdrawal = &w
	}
	if a.UnderlyingWithdrawal != nil {
		w := *a.UnderlyingWithdrawal
		c.UnderlyingWithdrawal = &w
	}
	return c
}

// ExportState returns a deep copy of the engine state with every collection in
// a deterministic order.
func (e *Engine) ExportState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exportLocked()
}

// ExportWith exports the engine state and hands it to fn while no engine
// operation can run, so fn may export the pools, the f-asset ledger and the
// core vault consistently with it. fn must not call back into the engine.
func (e *Engine) ExportWith(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.exportLocked())
}

func (e *Engine) exportLocked() State {
	st := State{
		OwnerNonces:                make(map[common.Address]uint64, len(e.ownerNonces)),
		Tickets:                    e.queue.Export(),
		Chain:                      e.chain,
		Native:                     make(map[common.Address]*big.Int, len(e.native)),
		NextReservationID:          e.nextReservationID,
		NextRequestID:              e.nextRequestID,
		NextReturnID:               e.nextReturnID,
		NextWithdrawalID:           e.nextWithdrawalID,
		NextCVRedemptionID:         e.nextCVRedemptionID,
		CoreVaultMintedAMG:         e.coreVaultMintedAMG,
		CoreVaultReturnReservedAMG: e.coreVaultReturnReservedAMG,
		CoreVaultFeesWei:           copyBig(e.coreVaultFeesWei),
		BurnedWei:                  copyBig(e.burnedWei),
		Paused:                     e.paused,
		Terminated:                 e.terminated,
	}
	for _, a := range e.agents {
		st.Agents = append(st.Agents, cloneAgent(a))
	}
	sort.Slice(st.Agents, func(i, j int) bool { return bytes.Compare(st.Agents[i].Vault[:], st.Agents[j].Vault[:]) < 0 })
	for owner, n := range e.ownerNonces {
		st.OwnerNonces[owner] = n
	}
	for _, cr := range e.reservations {
		st.Reservations = append(st.Reservations, e.copyReservation(cr))
	}
	sort.Slice(st.Reservations, func(i, j int) bool { return st.Reservations[i].ID < st.Reservations[j].ID })
	for _, rr := range e.redemptions {
		st.Redemptions = append(st.Redemptions, e.copyRequest(rr))
	}
	sort.Slice(st.Redemptions, func(i, j int) bool { return st.Redemptions[i].ID < st.Redemptions[j].ID })
	for _, rq := range e.returns {
		st.Returns = append(st.Returns, *rq)
	}
	sort.Slice(st.Returns, func(i, j int) bool { return st.Returns[i].ID < st.Returns[j].ID })
	for key := range e.confirmed {
		st.Confirmed = append(st.Confirmed, key)
	}
	sort.Slice(st.Confirmed, func(i, j int) bool { return bytes.Compare(st.Confirmed[i][:], st.Confirmed[j][:]) < 0 })
	for addr, bal := range e.native {
		st.Native[addr] = copyBig(bal)
	}
	return st
}

// ImportState replaces the engine state. The ticket queue and per-agent
// backing are validated before anything is swapped in.
func (e *Engine) ImportState(st State) error {
	q, err := tickets.Import(st.Tickets)
	if err != nil {
		return fmt.Errorf("tickets: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
	e.queue = q
	for i := range st.Agents {
		a := cloneAgent(&st.Agents[i])
		e.agents[a.Vault] = &a
	}
	for owner, n := range st.OwnerNonces {
		e.ownerNonces[owner] = n
	}
	for i := range st.Reservations {
		cr := e.copyReservation(&st.Reservations[i])
		e.reservations[cr.ID] = &cr
	}
	for i := range st.Redemptions {
		rr := e.copyRequest(&st.Redemptions[i])
		e.redemptions[rr.ID] = &rr
	}
	for i := range st.Returns {
		rq := st.Returns[i]
		e.returns[rq.ID] = &rq
	}
	for _, key := range st.Confirmed {
		e.confirmed[key] = true
	}
	for addr, bal := range st.Native {
		e.native[addr] = copyBig(bal)
	}
	e.chain = st.Chain
	e.nextReservationID = max(st.NextReservationID, 1)
	e.nextRequestID = max(st.NextRequestID, 1)
	e.nextReturnID = max(st.NextReturnID, 1)
	e.nextWithdrawalID = max(st.NextWithdrawalID, 1)
	e.nextCVRedemptionID = max(st.NextCVRedemptionID, 1)
	e.coreVaultMintedAMG = st.CoreVaultMintedAMG
	e.coreVaultReturnReservedAMG = st.CoreVaultReturnReservedAMG
	e.coreVaultFeesWei = copyBig(st.CoreVaultFeesWei)
	e.burnedWei = copyBig(st.BurnedWei)
	e.paused, e.terminated = st.Paused, st.Terminated
	if err := e.checkBacking(); err != nil {
		e.reset()
		return err
	}
	return nil
}

// checkBacking verifies the ticket queue and that every agent's minted amount
// equals its tickets plus dust.
func (e *Engine) checkBacking() error {
	if err := e.queue.Check(); err != nil {
		return err
	}
	lot := e.settings.LotSizeAMG
	for _, t := range e.queue.All() {
		if _, ok := e.agents[t.Agent]; !ok {
			return fmt.Errorf("ticket %d: unknown agent %s", t.ID, t.Agent.Hex())
		}
		if t.ValueAMG == 0 || t.ValueAMG%lot != 0 {
			return fmt.Errorf("ticket %d: value %d is not a whole number of lots", t.ID, t.ValueAMG)
		}
	}
	for _, a := range e.agents {
		var ticketed uint64
		for _, t := range e.queue.ForAgent(a.Vault) {
			ticketed += t.ValueAMG
		}
		if ticketed+a.DustAMG != a.MintedAMG {
			return fmt.Errorf("agent %s: minted %d != tickets %d + dust %d", a.Vault.Hex(), a.MintedAMG, ticketed, a.DustAMG)
		}
	}
	var returning uint64
	for _, rq := range e.returns {
		returning += rq.ValueAMG
	}
	if returning != e.coreVaultReturnReservedAMG {
		return fmt.Errorf("core vault return reserved %d != open returns %d", e.coreVaultReturnReservedAMG, returning)
	}
	if e.coreVaultReturnReservedAMG > e.coreVaultMintedAMG {
		return fmt.Errorf("core vault return reserved %d exceeds minted %d", e.coreVaultReturnReservedAMG, e.coreVaultMintedAMG)
	}
	return nil
}

// CheckInvariants verifies backing consistency and that the f-asset supply
// equals agent backing plus core vault backing plus transfers in flight.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkBacking(); err != nil {
		return err
	}
	backed := e.coreVaultMintedAMG
	for _, a := range e.agents {
		backed += a.MintedAMG
	}
	for _, rr := range e.redemptions {
		if rr.Transfer {
			backed += rr.ValueAMG
		}
	}
	if supply := e.token.TotalSupply(); supply != e.amgToUBA(backed) {
		return fmt.Errorf("f-asset supply %d != backing %d", supply, e.amgToUBA(backed))
	}
	return nil
}

// Tickets returns the redemption queue in global order.
func (e *Engine) Tickets() []tickets.Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.All()
}

func (e *Engine) AgentTickets(vault common.Address) []tickets.Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.ForAgent(vault)
}
