package assetmanager

import (
	"context"
	"math/big"
	"sort"

	"fassets/internal/attestation"
	"fassets/internal/collateralpool"
	"fassets/internal/events"
	"fassets/internal/paymentref"
	"fassets/internal/safemath"
	"fassets/internal/timing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var errMissingOverflowProof = mismatch("overflow block proof required")

// ReservationRequest is a minter's call to reserveCollateral.
type ReservationRequest struct {
	Minter            common.Address
	Agent             common.Address
	Lots              uint64
	MaxMintingFeeBIPS uint64
	Executor          common.Address
	PaidWei           *big.Int
}

func (e *Engine) mintingAllowed() error {
	if e.terminated {
		return ErrMintingTerminated
	}
	if e.paused {
		return ErrMintingPaused
	}
	return nil
}

// lotsToAMG returns lots*lotSizeAMG, rejecting zero and overflow.
func (e *Engine) lotsToAMG(lots uint64) (uint64, error) {
	if lots == 0 {
		return 0, reject("cannot mint 0 lots")
	}
	amg, err := safemath.Mul(lots, e.settings.LotSizeAMG)
	if err != nil || amg > safemath.MaxUint[uint64]()/e.settings.GranularityUBA() {
		return 0, reject("too many lots")
	}
	return amg, nil
}

func (e *Engine) poolFeeAMG(a *Agent, feeUBA uint64) uint64 {
	return e.ubaToAMG(safemath.MulBips(feeUBA, a.Settings.PoolFeeShareBIPS))
}

// ReserveCollateral locks the agent's collateral for lots and opens a payment
// window for the minter. The reservation fee is burned; the rest of PaidWei is
// the executor fee when an executor is named and refunded otherwise.
func (e *Engine) ReserveCollateral(req ReservationRequest) (CollateralReservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.mintingAllowed(); err != nil {
		return CollateralReservation{}, err
	}
	a, err := e.agent(req.Agent)
	if err != nil {
		return CollateralReservation{}, err
	}
	if !a.Available || a.Status != AgentNormal {
		return CollateralReservation{}, reject("agent not in mint queue")
	}
	valueAMG, err := e.lotsToAMG(req.Lots)
	if err != nil {
		return CollateralReservation{}, err
	}
	if a.Settings.FeeBIPS > req.MaxMintingFeeBIPS {
		return CollateralReservation{}, reject("agent's fee too high")
	}
	valueUBA := e.amgToUBA(valueAMG)
	feeUBA := safemath.MulBips(valueUBA, a.Settings.FeeBIPS)
	poolFeeAMG := e.poolFeeAMG(a, feeUBA)
	if err := e.checkMintingCap(valueAMG + poolFeeAMG); err != nil {
		return CollateralReservation{}, err
	}
	cs, err := e.collateral(a)
	if err != nil {
		return CollateralReservation{}, err
	}
	if !cs.covers(a, valueAMG+poolFeeAMG) {
		return CollateralReservation{}, ErrNotEnoughCollateral
	}
	reservationFee := safemath.BigMulBips(amgToWei(valueAMG, cs.poolPrice), e.settings.CollateralReservationFeeBIPS)
	paid := copyBig(req.PaidWei)
	if paid.Cmp(reservationFee) < 0 {
		return CollateralReservation{}, reject("inappropriate fee amount")
	}
	surplus := new(big.Int).Sub(paid, reservationFee)
	executorFee := new(big.Int)
	if req.Executor != (common.Address{}) {
		executorFee = surplus
	} else {
		e.credit(req.Minter, surplus)
	}
	e.burn(reservationFee)

	id := e.nextReservationID
	e.nextReservationID++
	cr := &CollateralReservation{
		ID:                id,
		Agent:             a.Vault,
		Minter:            req.Minter,
		ValueAMG:          valueAMG,
		ValueUBA:          valueUBA,
		FeeUBA:            feeUBA,
		PoolFeeAMG:        poolFeeAMG,
		ReservationFeeWei: reservationFee,
		PaymentAddress:    a.UnderlyingAddress,
		PaymentReference:  paymentref.ForMinting(id),
		Window:            e.window(0),
		Executor:          req.Executor,
		ExecutorFeeWei:    executorFee,
		CreatedAt:         e.clock.Now(),
	}
	e.reservations[id] = cr
	a.ReservedAMG += valueAMG + poolFeeAMG

	e.emit.Emit(events.CollateralReserved{
		AgentRef:                events.AgentRef{Agent: a.Vault},
		Minter:                  cr.Minter,
		CollateralReservationID: id,
		ValueUBA:                valueUBA,
		FeeUBA:                  feeUBA,
		FirstUnderlyingBlock:    cr.Window.FirstBlock,
		LastUnderlyingBlock:     cr.Window.LastBlock,
		LastUnderlyingTimestamp: cr.Window.LastTimestamp,
		PaymentAddress:          cr.PaymentAddress,
		PaymentReference:        cr.PaymentReference,
		Executor:                cr.Executor,
		ExecutorFeeWei:          copyBig(executorFee),
	})
	e.log.Info("collateral reserved",
		zap.Uint64("crt", id), zap.String("agent", a.Vault.Hex()), zap.Uint64("lots", req.Lots))
	return e.copyReservation(cr), nil
}

func (e *Engine) copyReservation(cr *CollateralReservation) CollateralReservation {
	out := *cr
	out.ReservationFeeWei = copyBig(cr.ReservationFeeWei)
	out.ExecutorFeeWei = copyBig(cr.ExecutorFeeWei)
	return out
}

// ExecuteMinting turns a reservation into minted f-assets once the minter's
// underlying payment is proven.
func (e *Engine) ExecuteMinting(ctx context.Context, caller common.Address, proof *attestation.Payment, crID uint64) (MintingResult, error) {
	if err := e.verify(ctx, proof); err != nil {
		return MintingResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, ok := e.reservations[crID]
	if !ok {
		return MintingResult{}, ErrInvalidCrtID
	}
	a, err := e.agent(cr.Agent)
	if err != nil {
		return MintingResult{}, err
	}
	if caller != cr.Minter && caller != a.Owner && (cr.Executor == (common.Address{}) || caller != cr.Executor) {
		return MintingResult{}, forbidden("only minter, executor or agent")
	}
	r := proof.Response
	key := transactionKey(proof.Request.TransactionID, r.SourceAddressHash)
	switch {
	case r.StandardPaymentReference != cr.PaymentReference:
		return MintingResult{}, mismatch("invalid minting reference")
	case r.ReceivingAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return MintingResult{}, mismatch("not minting agent's address")
	case r.Status != attestation.StatusSuccess:
		return MintingResult{}, mismatch("payment failed")
	case r.ReceivedAmount < 0 || uint64(r.ReceivedAmount) < cr.ValueUBA+cr.FeeUBA:
		return MintingResult{}, mismatch("minting payment too small")
	case r.BlockNumber < cr.Window.FirstBlock:
		return MintingResult{}, mismatch("minting payment too old")
	case e.confirmed[key]:
		return MintingResult{}, ErrPaymentConfirmed
	}

	if err := e.token.Mint(cr.Minter, cr.ValueUBA); err != nil {
		return MintingResult{}, err
	}
	poolFeeUBA := e.amgToUBA(cr.PoolFeeAMG)
	if err := e.depositPoolFee(a, poolFeeUBA); err != nil {
		_ = e.token.Burn(cr.Minter, cr.ValueUBA)
		return MintingResult{}, err
	}
	e.confirmed[key] = true
	delete(e.reservations, crID)
	a.ReservedAMG -= cr.ValueAMG + cr.PoolFeeAMG
	e.createBacking(a, cr.ValueAMG+cr.PoolFeeAMG)
	a.UnderlyingBalanceUBA += r.ReceivedAmount
	e.settleExecutorFee(cr.Executor, cr.ExecutorFeeWei, caller)

	res := MintingResult{
		CollateralReservationID: crID,
		MintedUBA:               cr.ValueUBA,
		AgentFeeUBA:             cr.FeeUBA - poolFeeUBA,
		PoolFeeUBA:              poolFeeUBA,
	}
	e.emit.Emit(events.MintingExecuted{
		AgentRef:                events.AgentRef{Agent: a.Vault},
		CollateralReservationID: crID,
		TransactionHash:         proof.Request.TransactionID,
		MintedUBA:               res.MintedUBA,
		AgentFeeUBA:             res.AgentFeeUBA,
		PoolFeeUBA:              res.PoolFeeUBA,
	})
	e.log.Info("minting executed", zap.Uint64("crt", crID), zap.String("agent", a.Vault.Hex()),
		zap.Uint64("minted", res.MintedUBA))
	return res, nil
}

// depositPoolFee mints the pool's fee share to the pool and books it there.
// Either both happen or neither does.
func (e *Engine) depositPoolFee(a *Agent, poolFeeUBA uint64) error {
	if poolFeeUBA == 0 {
		return nil
	}
	pool := collateralpool.PoolAddress(a.Vault)
	if err := e.token.Mint(pool, poolFeeUBA); err != nil {
		return err
	}
	if err := e.pools.DepositFee(a.Vault, poolFeeUBA); err != nil {
		_ = e.token.Burn(pool, poolFeeUBA)
		return err
	}
	return nil
}

// checkNonPayment matches a non-payment proof and its overflow block proof
// against the expected payment. Both deadlines must be past at the overflow block.
func checkNonPayment(np *attestation.ReferencedPaymentNonexistence, overflow *attestation.ConfirmedBlockHeightExists,
	reference common.Hash, destination string, amountUBA uint64, w timing.PaymentWindow, what string) error {
	q, r := np.Request, np.Response
	switch {
	case q.StandardPaymentReference != reference,
		q.DestinationAddressHash != attestation.AddressHash(destination),
		q.Amount != amountUBA:
		return mismatch(what + " non-payment mismatch")
	case q.MinimalBlockNumber > w.FirstBlock:
		return mismatch(what + " non-payment proof window too short")
	case q.DeadlineBlockNumber < w.LastBlock || q.DeadlineTimestamp < w.LastTimestamp:
		return reject(what + " default too early")
	case overflow.Request.BlockNumber != r.FirstOverflowBlockNumber,
		overflow.Response.BlockTimestamp != r.FirstOverflowBlockTimestamp:
		return mismatch("overflow block mismatch")
	case !w.Passed(r.FirstOverflowBlockNumber, r.FirstOverflowBlockTimestamp):
		return reject(what + " default too early")
	}
	return nil
}

// MintingPaymentDefault releases a reservation whose payment provably never
// arrived. The reservation fee stays burned.
func (e *Engine) MintingPaymentDefault(ctx context.Context, caller common.Address,
	proof *attestation.ReferencedPaymentNonexistence, overflow *attestation.ConfirmedBlockHeightExists, crID uint64) error {
	if overflow == nil {
		return errMissingOverflowProof
	}
	if err := e.verify(ctx, proof, overflow); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, ok := e.reservations[crID]
	if !ok {
		return ErrInvalidCrtID
	}
	a, err := e.ownedAgent(cr.Agent, caller)
	if err != nil {
		return err
	}
	if err := checkNonPayment(proof, overflow, cr.PaymentReference, a.UnderlyingAddress,
		cr.ValueUBA+cr.FeeUBA, cr.Window, "minting"); err != nil {
		return err
	}
	e.releaseReservation(a, cr)
	e.settleExecutorFee(cr.Executor, cr.ExecutorFeeWei, caller)
	e.emit.Emit(events.MintingPaymentDefault{
		AgentRef:                events.AgentRef{Agent: a.Vault},
		Minter:                  cr.Minter,
		CollateralReservationID: crID,
		ReservedUBA:             cr.ValueUBA + cr.FeeUBA,
	})
	e.log.Info("minting payment default", zap.Uint64("crt", crID), zap.String("agent", a.Vault.Hex()))
	return nil
}

func (e *Engine) releaseReservation(a *Agent, cr *CollateralReservation) {
	delete(e.reservations, cr.ID)
	a.ReservedAMG -= cr.ValueAMG + cr.PoolFeeAMG
}

// UnstickMinting releases a reservation whose window is older than what the
// attestation providers still serve. The minter is charged a penalty worth a
// share of the reserved value, first from the prepaid executor fee and then from
// its native balance held by the engine. The agent's collateral is untouched.
func (e *Engine) UnstickMinting(ctx context.Context, caller common.Address, proof *attestation.ConfirmedBlockHeightExists, crID uint64) (*big.Int, error) {
	if err := e.verify(ctx, proof); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, ok := e.reservations[crID]
	if !ok {
		return nil, ErrInvalidCrtID
	}
	a, err := e.ownedAgent(cr.Agent, caller)
	if err != nil {
		return nil, err
	}
	if !cr.Window.Passed(proof.Response.LowestQueryWindowBlockNumber, proof.Response.LowestQueryWindowBlockTimestamp) {
		return nil, reject("cannot unstick minting yet")
	}
	vp, _, err := e.readPrices()
	if err != nil {
		return nil, err
	}
	penalty := e.chargeMinter(cr, safemath.BigMulBips(amgToWei(cr.ValueAMG, vp), e.settings.UnstickMintingPenaltyBIPS))
	e.releaseReservation(a, cr)
	e.emit.Emit(events.CollateralReservationDeleted{
		AgentRef:                events.AgentRef{Agent: a.Vault},
		Minter:                  cr.Minter,
		CollateralReservationID: crID,
		ReservedUBA:             cr.ValueUBA + cr.FeeUBA,
		PenaltyWei:              copyBig(penalty),
	})
	e.log.Info("minting unstuck", zap.Uint64("crt", crID), zap.String("penalty", penalty.String()))
	return penalty, nil
}

// chargeMinter burns up to penalty of the minter's funds and returns the amount
// burned. Executor fee left over after the penalty goes back to the minter.
func (e *Engine) chargeMinter(cr *CollateralReservation, penalty *big.Int) *big.Int {
	escrow := copyBig(cr.ExecutorFeeWei)
	fromEscrow := safemath.BigMin(penalty, escrow)
	e.credit(cr.Minter, new(big.Int).Sub(escrow, fromEscrow))
	charged := new(big.Int).Set(fromEscrow)
	if bal, ok := e.native[cr.Minter]; ok {
		fromBalance := safemath.BigMin(new(big.Int).Sub(penalty, fromEscrow), bal)
		bal.Sub(bal, fromBalance)
		charged.Add(charged, fromBalance)
	}
	e.burn(charged)
	return charged
}

// SelfMint mints lots to the agent owner from a payment the agent made to its
// own underlying address with the self-mint reference. Only the pool fee share
// is due on top of the value.
func (e *Engine) SelfMint(ctx context.Context, caller common.Address, proof *attestation.Payment, vault common.Address, lots uint64) (MintingResult, error) {
	if err := e.verify(ctx, proof); err != nil {
		return MintingResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.mintingAllowed(); err != nil {
		return MintingResult{}, err
	}
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return MintingResult{}, err
	}
	if a.Status != AgentNormal {
		return MintingResult{}, ErrInvalidAgentStatus
	}
	valueAMG, err := e.lotsToAMG(lots)
	if err != nil {
		return MintingResult{}, err
	}
	valueUBA := e.amgToUBA(valueAMG)
	poolFeeAMG := e.poolFeeAMG(a, safemath.MulBips(valueUBA, a.Settings.FeeBIPS))
	poolFeeUBA := e.amgToUBA(poolFeeAMG)

	r := proof.Response
	key := transactionKey(proof.Request.TransactionID, r.SourceAddressHash)
	switch {
	case r.StandardPaymentReference != paymentref.ForSelfMint(vault):
		return MintingResult{}, mismatch("invalid self-mint reference")
	case r.ReceivingAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return MintingResult{}, mismatch("self-mint not agent's address")
	case r.Status != attestation.StatusSuccess:
		return MintingResult{}, mismatch("payment failed")
	case r.BlockNumber < a.CreatedAtBlock:
		return MintingResult{}, mismatch("self-mint payment too old")
	case r.ReceivedAmount < 0 || uint64(r.ReceivedAmount) < valueUBA+poolFeeUBA:
		return MintingResult{}, mismatch("self-mint payment too small")
	case e.confirmed[key]:
		return MintingResult{}, ErrPaymentConfirmed
	}
	if err := e.checkMintingCap(valueAMG + poolFeeAMG); err != nil {
		return MintingResult{}, err
	}
	cs, err := e.collateral(a)
	if err != nil {
		return MintingResult{}, err
	}
	if !cs.covers(a, valueAMG+poolFeeAMG) {
		return MintingResult{}, ErrNotEnoughCollateral
	}

	if err := e.token.Mint(a.Owner, valueUBA); err != nil {
		return MintingResult{}, err
	}
	if err := e.depositPoolFee(a, poolFeeUBA); err != nil {
		_ = e.token.Burn(a.Owner, valueUBA)
		return MintingResult{}, err
	}
	e.confirmed[key] = true
	e.createBacking(a, valueAMG+poolFeeAMG)
	a.UnderlyingBalanceUBA += r.ReceivedAmount
	e.emit.Emit(events.SelfMint{
		AgentRef:     events.AgentRef{Agent: vault},
		MintedUBA:    valueUBA,
		DepositedUBA: uint64(r.ReceivedAmount),
		PoolFeeUBA:   poolFeeUBA,
	})
	e.log.Info("self mint", zap.String("agent", vault.Hex()), zap.Uint64("lots", lots))
	return MintingResult{MintedUBA: valueUBA, PoolFeeUBA: poolFeeUBA}, nil
}

// SelfClose burns the owner's f-assets against the agent's own backing, oldest
// tickets first and dust last. The freed underlying stays with the agent.
func (e *Engine) SelfClose(caller, vault common.Address, amountUBA uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return 0, err
	}
	amg := min(e.ubaToAMG(amountUBA), a.MintedAMG)
	if amg == 0 {
		return 0, reject("self close of 0")
	}
	if e.token.BalanceOf(caller) < e.amgToUBA(amg) {
		return 0, ErrBalanceTooLow
	}
	closed := e.closeBacking(a, amg)
	closedUBA := e.amgToUBA(closed)
	if err := e.token.Burn(caller, closedUBA); err != nil {
		return 0, err
	}
	e.emit.Emit(events.SelfClose{AgentRef: events.AgentRef{Agent: vault}, ValueUBA: closedUBA})
	return closedUBA, nil
}

// Reservation returns an open collateral reservation.
func (e *Engine) Reservation(id uint64) (CollateralReservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, ok := e.reservations[id]
	if !ok {
		return CollateralReservation{}, ErrInvalidCrtID
	}
	return e.copyReservation(cr), nil
}

// Reservations lists open reservations by id.
func (e *Engine) Reservations() []CollateralReservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CollateralReservation, 0, len(e.reservations))
	for _, cr := range e.reservations {
		out = append(out, e.copyReservation(cr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
