package assetmanager

import (
	"context"
	"errors"
	"math/big"

	"fassets/internal/attestation"
	"fassets/internal/corevault"
	"fassets/internal/events"
	"fassets/internal/paymentref"
	"fassets/internal/safemath"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func (e *Engine) coreVaultFee(amg uint64) (*big.Int, error) {
	_, pp, err := e.readPrices()
	if err != nil {
		return nil, err
	}
	return safemath.BigMulBips(amgToWei(amg, pp), e.settings.CoreVaultTransferFeeBIPS), nil
}

// CoreVaultTransferFee quotes the native fee for transferring amountUBA.
func (e *Engine) CoreVaultTransferFee(amountUBA uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coreVaultFee(e.ubaToAMG(amountUBA))
}

// TransferToCoreVault moves part of an agent's backing to the core vault. It is
// a redemption with zero fee whose payee is the core vault; the agent pays a
// native transfer fee up front, shared between its pool and the core vault.
func (e *Engine) TransferToCoreVault(caller, vault common.Address, amountUBA uint64, paidWei *big.Int) (RedemptionRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coreVault == nil {
		return RedemptionRequest{}, ErrCoreVaultDisabled
	}
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return RedemptionRequest{}, err
	}
	if a.Status != AgentNormal {
		return RedemptionRequest{}, ErrInvalidAgentStatus
	}
	if a.ActiveTransferID != 0 {
		return RedemptionRequest{}, reject("transfer already active")
	}
	amg := e.ubaToAMG(amountUBA)
	if amg == 0 {
		return RedemptionRequest{}, reject("zero transfer not allowed")
	}
	if amg > a.MintedAMG {
		return RedemptionRequest{}, reject("not enough minted")
	}
	if a.MintedAMG-amg < safemath.MulBips(a.MintedAMG, e.settings.CoreVaultMinimumAmountLeftBIPS) {
		return RedemptionRequest{}, reject("too little minting left after transfer")
	}
	fee, err := e.coreVaultFee(amg)
	if err != nil {
		return RedemptionRequest{}, err
	}
	paid := copyBig(paidWei)
	if paid.Cmp(fee) < 0 {
		return RedemptionRequest{}, reject("transfer fee payment too small")
	}
	poolShare := safemath.BigMulBips(fee, a.Settings.PoolFeeShareBIPS)
	if poolShare.Sign() > 0 {
		if err := e.pools.DepositNat(a.Vault, poolShare); err != nil {
			return RedemptionRequest{}, err
		}
	}
	e.coreVaultFeesWei.Add(e.coreVaultFeesWei, new(big.Int).Sub(fee, poolShare))
	e.credit(caller, paid.Sub(paid, fee))

	closed := e.closeBacking(a, amg)
	a.RedeemingAMG += closed
	rr := e.newRedemptionRequest(a, common.HexToAddress(e.settings.CoreVaultNativeAddress),
		e.coreVault.CoreVaultAddress(), closed, 0, e.settings.CoreVaultTransferTimeExtensionSeconds)
	rr.Transfer = true
	a.ActiveTransferID = rr.ID
	e.emitRedemptionRequested(rr)
	e.emit.Emit(events.TransferToCoreVaultStarted{
		AgentRef:  events.AgentRef{Agent: vault},
		RequestID: rr.ID,
		ValueUBA:  rr.ValueUBA,
	})
	e.log.Info("transfer to core vault started", zap.String("agent", vault.Hex()),
		zap.Uint64("request", rr.ID), zap.Uint64("valueUBA", rr.ValueUBA))
	return e.copyRequest(rr), nil
}

func (e *Engine) coreVaultAvailableAMG() uint64 {
	return e.coreVaultMintedAMG - e.coreVaultReturnReservedAMG
}

// RequestReturnFromCoreVault asks the core vault to pay lots back to the agent's
// underlying address. The agent reserves collateral for the returning backing.
func (e *Engine) RequestReturnFromCoreVault(caller, vault common.Address, lots uint64) (ReturnRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coreVault == nil {
		return ReturnRequest{}, ErrCoreVaultDisabled
	}
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return ReturnRequest{}, err
	}
	if a.Status != AgentNormal {
		return ReturnRequest{}, ErrInvalidAgentStatus
	}
	if a.ActiveReturnID != 0 {
		return ReturnRequest{}, reject("return from core vault already requested")
	}
	if !e.coreVault.IsDestinationAllowed(a.UnderlyingAddress) {
		return ReturnRequest{}, reject("agent's underlying address not allowed by core vault")
	}
	amg, err := e.lotsToAMG(lots)
	if err != nil {
		return ReturnRequest{}, err
	}
	if amg > e.coreVaultAvailableAMG() {
		return ReturnRequest{}, reject("not enough available on core vault")
	}
	cs, err := e.collateral(a)
	if err != nil {
		return ReturnRequest{}, err
	}
	if !cs.covers(a, amg) {
		return ReturnRequest{}, ErrNotEnoughCollateral
	}

	id := e.nextReturnID
	ref := paymentref.ForReturnFromCoreVault(id)
	if _, err := e.coreVault.RequestTransferFromCoreVault(a.UnderlyingAddress, ref, e.amgToUBA(amg), true); err != nil {
		return ReturnRequest{}, coreVaultRejection(err)
	}
	e.nextReturnID++
	rq := &ReturnRequest{ID: id, Agent: vault, ValueAMG: amg, PaymentReference: ref, CreatedAt: e.clock.Now()}
	e.returns[id] = rq
	a.ActiveReturnID = id
	a.ReservedAMG += amg
	e.coreVaultReturnReservedAMG += amg
	e.emit.Emit(events.ReturnFromCoreVaultRequested{
		AgentRef:         events.AgentRef{Agent: vault},
		RequestID:        id,
		PaymentReference: ref,
		ValueUBA:         e.amgToUBA(amg),
	})
	return *rq, nil
}

func coreVaultRejection(err error) error {
	switch {
	case errors.Is(err, corevault.ErrInsufficientFunds):
		return &Error{Kind: KindPrecondition, Reason: "not enough available on core vault", cause: err}
	case errors.Is(err, corevault.ErrDestinationNotAllowed):
		return &Error{Kind: KindPrecondition, Reason: "underlying address not allowed by core vault", cause: err}
	case errors.Is(err, corevault.ErrRequestExists):
		return &Error{Kind: KindPrecondition, Reason: "return from core vault already requested", cause: err}
	}
	return err
}

func (e *Engine) closeReturn(a *Agent, rq *ReturnRequest) {
	delete(e.returns, rq.ID)
	a.ActiveReturnID = 0
	a.ReservedAMG -= rq.ValueAMG
	e.coreVaultReturnReservedAMG -= rq.ValueAMG
}

// CancelReturnFromCoreVault withdraws a return request the core vault has not
// yet paid out.
func (e *Engine) CancelReturnFromCoreVault(caller, vault common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coreVault == nil {
		return ErrCoreVaultDisabled
	}
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	rq, ok := e.returns[a.ActiveReturnID]
	if !ok {
		return reject("no active return request")
	}
	if _, err := e.coreVault.CancelTransferRequestFromCoreVault(a.UnderlyingAddress); err != nil {
		if errors.Is(err, corevault.ErrRequestNotFound) {
			return &Error{Kind: KindPrecondition, Reason: "return request already triggered", cause: err}
		}
		return err
	}
	e.closeReturn(a, rq)
	e.emit.Emit(events.ReturnFromCoreVaultCancelled{AgentRef: events.AgentRef{Agent: vault}, RequestID: rq.ID})
	return nil
}

// ConfirmReturnFromCoreVault remints the returned backing to the agent once the
// core vault's payment to the agent is proven.
func (e *Engine) ConfirmReturnFromCoreVault(ctx context.Context, caller common.Address, proof *attestation.Payment, vault common.Address) (uint64, error) {
	if err := e.verify(ctx, proof); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coreVault == nil {
		return 0, ErrCoreVaultDisabled
	}
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return 0, err
	}
	rq, ok := e.returns[a.ActiveReturnID]
	if !ok {
		return 0, reject("no active return request")
	}
	r := proof.Response
	key := transactionKey(proof.Request.TransactionID, r.SourceAddressHash)
	switch {
	case r.StandardPaymentReference != rq.PaymentReference:
		return 0, mismatch("invalid payment reference")
	case r.SourceAddressHash != attestation.AddressHash(e.coreVault.CoreVaultAddress()):
		return 0, mismatch("payment not from core vault")
	case r.ReceivingAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return 0, mismatch("payment not to agent's address")
	case r.Status != attestation.StatusSuccess:
		return 0, mismatch("payment failed")
	case r.ReceivedAmount < 0:
		return 0, mismatch("negative received amount")
	case e.confirmed[key]:
		return 0, ErrPaymentConfirmed
	}
	e.confirmed[key] = true
	remint := min(e.ubaToAMG(uint64(r.ReceivedAmount)), rq.ValueAMG)
	e.closeReturn(a, rq)
	e.createBacking(a, remint)
	e.coreVaultMintedAMG -= remint
	a.UnderlyingBalanceUBA += r.ReceivedAmount
	e.emit.Emit(events.ReturnFromCoreVaultConfirmed{
		AgentRef:              events.AgentRef{Agent: vault},
		RequestID:             rq.ID,
		ReceivedUnderlyingUBA: uint64(r.ReceivedAmount),
		RemintedUBA:           e.amgToUBA(remint),
	})
	e.log.Info("return from core vault confirmed", zap.String("agent", vault.Hex()), zap.Uint64("remintedAMG", remint))
	return e.amgToUBA(remint), nil
}

// RedeemFromCoreVault burns the redeemer's f-assets against core vault backing
// and has the core vault pay the redeemer directly, net of the redemption fee.
func (e *Engine) RedeemFromCoreVault(redeemer common.Address, lots uint64, redeemerUnderlyingAddress string) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coreVault == nil {
		return common.Hash{}, ErrCoreVaultDisabled
	}
	if lots < max(e.settings.CoreVaultMinimumRedeemLots, 1) {
		return common.Hash{}, reject("requested amount too small")
	}
	if !e.coreVault.IsDestinationAllowed(redeemerUnderlyingAddress) {
		return common.Hash{}, reject("underlying address not allowed by core vault")
	}
	amg, err := e.lotsToAMG(lots)
	if err != nil {
		return common.Hash{}, err
	}
	if amg > e.coreVaultAvailableAMG() {
		return common.Hash{}, reject("not enough available on core vault")
	}
	amountUBA := e.amgToUBA(amg)
	if e.token.BalanceOf(redeemer) < amountUBA {
		return common.Hash{}, ErrBalanceTooLow
	}
	feeUBA := safemath.MulBips(amountUBA, e.settings.CoreVaultRedemptionFeeBIPS)
	id := e.nextCVRedemptionID
	ref, err := e.coreVault.RequestTransferFromCoreVault(redeemerUnderlyingAddress,
		paymentref.ForRedemptionFromCoreVault(id), amountUBA-feeUBA, false)
	if err != nil {
		return common.Hash{}, coreVaultRejection(err)
	}
	e.nextCVRedemptionID++
	if err := e.token.Burn(redeemer, amountUBA); err != nil {
		return common.Hash{}, err
	}
	e.coreVaultMintedAMG -= amg
	e.emit.Emit(events.CoreVaultRedemptionRequested{
		Redeemer:         redeemer,
		PaymentAddress:   redeemerUnderlyingAddress,
		PaymentReference: ref,
		ValueUBA:         amountUBA,
		FeeUBA:           feeUBA,
	})
	e.log.Info("redeem from core vault", zap.String("redeemer", redeemer.Hex()), zap.Uint64("lots", lots))
	return ref, nil
}

func (e *Engine) CoreVaultInfo() CoreVaultInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := CoreVaultInfo{
		Enabled:           e.coreVault != nil,
		MintedUBA:         e.amgToUBA(e.coreVaultMintedAMG),
		ReturnReservedUBA: e.amgToUBA(e.coreVaultReturnReservedAMG),
		AvailableUBA:      e.amgToUBA(e.coreVaultAvailableAMG()),
		TransferFeesWei:   copyBig(e.coreVaultFeesWei),
	}
	if e.coreVault != nil {
		info.UnderlyingAddress = e.coreVault.CoreVaultAddress()
	}
	return info
}

// ActiveReturn returns an agent's open return from the core vault.
func (e *Engine) ActiveReturn(vault common.Address) (ReturnRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.agent(vault)
	if err != nil {
		return ReturnRequest{}, err
	}
	rq, ok := e.returns[a.ActiveReturnID]
	if !ok {
		return ReturnRequest{}, reject("no active return request")
	}
	return *rq, nil
}
