package assetmanager

import (
	"context"
	"math/big"
	"sort"
	"time"

	"fassets/internal/attestation"
	"fassets/internal/events"
	"fassets/internal/paymentref"
	"fassets/internal/safemath"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// RedeemRequest is a redeemer's call to redeem.
type RedeemRequest struct {
	Redeemer                  common.Address
	Lots                      uint64
	RedeemerUnderlyingAddress string
	Executor                  common.Address
	ExecutorFeeWei            *big.Int
}

type ticketTake struct {
	id       uint64
	agent    common.Address
	valueAMG uint64
	takeAMG  uint64
}

// planRedemption walks the queue from the head without touching it. It stops
// when lots are satisfied, the queue ends or maxRedeemedTickets were visited.
func (e *Engine) planRedemption(lots uint64) (takes []ticketTake, redeemedLots uint64) {
	lot := e.settings.LotSizeAMG
	visited := uint64(0)
	for id := e.queue.First(); id != 0 && redeemedLots < lots && visited < e.settings.MaxRedeemedTickets; id = e.queue.Next(id) {
		visited++
		t, _ := e.queue.Get(id)
		n := min(lots-redeemedLots, t.ValueAMG/lot)
		if n == 0 {
			continue
		}
		takes = append(takes, ticketTake{id: id, agent: t.Agent, valueAMG: t.ValueAMG, takeAMG: n * lot})
		redeemedLots += n
	}
	return takes, redeemedLots
}

// Redeem burns the redeemer's f-assets for up to lots and creates one request
// per agent whose backing was taken, oldest tickets first. Lots the queue could
// not cover are reported in RemainingLots.
func (e *Engine) Redeem(req RedeemRequest) (RedeemResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return RedeemResult{}, reject("f-asset terminated")
	}
	if req.Lots == 0 {
		return RedeemResult{}, reject("cannot redeem 0 lots")
	}
	executorFee := copyBig(req.ExecutorFeeWei)
	if req.Executor == (common.Address{}) && executorFee.Sign() != 0 {
		return RedeemResult{}, reject("executor fee without executor")
	}
	if err := e.validator.Validate(req.RedeemerUnderlyingAddress); err != nil {
		return RedeemResult{}, &Error{Kind: KindPrecondition, Reason: "invalid redeemer address", cause: err}
	}
	takes, redeemedLots := e.planRedemption(req.Lots)
	if redeemedLots == 0 {
		return RedeemResult{}, reject("redeem 0 lots")
	}
	// A payment from the agent to itself could never be proven as a redemption.
	payTo := attestation.AddressHash(req.RedeemerUnderlyingAddress)
	for _, tk := range takes {
		if attestation.AddressHash(e.agents[tk.agent].UnderlyingAddress) == payTo {
			return RedeemResult{}, reject("cannot redeem to agent's address")
		}
	}
	burnUBA := redeemedLots * e.lotUBA()
	if e.token.BalanceOf(req.Redeemer) < burnUBA {
		return RedeemResult{}, ErrBalanceTooLow
	}
	if err := e.token.Burn(req.Redeemer, burnUBA); err != nil {
		return RedeemResult{}, err
	}

	var order []common.Address
	perAgent := make(map[common.Address]uint64)
	for _, tk := range takes {
		if _, ok := perAgent[tk.agent]; !ok {
			order = append(order, tk.agent)
		}
		perAgent[tk.agent] += tk.takeAMG
		ref := events.AgentRef{Agent: tk.agent}
		if rest := tk.valueAMG - tk.takeAMG; rest == 0 {
			_ = e.queue.Delete(tk.id)
			e.emit.Emit(events.RedemptionTicketDeleted{AgentRef: ref, TicketID: tk.id})
		} else {
			_ = e.queue.SetValue(tk.id, rest)
			e.emit.Emit(events.RedemptionTicketUpdated{AgentRef: ref, TicketID: tk.id, ValueUBA: e.amgToUBA(rest)})
		}
	}

	fees := splitFee(executorFee, len(order))
	res := RedeemResult{RedeemedLots: redeemedLots, RemainingLots: req.Lots - redeemedLots}
	for i, vault := range order {
		a := e.agents[vault]
		amg := perAgent[vault]
		a.MintedAMG -= amg
		a.RedeemingAMG += amg
		valueUBA := e.amgToUBA(amg)
		rr := e.newRedemptionRequest(a, req.Redeemer, req.RedeemerUnderlyingAddress, amg,
			safemath.MulBips(valueUBA, e.settings.RedemptionFeeBIPS), 0)
		rr.Executor = req.Executor
		rr.ExecutorFeeWei = fees[i]
		e.emitRedemptionRequested(rr)
		res.Requests = append(res.Requests, e.copyRequest(rr))
	}
	if res.RemainingLots > 0 {
		e.emit.Emit(events.RedemptionRequestIncomplete{Redeemer: req.Redeemer, RemainingLots: res.RemainingLots})
	}
	e.log.Info("redeem", zap.String("redeemer", req.Redeemer.Hex()), zap.Uint64("lots", redeemedLots),
		zap.Int("requests", len(res.Requests)), zap.Uint64("remaining", res.RemainingLots))
	return res, nil
}

// splitFee divides fee into n shares; the last share takes the rounding rest.
func splitFee(fee *big.Int, n int) []*big.Int {
	out := make([]*big.Int, n)
	if n == 0 {
		return out
	}
	share := new(big.Int).Quo(fee, big.NewInt(int64(n)))
	rest := new(big.Int).Set(fee)
	for i := 0; i < n-1; i++ {
		out[i] = new(big.Int).Set(share)
		rest.Sub(rest, share)
	}
	out[n-1] = rest
	return out
}

func (e *Engine) newRedemptionRequest(a *Agent, redeemer common.Address, paymentAddress string, amg, feeUBA, extraSeconds uint64) *RedemptionRequest {
	id := e.nextRequestID
	e.nextRequestID++
	rr := &RedemptionRequest{
		ID:               id,
		Agent:            a.Vault,
		Redeemer:         redeemer,
		PaymentAddress:   paymentAddress,
		ValueAMG:         amg,
		ValueUBA:         e.amgToUBA(amg),
		FeeUBA:           feeUBA,
		PaymentReference: paymentref.ForRedemption(id),
		Window:           e.window(extraSeconds),
		ExecutorFeeWei:   new(big.Int),
		CreatedAt:        e.clock.Now(),
	}
	e.redemptions[id] = rr
	return rr
}

func (e *Engine) emitRedemptionRequested(rr *RedemptionRequest) {
	e.emit.Emit(events.RedemptionRequested{
		AgentRef:                events.AgentRef{Agent: rr.Agent},
		Redeemer:                rr.Redeemer,
		RequestID:               rr.ID,
		PaymentAddress:          rr.PaymentAddress,
		ValueUBA:                rr.ValueUBA,
		FeeUBA:                  rr.FeeUBA,
		FirstUnderlyingBlock:    rr.Window.FirstBlock,
		LastUnderlyingBlock:     rr.Window.LastBlock,
		LastUnderlyingTimestamp: rr.Window.LastTimestamp,
		PaymentReference:        rr.PaymentReference,
		Executor:                rr.Executor,
		ExecutorFeeWei:          copyBig(rr.ExecutorFeeWei),
	})
}

func (e *Engine) copyRequest(rr *RedemptionRequest) RedemptionRequest {
	out := *rr
	out.ExecutorFeeWei = copyBig(rr.ExecutorFeeWei)
	return out
}

func (e *Engine) othersMayActAfter(rr *RedemptionRequest) time.Time {
	return rr.CreatedAt.Add(time.Duration(e.settings.ConfirmationByOthersAfterSeconds) * time.Second)
}

// paymentOutcome classifies a proven redemption payment.
func paymentOutcome(rr *RedemptionRequest, r attestation.PaymentResponse) (RedemptionStatus, string) {
	switch {
	case r.Status == attestation.StatusReceiverFailure:
		return RedemptionPaymentBlocked, ""
	case r.Status != attestation.StatusSuccess:
		return RedemptionPaymentFailed, "transaction failed"
	case r.ReceivingAddressHash != attestation.AddressHash(rr.PaymentAddress):
		return RedemptionPaymentFailed, "not redeemer's address"
	case r.ReceivedAmount < 0 || uint64(r.ReceivedAmount) < rr.PaymentUBA():
		return RedemptionPaymentFailed, "redemption payment too small"
	case r.BlockNumber > rr.Window.LastBlock && r.BlockTimestamp > rr.Window.LastTimestamp:
		return RedemptionPaymentFailed, "redemption payment too late"
	}
	return RedemptionPerformed, ""
}

// ConfirmRedemptionPayment settles a request from the agent's proven payment.
// Until the grace period passes only the agent owner may confirm; later anyone
// may, for a reward taken from the agent's vault collateral.
func (e *Engine) ConfirmRedemptionPayment(ctx context.Context, caller common.Address, proof *attestation.Payment, requestID uint64) (RedemptionOutcome, error) {
	if err := e.verify(ctx, proof); err != nil {
		return RedemptionOutcome{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rr, ok := e.redemptions[requestID]
	if !ok {
		return RedemptionOutcome{}, ErrInvalidRequestID
	}
	a, err := e.agent(rr.Agent)
	if err != nil {
		return RedemptionOutcome{}, err
	}
	if caller != a.Owner && e.clock.Now().Before(e.othersMayActAfter(rr)) {
		return RedemptionOutcome{}, ErrOnlyAgentOwner
	}
	r := proof.Response
	key := transactionKey(proof.Request.TransactionID, r.SourceAddressHash)
	switch {
	case r.StandardPaymentReference != rr.PaymentReference:
		return RedemptionOutcome{}, mismatch("invalid redemption reference")
	case r.SourceAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return RedemptionOutcome{}, mismatch("source not agent's underlying address")
	case r.BlockNumber < rr.Window.FirstBlock:
		return RedemptionOutcome{}, mismatch("redemption payment too old")
	case e.confirmed[key]:
		return RedemptionOutcome{}, ErrPaymentConfirmed
	}

	status, reason := paymentOutcome(rr, r)
	if rr.Transfer && status == RedemptionPerformed {
		if e.coreVault == nil {
			return RedemptionOutcome{}, ErrCoreVaultDisabled
		}
		if _, err := e.coreVault.CreditPayment(proof); err != nil {
			return RedemptionOutcome{}, err
		}
	}
	out := RedemptionOutcome{RequestID: rr.ID, Status: status, FailureReason: reason, Transfer: rr.Transfer, SpentUBA: r.SpentAmount}
	if status == RedemptionPaymentFailed && !rr.Transfer {
		if out.VaultPaidWei, out.PoolPaidWei, err = e.defaultPayout(a, rr); err != nil {
			return RedemptionOutcome{}, err
		}
	}

	e.confirmed[key] = true
	a.UnderlyingBalanceUBA -= r.SpentAmount
	delete(e.redemptions, rr.ID)
	agentRef := events.AgentRef{Agent: a.Vault}
	switch status {
	case RedemptionPerformed:
		a.RedeemingAMG -= rr.ValueAMG
		e.emit.Emit(events.RedemptionPerformed{
			AgentRef:            agentRef,
			Redeemer:            rr.Redeemer,
			RequestID:           rr.ID,
			TransactionHash:     proof.Request.TransactionID,
			RedemptionAmountUBA: rr.ValueUBA,
			SpentUnderlyingUBA:  r.SpentAmount,
		})
		if rr.Transfer {
			e.coreVaultMintedAMG += rr.ValueAMG
			a.ActiveTransferID = 0
			e.emit.Emit(events.TransferToCoreVaultSuccessful{AgentRef: agentRef, RequestID: rr.ID, ValueUBA: rr.ValueUBA})
		}
	case RedemptionPaymentBlocked:
		e.emit.Emit(events.RedemptionPaymentBlocked{
			AgentRef:            agentRef,
			Redeemer:            rr.Redeemer,
			RequestID:           rr.ID,
			TransactionHash:     proof.Request.TransactionID,
			RedemptionAmountUBA: rr.ValueUBA,
			SpentUnderlyingUBA:  r.SpentAmount,
		})
		if rr.Transfer {
			e.defaultTransfer(a, rr)
		} else {
			a.RedeemingAMG -= rr.ValueAMG
		}
	case RedemptionPaymentFailed:
		e.emit.Emit(events.RedemptionPaymentFailed{
			AgentRef:           agentRef,
			Redeemer:           rr.Redeemer,
			RequestID:          rr.ID,
			TransactionHash:    proof.Request.TransactionID,
			SpentUnderlyingUBA: r.SpentAmount,
			FailureReason:      reason,
		})
		if rr.Transfer {
			e.defaultTransfer(a, rr)
		} else {
			e.restoreBacking(a, rr, out.VaultPaidWei, out.PoolPaidWei)
		}
	}
	e.settleExecutorFee(rr.Executor, rr.ExecutorFeeWei, caller)
	if caller != a.Owner {
		out.RewardWei = e.rewardConfirmer(a, rr, caller)
	}
	e.checkUnderlyingBalance(a)
	e.log.Info("redemption payment confirmed", zap.Uint64("request", rr.ID), zap.String("agent", a.Vault.Hex()),
		zap.String("status", string(status)), zap.String("reason", reason))
	return out, nil
}

func (e *Engine) rewardConfirmer(a *Agent, rr *RedemptionRequest, caller common.Address) *big.Int {
	reward := e.payFromVault(a, caller, new(big.Int).SetUint64(e.settings.ConfirmationByOthersRewardWei))
	e.emit.Emit(events.RedemptionConfirmationRewarded{
		AgentRef:  events.AgentRef{Agent: a.Vault},
		RequestID: rr.ID,
		Confirmer: caller,
		RewardWei: copyBig(reward),
	})
	return reward
}

// compensate pays the redeemer of a failed request. The vault share is capped
// by vault collateral; any shortfall is converted at current prices and taken
// from the pool on the agent's account.
func (e *Engine) compensate(a *Agent, rr *RedemptionRequest) (vaultPaid, poolPaid *big.Int, err error) {
	vp, pp, err := e.readPrices()
	if err != nil {
		return nil, nil, err
	}
	vaultWei := safemath.BigMulBips(amgToWei(rr.ValueAMG, vp), e.settings.RedemptionDefaultFactorVaultCollateralBIPS)
	vaultPaid = safemath.BigMin(vaultWei, a.VaultCollateralWei)
	extra := new(big.Int)
	if shortfall := new(big.Int).Sub(vaultWei, vaultPaid); shortfall.Sign() > 0 && vp.Sign() > 0 {
		extra.Mul(shortfall, pp).Quo(extra, vp)
	}
	poolWei := safemath.BigMulBips(amgToWei(rr.ValueAMG, pp), e.settings.RedemptionDefaultFactorPoolBIPS)
	poolWei.Add(poolWei, extra)
	poolPaid = new(big.Int)
	if poolWei.Sign() > 0 {
		if poolPaid, err = e.pools.Payout(a.Vault, rr.Redeemer, poolWei, extra); err != nil {
			return nil, nil, err
		}
	}
	a.VaultCollateralWei.Sub(a.VaultCollateralWei, vaultPaid)
	e.credit(rr.Redeemer, vaultPaid)
	return vaultPaid, poolPaid, nil
}

// defaultPayout mints a defaulted request's value to the agent owner, who keeps
// the unpaid underlying, and compensates the redeemer. On error the mint is
// undone and nothing has changed.
func (e *Engine) defaultPayout(a *Agent, rr *RedemptionRequest) (vaultPaid, poolPaid *big.Int, err error) {
	if err := e.token.Mint(a.Owner, rr.ValueUBA); err != nil {
		return nil, nil, err
	}
	if vaultPaid, poolPaid, err = e.compensate(a, rr); err != nil {
		_ = e.token.Burn(a.Owner, rr.ValueUBA)
		return nil, nil, err
	}
	return vaultPaid, poolPaid, nil
}

// restoreBacking returns a defaulted request's value to the queue tail.
func (e *Engine) restoreBacking(a *Agent, rr *RedemptionRequest, vaultPaid, poolPaid *big.Int) {
	a.RedeemingAMG -= rr.ValueAMG
	e.createBacking(a, rr.ValueAMG)
	e.emit.Emit(events.RedemptionDefault{
		AgentRef:                   events.AgentRef{Agent: a.Vault},
		Redeemer:                   rr.Redeemer,
		RequestID:                  rr.ID,
		RedemptionAmountUBA:        rr.ValueUBA,
		RedeemedVaultCollateralWei: copyBig(vaultPaid),
		RedeemedPoolCollateralWei:  copyBig(poolPaid),
	})
}

// defaultTransfer puts the value of a failed core vault transfer back on the
// queue. Transfers carry no redeemer, so nothing is paid out and no f-assets
// are minted: the transferred amount never left circulation.
func (e *Engine) defaultTransfer(a *Agent, rr *RedemptionRequest) {
	a.RedeemingAMG -= rr.ValueAMG
	e.createBacking(a, rr.ValueAMG)
	a.ActiveTransferID = 0
	e.emit.Emit(events.TransferToCoreVaultDefaulted{
		AgentRef:    events.AgentRef{Agent: a.Vault},
		RequestID:   rr.ID,
		RemintedUBA: rr.ValueUBA,
	})
}

// settleDefault closes a request whose payment never happened.
func (e *Engine) settleDefault(a *Agent, rr *RedemptionRequest, status RedemptionStatus) (RedemptionOutcome, error) {
	out := RedemptionOutcome{RequestID: rr.ID, Status: status, Transfer: rr.Transfer}
	if rr.Transfer {
		delete(e.redemptions, rr.ID)
		e.defaultTransfer(a, rr)
		return out, nil
	}
	var err error
	if out.VaultPaidWei, out.PoolPaidWei, err = e.defaultPayout(a, rr); err != nil {
		return RedemptionOutcome{}, err
	}
	delete(e.redemptions, rr.ID)
	e.restoreBacking(a, rr, out.VaultPaidWei, out.PoolPaidWei)
	return out, nil
}

// RedemptionPaymentDefault settles a request as defaulted once non-payment is
// proven for its whole window. The redeemer, the executor and the agent owner
// may call it at once; anyone else after the grace period, for a reward.
func (e *Engine) RedemptionPaymentDefault(ctx context.Context, caller common.Address,
	proof *attestation.ReferencedPaymentNonexistence, overflow *attestation.ConfirmedBlockHeightExists, requestID uint64) (RedemptionOutcome, error) {
	if overflow == nil {
		return RedemptionOutcome{}, errMissingOverflowProof
	}
	if err := e.verify(ctx, proof, overflow); err != nil {
		return RedemptionOutcome{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rr, ok := e.redemptions[requestID]
	if !ok {
		return RedemptionOutcome{}, ErrInvalidRequestID
	}
	a, err := e.agent(rr.Agent)
	if err != nil {
		return RedemptionOutcome{}, err
	}
	privileged := caller == rr.Redeemer || caller == a.Owner || (rr.Executor != (common.Address{}) && caller == rr.Executor)
	if !privileged && e.clock.Now().Before(e.othersMayActAfter(rr)) {
		return RedemptionOutcome{}, forbidden("only redeemer, executor or agent")
	}
	if err := checkNonPayment(proof, overflow, rr.PaymentReference, rr.PaymentAddress, rr.PaymentUBA(), rr.Window, "redemption"); err != nil {
		return RedemptionOutcome{}, err
	}
	out, err := e.settleDefault(a, rr, RedemptionDefaulted)
	if err != nil {
		return RedemptionOutcome{}, err
	}
	e.settleExecutorFee(rr.Executor, rr.ExecutorFeeWei, caller)
	if !privileged {
		out.RewardWei = e.rewardConfirmer(a, rr, caller)
	}
	e.log.Info("redemption default", zap.Uint64("request", rr.ID), zap.String("agent", a.Vault.Hex()))
	return out, nil
}

// FinishRedemptionWithoutPayment lets the agent owner close a request whose
// window has aged out of the attestation providers' query window. It settles
// like a default.
func (e *Engine) FinishRedemptionWithoutPayment(ctx context.Context, caller common.Address,
	proof *attestation.ConfirmedBlockHeightExists, requestID uint64) (RedemptionOutcome, error) {
	if err := e.verify(ctx, proof); err != nil {
		return RedemptionOutcome{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rr, ok := e.redemptions[requestID]
	if !ok {
		return RedemptionOutcome{}, ErrInvalidRequestID
	}
	a, err := e.ownedAgent(rr.Agent, caller)
	if err != nil {
		return RedemptionOutcome{}, err
	}
	if !rr.Window.Passed(proof.Response.LowestQueryWindowBlockNumber, proof.Response.LowestQueryWindowBlockTimestamp) {
		return RedemptionOutcome{}, reject("should default first")
	}
	out, err := e.settleDefault(a, rr, RedemptionFinishedNoPayment)
	if err != nil {
		return RedemptionOutcome{}, err
	}
	e.settleExecutorFee(rr.Executor, rr.ExecutorFeeWei, caller)
	e.emit.Emit(events.RedemptionFinishedWithoutPayment{
		AgentRef:  events.AgentRef{Agent: a.Vault},
		Redeemer:  rr.Redeemer,
		RequestID: rr.ID,
	})
	return out, nil
}

// Redemption returns an open request.
func (e *Engine) Redemption(id uint64) (RedemptionRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rr, ok := e.redemptions[id]
	if !ok {
		return RedemptionRequest{}, ErrInvalidRequestID
	}
	return e.copyRequest(rr), nil
}

// Redemptions lists open requests by id, optionally for one agent.
func (e *Engine) Redemptions(agent common.Address) []RedemptionRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RedemptionRequest, 0, len(e.redemptions))
	for _, rr := range e.redemptions {
		if agent == (common.Address{}) || rr.Agent == agent {
			out = append(out, e.copyRequest(rr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
