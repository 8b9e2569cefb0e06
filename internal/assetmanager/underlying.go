package assetmanager

import (
	"context"
	"time"

	"fassets/internal/attestation"
	"fassets/internal/events"
	"fassets/internal/paymentref"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// UpdateCurrentBlock advances the underlying chain mirror from a confirmed
// block proof. It reports whether the mirror moved.
func (e *Engine) UpdateCurrentBlock(ctx context.Context, proof *attestation.ConfirmedBlockHeightExists) (bool, error) {
	if err := e.verify(ctx, proof); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.chain.Update(proof, e.settings.AverageBlockTime(), e.clock.Now()) {
		return false, nil
	}
	e.emit.Emit(events.CurrentUnderlyingBlockUpdated{
		UnderlyingBlockNumber:    e.chain.BlockNumber,
		UnderlyingBlockTimestamp: e.chain.BlockTimestamp,
		UpdatedAt:                e.chain.UpdatedAt,
	})
	return true, nil
}

// ConfirmTopupPayment credits an agent's underlying balance with a payment that
// carries the agent's topup reference.
func (e *Engine) ConfirmTopupPayment(ctx context.Context, caller common.Address, proof *attestation.Payment, vault common.Address) error {
	if err := e.verify(ctx, proof); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	r := proof.Response
	key := transactionKey(proof.Request.TransactionID, r.SourceAddressHash)
	switch {
	case r.StandardPaymentReference != paymentref.ForTopup(vault):
		return mismatch("not a topup payment")
	case r.ReceivingAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return mismatch("not underlying address")
	case r.Status != attestation.StatusSuccess:
		return mismatch("payment failed")
	case r.BlockNumber < a.CreatedAtBlock:
		return mismatch("topup before agent created")
	case r.ReceivedAmount <= 0:
		return mismatch("topup amount must be positive")
	case e.confirmed[key]:
		return ErrPaymentConfirmed
	}
	e.confirmed[key] = true
	a.UnderlyingBalanceUBA += r.ReceivedAmount
	e.emit.Emit(events.UnderlyingBalanceToppedUp{
		AgentRef:        events.AgentRef{Agent: vault},
		TransactionHash: proof.Request.TransactionID,
		DepositedUBA:    uint64(r.ReceivedAmount),
	})
	return nil
}

// AnnounceUnderlyingWithdrawal reserves a payment reference the agent must use
// for a withdrawal of free underlying. Only one announcement may be open.
func (e *Engine) AnnounceUnderlyingWithdrawal(caller, vault common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return common.Hash{}, err
	}
	if a.UnderlyingWithdrawal != nil {
		return common.Hash{}, reject("announced underlying withdrawal active")
	}
	id := e.nextWithdrawalID
	e.nextWithdrawalID++
	a.UnderlyingWithdrawal = &UnderlyingWithdrawal{
		ID:               id,
		PaymentReference: paymentref.ForAnnouncedWithdrawal(id),
		AnnouncedAt:      e.clock.Now(),
	}
	e.emit.Emit(events.UnderlyingWithdrawalAnnounced{
		AgentRef:         events.AgentRef{Agent: vault},
		AnnouncementID:   id,
		PaymentReference: a.UnderlyingWithdrawal.PaymentReference,
	})
	return a.UnderlyingWithdrawal.PaymentReference, nil
}

// ConfirmUnderlyingWithdrawal debits the proven spend and closes the
// announcement. Others may confirm once the owner had time to do it.
func (e *Engine) ConfirmUnderlyingWithdrawal(ctx context.Context, caller common.Address, proof *attestation.Payment, vault common.Address) error {
	if err := e.verify(ctx, proof); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.agent(vault)
	if err != nil {
		return err
	}
	w := a.UnderlyingWithdrawal
	if w == nil {
		return reject("no active announcement")
	}
	othersAfter := w.AnnouncedAt.Add(time.Duration(e.settings.ConfirmationByOthersAfterSeconds) * time.Second)
	if caller != a.Owner && e.clock.Now().Before(othersAfter) {
		return ErrOnlyAgentOwner
	}
	r := proof.Response
	key := transactionKey(proof.Request.TransactionID, r.SourceAddressHash)
	switch {
	case r.StandardPaymentReference != w.PaymentReference:
		return mismatch("wrong announced pmt reference")
	case r.SourceAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return mismatch("wrong announced pmt source")
	case e.confirmed[key]:
		return ErrPaymentConfirmed
	}
	e.confirmed[key] = true
	a.UnderlyingBalanceUBA -= r.SpentAmount
	a.UnderlyingWithdrawal = nil
	e.emit.Emit(events.UnderlyingWithdrawalConfirmed{
		AgentRef:        events.AgentRef{Agent: vault},
		AnnouncementID:  w.ID,
		SpentUBA:        r.SpentAmount,
		TransactionHash: proof.Request.TransactionID,
	})
	e.checkUnderlyingBalance(a)
	e.log.Info("underlying withdrawal confirmed", zap.String("agent", vault.Hex()), zap.Int64("spent", r.SpentAmount))
	return nil
}

func (e *Engine) CancelUnderlyingWithdrawal(caller, vault common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.ownedAgent(vault, caller)
	if err != nil {
		return err
	}
	if a.UnderlyingWithdrawal == nil {
		return reject("no active announcement")
	}
	id := a.UnderlyingWithdrawal.ID
	a.UnderlyingWithdrawal = nil
	e.emit.Emit(events.UnderlyingWithdrawalCancelled{AgentRef: events.AgentRef{Agent: vault}, AnnouncementID: id})
	return nil
}
