package assetmanager

import (
	"context"
	"math/big"

	"fassets/internal/attestation"
	"fassets/internal/events"
	"fassets/internal/paymentref"
	"fassets/internal/safemath"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// challengeable returns the agent a challenge targets. Agents already in full
// liquidation cannot be challenged again.
func (e *Engine) challengeable(vault common.Address, prefix string) (*Agent, error) {
	a, err := e.agent(vault)
	if err != nil {
		return nil, err
	}
	if a.Status == AgentFullLiquidation {
		return nil, reject(prefix + ": already liquidating")
	}
	return a, nil
}

// activeRedemption returns the agent's open redemption request that ref points to.
func (e *Engine) activeRedemption(a *Agent, ref common.Hash) (*RedemptionRequest, bool) {
	if !paymentref.IsValid(ref, paymentref.Redemption) {
		return nil, false
	}
	id, ok := paymentref.DecodeID(ref)
	if !ok {
		return nil, false
	}
	rr, ok := e.redemptions[id]
	if !ok || rr.Agent != a.Vault {
		return nil, false
	}
	return rr, true
}

func (e *Engine) activeAnnouncement(a *Agent, ref common.Hash) bool {
	w := a.UnderlyingWithdrawal
	return w != nil && w.PaymentReference == ref
}

// liquidateChallenged starts full liquidation and pays the challenger from the
// agent's vault collateral.
func (e *Engine) liquidateChallenged(a *Agent, challenger common.Address) (*big.Int, error) {
	vp, _, err := e.readPrices()
	if err != nil {
		return nil, err
	}
	reward := new(big.Int).SetUint64(e.settings.PaymentChallengeRewardWei)
	backed := amgToWei(a.MintedAMG+a.RedeemingAMG, vp)
	reward.Add(reward, safemath.BigMulBips(backed, e.settings.PaymentChallengeRewardBIPS))
	e.startFullLiquidation(a)
	paid := e.payFromVault(a, challenger, reward)
	e.log.Warn("challenge succeeded", zap.String("agent", a.Vault.Hex()),
		zap.String("challenger", challenger.Hex()), zap.String("rewardWei", paid.String()))
	return paid, nil
}

// IllegalPaymentChallenge liquidates an agent that spent from its underlying
// address without a matching redemption or announced withdrawal. It returns
// the reward paid to the challenger.
func (e *Engine) IllegalPaymentChallenge(ctx context.Context, challenger common.Address, tx *attestation.BalanceDecreasingTransaction, vault common.Address) (*big.Int, error) {
	if err := e.verify(ctx, tx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.challengeable(vault, "chlg")
	if err != nil {
		return nil, err
	}
	r := tx.Response
	switch {
	case r.SourceAddressHash != attestation.AddressHash(a.UnderlyingAddress):
		return nil, mismatch("chlg: not agent's address")
	case e.confirmed[transactionKey(tx.Request.TransactionID, r.SourceAddressHash)]:
		return nil, reject("chlg: transaction confirmed")
	}
	if _, ok := e.activeRedemption(a, r.StandardPaymentReference); ok {
		return nil, reject("matching redemption active")
	}
	if e.activeAnnouncement(a, r.StandardPaymentReference) {
		return nil, reject("matching ongoing announced pmt")
	}
	reward, err := e.liquidateChallenged(a, challenger)
	if err != nil {
		return nil, err
	}
	e.emit.Emit(events.IllegalPaymentConfirmed{AgentRef: events.AgentRef{Agent: vault}, TransactionHash: tx.Request.TransactionID})
	return reward, nil
}

// DoublePaymentChallenge liquidates an agent that made two distinct payments
// with the same payment reference.
func (e *Engine) DoublePaymentChallenge(ctx context.Context, challenger common.Address, tx1, tx2 *attestation.BalanceDecreasingTransaction, vault common.Address) (*big.Int, error) {
	if err := e.verify(ctx, tx1, tx2); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.challengeable(vault, "chlg dbl")
	if err != nil {
		return nil, err
	}
	agentHash := attestation.AddressHash(a.UnderlyingAddress)
	ref := tx1.Response.StandardPaymentReference
	switch {
	case tx1.Request.TransactionID == tx2.Request.TransactionID:
		return nil, mismatch("chlg dbl: same transaction")
	case ref != tx2.Response.StandardPaymentReference:
		return nil, mismatch("challenge: not duplicate")
	case ref == (common.Hash{}):
		return nil, mismatch("chlg dbl: no payment reference")
	case tx1.Response.SourceAddressHash != agentHash || tx2.Response.SourceAddressHash != agentHash:
		return nil, mismatch("chlg dbl: not agent's address")
	}
	reward, err := e.liquidateChallenged(a, challenger)
	if err != nil {
		return nil, err
	}
	e.emit.Emit(events.DuplicatePaymentConfirmed{
		AgentRef:         events.AgentRef{Agent: vault},
		TransactionHash1: tx1.Request.TransactionID,
		TransactionHash2: tx2.Request.TransactionID,
	})
	return reward, nil
}

// FreeBalanceNegativeChallenge liquidates an agent whose unconfirmed outgoing
// payments exceed its free underlying balance. Payments for the agent's open
// redemptions only count the part above the redemption value.
func (e *Engine) FreeBalanceNegativeChallenge(ctx context.Context, challenger common.Address, txs []*attestation.BalanceDecreasingTransaction, vault common.Address) (*big.Int, error) {
	proofs := make([]attestation.Proof, len(txs))
	for i, tx := range txs {
		proofs[i] = tx
	}
	if err := e.verify(ctx, proofs...); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.challengeable(vault, "mult chlg")
	if err != nil {
		return nil, err
	}
	agentHash := attestation.AddressHash(a.UnderlyingAddress)
	seen := make(map[common.Hash]bool, len(txs))
	var spent int64
	for _, tx := range txs {
		r := tx.Response
		key := transactionKey(tx.Request.TransactionID, r.SourceAddressHash)
		switch {
		case seen[key]:
			return nil, mismatch("mult chlg: repeated transaction")
		case r.SourceAddressHash != agentHash:
			return nil, mismatch("mult chlg: not agent's address")
		case e.confirmed[key]:
			return nil, reject("mult chlg: payment confirmed")
		}
		seen[key] = true
		if rr, ok := e.activeRedemption(a, r.StandardPaymentReference); ok {
			spent += r.SpentAmount - int64(rr.ValueUBA)
			continue
		}
		spent += r.SpentAmount
	}
	if spent <= e.freeUnderlyingUBA(a) {
		return nil, reject("mult chlg: enough balance")
	}
	return e.liquidateChallenged(a, challenger)
}
