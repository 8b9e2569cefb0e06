package assetmanager

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// transfer starts a one-lot transfer for vault and proves the payment to the
// core vault.
func (h *harness) transfer(owner, vault common.Address, from string) RedemptionRequest {
	h.t.Helper()
	rr, err := h.e.TransferToCoreVault(owner, vault, 1_000_000, big.NewInt(1e6))
	require.NoError(h.t, err)
	p := h.payment(from, cvAddress, rr.PaymentReference, int64(rr.ValueUBA))
	out, err := h.e.ConfirmRedemptionPayment(h.ctx, owner, p, rr.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, RedemptionPerformed, out.Status)
	require.True(h.t, out.Transfer)
	h.checkInvariants()
	return rr
}

func TestTransferToCoreVault(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(owner1, agentAddressA)
	h.mint(a, 3)

	fee, err := h.e.CoreVaultTransferFee(1_000_000)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(200_000), fee)

	rr, err := h.e.TransferToCoreVault(owner1, a, 1_000_000, big.NewInt(1e6))
	require.NoError(t, err)
	require.True(t, rr.Transfer)
	require.Zero(t, rr.FeeUBA)
	require.Equal(t, cvAddress, rr.PaymentAddress)
	require.Equal(t, uint64(1_000_000), rr.ValueUBA)
	h.checkInvariants()

	// 40% of the fee goes to the pool, the surplus back to the owner
	require.Equal(t, big.NewInt(1e10+80_000), h.pools.TotalCollateral(a))
	require.Equal(t, big.NewInt(800_000), h.e.NativeBalance(owner1))
	require.Equal(t, big.NewInt(120_000), h.e.CoreVaultInfo().TransferFeesWei)

	info := h.info(a)
	require.Equal(t, uint64(2_012_000), info.MintedUBA)
	require.Equal(t, uint64(1_000_000), info.RedeemingUBA)
	require.Equal(t, rr.ID, info.ActiveTransferToCoreVault)

	_, err = h.e.TransferToCoreVault(owner1, a, 1_000_000, big.NewInt(1e6))
	require.ErrorIs(t, err, reject("transfer already active"))

	p := h.payment(agentAddressA, cvAddress, rr.PaymentReference, 1_000_000)
	calls := h.proofs.Calls()
	_, err = h.e.ConfirmRedemptionPayment(h.ctx, owner1, p, rr.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), h.cv.AvailableFunds())
	require.Equal(t, calls+1, h.proofs.Calls(), "the core vault credit reuses the engine's verification")

	cvInfo := h.e.CoreVaultInfo()
	require.True(t, cvInfo.Enabled)
	require.Equal(t, uint64(1_000_000), cvInfo.MintedUBA)
	require.Equal(t, uint64(1_000_000), cvInfo.AvailableUBA)
	info = h.info(a)
	require.Zero(t, info.RedeemingUBA)
	require.Zero(t, info.ActiveTransferToCoreVault)
	require.Equal(t, 1, h.rec.Count("TransferToCoreVaultSuccessful"))
	h.checkInvariants()
}

func TestTransferToCoreVaultRejections(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.CoreVaultMinimumAmountLeftBIPS = 5_000 })
	a := h.createAgent(owner1, agentAddressA)
	h.mint(a, 3)

	_, err := h.e.TransferToCoreVault(stranger, a, 1_000_000, big.NewInt(1e6))
	require.ErrorIs(t, err, ErrOnlyAgentOwner)
	_, err = h.e.TransferToCoreVault(owner1, a, 50, big.NewInt(1e6))
	require.ErrorIs(t, err, reject("zero transfer not allowed"))
	_, err = h.e.TransferToCoreVault(owner1, a, 5_000_000, big.NewInt(1e6))
	require.ErrorIs(t, err, reject("not enough minted"))
	_, err = h.e.TransferToCoreVault(owner1, a, 2_000_000, big.NewInt(1e6))
	require.ErrorIs(t, err, reject("too little minting left after transfer"))
	_, err = h.e.TransferToCoreVault(owner1, a, 1_000_000, big.NewInt(199_999))
	require.ErrorIs(t, err, reject("transfer fee payment too small"))

	require.Equal(t, uint64(3_012_000), h.info(a).MintedUBA)
	require.Zero(t, h.e.CoreVaultInfo().TransferFeesWei.Sign())
}

func TestTransferDefaultRequeuesBacking(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(owner1, agentAddressA)
	b := h.createAgent(owner2, agentAddressB)
	h.mint(a, 3)
	h.mint(b, 2)

	rr, err := h.e.TransferToCoreVault(owner1, a, 1_000_000, big.NewInt(1e6))
	require.NoError(t, err)
	require.Equal(t, uint64(20_000), h.e.Tickets()[0].ValueAMG)

	np, overflow := h.nonPayment(rr.PaymentReference, cvAddress, rr.PaymentUBA(), rr.Window)
	out, err := h.e.RedemptionPaymentDefault(h.ctx, owner1, np, overflow, rr.ID)
	require.NoError(t, err)
	require.Equal(t, RedemptionDefaulted, out.Status)
	require.True(t, out.Transfer)
	require.Nil(t, out.VaultPaidWei)

	tks := h.e.Tickets()
	require.Len(t, tks, 3)
	require.Equal(t, []common.Address{a, b, a}, []common.Address{tks[0].Agent, tks[1].Agent, tks[2].Agent})
	require.Equal(t, []uint64{20_000, 20_000, 10_000}, []uint64{tks[0].ValueAMG, tks[1].ValueAMG, tks[2].ValueAMG})

	info := h.info(a)
	require.Equal(t, uint64(3_012_000), info.MintedUBA)
	require.Zero(t, info.RedeemingUBA)
	require.Zero(t, info.ActiveTransferToCoreVault)
	require.Zero(t, h.token.BalanceOf(owner1))
	require.Zero(t, h.e.CoreVaultInfo().MintedUBA)
	require.Equal(t, 1, h.rec.Count("TransferToCoreVaultDefaulted"))
	h.checkInvariants()
}

func TestRedeemFromCoreVault(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(owner1, agentAddressA)
	h.mint(a, 3)
	h.transfer(owner1, a, agentAddressA)

	_, err := h.e.RedeemFromCoreVault(minter, 0, minterAddress)
	require.ErrorIs(t, err, reject("requested amount too small"))
	_, err = h.e.RedeemFromCoreVault(minter, 1, "unknown-btc")
	require.ErrorIs(t, err, reject("underlying address not allowed by core vault"))
	_, err = h.e.RedeemFromCoreVault(minter, 2, minterAddress)
	require.ErrorIs(t, err, reject("not enough available on core vault"))
	_, err = h.e.RedeemFromCoreVault(stranger, 1, minterAddress)
	require.ErrorIs(t, err, ErrBalanceTooLow)

	ref, err := h.e.RedeemFromCoreVault(minter, 1, minterAddress)
	require.NoError(t, err)
	pending := h.cv.PendingRequests()
	require.Len(t, pending, 1)
	require.Equal(t, ref, pending[0].PaymentReference)
	require.Equal(t, uint64(990_000), pending[0].AmountUBA)
	require.False(t, pending[0].Cancelable)

	require.Equal(t, uint64(2_000_000), h.token.BalanceOf(minter))
	require.Zero(t, h.e.CoreVaultInfo().MintedUBA)
	require.Equal(t, 1, h.rec.Count("CoreVaultRedemptionRequested"))
	h.checkInvariants()
}

func TestReturnFromCoreVault(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(owner1, agentAddressA)
	b := h.createAgent(owner2, agentAddressB)
	h.mint(a, 3)
	h.transfer(owner1, a, agentAddressA)

	_, err := h.e.RequestReturnFromCoreVault(owner2, b, 2)
	require.ErrorIs(t, err, reject("not enough available on core vault"))

	rq, err := h.e.RequestReturnFromCoreVault(owner2, b, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), rq.ValueAMG)
	require.Equal(t, uint64(1_000_000), h.info(b).ReservedUBA)
	require.Equal(t, rq.ID, h.info(b).ActiveReturnFromCoreVault)
	cvInfo := h.e.CoreVaultInfo()
	require.Equal(t, uint64(1_000_000), cvInfo.ReturnReservedUBA)
	require.Zero(t, cvInfo.AvailableUBA)

	_, err = h.e.RequestReturnFromCoreVault(owner2, b, 1)
	require.ErrorIs(t, err, reject("return from core vault already requested"))
	_, err = h.e.RedeemFromCoreVault(minter, 1, minterAddress)
	require.ErrorIs(t, err, reject("not enough available on core vault"))

	wrong := h.payment(agentAddressA, agentAddressB, rq.PaymentReference, 1_000_000)
	_, err = h.e.ConfirmReturnFromCoreVault(h.ctx, owner2, wrong, b)
	require.ErrorIs(t, err, mismatch("payment not from core vault"))

	p := h.payment(cvAddress, agentAddressB, rq.PaymentReference, 1_000_000)
	_, err = h.e.ConfirmReturnFromCoreVault(h.ctx, owner1, p, b)
	require.ErrorIs(t, err, ErrOnlyAgentOwner)
	reminted, err := h.e.ConfirmReturnFromCoreVault(h.ctx, owner2, p, b)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), reminted)

	info := h.info(b)
	require.Equal(t, uint64(1_000_000), info.MintedUBA)
	require.Zero(t, info.ReservedUBA)
	require.Zero(t, info.ActiveReturnFromCoreVault)
	require.Equal(t, int64(1_000_000), info.UnderlyingBalanceUBA)
	require.Len(t, h.e.AgentTickets(b), 1)
	require.Zero(t, h.e.CoreVaultInfo().MintedUBA)

	_, err = h.e.ConfirmReturnFromCoreVault(h.ctx, owner2, p, b)
	require.ErrorIs(t, err, reject("no active return request"))
	h.checkInvariants()
}

func TestCancelReturnFromCoreVault(t *testing.T) {
	h := newHarness(t)
	a := h.createAgent(owner1, agentAddressA)
	b := h.createAgent(owner2, agentAddressB)
	h.mint(a, 3)
	h.transfer(owner1, a, agentAddressA)

	err := h.e.CancelReturnFromCoreVault(owner2, b)
	require.ErrorIs(t, err, reject("no active return request"))

	_, err = h.e.RequestReturnFromCoreVault(owner2, b, 1)
	require.NoError(t, err)
	require.Len(t, h.cv.PendingRequests(), 1)

	require.NoError(t, h.e.CancelReturnFromCoreVault(owner2, b))
	require.Empty(t, h.cv.PendingRequests())
	require.Zero(t, h.info(b).ReservedUBA)
	require.Equal(t, uint64(1_000_000), h.e.CoreVaultInfo().AvailableUBA)
	require.Equal(t, 1, h.rec.Count("ReturnFromCoreVaultCancelled"))

	h.cv.RemoveAllowedDestinationAddresses(agentAddressB)
	_, err = h.e.RequestReturnFromCoreVault(owner2, b, 1)
	require.ErrorIs(t, err, reject("agent's underlying address not allowed by core vault"))
	h.checkInvariants()
}
