package assetmanager

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"fassets/internal/attestation"
	"fassets/internal/collateralpool"
	"fassets/internal/corevault"
	"fassets/internal/events"
	"fassets/internal/fasset"
	"fassets/internal/timing"
	"fassets/internal/underlying"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testChain     = "testBTC"
	cvAddress     = "tb1qcorevault"
	minterAddress = "minter-btc"
	agentAddressA = "agent-a-btc"
	agentAddressB = "agent-b-btc"
)

var (
	owner1     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner2     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	minter     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	challenger = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

// testSettings: granularity 100 UBA, one lot is 10_000 AMG (1_000_000 UBA),
// worth 1e7 wei of vault collateral and 2e7 wei of pool collateral.
func testSettings() Settings {
	return Settings{
		AssetName:                    "Test Bitcoin",
		AssetSymbol:                  "FTBTC",
		AssetDecimals:                8,
		AssetMintingDecimals:         6,
		LotSizeAMG:                   10_000,
		UnderlyingChain:              "any",
		ChainID:                      testChain,
		CollateralReservationFeeBIPS: 10,
		UnderlyingBlocksForPayment:   10,
		UnderlyingSecondsForPayment:  600,
		AverageBlockTimeMS:           60_000,
		UnstickMintingPenaltyBIPS:    1_000,
		RedemptionFeeBIPS:            200,
		RedemptionDefaultFactorVaultCollateralBIPS: 11_000,
		RedemptionDefaultFactorPoolBIPS:            1_000,
		MaxRedeemedTickets:                         20,
		ConfirmationByOthersAfterSeconds:           3_600,
		ConfirmationByOthersRewardWei:              1_000,
		MinVaultCollateralRatioBIPS:                12_000,
		MinPoolCollateralRatioBIPS:                 15_000,
		MinUnderlyingBackingBIPS:                   10_000,
		WithdrawalWaitMinSeconds:                   300,
		PaymentChallengeRewardBIPS:                 1_000,
		PaymentChallengeRewardWei:                  5_000,
		CoreVaultTransferFeeBIPS:                   100,
		CoreVaultTransferTimeExtensionSeconds:      3_600,
		CoreVaultRedemptionFeeBIPS:                 100,
		CoreVaultMinimumRedeemLots:                 1,
		CoreVaultNativeAddress:                     "0x00000000000000000000000000000000000000c0",
		CoreVaultUnderlyingAddress:                 cvAddress,
		AMGToVaultWeiPrice:                         1_000_000_000_000,
		AMGToPoolWeiPrice:                          2_000_000_000_000,
	}
}

func testAgentSettings() AgentSettings {
	return AgentSettings{
		FeeBIPS:                         100,
		PoolFeeShareBIPS:                4_000,
		MintingVaultCollateralRatioBIPS: 15_000,
		MintingPoolCollateralRatioBIPS:  20_000,
	}
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	e      *Engine
	pools  *collateralpool.Pools
	token  *fasset.Ledger
	cv     *corevault.Manager
	proofs *attestation.MockVerifier
	rec    *events.Recorder
	clock  *timing.ManualClock

	tx        uint64
	block     uint64
	timestamp uint64
}

func newHarness(t *testing.T, opts ...func(*Settings)) *harness {
	t.Helper()
	s := testSettings()
	for _, o := range opts {
		o(&s)
	}
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		pools:     collateralpool.NewPools(),
		token:     fasset.NewLedger(),
		rec:       &events.Recorder{},
		clock:     timing.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		block:     100,
		timestamp: 1_700_000_000,
	}
	verifier := attestation.NewMockVerifier(true)
	h.proofs = verifier
	cv, err := corevault.NewManager(corevault.Settings{
		CoreVaultAddress: cvAddress,
		CustodianAddress: "tb1qcustodian",
	}, verifier, h.rec, zap.NewNop())
	require.NoError(t, err)
	h.cv = cv
	h.cv.AddAllowedDestinationAddresses(minterAddress)
	h.e, err = New(s, Deps{
		Verifier:  verifier,
		Pools:     h.pools,
		Token:     h.token,
		CoreVault: cv,
		Validator: underlying.AnyValidator{},
		Emitter:   h.rec,
		Clock:     h.clock,
		Log:       zap.NewNop(),
	})
	require.NoError(t, err)
	h.advance(0)
	return h
}

func (h *harness) header() attestation.Header {
	return attestation.Header{SourceID: attestation.SourceID(testChain), VotingRound: 1}
}

func (h *harness) nextTx() common.Hash {
	h.tx++
	return common.BigToHash(new(big.Int).SetUint64(h.tx))
}

// advance moves the underlying chain forward by n blocks of one minute each.
func (h *harness) advance(n uint64) {
	h.t.Helper()
	h.block += n
	h.timestamp += n * 60
	_, err := h.e.UpdateCurrentBlock(h.ctx, h.blockProof(h.block, h.timestamp))
	require.NoError(h.t, err)
}

func (h *harness) blockProof(number, timestamp uint64) *attestation.ConfirmedBlockHeightExists {
	return &attestation.ConfirmedBlockHeightExists{
		Header:  h.header(),
		Request: attestation.ConfirmedBlockHeightExistsRequest{BlockNumber: number},
		Response: attestation.ConfirmedBlockHeightExistsResponse{
			BlockTimestamp:                  timestamp,
			LowestQueryWindowBlockNumber:    number,
			LowestQueryWindowBlockTimestamp: timestamp,
		},
	}
}

func (h *harness) payment(from, to string, ref common.Hash, amount int64) *attestation.Payment {
	return &attestation.Payment{
		Header:  h.header(),
		Request: attestation.PaymentRequest{TransactionID: h.nextTx()},
		Response: attestation.PaymentResponse{
			BlockNumber:                  h.block,
			BlockTimestamp:               h.timestamp,
			SourceAddressHash:            attestation.AddressHash(from),
			ReceivingAddressHash:         attestation.AddressHash(to),
			IntendedReceivingAddressHash: attestation.AddressHash(to),
			SpentAmount:                  amount,
			IntendedSpentAmount:          amount,
			ReceivedAmount:               amount,
			IntendedReceivedAmount:       amount,
			StandardPaymentReference:     ref,
			OneToOne:                     true,
			Status:                       attestation.StatusSuccess,
		},
	}
}

func (h *harness) spend(from string, ref common.Hash, amount int64) *attestation.BalanceDecreasingTransaction {
	return &attestation.BalanceDecreasingTransaction{
		Header:  h.header(),
		Request: attestation.BalanceDecreasingTransactionRequest{TransactionID: h.nextTx()},
		Response: attestation.BalanceDecreasingTransactionResponse{
			BlockNumber:              h.block,
			BlockTimestamp:           h.timestamp,
			SourceAddressHash:        attestation.AddressHash(from),
			SpentAmount:              amount,
			StandardPaymentReference: ref,
		},
	}
}

// nonPayment proves the reference was not paid within w, with the overflow
// block just past both deadlines.
func (h *harness) nonPayment(ref common.Hash, dest string, amount uint64, w timing.PaymentWindow) (*attestation.ReferencedPaymentNonexistence, *attestation.ConfirmedBlockHeightExists) {
	np := &attestation.ReferencedPaymentNonexistence{
		Header: h.header(),
		Request: attestation.ReferencedPaymentNonexistenceRequest{
			MinimalBlockNumber:       w.FirstBlock,
			DeadlineBlockNumber:      w.LastBlock,
			DeadlineTimestamp:        w.LastTimestamp,
			DestinationAddressHash:   attestation.AddressHash(dest),
			Amount:                   amount,
			StandardPaymentReference: ref,
		},
		Response: attestation.ReferencedPaymentNonexistenceResponse{
			FirstOverflowBlockNumber:    w.LastBlock + 1,
			FirstOverflowBlockTimestamp: w.LastTimestamp + 1,
		},
	}
	return np, h.blockProof(w.LastBlock+1, w.LastTimestamp+1)
}

// createAgent registers an available agent with 1e10 wei in both vault and pool.
func (h *harness) createAgent(owner common.Address, underlyingAddress string) common.Address {
	h.t.Helper()
	vault, err := h.e.CreateAgentVault(owner, underlyingAddress, testAgentSettings())
	require.NoError(h.t, err)
	require.NoError(h.t, h.e.DepositVaultCollateral(vault, big.NewInt(1e10)))
	require.NoError(h.t, h.pools.Enter(vault, big.NewInt(1e10)))
	require.NoError(h.t, h.e.MakeAgentAvailable(owner, vault))
	h.cv.AddAllowedDestinationAddresses(underlyingAddress)
	return vault
}

func (h *harness) reserve(vault common.Address, lots uint64) CollateralReservation {
	h.t.Helper()
	cr, err := h.e.ReserveCollateral(ReservationRequest{
		Minter:            minter,
		Agent:             vault,
		Lots:              lots,
		MaxMintingFeeBIPS: 100,
		PaidWei:           big.NewInt(1e9),
	})
	require.NoError(h.t, err)
	return cr
}

func (h *harness) mint(vault common.Address, lots uint64) MintingResult {
	h.t.Helper()
	cr := h.reserve(vault, lots)
	p := h.payment(minterAddress, cr.PaymentAddress, cr.PaymentReference, int64(cr.ValueUBA+cr.FeeUBA))
	res, err := h.e.ExecuteMinting(h.ctx, minter, p, cr.ID)
	require.NoError(h.t, err)
	h.checkInvariants()
	return res
}

func (h *harness) redeem(lots uint64) RedeemResult {
	h.t.Helper()
	res, err := h.e.Redeem(RedeemRequest{Redeemer: minter, Lots: lots, RedeemerUnderlyingAddress: minterAddress})
	require.NoError(h.t, err)
	h.checkInvariants()
	return res
}

func (h *harness) info(vault common.Address) AgentInfo {
	h.t.Helper()
	info, err := h.e.AgentInfo(vault)
	require.NoError(h.t, err)
	return info
}

func (h *harness) checkInvariants() {
	h.t.Helper()
	require.NoError(h.t, h.e.CheckInvariants())
}

var errMintRefused = errors.New("mint refused")

// mintGuard is a ledger that refuses to mint to one address.
type mintGuard struct {
	*fasset.Ledger
	refuse common.Address
}

func (g mintGuard) Mint(to common.Address, amountUBA uint64) error {
	if to == g.refuse {
		return errMintRefused
	}
	return g.Ledger.Mint(to, amountUBA)
}
