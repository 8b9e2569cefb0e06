package snapshot

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fassets/internal/assetmanager"
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
	chainID = "testBTC"
	cvAddr  = "tb1qcorevault"
	payer   = "minter-btc"
	agentUA = "agent-a-btc"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	minter = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func settings() assetmanager.Settings {
	return assetmanager.Settings{
		AssetName:                    "Test Bitcoin",
		AssetSymbol:                  "FTBTC",
		AssetDecimals:                8,
		AssetMintingDecimals:         6,
		LotSizeAMG:                   10_000,
		UnderlyingChain:              "any",
		ChainID:                      chainID,
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
		CoreVaultUnderlyingAddress:                 cvAddr,
		AMGToVaultWeiPrice:                         1_000_000_000_000,
		AMGToPoolWeiPrice:                          2_000_000_000_000,
	}
}

type world struct {
	t   *testing.T
	src Sources
	tx  uint64
}

func newWorld(t *testing.T) *world {
	t.Helper()
	verifier := attestation.NewMockVerifier(true)
	rec := &events.Recorder{}
	cv, err := corevault.NewManager(corevault.Settings{CoreVaultAddress: cvAddr, CustodianAddress: "tb1qcustodian"}, verifier, rec, zap.NewNop())
	require.NoError(t, err)
	w := &world{t: t, src: Sources{Pools: collateralpool.NewPools(), Token: fasset.NewLedger(), CoreVault: cv}}
	w.src.Engine, err = assetmanager.New(settings(), assetmanager.Deps{
		Verifier:  verifier,
		Pools:     w.src.Pools,
		Token:     w.src.Token,
		CoreVault: cv,
		Validator: underlying.AnyValidator{},
		Emitter:   rec,
		Clock:     timing.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Log:       zap.NewNop(),
	})
	require.NoError(t, err)
	return w
}

func (w *world) header() attestation.Header {
	return attestation.Header{SourceID: attestation.SourceID(chainID), VotingRound: 1}
}

func (w *world) populate() (common.Address, assetmanager.CollateralReservation) {
	t := w.t
	ctx := context.Background()
	e := w.src.Engine
	_, err := e.UpdateCurrentBlock(ctx, &attestation.ConfirmedBlockHeightExists{
		Header:   w.header(),
		Request:  attestation.ConfirmedBlockHeightExistsRequest{BlockNumber: 100},
		Response: attestation.ConfirmedBlockHeightExistsResponse{BlockTimestamp: 1_700_000_000, LowestQueryWindowBlockNumber: 100, LowestQueryWindowBlockTimestamp: 1_700_000_000},
	})
	require.NoError(t, err)

	vault, err := e.CreateAgentVault(owner, agentUA, assetmanager.AgentSettings{
		FeeBIPS:                         100,
		PoolFeeShareBIPS:                4_000,
		MintingVaultCollateralRatioBIPS: 15_000,
		MintingPoolCollateralRatioBIPS:  20_000,
	})
	require.NoError(t, err)
	require.NoError(t, e.DepositVaultCollateral(vault, big.NewInt(1e10)))
	require.NoError(t, w.src.Pools.Enter(vault, big.NewInt(1e10)))
	require.NoError(t, e.MakeAgentAvailable(owner, vault))

	cr := w.reserve(vault)
	_, err = e.ExecuteMinting(ctx, minter, w.payment(cr), cr.ID)
	require.NoError(t, err)
	return vault, w.reserve(vault)
}

func (w *world) reserve(vault common.Address) assetmanager.CollateralReservation {
	cr, err := w.src.Engine.ReserveCollateral(assetmanager.ReservationRequest{
		Minter:            minter,
		Agent:             vault,
		Lots:              2,
		MaxMintingFeeBIPS: 100,
		PaidWei:           big.NewInt(1e9),
	})
	require.NoError(w.t, err)
	return cr
}

func (w *world) payment(cr assetmanager.CollateralReservation) *attestation.Payment {
	w.tx++
	amount := int64(cr.ValueUBA + cr.FeeUBA)
	return &attestation.Payment{
		Header:  w.header(),
		Request: attestation.PaymentRequest{TransactionID: common.BigToHash(new(big.Int).SetUint64(w.tx))},
		Response: attestation.PaymentResponse{
			BlockNumber:                  100,
			BlockTimestamp:               1_700_000_000,
			SourceAddressHash:            attestation.AddressHash(payer),
			ReceivingAddressHash:         attestation.AddressHash(cr.PaymentAddress),
			IntendedReceivingAddressHash: attestation.AddressHash(cr.PaymentAddress),
			SpentAmount:                  amount,
			IntendedSpentAmount:          amount,
			ReceivedAmount:               amount,
			IntendedReceivedAmount:       amount,
			StandardPaymentReference:     cr.PaymentReference,
			OneToOne:                     true,
			Status:                       attestation.StatusSuccess,
		},
	}
}

func marshal(t *testing.T, v any) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestWriteReadRestore(t *testing.T) {
	hash, err := SettingsHash(settings())
	require.NoError(t, err)

	w := newWorld(t)
	vault, cr := w.populate()
	st := Capture(w.src, 42, hash, time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)))
	require.Equal(t, 1, st.Header.Agents)
	require.Equal(t, 1, st.Header.Tickets)
	require.Equal(t, time.UTC, st.Header.TakenAt.Location())

	path := filepath.Join(t.TempDir(), "snaps", FileName(42))
	require.NoError(t, Write(path, st))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, st.Header.Seq, h.Seq)
	require.Equal(t, hash, h.SettingsHash)

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got.Header.Seq)

	fresh := newWorld(t)
	require.NoError(t, got.Restore(fresh.src, hash))
	require.JSONEq(t, marshal(t, w.src.Engine.ExportState()), marshal(t, fresh.src.Engine.ExportState()))
	require.JSONEq(t, marshal(t, w.src.Pools.Export()), marshal(t, fresh.src.Pools.Export()))
	require.Equal(t, w.src.Token.Export(), fresh.src.Token.Export())
	require.NoError(t, fresh.src.Engine.CheckInvariants())

	// the restored reservation can still be executed
	fresh.tx = w.tx
	_, err = fresh.src.Engine.ExecuteMinting(context.Background(), minter, fresh.payment(cr), cr.ID)
	require.NoError(t, err)
	info, err := fresh.src.Engine.AgentInfo(vault)
	require.NoError(t, err)
	require.Equal(t, uint64(4_016_000), info.MintedUBA)
	require.NoError(t, fresh.src.Engine.CheckInvariants())
}

func TestRestoreRejectsOtherSettings(t *testing.T) {
	hash, err := SettingsHash(settings())
	require.NoError(t, err)
	w := newWorld(t)
	w.populate()
	st := Capture(w.src, 1, hash, time.Now())

	other := settings()
	other.RedemptionFeeBIPS++
	otherHash, err := SettingsHash(other)
	require.NoError(t, err)
	require.NotEqual(t, hash, otherHash)

	fresh := newWorld(t)
	require.Error(t, st.Restore(fresh.src, otherHash))
	require.Empty(t, fresh.src.Engine.Agents())

	st.Header.Version = 99
	require.Error(t, st.Restore(fresh.src, hash))
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()
	latest, err := Latest(dir)
	require.NoError(t, err)
	require.Empty(t, latest)

	w := newWorld(t)
	for _, seq := range []uint64{9, 120, 11} {
		require.NoError(t, Write(filepath.Join(dir, FileName(seq)), Capture(w.src, seq, "h", time.Now())))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	latest, err = Latest(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, FileName(120)), latest)

	require.NoError(t, Prune(dir, 2))
	paths, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, FileName(11)), filepath.Join(dir, FileName(120))}, paths)
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o644))
	_, err := Read(path)
	require.Error(t, err)
	_, err = ReadHeader(path)
	require.Error(t, err)
}
