package assetmanager

import (
	"math/big"
	"time"

	"fassets/internal/timing"

	"github.com/ethereum/go-ethereum/common"
)

type AgentStatus uint8

const (
	AgentNormal AgentStatus = iota
	AgentLiquidation
	AgentFullLiquidation
	AgentDestroying
)

func (s AgentStatus) String() string {
	switch s {
	case AgentNormal:
		return "NORMAL"
	case AgentLiquidation:
		return "LIQUIDATION"
	case AgentFullLiquidation:
		return "FULL_LIQUIDATION"
	case AgentDestroying:
		return "DESTROYING"
	default:
		return "UNKNOWN"
	}
}

// AgentSettings are chosen by the agent owner at creation and adjustable later.
type AgentSettings struct {
	FeeBIPS                         uint64 `json:"feeBIPS"`
	PoolFeeShareBIPS                uint64 `json:"poolFeeShareBIPS"`
	MintingVaultCollateralRatioBIPS uint64 `json:"mintingVaultCollateralRatioBIPS"`
	MintingPoolCollateralRatioBIPS  uint64 `json:"mintingPoolCollateralRatioBIPS"`
}

// Agent setting names accepted by SetAgentSetting.
const (
	SettingFeeBIPS                         = "feeBIPS"
	SettingPoolFeeShareBIPS                = "poolFeeShareBIPS"
	SettingMintingVaultCollateralRatioBIPS = "mintingVaultCollateralRatioBIPS"
	SettingMintingPoolCollateralRatioBIPS  = "mintingPoolCollateralRatioBIPS"
)

type CollateralWithdrawal struct {
	AmountWei *big.Int  `json:"amountWei"`
	AllowedAt time.Time `json:"allowedAt"`
}

type UnderlyingWithdrawal struct {
	ID               uint64      `json:"id"`
	PaymentReference common.Hash `json:"paymentReference"`
	AnnouncedAt      time.Time   `json:"announcedAt"`
}

// Agent is the engine's ledger entry for one agent vault. Backing amounts are
// kept in AMG; UnderlyingBalanceUBA is signed because challenges can prove the
// agent spent more than it holds.
type Agent struct {
	Vault                common.Address        `json:"vault"`
	Owner                common.Address        `json:"owner"`
	UnderlyingAddress    string                `json:"underlyingAddress"`
	Settings             AgentSettings         `json:"settings"`
	Status               AgentStatus           `json:"status"`
	Available            bool                  `json:"available"`
	VaultCollateralWei   *big.Int              `json:"vaultCollateralWei"`
	MintedAMG            uint64                `json:"mintedAMG"`
	ReservedAMG          uint64                `json:"reservedAMG"`
	RedeemingAMG         uint64                `json:"redeemingAMG"`
	DustAMG              uint64                `json:"dustAMG"`
	UnderlyingBalanceUBA int64                 `json:"underlyingBalanceUBA"`
	CreatedAtBlock       uint64                `json:"createdAtBlock"`
	ActiveTransferID     uint64                `json:"activeTransferId"`
	ActiveReturnID       uint64                `json:"activeReturnId"`
	CollateralWithdrawal *CollateralWithdrawal `json:"collateralWithdrawal,omitempty"`
	UnderlyingWithdrawal *UnderlyingWithdrawal `json:"underlyingWithdrawal,omitempty"`
	DestroyAllowedAt     time.Time             `json:"destroyAllowedAt"`
	LiquidationStartedAt time.Time             `json:"liquidationStartedAt"`
}

func (a *Agent) announcedWithdrawalWei() *big.Int {
	if a.CollateralWithdrawal == nil {
		return new(big.Int)
	}
	return a.CollateralWithdrawal.AmountWei
}

// CollateralReservation is a minting in progress.
type CollateralReservation struct {
	ID                uint64               `json:"id"`
	Agent             common.Address       `json:"agent"`
	Minter            common.Address       `json:"minter"`
	ValueAMG          uint64               `json:"valueAMG"`
	ValueUBA          uint64               `json:"valueUBA"`
	FeeUBA            uint64               `json:"feeUBA"`
	PoolFeeAMG        uint64               `json:"poolFeeAMG"`
	ReservationFeeWei *big.Int             `json:"reservationFeeWei"`
	PaymentAddress    string               `json:"paymentAddress"`
	PaymentReference  common.Hash          `json:"paymentReference"`
	Window            timing.PaymentWindow `json:"window"`
	Executor          common.Address       `json:"executor"`
	ExecutorFeeWei    *big.Int             `json:"executorFeeWei"`
	CreatedAt         time.Time            `json:"createdAt"`
}

// RedemptionRequest is a redemption or core vault transfer waiting for the
// agent's underlying payment.
type RedemptionRequest struct {
	ID               uint64               `json:"id"`
	Agent            common.Address       `json:"agent"`
	Redeemer         common.Address       `json:"redeemer"`
	PaymentAddress   string               `json:"paymentAddress"`
	ValueAMG         uint64               `json:"valueAMG"`
	ValueUBA         uint64               `json:"valueUBA"`
	FeeUBA           uint64               `json:"feeUBA"`
	PaymentReference common.Hash          `json:"paymentReference"`
	Window           timing.PaymentWindow `json:"window"`
	Executor         common.Address       `json:"executor"`
	ExecutorFeeWei   *big.Int             `json:"executorFeeWei"`
	CreatedAt        time.Time            `json:"createdAt"`
	Transfer         bool                 `json:"transferToCoreVault"`
}

// PaymentUBA is what the agent must deliver to the redeemer.
func (r *RedemptionRequest) PaymentUBA() uint64 { return r.ValueUBA - r.FeeUBA }

// ReturnRequest is an agent's pending return of backing from the core vault.
type ReturnRequest struct {
	ID               uint64         `json:"id"`
	Agent            common.Address `json:"agent"`
	ValueAMG         uint64         `json:"valueAMG"`
	PaymentReference common.Hash    `json:"paymentReference"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// RedemptionStatus is the terminal state a request settles in.
type RedemptionStatus string

const (
	RedemptionPerformed         RedemptionStatus = "PERFORMED"
	RedemptionPaymentFailed     RedemptionStatus = "PAYMENT_FAILED"
	RedemptionPaymentBlocked    RedemptionStatus = "PAYMENT_BLOCKED"
	RedemptionDefaulted         RedemptionStatus = "DEFAULTED"
	RedemptionFinishedNoPayment RedemptionStatus = "FINISHED_WITHOUT_PAYMENT"
)

// RedemptionOutcome reports how a request was settled.
type RedemptionOutcome struct {
	RequestID     uint64           `json:"requestId"`
	Status        RedemptionStatus `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Transfer      bool             `json:"transferToCoreVault"`
	SpentUBA      int64            `json:"spentUBA"`
	VaultPaidWei  *big.Int         `json:"vaultPaidWei,omitempty"`
	PoolPaidWei   *big.Int         `json:"poolPaidWei,omitempty"`
	RewardWei     *big.Int         `json:"rewardWei,omitempty"`
}

type MintingResult struct {
	CollateralReservationID uint64 `json:"collateralReservationId"`
	MintedUBA               uint64 `json:"mintedUBA"`
	AgentFeeUBA             uint64 `json:"agentFeeUBA"`
	PoolFeeUBA              uint64 `json:"poolFeeUBA"`
}

type RedeemResult struct {
	Requests      []RedemptionRequest `json:"requests"`
	RedeemedLots  uint64              `json:"redeemedLots"`
	RemainingLots uint64              `json:"remainingLots"`
}

// AgentInfo is a read-only view with amounts in UBA.
type AgentInfo struct {
	Vault                     common.Address `json:"vault"`
	Owner                     common.Address `json:"owner"`
	UnderlyingAddress         string         `json:"underlyingAddress"`
	Status                    string         `json:"status"`
	Available                 bool           `json:"available"`
	Settings                  AgentSettings  `json:"settings"`
	VaultCollateralWei        *big.Int       `json:"vaultCollateralWei"`
	PoolCollateralWei         *big.Int       `json:"poolCollateralWei"`
	MintedUBA                 uint64         `json:"mintedUBA"`
	ReservedUBA               uint64         `json:"reservedUBA"`
	RedeemingUBA              uint64         `json:"redeemingUBA"`
	DustUBA                   uint64         `json:"dustUBA"`
	FreeCollateralLots        uint64         `json:"freeCollateralLots"`
	UnderlyingBalanceUBA      int64          `json:"underlyingBalanceUBA"`
	RequiredUnderlyingBalance uint64         `json:"requiredUnderlyingBalanceUBA"`
	FreeUnderlyingBalanceUBA  int64          `json:"freeUnderlyingBalanceUBA"`
	ActiveTransferToCoreVault uint64         `json:"activeTransferToCoreVault"`
	ActiveReturnFromCoreVault uint64         `json:"activeReturnFromCoreVault"`
	AnnouncedWithdrawalID     uint64         `json:"announcedUnderlyingWithdrawalId"`
}

type CoreVaultInfo struct {
	Enabled           bool     `json:"enabled"`
	UnderlyingAddress string   `json:"underlyingAddress"`
	MintedUBA         uint64   `json:"mintedUBA"`
	ReturnReservedUBA uint64   `json:"returnReservedUBA"`
	AvailableUBA      uint64   `json:"availableUBA"`
	TransferFeesWei   *big.Int `json:"transferFeesWei"`
}
