// Package events defines the notifications emitted by the asset manager and the
// core vault manager. Bots and indexers consume them to drive off-chain payments.
package events

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is implemented by every notification type.
type Event interface {
	EventName() string
}

// AgentEvent is implemented by events that concern one agent vault.
type AgentEvent interface {
	Event
	AgentVault() common.Address
}

type AgentRef struct {
	Agent common.Address `json:"agentVault"`
}

func (a AgentRef) AgentVault() common.Address { return a.Agent }

// Agents.

type AgentVaultCreated struct {
	AgentRef
	Owner             common.Address `json:"owner"`
	UnderlyingAddress string         `json:"underlyingAddress"`
}

type AgentAvailable struct {
	AgentRef
	FeeBIPS                    uint64 `json:"feeBIPS"`
	MintingVaultCollateralBIPS uint64 `json:"mintingVaultCollateralRatioBIPS"`
	MintingPoolCollateralBIPS  uint64 `json:"mintingPoolCollateralRatioBIPS"`
	FreeCollateralLots         uint64 `json:"freeCollateralLots"`
}

type AvailableAgentExited struct{ AgentRef }

type AgentSettingChanged struct {
	AgentRef
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

type VaultCollateralDeposited struct {
	AgentRef
	AmountWei *big.Int `json:"amountWei"`
}

type VaultCollateralWithdrawalAnnounced struct {
	AgentRef
	AmountWei *big.Int  `json:"amountWei"`
	AllowedAt time.Time `json:"allowedAt"`
}

type VaultCollateralWithdrawn struct {
	AgentRef
	AmountWei *big.Int `json:"amountWei"`
}

type AgentDestroyAnnounced struct {
	AgentRef
	DestroyAllowedAt time.Time `json:"destroyAllowedAt"`
}

type AgentDestroyed struct{ AgentRef }

// Underlying balance.

type CurrentUnderlyingBlockUpdated struct {
	UnderlyingBlockNumber    uint64    `json:"underlyingBlockNumber"`
	UnderlyingBlockTimestamp uint64    `json:"underlyingBlockTimestamp"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

type UnderlyingBalanceToppedUp struct {
	AgentRef
	TransactionHash common.Hash `json:"transactionHash"`
	DepositedUBA    uint64      `json:"depositedUBA"`
}

type UnderlyingWithdrawalAnnounced struct {
	AgentRef
	AnnouncementID   uint64      `json:"announcementId"`
	PaymentReference common.Hash `json:"paymentReference"`
}

type UnderlyingWithdrawalConfirmed struct {
	AgentRef
	AnnouncementID  uint64      `json:"announcementId"`
	SpentUBA        int64       `json:"spentUBA"`
	TransactionHash common.Hash `json:"transactionHash"`
}

type UnderlyingWithdrawalCancelled struct {
	AgentRef
	AnnouncementID uint64 `json:"announcementId"`
}

type UnderlyingBalanceTooLow struct {
	AgentRef
	BalanceUBA         int64  `json:"balanceUBA"`
	RequiredBalanceUBA uint64 `json:"requiredBalanceUBA"`
}

// Minting.

type CollateralReserved struct {
	AgentRef
	Minter                  common.Address `json:"minter"`
	CollateralReservationID uint64         `json:"collateralReservationId"`
	ValueUBA                uint64         `json:"valueUBA"`
	FeeUBA                  uint64         `json:"feeUBA"`
	FirstUnderlyingBlock    uint64         `json:"firstUnderlyingBlock"`
	LastUnderlyingBlock     uint64         `json:"lastUnderlyingBlock"`
	LastUnderlyingTimestamp uint64         `json:"lastUnderlyingTimestamp"`
	PaymentAddress          string         `json:"paymentAddress"`
	PaymentReference        common.Hash    `json:"paymentReference"`
	Executor                common.Address `json:"executor"`
	ExecutorFeeWei          *big.Int       `json:"executorFeeWei"`
}

type MintingExecuted struct {
	AgentRef
	CollateralReservationID uint64      `json:"collateralReservationId"`
	TransactionHash         common.Hash `json:"transactionHash"`
	MintedUBA               uint64      `json:"mintedUBA"`
	AgentFeeUBA             uint64      `json:"agentFeeUBA"`
	PoolFeeUBA              uint64      `json:"poolFeeUBA"`
}

type MintingPaymentDefault struct {
	AgentRef
	Minter                  common.Address `json:"minter"`
	CollateralReservationID uint64         `json:"collateralReservationId"`
	ReservedUBA             uint64         `json:"reservedUBA"`
}

type CollateralReservationDeleted struct {
	AgentRef
	Minter                  common.Address `json:"minter"`
	CollateralReservationID uint64         `json:"collateralReservationId"`
	ReservedUBA             uint64         `json:"reservedUBA"`
	PenaltyWei              *big.Int       `json:"penaltyWei"`
}

type SelfMint struct {
	AgentRef
	MintFromFreeUnderlying bool   `json:"mintFromFreeUnderlying"`
	MintedUBA              uint64 `json:"mintedUBA"`
	DepositedUBA           uint64 `json:"depositedUBA"`
	PoolFeeUBA             uint64 `json:"poolFeeUBA"`
}

type SelfClose struct {
	AgentRef
	ValueUBA uint64 `json:"valueUBA"`
}

// Tickets and dust.

type RedemptionTicketCreated struct {
	AgentRef
	TicketID uint64 `json:"redemptionTicketId"`
	ValueUBA uint64 `json:"ticketValueUBA"`
}

type RedemptionTicketUpdated struct {
	AgentRef
	TicketID uint64 `json:"redemptionTicketId"`
	ValueUBA uint64 `json:"ticketValueUBA"`
}

type RedemptionTicketDeleted struct {
	AgentRef
	TicketID uint64 `json:"redemptionTicketId"`
}

type DustChanged struct {
	AgentRef
	DustUBA uint64 `json:"dustUBA"`
}

// Redemption.

type RedemptionRequested struct {
	AgentRef
	Redeemer                common.Address `json:"redeemer"`
	RequestID               uint64         `json:"requestId"`
	PaymentAddress          string         `json:"paymentAddress"`
	ValueUBA                uint64         `json:"valueUBA"`
	FeeUBA                  uint64         `json:"feeUBA"`
	FirstUnderlyingBlock    uint64         `json:"firstUnderlyingBlock"`
	LastUnderlyingBlock     uint64         `json:"lastUnderlyingBlock"`
	LastUnderlyingTimestamp uint64         `json:"lastUnderlyingTimestamp"`
	PaymentReference        common.Hash    `json:"paymentReference"`
	Executor                common.Address `json:"executor"`
	ExecutorFeeWei          *big.Int       `json:"executorFeeWei"`
}

type RedemptionRequestIncomplete struct {
	Redeemer      common.Address `json:"redeemer"`
	RemainingLots uint64         `json:"remainingLots"`
}

type RedemptionPerformed struct {
	AgentRef
	Redeemer            common.Address `json:"redeemer"`
	RequestID           uint64         `json:"requestId"`
	TransactionHash     common.Hash    `json:"transactionHash"`
	RedemptionAmountUBA uint64         `json:"redemptionAmountUBA"`
	SpentUnderlyingUBA  int64          `json:"spentUnderlyingUBA"`
}

type RedemptionPaymentFailed struct {
	AgentRef
	Redeemer           common.Address `json:"redeemer"`
	RequestID          uint64         `json:"requestId"`
	TransactionHash    common.Hash    `json:"transactionHash"`
	SpentUnderlyingUBA int64          `json:"spentUnderlyingUBA"`
	FailureReason      string         `json:"failureReason"`
}

type RedemptionPaymentBlocked struct {
	AgentRef
	Redeemer            common.Address `json:"redeemer"`
	RequestID           uint64         `json:"requestId"`
	TransactionHash     common.Hash    `json:"transactionHash"`
	RedemptionAmountUBA uint64         `json:"redemptionAmountUBA"`
	SpentUnderlyingUBA  int64          `json:"spentUnderlyingUBA"`
}

type RedemptionDefault struct {
	AgentRef
	Redeemer                   common.Address `json:"redeemer"`
	RequestID                  uint64         `json:"requestId"`
	RedemptionAmountUBA        uint64         `json:"redemptionAmountUBA"`
	RedeemedVaultCollateralWei *big.Int       `json:"redeemedVaultCollateralWei"`
	RedeemedPoolCollateralWei  *big.Int       `json:"redeemedPoolCollateralWei"`
}

type RedemptionFinishedWithoutPayment struct {
	AgentRef
	Redeemer  common.Address `json:"redeemer"`
	RequestID uint64         `json:"requestId"`
}

type RedemptionConfirmationRewarded struct {
	AgentRef
	RequestID uint64         `json:"requestId"`
	Confirmer common.Address `json:"confirmer"`
	RewardWei *big.Int       `json:"rewardWei"`
}

// Core vault, asset manager side.

type TransferToCoreVaultStarted struct {
	AgentRef
	RequestID uint64 `json:"transferRedemptionRequestId"`
	ValueUBA  uint64 `json:"valueUBA"`
}

type TransferToCoreVaultSuccessful struct {
	AgentRef
	RequestID uint64 `json:"transferRedemptionRequestId"`
	ValueUBA  uint64 `json:"valueUBA"`
}

type TransferToCoreVaultDefaulted struct {
	AgentRef
	RequestID   uint64 `json:"transferRedemptionRequestId"`
	RemintedUBA uint64 `json:"remintedUBA"`
}

type ReturnFromCoreVaultRequested struct {
	AgentRef
	RequestID        uint64      `json:"requestId"`
	PaymentReference common.Hash `json:"paymentReference"`
	ValueUBA         uint64      `json:"valueUBA"`
}

type ReturnFromCoreVaultCancelled struct {
	AgentRef
	RequestID uint64 `json:"requestId"`
}

type ReturnFromCoreVaultConfirmed struct {
	AgentRef
	RequestID             uint64 `json:"requestId"`
	ReceivedUnderlyingUBA uint64 `json:"receivedUnderlyingUBA"`
	RemintedUBA           uint64 `json:"remintedUBA"`
}

type CoreVaultRedemptionRequested struct {
	Redeemer         common.Address `json:"redeemer"`
	PaymentAddress   string         `json:"paymentAddress"`
	PaymentReference common.Hash    `json:"paymentReference"`
	ValueUBA         uint64         `json:"valueUBA"`
	FeeUBA           uint64         `json:"feeUBA"`
}

// Challenges.

type IllegalPaymentConfirmed struct {
	AgentRef
	TransactionHash common.Hash `json:"transactionHash"`
}

type DuplicatePaymentConfirmed struct {
	AgentRef
	TransactionHash1 common.Hash `json:"transactionHash1"`
	TransactionHash2 common.Hash `json:"transactionHash2"`
}

type FullLiquidationStarted struct {
	AgentRef
	Timestamp time.Time `json:"timestamp"`
}

type PauseChanged struct {
	Paused     bool `json:"paused"`
	Terminated bool `json:"terminated"`
}

// Core vault manager.

type TransferRequested struct {
	Destination      string      `json:"destinationAddress"`
	PaymentReference common.Hash `json:"paymentReference"`
	AmountUBA        uint64      `json:"amountUBA"`
	Cancelable       bool        `json:"cancelable"`
}

type TransferRequestCanceled struct {
	Destination      string      `json:"destinationAddress"`
	PaymentReference common.Hash `json:"paymentReference"`
	AmountUBA        uint64      `json:"amountUBA"`
}

type PaymentInstructions struct {
	Sequence         uint64      `json:"sequence"`
	Account          string      `json:"account"`
	Destination      string      `json:"destination"`
	AmountUBA        uint64      `json:"amountUBA"`
	FeeUBA           uint64      `json:"feeUBA"`
	PaymentReference common.Hash `json:"paymentReference"`
}

type EscrowInstructions struct {
	Sequence     uint64      `json:"sequence"`
	PreimageHash common.Hash `json:"preimageHash"`
	Account      string      `json:"account"`
	Destination  string      `json:"destination"`
	AmountUBA    uint64      `json:"amountUBA"`
	FeeUBA       uint64      `json:"feeUBA"`
	CancelAfter  time.Time   `json:"cancelAfter"`
}

type EscrowExpired struct {
	PreimageHash common.Hash `json:"preimageHash"`
	AmountUBA    uint64      `json:"amountUBA"`
}

type EscrowFinished struct {
	PreimageHash common.Hash `json:"preimageHash"`
	AmountUBA    uint64      `json:"amountUBA"`
}

type PaymentConfirmed struct {
	TransactionID    common.Hash `json:"transactionId"`
	PaymentReference common.Hash `json:"paymentReference"`
	AmountUBA        uint64      `json:"amountUBA"`
}

func (AgentVaultCreated) EventName() string        { return "AgentVaultCreated" }
func (AgentAvailable) EventName() string           { return "AgentAvailable" }
func (AvailableAgentExited) EventName() string     { return "AvailableAgentExited" }
func (AgentSettingChanged) EventName() string      { return "AgentSettingChanged" }
func (VaultCollateralDeposited) EventName() string { return "VaultCollateralDeposited" }
func (VaultCollateralWithdrawalAnnounced) EventName() string {
	return "VaultCollateralWithdrawalAnnounced"
}
func (VaultCollateralWithdrawn) EventName() string         { return "VaultCollateralWithdrawn" }
func (AgentDestroyAnnounced) EventName() string            { return "AgentDestroyAnnounced" }
func (AgentDestroyed) EventName() string                   { return "AgentDestroyed" }
func (CurrentUnderlyingBlockUpdated) EventName() string    { return "CurrentUnderlyingBlockUpdated" }
func (UnderlyingBalanceToppedUp) EventName() string        { return "UnderlyingBalanceToppedUp" }
func (UnderlyingWithdrawalAnnounced) EventName() string    { return "UnderlyingWithdrawalAnnounced" }
func (UnderlyingWithdrawalConfirmed) EventName() string    { return "UnderlyingWithdrawalConfirmed" }
func (UnderlyingWithdrawalCancelled) EventName() string    { return "UnderlyingWithdrawalCancelled" }
func (UnderlyingBalanceTooLow) EventName() string          { return "UnderlyingBalanceTooLow" }
func (CollateralReserved) EventName() string               { return "CollateralReserved" }
func (MintingExecuted) EventName() string                  { return "MintingExecuted" }
func (MintingPaymentDefault) EventName() string            { return "MintingPaymentDefault" }
func (CollateralReservationDeleted) EventName() string     { return "CollateralReservationDeleted" }
func (SelfMint) EventName() string                         { return "SelfMint" }
func (SelfClose) EventName() string                        { return "SelfClose" }
func (RedemptionTicketCreated) EventName() string          { return "RedemptionTicketCreated" }
func (RedemptionTicketUpdated) EventName() string          { return "RedemptionTicketUpdated" }
func (RedemptionTicketDeleted) EventName() string          { return "RedemptionTicketDeleted" }
func (DustChanged) EventName() string                      { return "DustChanged" }
func (RedemptionRequested) EventName() string              { return "RedemptionRequested" }
func (RedemptionRequestIncomplete) EventName() string      { return "RedemptionRequestIncomplete" }
func (RedemptionPerformed) EventName() string              { return "RedemptionPerformed" }
func (RedemptionPaymentFailed) EventName() string          { return "RedemptionPaymentFailed" }
func (RedemptionPaymentBlocked) EventName() string         { return "RedemptionPaymentBlocked" }
func (RedemptionDefault) EventName() string                { return "RedemptionDefault" }
func (RedemptionFinishedWithoutPayment) EventName() string { return "RedemptionFinishedWithoutPayment" }
func (RedemptionConfirmationRewarded) EventName() string   { return "RedemptionConfirmationRewarded" }
func (TransferToCoreVaultStarted) EventName() string       { return "TransferToCoreVaultStarted" }
func (TransferToCoreVaultSuccessful) EventName() string    { return "TransferToCoreVaultSuccessful" }
func (TransferToCoreVaultDefaulted) EventName() string     { return "TransferToCoreVaultDefaulted" }
func (ReturnFromCoreVaultRequested) EventName() string     { return "ReturnFromCoreVaultRequested" }
func (ReturnFromCoreVaultCancelled) EventName() string     { return "ReturnFromCoreVaultCancelled" }
func (ReturnFromCoreVaultConfirmed) EventName() string     { return "ReturnFromCoreVaultConfirmed" }
func (CoreVaultRedemptionRequested) EventName() string     { return "CoreVaultRedemptionRequested" }
func (IllegalPaymentConfirmed) EventName() string          { return "IllegalPaymentConfirmed" }
func (DuplicatePaymentConfirmed) EventName() string        { return "DuplicatePaymentConfirmed" }
func (FullLiquidationStarted) EventName() string           { return "FullLiquidationStarted" }
func (PauseChanged) EventName() string                     { return "PauseChanged" }
func (TransferRequested) EventName() string                { return "TransferRequested" }
func (TransferRequestCanceled) EventName() string          { return "TransferRequestCanceled" }
func (PaymentInstructions) EventName() string              { return "PaymentInstructions" }
func (EscrowInstructions) EventName() string               { return "EscrowInstructions" }
func (EscrowExpired) EventName() string                    { return "EscrowExpired" }
func (EscrowFinished) EventName() string                   { return "EscrowFinished" }
func (PaymentConfirmed) EventName() string                 { return "PaymentConfirmed" }
