package assetmanager

import (
	"fmt"
	"math/big"
	"time"

	"fassets/internal/safemath"
)

// Settings are the per-asset parameters. Amounts are in UBA unless the name
// says AMG or Wei.
type Settings struct {
	AssetName            string `yaml:"assetName" json:"assetName"`
	AssetSymbol          string `yaml:"assetSymbol" json:"assetSymbol"`
	AssetDecimals        uint32 `yaml:"assetDecimals" json:"assetDecimals"`
	AssetMintingDecimals uint32 `yaml:"assetMintingDecimals" json:"assetMintingDecimals"`
	LotSizeAMG           uint64 `yaml:"lotSizeAMG" json:"lotSizeAMG"`
	MintingCapAMG        uint64 `yaml:"mintingCapAMG" json:"mintingCapAMG"`
	UnderlyingChain      string `yaml:"underlyingChain" json:"underlyingChain"`
	ChainID              string `yaml:"chainId" json:"chainId"`

	CollateralReservationFeeBIPS uint64 `yaml:"collateralReservationFeeBIPS" json:"collateralReservationFeeBIPS"`
	UnderlyingBlocksForPayment   uint64 `yaml:"underlyingBlocksForPayment" json:"underlyingBlocksForPayment"`
	UnderlyingSecondsForPayment  uint64 `yaml:"underlyingSecondsForPayment" json:"underlyingSecondsForPayment"`
	AverageBlockTimeMS           uint64 `yaml:"averageBlockTimeMS" json:"averageBlockTimeMS"`
	UnstickMintingPenaltyBIPS    uint64 `yaml:"unstickMintingPenaltyBIPS" json:"unstickMintingPenaltyBIPS"`

	RedemptionFeeBIPS                          uint64 `yaml:"redemptionFeeBIPS" json:"redemptionFeeBIPS"`
	RedemptionDefaultFactorVaultCollateralBIPS uint64 `yaml:"redemptionDefaultFactorVaultCollateralBIPS" json:"redemptionDefaultFactorVaultCollateralBIPS"`
	RedemptionDefaultFactorPoolBIPS            uint64 `yaml:"redemptionDefaultFactorPoolBIPS" json:"redemptionDefaultFactorPoolBIPS"`
	MaxRedeemedTickets                         uint64 `yaml:"maxRedeemedTickets" json:"maxRedeemedTickets"`
	ConfirmationByOthersAfterSeconds           uint64 `yaml:"confirmationByOthersAfterSeconds" json:"confirmationByOthersAfterSeconds"`
	ConfirmationByOthersRewardWei              uint64 `yaml:"confirmationByOthersRewardWei" json:"confirmationByOthersRewardWei"`

	MinVaultCollateralRatioBIPS uint64 `yaml:"minVaultCollateralRatioBIPS" json:"minVaultCollateralRatioBIPS"`
	MinPoolCollateralRatioBIPS  uint64 `yaml:"minPoolCollateralRatioBIPS" json:"minPoolCollateralRatioBIPS"`
	MinUnderlyingBackingBIPS    uint64 `yaml:"minUnderlyingBackingBIPS" json:"minUnderlyingBackingBIPS"`
	WithdrawalWaitMinSeconds    uint64 `yaml:"withdrawalWaitMinSeconds" json:"withdrawalWaitMinSeconds"`

	PaymentChallengeRewardBIPS uint64 `yaml:"paymentChallengeRewardBIPS" json:"paymentChallengeRewardBIPS"`
	PaymentChallengeRewardWei  uint64 `yaml:"paymentChallengeRewardWei" json:"paymentChallengeRewardWei"`

	CoreVaultTransferFeeBIPS              uint64 `yaml:"coreVaultTransferFeeBIPS" json:"coreVaultTransferFeeBIPS"`
	CoreVaultTransferTimeExtensionSeconds uint64 `yaml:"coreVaultTransferTimeExtensionSeconds" json:"coreVaultTransferTimeExtensionSeconds"`
	CoreVaultMinimumAmountLeftBIPS        uint64 `yaml:"coreVaultMinimumAmountLeftBIPS" json:"coreVaultMinimumAmountLeftBIPS"`
	CoreVaultRedemptionFeeBIPS            uint64 `yaml:"coreVaultRedemptionFeeBIPS" json:"coreVaultRedemptionFeeBIPS"`
	CoreVaultMinimumRedeemLots            uint64 `yaml:"coreVaultMinimumRedeemLots" json:"coreVaultMinimumRedeemLots"`
	CoreVaultNativeAddress                string `yaml:"coreVaultNativeAddress" json:"coreVaultNativeAddress"`
	CoreVaultUnderlyingAddress            string `yaml:"coreVaultUnderlyingAddress" json:"coreVaultUnderlyingAddress"`
	CoreVaultCustodianAddress             string `yaml:"coreVaultCustodianAddress" json:"coreVaultCustodianAddress"`
	CoreVaultEscrowAmountUBA              uint64 `yaml:"coreVaultEscrowAmountUBA" json:"coreVaultEscrowAmountUBA"`
	CoreVaultEscrowEndTimeSeconds         uint64 `yaml:"coreVaultEscrowEndTimeSeconds" json:"coreVaultEscrowEndTimeSeconds"`
	CoreVaultMinimalAmountLeftUBA         uint64 `yaml:"coreVaultMinimalAmountLeftUBA" json:"coreVaultMinimalAmountLeftUBA"`
	CoreVaultChainPaymentFeeUBA           uint64 `yaml:"coreVaultChainPaymentFeeUBA" json:"coreVaultChainPaymentFeeUBA"`

	// Prices are wei per AMG scaled by 1e9, read through FixedPrices.
	AMGToVaultWeiPrice uint64 `yaml:"amgToVaultWeiPrice" json:"amgToVaultWeiPrice"`
	AMGToPoolWeiPrice  uint64 `yaml:"amgToPoolWeiPrice" json:"amgToPoolWeiPrice"`
}

// Validate checks internal consistency of the settings.
func (s Settings) Validate() error {
	switch {
	case s.AssetMintingDecimals > s.AssetDecimals:
		return fmt.Errorf("assetMintingDecimals %d exceeds assetDecimals %d", s.AssetMintingDecimals, s.AssetDecimals)
	case s.AssetDecimals-s.AssetMintingDecimals > 18:
		return fmt.Errorf("minting granularity too large")
	case s.LotSizeAMG == 0:
		return fmt.Errorf("lotSizeAMG must be positive")
	case s.ChainID == "":
		return fmt.Errorf("chainId is required")
	case s.UnderlyingBlocksForPayment == 0 || s.UnderlyingSecondsForPayment == 0:
		return fmt.Errorf("payment window must be positive")
	case s.MinVaultCollateralRatioBIPS < safemath.MaxBIPS || s.MinPoolCollateralRatioBIPS < safemath.MaxBIPS:
		return fmt.Errorf("minimum collateral ratios must be at least 100%%")
	case s.MinUnderlyingBackingBIPS > safemath.MaxBIPS:
		return fmt.Errorf("minUnderlyingBackingBIPS above 100%%")
	case s.RedemptionFeeBIPS >= safemath.MaxBIPS:
		return fmt.Errorf("redemptionFeeBIPS must be below 100%%")
	case s.CoreVaultRedemptionFeeBIPS >= safemath.MaxBIPS:
		return fmt.Errorf("coreVaultRedemptionFeeBIPS must be below 100%%")
	case s.CoreVaultMinimumAmountLeftBIPS > safemath.MaxBIPS:
		return fmt.Errorf("coreVaultMinimumAmountLeftBIPS above 100%%")
	case s.MaxRedeemedTickets == 0:
		return fmt.Errorf("maxRedeemedTickets must be positive")
	case s.AMGToVaultWeiPrice == 0 || s.AMGToPoolWeiPrice == 0:
		return fmt.Errorf("prices must be positive")
	}
	for name, v := range map[string]uint64{
		"collateralReservationFeeBIPS":    s.CollateralReservationFeeBIPS,
		"unstickMintingPenaltyBIPS":       s.UnstickMintingPenaltyBIPS,
		"paymentChallengeRewardBIPS":      s.PaymentChallengeRewardBIPS,
		"coreVaultTransferFeeBIPS":        s.CoreVaultTransferFeeBIPS,
		"redemptionDefaultFactorPoolBIPS": s.RedemptionDefaultFactorPoolBIPS,
	} {
		if v > safemath.MaxBIPS {
			return fmt.Errorf("%s above 100%%", name)
		}
	}
	return nil
}

// GranularityUBA is the number of UBA in one AMG.
func (s Settings) GranularityUBA() uint64 {
	g := uint64(1)
	for i := s.AssetMintingDecimals; i < s.AssetDecimals; i++ {
		g *= 10
	}
	return g
}

func (s Settings) AMGToUBA(amg uint64) uint64 { return amg * s.GranularityUBA() }
func (s Settings) UBAToAMG(uba uint64) uint64 { return uba / s.GranularityUBA() }
func (s Settings) LotSizeUBA() uint64         { return s.AMGToUBA(s.LotSizeAMG) }

func (s Settings) AverageBlockTime() time.Duration {
	return time.Duration(s.AverageBlockTimeMS) * time.Millisecond
}

// PriceReader supplies collateral prices as wei per AMG scaled by 1e9.
type PriceReader interface {
	AMGToVaultWeiPrice() (*big.Int, error)
	AMGToPoolWeiPrice() (*big.Int, error)
}

// FixedPrices serves constant prices.
type FixedPrices struct {
	Vault *big.Int
	Pool  *big.Int
}

func FixedPricesFromSettings(s Settings) FixedPrices {
	return FixedPrices{
		Vault: new(big.Int).SetUint64(s.AMGToVaultWeiPrice),
		Pool:  new(big.Int).SetUint64(s.AMGToPoolWeiPrice),
	}
}

func (p FixedPrices) AMGToVaultWeiPrice() (*big.Int, error) { return new(big.Int).Set(p.Vault), nil }
func (p FixedPrices) AMGToPoolWeiPrice() (*big.Int, error)  { return new(big.Int).Set(p.Pool), nil }

var priceScale = big.NewInt(1_000_000_000)

// amgToWei converts AMG to wei at price (wei per AMG scaled by 1e9), rounding down.
func amgToWei(amg uint64, price *big.Int) *big.Int {
	out := new(big.Int).Mul(new(big.Int).SetUint64(amg), price)
	return out.Quo(out, priceScale)
}
