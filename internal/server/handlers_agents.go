package server

import (
	"context"
	"math/big"
	"net/http"

	"fassets/internal/assetmanager"
	"fassets/internal/attestation"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

type createAgentRequest struct {
	UnderlyingAddress string                     `json:"underlyingAddress"`
	Settings          assetmanager.AgentSettings `json:"settings"`
}

type amountRequest struct {
	AmountWei wei `json:"amountWei"`
}

type settingRequest struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

type proofRequest struct {
	Proof *attestation.Payment `json:"proof"`
}

type selfMintRequest struct {
	Proof *attestation.Payment `json:"proof"`
	Lots  uint64               `json:"lots"`
}

type selfCloseRequest struct {
	AmountUBA uint64 `json:"amountUBA"`
}

type illegalPaymentRequest struct {
	Transaction *attestation.BalanceDecreasingTransaction `json:"transaction"`
}

type doublePaymentRequest struct {
	Transaction1 *attestation.BalanceDecreasingTransaction `json:"transaction1"`
	Transaction2 *attestation.BalanceDecreasingTransaction `json:"transaction2"`
}

type freeBalanceRequest struct {
	Transactions []*attestation.BalanceDecreasingTransaction `json:"transactions"`
}

type rewardResponse struct {
	RewardWei string `json:"rewardWei"`
}

func (s *Server) agentRoutes(r *mux.Router) {
	s.handle(r, "/agents", "create_agent", http.StatusCreated, s.createAgent)
	s.handle(r, "/agents/{vault}/collateral/deposit", "deposit_collateral", http.StatusOK, s.depositCollateral)
	s.handle(r, "/agents/{vault}/collateral/announce-withdrawal", "announce_collateral_withdrawal", http.StatusOK,
		s.vaultAmountCall((*assetmanager.Engine).AnnounceVaultCollateralWithdrawal))
	s.handle(r, "/agents/{vault}/collateral/withdraw", "withdraw_collateral", http.StatusOK,
		s.vaultAmountCall((*assetmanager.Engine).WithdrawVaultCollateral))
	s.handle(r, "/agents/{vault}/pool/enter", "enter_pool", http.StatusOK, s.enterPool)
	s.handle(r, "/agents/{vault}/available", "make_available", http.StatusOK,
		s.vaultCall((*assetmanager.Engine).MakeAgentAvailable))
	s.handle(r, "/agents/{vault}/exit", "exit_available", http.StatusOK,
		s.vaultCall((*assetmanager.Engine).ExitAvailableAgentList))
	s.handle(r, "/agents/{vault}/destroy/announce", "announce_destroy", http.StatusOK,
		s.vaultCall((*assetmanager.Engine).AnnounceDestroyAgent))
	s.handle(r, "/agents/{vault}/destroy", "destroy_agent", http.StatusOK,
		s.vaultCall((*assetmanager.Engine).DestroyAgent))
	s.handle(r, "/agents/{vault}/settings", "set_agent_setting", http.StatusOK, s.setAgentSetting)

	s.handle(r, "/agents/{vault}/topups", "confirm_topup", http.StatusOK,
		s.vaultProofCall((*assetmanager.Engine).ConfirmTopupPayment))
	s.handle(r, "/agents/{vault}/underlying-withdrawals/announce", "announce_underlying_withdrawal", http.StatusOK,
		s.announceUnderlyingWithdrawal)
	s.handle(r, "/agents/{vault}/underlying-withdrawals/confirm", "confirm_underlying_withdrawal", http.StatusOK,
		s.vaultProofCall((*assetmanager.Engine).ConfirmUnderlyingWithdrawal))
	s.handle(r, "/agents/{vault}/underlying-withdrawals/cancel", "cancel_underlying_withdrawal", http.StatusOK,
		s.vaultCall((*assetmanager.Engine).CancelUnderlyingWithdrawal))

	s.handle(r, "/agents/{vault}/self-mint", "self_mint", http.StatusOK, s.selfMint)
	s.handle(r, "/agents/{vault}/self-close", "self_close", http.StatusOK, s.selfClose)

	s.handle(r, "/agents/{vault}/challenges/illegal-payment", "challenge_illegal_payment", http.StatusOK, s.illegalPayment)
	s.handle(r, "/agents/{vault}/challenges/double-payment", "challenge_double_payment", http.StatusOK, s.doublePayment)
	s.handle(r, "/agents/{vault}/challenges/free-balance-negative", "challenge_free_balance", http.StatusOK, s.freeBalanceNegative)

	s.handle(r, "/underlying-block", "update_underlying_block", http.StatusOK, s.updateUnderlyingBlock)
}

// callerAndVault reads the two addresses every agent call needs.
func callerAndVault(r *http.Request) (common.Address, common.Address, error) {
	c, err := caller(r)
	if err != nil {
		return c, common.Address{}, err
	}
	vault, err := pathAddress(r, "vault")
	return c, vault, err
}

func (s *Server) vaultCall(fn func(*assetmanager.Engine, common.Address, common.Address) error) apiFunc {
	return func(r *http.Request) (any, error) {
		c, vault, err := callerAndVault(r)
		if err != nil {
			return nil, err
		}
		if err := fn(s.engine, c, vault); err != nil {
			return nil, err
		}
		return s.engine.AgentInfo(vault)
	}
}

func (s *Server) vaultAmountCall(fn func(*assetmanager.Engine, common.Address, common.Address, *big.Int) error) apiFunc {
	return func(r *http.Request) (any, error) {
		c, vault, err := callerAndVault(r)
		if err != nil {
			return nil, err
		}
		var req amountRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if err := fn(s.engine, c, vault, req.AmountWei.value()); err != nil {
			return nil, err
		}
		return s.engine.AgentInfo(vault)
	}
}

func (s *Server) vaultProofCall(fn func(*assetmanager.Engine, context.Context, common.Address, *attestation.Payment, common.Address) error) apiFunc {
	return func(r *http.Request) (any, error) {
		c, vault, err := callerAndVault(r)
		if err != nil {
			return nil, err
		}
		var req proofRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if err := requireProof("proof", req.Proof); err != nil {
			return nil, err
		}
		if err := fn(s.engine, r.Context(), c, req.Proof, vault); err != nil {
			return nil, err
		}
		return s.engine.AgentInfo(vault)
	}
}

func (s *Server) createAgent(r *http.Request) (any, error) {
	owner, err := caller(r)
	if err != nil {
		return nil, err
	}
	var req createAgentRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.UnderlyingAddress == "" {
		return nil, badRequest("underlyingAddress is required")
	}
	vault, err := s.engine.CreateAgentVault(owner, req.UnderlyingAddress, req.Settings)
	if err != nil {
		return nil, err
	}
	return s.engine.AgentInfo(vault)
}

// depositCollateral is open to anyone; topping up an agent only helps it.
func (s *Server) depositCollateral(r *http.Request) (any, error) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.DepositVaultCollateral(vault, req.AmountWei.value()); err != nil {
		return nil, err
	}
	return s.engine.AgentInfo(vault)
}

func (s *Server) enterPool(r *http.Request) (any, error) {
	vault, err := pathAddress(r, "vault")
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.AgentInfo(vault); err != nil {
		return nil, err
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.AmountWei.value().Sign() == 0 {
		return nil, badRequest("amountWei must be positive")
	}
	if err := s.pools.Enter(vault, req.AmountWei.value()); err != nil {
		return nil, err
	}
	return s.engine.AgentInfo(vault)
}

func (s *Server) setAgentSetting(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req settingRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := s.engine.SetAgentSetting(c, vault, req.Name, req.Value); err != nil {
		return nil, err
	}
	return s.engine.AgentInfo(vault)
}

func (s *Server) announceUnderlyingWithdrawal(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	ref, err := s.engine.AnnounceUnderlyingWithdrawal(c, vault)
	if err != nil {
		return nil, err
	}
	return map[string]string{"paymentReference": ref.Hex()}, nil
}

func (s *Server) selfMint(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req selfMintRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("proof", req.Proof); err != nil {
		return nil, err
	}
	return s.engine.SelfMint(r.Context(), c, req.Proof, vault, req.Lots)
}

func (s *Server) selfClose(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req selfCloseRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	closed, err := s.engine.SelfClose(c, vault, req.AmountUBA)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"closedUBA": closed}, nil
}

func (s *Server) illegalPayment(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req illegalPaymentRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("transaction", req.Transaction); err != nil {
		return nil, err
	}
	reward, err := s.engine.IllegalPaymentChallenge(r.Context(), c, req.Transaction, vault)
	if err != nil {
		return nil, err
	}
	return rewardResponse{RewardWei: reward.String()}, nil
}

func (s *Server) doublePayment(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req doublePaymentRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("transaction1", req.Transaction1); err != nil {
		return nil, err
	}
	if err := requireProof("transaction2", req.Transaction2); err != nil {
		return nil, err
	}
	reward, err := s.engine.DoublePaymentChallenge(r.Context(), c, req.Transaction1, req.Transaction2, vault)
	if err != nil {
		return nil, err
	}
	return rewardResponse{RewardWei: reward.String()}, nil
}

func (s *Server) freeBalanceNegative(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req freeBalanceRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if len(req.Transactions) == 0 {
		return nil, badRequest("transactions are required")
	}
	for _, tx := range req.Transactions {
		if tx == nil {
			return nil, badRequest("transactions must not contain null")
		}
	}
	reward, err := s.engine.FreeBalanceNegativeChallenge(r.Context(), c, req.Transactions, vault)
	if err != nil {
		return nil, err
	}
	return rewardResponse{RewardWei: reward.String()}, nil
}

func (s *Server) updateUnderlyingBlock(r *http.Request) (any, error) {
	if _, err := caller(r); err != nil {
		return nil, err
	}
	var req struct {
		Proof *attestation.ConfirmedBlockHeightExists `json:"proof"`
	}
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("proof", req.Proof); err != nil {
		return nil, err
	}
	updated, err := s.engine.UpdateCurrentBlock(r.Context(), req.Proof)
	if err != nil {
		return nil, err
	}
	return struct {
		Updated bool `json:"updated"`
		Chain   any  `json:"chain"`
	}{updated, s.engine.UnderlyingChain()}, nil
}
