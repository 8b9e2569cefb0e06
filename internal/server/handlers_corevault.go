package server

import (
	"net/http"

	"fassets/internal/assetmanager"
	"fassets/internal/corevault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

type transferToCoreVaultRequest struct {
	AmountUBA uint64 `json:"amountUBA"`
	PaidWei   wei    `json:"paidWei"`
}

type lotsRequest struct {
	Lots uint64 `json:"lots"`
}

type coreVaultRedeemRequest struct {
	Lots                      uint64 `json:"lots"`
	RedeemerUnderlyingAddress string `json:"redeemerUnderlyingAddress"`
}

type addressesRequest struct {
	Addresses []string `json:"addresses"`
}

type hashesRequest struct {
	Hashes []common.Hash `json:"hashes"`
}

var errCoreVaultOff = &apiError{status: http.StatusNotFound, msg: "core vault is not configured"}

func (s *Server) coreVaultRoutes(r *mux.Router) {
	s.handle(r, "/agents/{vault}/core-vault/transfers", "transfer_to_core_vault", http.StatusCreated, s.transferToCoreVault)
	s.handle(r, "/agents/{vault}/core-vault/returns", "request_return_from_core_vault", http.StatusCreated, s.requestReturn)
	s.handle(r, "/agents/{vault}/core-vault/returns/cancel", "cancel_return_from_core_vault", http.StatusOK,
		s.vaultCall((*assetmanager.Engine).CancelReturnFromCoreVault))
	s.handle(r, "/agents/{vault}/core-vault/returns/confirm", "confirm_return_from_core_vault", http.StatusOK, s.confirmReturn)

	s.handle(r, "/core-vault/redemptions", "redeem_from_core_vault", http.StatusCreated, s.redeemFromCoreVault)
	s.handle(r, "/core-vault/payments", "confirm_core_vault_payment", http.StatusOK, s.confirmCoreVaultPayment)
	s.handle(r, "/core-vault/trigger", "trigger_instructions", http.StatusOK, s.triggerInstructions)
	s.handle(r, "/core-vault/destinations", "add_allowed_destinations", http.StatusOK, s.destinations(true))
	s.handle(r, "/core-vault/destinations/remove", "remove_allowed_destinations", http.StatusOK, s.destinations(false))
	s.handle(r, "/core-vault/preimage-hashes", "add_preimage_hashes", http.StatusOK, s.addPreimageHashes)
	s.handle(r, "/core-vault/escrows/finished", "set_escrows_finished", http.StatusOK, s.escrowsFinished)
}

func (s *Server) transferToCoreVault(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req transferToCoreVaultRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return s.engine.TransferToCoreVault(c, vault, req.AmountUBA, req.PaidWei.value())
}

func (s *Server) requestReturn(r *http.Request) (any, error) {
	c, vault, err := callerAndVault(r)
	if err != nil {
		return nil, err
	}
	var req lotsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return s.engine.RequestReturnFromCoreVault(c, vault, req.Lots)
}

func (s *Server) confirmReturn(r *http.Request) (any, error) {
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
	minted, err := s.engine.ConfirmReturnFromCoreVault(r.Context(), c, req.Proof, vault)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{"mintedUBA": minted}, nil
}

func (s *Server) redeemFromCoreVault(r *http.Request) (any, error) {
	redeemer, err := caller(r)
	if err != nil {
		return nil, err
	}
	var req coreVaultRedeemRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.RedeemerUnderlyingAddress == "" {
		return nil, badRequest("redeemerUnderlyingAddress is required")
	}
	ref, err := s.engine.RedeemFromCoreVault(redeemer, req.Lots, req.RedeemerUnderlyingAddress)
	if err != nil {
		return nil, err
	}
	return map[string]string{"paymentReference": ref.Hex()}, nil
}

func (s *Server) confirmCoreVaultPayment(r *http.Request) (any, error) {
	if s.coreVault == nil {
		return nil, errCoreVaultOff
	}
	if _, err := caller(r); err != nil {
		return nil, err
	}
	var req proofRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("proof", req.Proof); err != nil {
		return nil, err
	}
	credited, err := s.coreVault.ConfirmPayment(r.Context(), req.Proof)
	if err != nil {
		return nil, err
	}
	return struct {
		Credited     bool   `json:"credited"`
		AvailableUBA uint64 `json:"availableUBA"`
	}{credited, s.coreVault.AvailableFunds()}, nil
}

func (s *Server) triggerInstructions(r *http.Request) (any, error) {
	if s.coreVault == nil {
		return nil, errCoreVaultOff
	}
	if _, err := s.governanceCaller(r); err != nil {
		return nil, err
	}
	n := s.coreVault.TriggerInstructions(s.now())
	return map[string]int{"instructions": n}, nil
}

func (s *Server) destinations(add bool) apiFunc {
	return func(r *http.Request) (any, error) {
		if s.coreVault == nil {
			return nil, errCoreVaultOff
		}
		if _, err := s.governanceCaller(r); err != nil {
			return nil, err
		}
		var req addressesRequest
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if len(req.Addresses) == 0 {
			return nil, badRequest("addresses are required")
		}
		if add {
			s.coreVault.AddAllowedDestinationAddresses(req.Addresses...)
		} else {
			s.coreVault.RemoveAllowedDestinationAddresses(req.Addresses...)
		}
		return map[string][]string{"allowed": s.coreVault.AllowedDestinations()}, nil
	}
}

func (s *Server) addPreimageHashes(r *http.Request) (any, error) {
	if s.coreVault == nil {
		return nil, errCoreVaultOff
	}
	if _, err := s.governanceCaller(r); err != nil {
		return nil, err
	}
	req, err := decodeHashes(r)
	if err != nil {
		return nil, err
	}
	if err := s.coreVault.AddPreimageHashes(req.Hashes...); err != nil {
		return nil, err
	}
	return map[string]int{"unused": s.coreVault.UnusedPreimageHashes()}, nil
}

func (s *Server) escrowsFinished(r *http.Request) (any, error) {
	if s.coreVault == nil {
		return nil, errCoreVaultOff
	}
	if _, err := s.governanceCaller(r); err != nil {
		return nil, err
	}
	req, err := decodeHashes(r)
	if err != nil {
		return nil, err
	}
	if err := s.coreVault.SetEscrowsFinished(req.Hashes...); err != nil {
		return nil, err
	}
	return map[string][]corevault.Escrow{"escrows": s.coreVault.Escrows()}, nil
}

func decodeHashes(r *http.Request) (hashesRequest, error) {
	var req hashesRequest
	if err := decode(r, &req); err != nil {
		return req, err
	}
	if len(req.Hashes) == 0 {
		return req, badRequest("hashes are required")
	}
	for _, h := range req.Hashes {
		if h == (common.Hash{}) {
			return req, badRequest("zero hash")
		}
	}
	return req, nil
}
