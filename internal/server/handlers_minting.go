package server

import (
	"net/http"

	"fassets/internal/assetmanager"
	"fassets/internal/attestation"

	"github.com/gorilla/mux"
)

type reserveRequest struct {
	Agent             string `json:"agent"`
	Lots              uint64 `json:"lots"`
	MaxMintingFeeBIPS uint64 `json:"maxMintingFeeBIPS"`
	Executor          string `json:"executor,omitempty"`
	PaidWei           wei    `json:"paidWei"`
}

// nonPaymentRequest carries the proofs for a payment default. Overflow proves
// the first block past the payment window.
type nonPaymentRequest struct {
	Proof    *attestation.ReferencedPaymentNonexistence `json:"proof"`
	Overflow *attestation.ConfirmedBlockHeightExists    `json:"overflow"`
}

type blockProofRequest struct {
	Proof *attestation.ConfirmedBlockHeightExists `json:"proof"`
}

func (s *Server) mintingRoutes(r *mux.Router) {
	s.handle(r, "/reservations", "reserve_collateral", http.StatusCreated, s.reserveCollateral)
	s.handle(r, "/reservations/{id}/execute", "execute_minting", http.StatusOK, s.executeMinting)
	s.handle(r, "/reservations/{id}/default", "minting_payment_default", http.StatusOK, s.mintingPaymentDefault)
	s.handle(r, "/reservations/{id}/unstick", "unstick_minting", http.StatusOK, s.unstickMinting)
}

func (s *Server) reserveCollateral(r *http.Request) (any, error) {
	minter, err := caller(r)
	if err != nil {
		return nil, err
	}
	var req reserveRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	agent, err := parseAddress("agent", req.Agent)
	if err != nil {
		return nil, err
	}
	executor, err := parseAddress("executor", req.Executor)
	if err != nil {
		return nil, err
	}
	return s.engine.ReserveCollateral(assetmanager.ReservationRequest{
		Minter:            minter,
		Agent:             agent,
		Lots:              req.Lots,
		MaxMintingFeeBIPS: req.MaxMintingFeeBIPS,
		Executor:          executor,
		PaidWei:           req.PaidWei.value(),
	})
}

func (s *Server) executeMinting(r *http.Request) (any, error) {
	c, err := caller(r)
	if err != nil {
		return nil, err
	}
	id, err := pathID(r)
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
	return s.engine.ExecuteMinting(r.Context(), c, req.Proof, id)
}

func (s *Server) mintingPaymentDefault(r *http.Request) (any, error) {
	c, err := caller(r)
	if err != nil {
		return nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req nonPaymentRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("proof", req.Proof); err != nil {
		return nil, err
	}
	if err := s.engine.MintingPaymentDefault(r.Context(), c, req.Proof, req.Overflow, id); err != nil {
		return nil, err
	}
	return map[string]uint64{"collateralReservationId": id}, nil
}

func (s *Server) unstickMinting(r *http.Request) (any, error) {
	c, err := caller(r)
	if err != nil {
		return nil, err
	}
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	var req blockProofRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := requireProof("proof", req.Proof); err != nil {
		return nil, err
	}
	burned, err := s.engine.UnstickMinting(r.Context(), c, req.Proof, id)
	if err != nil {
		return nil, err
	}
	return struct {
		CollateralReservationID uint64 `json:"collateralReservationId"`
		BurnedWei               string `json:"burnedWei"`
	}{id, burned.String()}, nil
}
