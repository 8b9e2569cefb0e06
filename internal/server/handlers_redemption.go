package server

import (
	"net/http"

	"fassets/internal/assetmanager"

	"github.com/gorilla/mux"
)

type redeemRequest struct {
	Lots                      uint64 `json:"lots"`
	RedeemerUnderlyingAddress string `json:"redeemerUnderlyingAddress"`
	Executor                  string `json:"executor,omitempty"`
	ExecutorFeeWei            wei    `json:"executorFeeWei"`
}

func (s *Server) redemptionRoutes(r *mux.Router) {
	s.handle(r, "/redemptions", "redeem", http.StatusCreated, s.redeem)
	s.handle(r, "/redemptions/{id}/confirm", "confirm_redemption_payment", http.StatusOK, s.confirmRedemptionPayment)
	s.handle(r, "/redemptions/{id}/default", "redemption_payment_default", http.StatusOK, s.redemptionPaymentDefault)
	s.handle(r, "/redemptions/{id}/finish", "finish_redemption_without_payment", http.StatusOK, s.finishRedemption)
}

func (s *Server) redeem(r *http.Request) (any, error) {
	redeemer, err := caller(r)
	if err != nil {
		return nil, err
	}
	var req redeemRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.RedeemerUnderlyingAddress == "" {
		return nil, badRequest("redeemerUnderlyingAddress is required")
	}
	executor, err := parseAddress("executor", req.Executor)
	if err != nil {
		return nil, err
	}
	return s.engine.Redeem(assetmanager.RedeemRequest{
		Redeemer:                  redeemer,
		Lots:                      req.Lots,
		RedeemerUnderlyingAddress: req.RedeemerUnderlyingAddress,
		Executor:                  executor,
		ExecutorFeeWei:            req.ExecutorFeeWei.value(),
	})
}

func (s *Server) confirmRedemptionPayment(r *http.Request) (any, error) {
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
	return s.engine.ConfirmRedemptionPayment(r.Context(), c, req.Proof, id)
}

func (s *Server) redemptionPaymentDefault(r *http.Request) (any, error) {
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
	return s.engine.RedemptionPaymentDefault(r.Context(), c, req.Proof, req.Overflow, id)
}

func (s *Server) finishRedemption(r *http.Request) (any, error) {
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
	return s.engine.FinishRedemptionWithoutPayment(r.Context(), c, req.Proof, id)
}
