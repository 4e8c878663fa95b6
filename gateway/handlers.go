package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"x402insurance/settlement"
	"x402insurance/storage"
	"x402insurance/zkengine"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReserveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

type insureRequest struct {
	MerchantURL   string `json:"merchant_url"`
	CoverageUnits uint64 `json:"coverage_units"`
}

type insureResponse struct {
	PolicyID      string `json:"policy_id"`
	AgentAddress  string `json:"agent_address"`
	CoverageUnits uint64 `json:"coverage_units"`
	PremiumUnits  uint64 `json:"premium_units"`
	Status        string `json:"status"`
	ExpiresAt     string `json:"expires_at"`
}

func (s *Server) handleInsure(w http.ResponseWriter, r *http.Request) {
	var req insureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MerchantURL == "" || req.CoverageUnits == 0 {
		writeError(w, http.StatusBadRequest, "missing merchant_url or coverage_units")
		return
	}
	if req.CoverageUnits > s.insurance.MaxCoverageUnits {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("coverage exceeds maximum of %d units", s.insurance.MaxCoverageUnits))
		return
	}

	premiumUnits := req.CoverageUnits * s.insurance.PremiumBps / 10_000
	if premiumUnits == 0 {
		premiumUnits = 1
	}

	payment, ok := s.requirePayment(w, r, premiumUnits, "Insurance premium for micropayment protection")
	if !ok {
		return
	}
	if payment.Payer == "" {
		writeError(w, http.StatusInternalServerError, "payment verified but no payer address found")
		return
	}

	urlHash := sha256.Sum256([]byte(req.MerchantURL))
	now := s.now().UTC()
	policy := &storage.Policy{
		ID:              uuid.New(),
		AgentAddress:    payment.Payer,
		MerchantURL:     req.MerchantURL,
		MerchantURLHash: hex.EncodeToString(urlHash[:]),
		CoverageUnits:   req.CoverageUnits,
		PremiumUnits:    premiumUnits,
		Status:          storage.PolicyActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.insurance.PolicyDuration),
	}
	if err := s.store.CreatePolicy(r.Context(), policy); err != nil {
		s.log.Error("policy creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist policy")
		return
	}

	s.log.Info("policy issued",
		"policy", policy.ID, "agent", policy.AgentAddress, "coverage_units", policy.CoverageUnits)
	writeJSON(w, http.StatusCreated, insureResponse{
		PolicyID:      policy.ID.String(),
		AgentAddress:  policy.AgentAddress,
		CoverageUnits: policy.CoverageUnits,
		PremiumUnits:  policy.PremiumUnits,
		Status:        policy.Status,
		ExpiresAt:     policy.ExpiresAt.Format(timeLayout),
	})
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

type claimRequest struct {
	PolicyID     string            `json:"policy_id"`
	HTTPResponse *claimRequestHTTP `json:"http_response"`
}

type claimRequestHTTP struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

type claimResponse struct {
	ClaimID       string  `json:"claim_id"`
	PolicyID      string  `json:"policy_id"`
	Proof         string  `json:"proof"`
	PublicSignals []int64 `json:"public_inputs"`
	PayoutUnits   uint64  `json:"payout_units"`
	RefundTxHash  string  `json:"refund_tx_hash"`
	Status        string  `json:"status"`
	ProofURL      string  `json:"proof_url"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PolicyID == "" || req.HTTPResponse == nil {
		writeError(w, http.StatusBadRequest, "missing policy_id or http_response")
		return
	}
	policyID, err := uuid.Parse(req.PolicyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy_id")
		return
	}

	policy, err := s.store.GetPolicy(r.Context(), policyID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	if err != nil {
		s.log.Error("policy lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "policy lookup failed")
		return
	}
	if policy.Status != storage.PolicyActive {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("policy is not active: %s", policy.Status))
		return
	}
	if policy.ExpiresAt.Before(s.now()) {
		writeError(w, http.StatusBadRequest, "policy expired")
		return
	}

	proof, err := s.engine.Prove(r.Context(), req.HTTPResponse.Status, req.HTTPResponse.Body)
	if err != nil {
		s.log.Error("proof generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "proof generation failed")
		return
	}
	valid, err := s.engine.Verify(r.Context(), proof.Hex, proof.PublicSignals)
	if err != nil || !valid {
		s.log.Error("proof self-check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "generated proof is invalid")
		return
	}
	if !proof.FraudDetected() {
		writeError(w, http.StatusBadRequest, "no fraud detected in HTTP response")
		return
	}

	// Parametric payout: the proof establishes that a covered failure
	// occurred; the policy's full coverage is paid.
	payoutUnits := policy.CoverageUnits
	receipt, err := s.settler.Transfer(r.Context(), policy.AgentAddress, new(big.Int).SetUint64(payoutUnits))
	if err != nil {
		// The claim stays unpaid and the policy stays active; a settlement
		// failure is a retryable server error, distinct from not-found.
		s.log.Error("refund settlement failed", "policy", policy.ID, "error", err)
		writeError(w, http.StatusBadGateway, "refund failed, claim not settled")
		return
	}

	bodyHash := sha256.Sum256([]byte(req.HTTPResponse.Body))
	signals, _ := json.Marshal(proof.PublicSignals)
	now := s.now().UTC()
	claim := &storage.Claim{
		ID:            uuid.New(),
		PolicyID:      policy.ID,
		Proof:         proof.Hex,
		PublicSignals: string(signals),
		ProofMillis:   proof.GenMillis,
		HTTPStatus:    req.HTTPResponse.Status,
		BodyHash:      hex.EncodeToString(bodyHash[:]),
		PayoutUnits:   payoutUnits,
		RefundTxHash:  receipt.TxHash,
		Recipient:     policy.AgentAddress,
		Status:        storage.ClaimPaid,
		CreatedAt:     now,
		PaidAt:        now,
	}
	if err := s.store.RecordClaim(r.Context(), claim); err != nil {
		s.log.Error("claim persistence failed", "claim", claim.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "refund issued but claim record failed")
		return
	}

	s.publishAudit(r, claim, proof.PublicSignals)

	writeJSON(w, http.StatusCreated, claimResponse{
		ClaimID:       claim.ID.String(),
		PolicyID:      policy.ID.String(),
		Proof:         proof.Hex,
		PublicSignals: proof.PublicSignals,
		PayoutUnits:   payoutUnits,
		RefundTxHash:  receipt.TxHash,
		Status:        claim.Status,
		ProofURL:      "/proofs/" + claim.ID.String(),
	})
}

// publishAudit commits the proof record on-chain. Best effort: the refund is
// already settled, so the failure variant is logged and discarded.
func (s *Server) publishAudit(r *http.Request, claim *storage.Claim, signals []int64) {
	digest := sha256.Sum256([]byte(claim.Proof))
	result := s.settler.PublishProof(r.Context(), settlementRecord(claim, signals, hex.EncodeToString(digest[:])))
	if !result.Published() {
		s.log.Warn("proof publication failed", "claim", claim.ID, "error", result.Err)
		return
	}
	s.log.Info("proof published", "claim", claim.ID, "tx", result.TxHash)
}

func settlementRecord(claim *storage.Claim, signals []int64, digest string) settlement.ProofRecord {
	return settlement.ProofRecord{
		ClaimID:       claim.ID.String(),
		ProofDigest:   digest,
		PublicSignals: signals,
		PayoutUnits:   claim.PayoutUnits,
		Recipient:     claim.Recipient,
	}
}

type verifyRequest struct {
	Proof         string  `json:"proof"`
	PublicSignals []int64 `json:"public_inputs"`
}

type verifyResponse struct {
	Valid         bool    `json:"valid"`
	PublicSignals []int64 `json:"public_inputs"`
	FraudDetected bool    `json:"fraud_detected"`
	PayoutAmount  int64   `json:"payout_amount"`
}

// handleVerify checks a previously issued proof against its public signals.
// Public: anyone holding a proof can confirm it independently of the claim
// that produced it.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Proof == "" || len(req.PublicSignals) == 0 {
		writeError(w, http.StatusBadRequest, "missing proof or public_inputs")
		return
	}

	valid, err := s.engine.Verify(r.Context(), req.Proof, req.PublicSignals)
	if err != nil {
		s.log.Error("proof verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "proof verification failed")
		return
	}

	var payout int64
	if len(req.PublicSignals) > zkengine.SignalPayout {
		payout = req.PublicSignals[zkengine.SignalPayout]
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:         valid,
		PublicSignals: req.PublicSignals,
		FraudDetected: req.PublicSignals[zkengine.SignalIsFraud] == 1,
		PayoutAmount:  payout,
	})
}

type proofResponse struct {
	ClaimID       string `json:"claim_id"`
	PolicyID      string `json:"policy_id"`
	Proof         string `json:"proof"`
	PublicSignals string `json:"public_inputs"`
	HTTPStatus    int    `json:"http_status"`
	BodyHash      string `json:"http_body_hash"`
	PayoutUnits   uint64 `json:"payout_units"`
	RefundTxHash  string `json:"refund_tx_hash"`
	Recipient     string `json:"recipient_address"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	PaidAt        string `json:"paid_at"`
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	claimID, err := uuid.Parse(chi.URLParam(r, "claimID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid claim id")
		return
	}
	claim, err := s.store.GetClaim(r.Context(), claimID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "claim not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "claim lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, proofResponse{
		ClaimID:       claim.ID.String(),
		PolicyID:      claim.PolicyID.String(),
		Proof:         claim.Proof,
		PublicSignals: claim.PublicSignals,
		HTTPStatus:    claim.HTTPStatus,
		BodyHash:      claim.BodyHash,
		PayoutUnits:   claim.PayoutUnits,
		RefundTxHash:  claim.RefundTxHash,
		Recipient:     claim.Recipient,
		Status:        claim.Status,
		CreatedAt:     claim.CreatedAt.Format(timeLayout),
		PaidAt:        claim.PaidAt.Format(timeLayout),
	})
}
