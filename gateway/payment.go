package gateway

import (
	"net/http"
	"strconv"

	"x402insurance/auth"
)

// Header names carrying the x402 payment claim.
const (
	headerPayment = "X-Payment"
	headerPayer   = "X-Payer"
	headerFrom    = "X-From-Address"
)

// paymentChallenge is the 402 response body advertising how to pay.
type paymentChallenge struct {
	Error   string             `json:"error"`
	Accepts []paymentRequisite `json:"accepts"`
}

type paymentRequisite struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	PayTo       string `json:"payTo"`
	Amount      string `json:"maxAmountRequired"`
	Description string `json:"description"`
}

// requirePayment verifies the inbound payment claim against the required
// amount. On failure it writes the 402 challenge and returns an invalid
// result; a rejected claim is an authentication-style failure, never a server
// error.
func (s *Server) requirePayment(w http.ResponseWriter, r *http.Request, requiredUnits uint64, description string) (auth.VerificationResult, bool) {
	header := r.Header.Get(headerPayment)
	payerHint := r.Header.Get(headerPayer)
	if payerHint == "" {
		payerHint = r.Header.Get(headerFrom)
	}
	if header == "" {
		s.writeChallenge(w, requiredUnits, description, "payment required")
		return auth.VerificationResult{}, false
	}

	result := s.verifier.Verify(header, payerHint, requiredUnits, s.payment.MaxAge)
	if !result.Valid {
		s.writeChallenge(w, requiredUnits, description, "payment verification failed")
		return result, false
	}
	return result, true
}

func (s *Server) writeChallenge(w http.ResponseWriter, requiredUnits uint64, description, message string) {
	writeJSON(w, http.StatusPaymentRequired, paymentChallenge{
		Error: message,
		Accepts: []paymentRequisite{{
			Scheme:      "exact",
			Network:     s.payment.Network,
			Asset:       s.payment.TokenAddress,
			PayTo:       s.payment.BackendAddress,
			Amount:      strconv.FormatUint(requiredUnits, 10),
			Description: description,
		}},
	})
}
