// Package gateway exposes the insurance service over HTTP: policy purchase
// behind x402 payment, claim submission, proof retrieval, and health
// surfaces.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"x402insurance/auth"
	"x402insurance/reserve"
	"x402insurance/settlement"
	"x402insurance/storage"
	"x402insurance/zkengine"
)

// InsuranceParams capture the pricing knobs used by the insure endpoint.
type InsuranceParams struct {
	PremiumBps       uint64
	MaxCoverageUnits uint64
	PolicyDuration   time.Duration
}

// PaymentParams describe the x402 payment requirement advertised on 402
// challenges and enforced on verification.
type PaymentParams struct {
	BackendAddress string
	TokenAddress   string
	Network        string
	MaxAge         time.Duration
}

// Server wires the HTTP surface to the core components.
type Server struct {
	verifier  auth.Verifier
	store     *storage.Store
	settler   settlement.Settler
	engine    zkengine.Engine
	monitor   *reserve.Monitor
	insurance InsuranceParams
	payment   PaymentParams
	log       *slog.Logger
	now       func() time.Time
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithServerClock sets the function used to derive timestamps.
func WithServerClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.now = clock }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer constructs the gateway server.
func NewServer(
	verifier auth.Verifier,
	store *storage.Store,
	settler settlement.Settler,
	engine zkengine.Engine,
	monitor *reserve.Monitor,
	insurance InsuranceParams,
	payment PaymentParams,
	opts ...ServerOption,
) *Server {
	s := &Server{
		verifier:  verifier,
		store:     store,
		settler:   settler,
		engine:    engine,
		monitor:   monitor,
		insurance: insurance,
		payment:   payment,
		log:       slog.Default().With("component", "gateway"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/reserves/health", s.handleReserveHealth)
	r.Post("/insure", s.handleInsure)
	r.Post("/claim", s.handleClaim)
	r.Post("/verify", s.handleVerify)
	r.Get("/proofs/{claimID}", s.handleGetProof)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
