// Package reserve monitors custodial solvency: current on-chain reserves
// against the summed liability of active policies.
package reserve

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"x402insurance/observability"
)

// usdcUnitsPerDollar converts smallest token units to display amounts.
const usdcUnitsPerDollar = 1_000_000

// ratioSentinel stands in for an unbounded ratio when liability is zero.
const ratioSentinel = 999

// Health classifications.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusUnknown  = "unknown"
	StatusError    = "error"
)

// ReserveSource reports the custodial token balance.
type ReserveSource interface {
	Reserves(ctx context.Context) (*big.Int, error)
}

// LiabilitySource reports the summed coverage of active policies.
type LiabilitySource interface {
	ActiveLiability(ctx context.Context) (units uint64, policies int64, err error)
}

// PolicyExpirer lapses active policies whose coverage window has passed.
type PolicyExpirer interface {
	ExpirePolicies(ctx context.Context, now time.Time) (int64, error)
}

// Snapshot is a point-in-time health view. It is recomputed on every poll and
// never persisted.
type Snapshot struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	ReservesUSDC   float64 `json:"reserves_usdc"`
	ReservesUnits  uint64  `json:"reserves_units"`
	LiabilityUSDC  float64 `json:"liability_usdc"`
	LiabilityUnits uint64  `json:"liability_units"`
	Ratio          float64 `json:"ratio"`
	MinRatio       float64 `json:"min_ratio"`
	ActivePolicies int64   `json:"active_policies"`
	CheckedAt      string  `json:"checked_at"`
}

// Monitor compares reserves against liabilities and raises health alerts.
// Alert suppression state is owned by the instance; separate monitors never
// share it.
type Monitor struct {
	reserves    ReserveSource
	liabilities LiabilitySource
	expirer     PolicyExpirer
	minRatio    float64
	metrics     *observability.InsuranceMetrics
	log         *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	lastAlert time.Time
}

// Option customises the monitor.
type Option func(*Monitor)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.now = clock }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithPolicyExpirer lapses overdue policies on every poll, so liability never
// counts coverage that can no longer be claimed.
func WithPolicyExpirer(expirer PolicyExpirer) Option {
	return func(m *Monitor) { m.expirer = expirer }
}

// NewMonitor constructs a reserve monitor. minRatio defaults to 1.5 when
// non-positive.
func NewMonitor(reserves ReserveSource, liabilities LiabilitySource, minRatio float64, opts ...Option) *Monitor {
	if minRatio <= 0 {
		minRatio = 1.5
	}
	m := &Monitor{
		reserves:    reserves,
		liabilities: liabilities,
		minRatio:    minRatio,
		metrics:     observability.Insurance(),
		log:         slog.Default().With("component", "reserve_monitor"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckHealth computes the current reserve snapshot and classifies it.
func (m *Monitor) CheckHealth(ctx context.Context) Snapshot {
	checkedAt := m.now().UTC().Format(time.RFC3339)
	if m.reserves == nil {
		return Snapshot{
			Status:    StatusUnknown,
			Message:   "settlement client not configured",
			MinRatio:  m.minRatio,
			CheckedAt: checkedAt,
		}
	}

	balance, err := m.reserves.Reserves(ctx)
	if err != nil {
		m.log.Error("reserve balance check failed", "error", err)
		return Snapshot{
			Status:    StatusError,
			Message:   fmt.Sprintf("balance query failed: %v", err),
			MinRatio:  m.minRatio,
			CheckedAt: checkedAt,
		}
	}
	if m.expirer != nil {
		if expired, err := m.expirer.ExpirePolicies(ctx, m.now().UTC()); err != nil {
			m.log.Warn("policy expiry sweep failed", "error", err)
		} else if expired > 0 {
			m.log.Info("policies expired", "count", expired)
		}
	}
	liabilityUnits, activePolicies, err := m.liabilities.ActiveLiability(ctx)
	if err != nil {
		m.log.Error("liability query failed", "error", err)
		return Snapshot{
			Status:    StatusError,
			Message:   fmt.Sprintf("liability query failed: %v", err),
			MinRatio:  m.minRatio,
			CheckedAt: checkedAt,
		}
	}

	// Balances beyond uint64 range clamp to the maximum representable
	// units; the ratio still reflects an over-collateralised book.
	reservesUnits := uint64(math.MaxUint64)
	if balance.IsUint64() {
		reservesUnits = balance.Uint64()
	}
	var ratio float64
	if liabilityUnits > 0 {
		ratio = float64(reservesUnits) / float64(liabilityUnits)
	} else {
		ratio = ratioSentinel
	}

	var status, message string
	switch {
	case ratio < 1.0:
		status = StatusCritical
		message = "reserves below liabilities, cannot pay all claims"
	case ratio < m.minRatio:
		status = StatusWarning
		message = fmt.Sprintf("reserves below minimum ratio (%.2fx)", m.minRatio)
	default:
		status = StatusHealthy
		message = "reserves sufficient"
	}

	snapshot := Snapshot{
		Status:         status,
		Message:        message,
		ReservesUSDC:   float64(reservesUnits) / usdcUnitsPerDollar,
		ReservesUnits:  reservesUnits,
		LiabilityUSDC:  float64(liabilityUnits) / usdcUnitsPerDollar,
		LiabilityUnits: liabilityUnits,
		Ratio:          ratio,
		MinRatio:       m.minRatio,
		ActivePolicies: activePolicies,
		CheckedAt:      checkedAt,
	}

	m.metrics.SetReserveRatio(ratio)
	m.metrics.SetActivePolicies(float64(activePolicies))

	if status == StatusCritical || status == StatusWarning {
		m.alert(snapshot)
	}
	return snapshot
}

// Run polls reserve health on the supplied interval until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// alert logs a reserve warning at most once per hour per monitor instance.
func (m *Monitor) alert(snapshot Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < time.Hour {
		return
	}
	m.lastAlert = now
	m.log.Warn("reserve alert",
		"status", snapshot.Status,
		"reserves_usdc", snapshot.ReservesUSDC,
		"liability_usdc", snapshot.LiabilityUSDC,
		"ratio", snapshot.Ratio,
	)
}
