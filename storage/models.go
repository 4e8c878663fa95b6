package storage

import (
	"time"

	"github.com/google/uuid"
)

// Policy lifecycle states.
const (
	PolicyActive  = "active"
	PolicyClaimed = "claimed"
	PolicyExpired = "expired"
)

// Claim lifecycle states.
const (
	ClaimPaid = "paid"
)

// Policy describes an issued insurance policy.
type Policy struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentAddress    string    `gorm:"size:64;index"`
	MerchantURL     string    `gorm:"size:2048"`
	MerchantURLHash string    `gorm:"size:64"`
	CoverageUnits   uint64    `gorm:"not null"`
	PremiumUnits    uint64    `gorm:"not null"`
	Status          string    `gorm:"size:16;index"`
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Claim records a paid-out fraud claim together with its proof commitment.
type Claim struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PolicyID      uuid.UUID `gorm:"type:uuid;index"`
	Proof         string
	PublicSignals string `gorm:"size:256"`
	ProofMillis   int64
	HTTPStatus    int
	BodyHash      string `gorm:"size:64"`
	PayoutUnits   uint64 `gorm:"not null"`
	RefundTxHash  string `gorm:"size:80"`
	Recipient     string `gorm:"size:64"`
	Status        string `gorm:"size:16;index"`
	CreatedAt     time.Time
	PaidAt        time.Time
}
