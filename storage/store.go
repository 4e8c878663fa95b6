// Package storage persists policies and claims in an embedded SQLite
// database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage: path must be configured")

// Store wraps the policy and claim persistence layer.
type Store struct {
	db *gorm.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.AutoMigrate(&Policy{}, &Claim{}); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreatePolicy persists a new policy record.
func (s *Store) CreatePolicy(ctx context.Context, policy *Policy) error {
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	if policy.Status == "" {
		policy.Status = PolicyActive
	}
	if err := s.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("storage: create policy: %w", err)
	}
	return nil
}

// GetPolicy loads a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*Policy, error) {
	var policy Policy
	err := s.db.WithContext(ctx).First(&policy, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load policy: %w", err)
	}
	return &policy, nil
}

// RecordClaim persists the claim and marks its policy claimed in one
// transaction.
func (s *Store) RecordClaim(ctx context.Context, claim *Claim) error {
	if claim.ID == uuid.Nil {
		claim.ID = uuid.New()
	}
	if claim.Status == "" {
		claim.Status = ClaimPaid
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(claim).Error; err != nil {
			return err
		}
		result := tx.Model(&Policy{}).Where("id = ?", claim.PolicyID).Update("status", PolicyClaimed)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: record claim: %w", err)
	}
	return nil
}

// GetClaim loads a claim by id.
func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	var claim Claim
	err := s.db.WithContext(ctx).First(&claim, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load claim: %w", err)
	}
	return &claim, nil
}

// ActiveLiability sums the coverage of active policies. It feeds the reserve
// monitor's solvency check.
func (s *Store) ActiveLiability(ctx context.Context) (uint64, int64, error) {
	type aggregate struct {
		Total uint64
		Count int64
	}
	var agg aggregate
	err := s.db.WithContext(ctx).Model(&Policy{}).
		Select("COALESCE(SUM(coverage_units), 0) AS total, COUNT(*) AS count").
		Where("status = ?", PolicyActive).
		Scan(&agg).Error
	if err != nil {
		return 0, 0, fmt.Errorf("storage: liability query: %w", err)
	}
	return agg.Total, agg.Count, nil
}

// ExpirePolicies transitions active policies whose coverage window has
// lapsed. Returns the number of policies expired.
func (s *Store) ExpirePolicies(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Policy{}).
		Where("status = ? AND expires_at < ?", PolicyActive, now).
		Update("status", PolicyExpired)
	if result.Error != nil {
		return 0, fmt.Errorf("storage: expire policies: %w", result.Error)
	}
	return result.RowsAffected, nil
}
