package store

import (
	"errors"
	"fmt"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/db/models"
	"gorm.io/gorm"
)

// RateLimits persists the per-connection quota mirror.
type RateLimits struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewRateLimits(db *gorm.DB, clk clock.Clock) *RateLimits {
	return &RateLimits{db: db, clock: clk}
}

// GetOrCreate loads the state for a connection, lazily creating it with
// the given defaults on first use.
func (s *RateLimits) GetOrCreate(connectionID string, defaults models.RateLimitState) (*models.RateLimitState, error) {
	var state models.RateLimitState
	err := s.db.First(&state, "connection_id = ?", connectionID).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load rate limit state %s: %w", connectionID, err)
	}

	defaults.ConnectionID = connectionID
	if createErr := s.db.Create(&defaults).Error; createErr != nil {
		// Another caller may have created it first; re-read.
		if readErr := s.db.First(&state, "connection_id = ?", connectionID).Error; readErr == nil {
			return &state, nil
		}
		return nil, fmt.Errorf("create rate limit state %s: %w", connectionID, createErr)
	}
	return &defaults, nil
}

// Save writes the full state row. Last write wins: each write is either a
// fresh snapshot from a live response or a merge that only became more
// restrictive.
func (s *RateLimits) Save(state *models.RateLimitState) error {
	if err := s.db.Save(state).Error; err != nil {
		return fmt.Errorf("save rate limit state %s: %w", state.ConnectionID, err)
	}
	return nil
}
