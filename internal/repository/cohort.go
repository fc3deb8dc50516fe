package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// CohortRepository handles cohort persistence
type CohortRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewCohortRepository creates a new cohort repository
func NewCohortRepository(db *pgxpool.Pool, logger *logrus.Logger) *CohortRepository {
	return &CohortRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new cohort
func (r *CohortRepository) Create(ctx context.Context, cohort *domain.Cohort) error {
	query := `
		INSERT INTO cohorts (id, name, current_cycle, seed, cycle_policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		cohort.ID,
		cohort.Name,
		cohort.CurrentCycle,
		cohort.Seed,
		cohort.CyclePolicy,
		cohort.CreatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": cohort.ID,
			"error":     err,
		}).Error("Failed to create cohort")
		return fmt.Errorf("creating cohort: %w", domain.ErrPersistence)
	}

	return nil
}

// Get retrieves a cohort by ID
func (r *CohortRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Cohort, error) {
	query := `
		SELECT id, name, current_cycle, seed, cycle_policy, created_at
		FROM cohorts
		WHERE id = $1`

	var c domain.Cohort
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.CurrentCycle,
		&c.Seed,
		&c.CyclePolicy,
		&c.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("cohort not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"cohort_id": id,
			"error":     err,
		}).Error("Failed to get cohort")
		return nil, fmt.Errorf("getting cohort: %w", err)
	}

	return &c, nil
}

// AdvanceCycle moves the cycle counter with a compare-and-swap: the update
// applies only while the counter still holds fromCycle. A stale counter
// reports a conflict instead of double-applying the cycle.
func (r *CohortRepository) AdvanceCycle(ctx context.Context, id uuid.UUID, fromCycle, toCycle int) error {
	query := `
		UPDATE cohorts
		SET current_cycle = $3
		WHERE id = $1 AND current_cycle = $2`

	tag, err := r.db.Exec(ctx, query, id, fromCycle, toCycle)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": id,
			"error":     err,
		}).Error("Failed to advance cohort cycle")
		return fmt.Errorf("advancing cohort cycle: %w", domain.ErrPersistence)
	}

	if tag.RowsAffected() == 0 {
		current, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return &domain.ConflictError{
			CohortID:      id.String(),
			ExpectedCycle: fromCycle,
			CurrentCycle:  current.CurrentCycle,
			Reason:        "cycle counter moved since the caller last observed it",
		}
	}

	r.log.WithFields(logrus.Fields{
		"cohort_id":  id,
		"from_cycle": fromCycle,
		"to_cycle":   toCycle,
	}).Info("Cohort cycle advanced")

	return nil
}

// ResetCycle resets the cohort to cycle zero. Used after a clinical
// window hard stop.
func (r *CohortRepository) ResetCycle(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE cohorts SET current_cycle = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resetting cohort cycle: %w", domain.ErrPersistence)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cohort not found: %w", domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{"cohort_id": id}).Info("Cohort cycle reset")
	return nil
}
