package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// TransitionRepository records immutable state transitions
type TransitionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(db *pgxpool.Pool, logger *logrus.Logger) *TransitionRepository {
	return &TransitionRepository{
		db:  db,
		log: logger,
	}
}

// Create records one transition. Transitions are append-only; there is
// exactly one per pair of consecutive cycles with data.
func (r *TransitionRepository) Create(ctx context.Context, t *domain.Transition) error {
	query := `
		INSERT INTO transitions (
			patient_id, from_state, to_state, cycle_from, cycle_to,
			egfr_delta, uacr_delta, category_changed, risk_increased,
			crossed_critical_threshold, change_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		t.PatientID,
		t.FromState,
		t.ToState,
		t.CycleFrom,
		t.CycleTo,
		t.EGFRDelta,
		t.UACRDelta,
		t.CategoryChanged,
		t.RiskIncreased,
		t.CrossedCriticalThreshold,
		t.ChangeType,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": t.PatientID,
			"cycle_to":   t.CycleTo,
			"error":      err,
		}).Error("Failed to create transition")
		return fmt.Errorf("creating transition: %w", domain.ErrPersistence)
	}

	return nil
}

// PurgeCycle deletes the transitions one cohort cycle wrote, rolling an
// aborted advance back to an empty slate for that cycle.
func (r *TransitionRepository) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	query := `
		DELETE FROM transitions
		WHERE cycle_to = $2
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = $1)`

	tag, err := r.db.Exec(ctx, query, cohortID, cycle)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge transitions")
		return fmt.Errorf("purging transitions for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	r.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   tag.RowsAffected(),
	}).Warn("Purged transitions from aborted advance")

	return nil
}

// ListByPatient returns up to n transitions for one patient, newest first
func (r *TransitionRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, n int) ([]*domain.Transition, error) {
	query := `
		SELECT patient_id, from_state, to_state, cycle_from, cycle_to,
			   egfr_delta, uacr_delta, category_changed, risk_increased,
			   crossed_critical_threshold, change_type
		FROM transitions
		WHERE patient_id = $1
		ORDER BY cycle_to DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, patientID, n)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*domain.Transition
	for rows.Next() {
		var t domain.Transition
		err := rows.Scan(
			&t.PatientID, &t.FromState, &t.ToState, &t.CycleFrom, &t.CycleTo,
			&t.EGFRDelta, &t.UACRDelta, &t.CategoryChanged, &t.RiskIncreased,
			&t.CrossedCriticalThreshold, &t.ChangeType,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning transition row: %w", err)
		}
		transitions = append(transitions, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transition rows: %w", err)
	}

	return transitions, nil
}
