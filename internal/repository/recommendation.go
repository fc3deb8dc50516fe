package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// RecommendationRepository handles recommendation persistence and
// lifecycle enforcement
type RecommendationRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRecommendationRepository creates a new recommendation repository
func NewRecommendationRepository(db *pgxpool.Pool, logger *logrus.Logger) *RecommendationRepository {
	return &RecommendationRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new recommendation
func (r *RecommendationRepository) Create(ctx context.Context, rec *domain.Recommendation) error {
	query := `
		INSERT INTO recommendations (id, patient_id, cycle, type, priority, urgency, status, outcome, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.PatientID,
		rec.Cycle,
		rec.Type,
		rec.Priority,
		rec.Urgency,
		rec.Status,
		rec.Outcome,
		rec.CreatedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"recommendation_id": rec.ID,
			"patient_id":        rec.PatientID,
			"error":             err,
		}).Error("Failed to create recommendation")
		return fmt.Errorf("creating recommendation: %w", domain.ErrPersistence)
	}

	return nil
}

// ListOpen returns pending and in-progress recommendations for one
// patient, highest priority first
func (r *RecommendationRepository) ListOpen(ctx context.Context, patientID uuid.UUID) ([]*domain.Recommendation, error) {
	query := `
		SELECT id, patient_id, cycle, type, priority, urgency, status, outcome, created_at, updated_at
		FROM recommendations
		WHERE patient_id = $1 AND status IN ($2, $3)
		ORDER BY priority, created_at`

	rows, err := r.db.Query(ctx, query, patientID, domain.RecPending, domain.RecInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing open recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Recommendation
	for rows.Next() {
		var rec domain.Recommendation
		err := rows.Scan(
			&rec.ID, &rec.PatientID, &rec.Cycle, &rec.Type, &rec.Priority,
			&rec.Urgency, &rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning recommendation row: %w", err)
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recommendation rows: %w", err)
	}

	return recs, nil
}

// PurgeCycle deletes the recommendations one cohort cycle wrote, rolling
// an aborted advance back before a retry.
func (r *RecommendationRepository) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	query := `
		DELETE FROM recommendations
		WHERE cycle = $2
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = $1)`

	tag, err := r.db.Exec(ctx, query, cohortID, cycle)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge recommendations")
		return fmt.Errorf("purging recommendations for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	r.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   tag.RowsAffected(),
	}).Warn("Purged recommendations from aborted advance")

	return nil
}

// UpdateStatus moves a recommendation through its lifecycle, optionally
// recording an outcome. Terminal states never revert.
func (r *RecommendationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RecommendationStatus, outcome string) error {
	var current domain.RecommendationStatus
	err := r.db.QueryRow(ctx, `SELECT status FROM recommendations WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("recommendation not found: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("getting recommendation status: %w", err)
	}

	if !current.CanTransitionTo(status) {
		return domain.NewInvalidInput("status", string(status),
			fmt.Sprintf("recommendation cannot move from %s to %s", current, status))
	}

	query := `
		UPDATE recommendations
		SET status = $2, outcome = $3, updated_at = $4
		WHERE id = $1 AND status = $5`

	tag, err := r.db.Exec(ctx, query, id, status, outcome, time.Now().UTC(), current)
	if err != nil {
		return fmt.Errorf("updating recommendation status: %w", domain.ErrPersistence)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewInvalidInput("status", string(status), "recommendation status changed concurrently")
	}

	r.log.WithFields(logrus.Fields{
		"recommendation_id": id,
		"from":              current,
		"to":                status,
	}).Info("Recommendation status updated")

	return nil
}
