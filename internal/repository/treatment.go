package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// TreatmentRepository handles treatment persistence
type TreatmentRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewTreatmentRepository creates a new treatment repository
func NewTreatmentRepository(db *pgxpool.Pool, logger *logrus.Logger) *TreatmentRepository {
	return &TreatmentRepository{
		db:  db,
		log: logger,
	}
}

// ActiveTreatments returns all active treatments for one patient
func (r *TreatmentRepository) ActiveTreatments(ctx context.Context, patientID uuid.UUID) ([]*domain.Treatment, error) {
	query := `
		SELECT id, patient_id, drug_class, started_cycle, adherence, status, created_at, updated_at
		FROM treatments
		WHERE patient_id = $1 AND status = $2
		ORDER BY started_cycle`

	rows, err := r.db.Query(ctx, query, patientID, domain.TreatmentActive)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to list active treatments")
		return nil, fmt.Errorf("listing active treatments: %w", err)
	}
	defer rows.Close()

	var treatments []*domain.Treatment
	for rows.Next() {
		var t domain.Treatment
		err := rows.Scan(
			&t.ID,
			&t.PatientID,
			&t.DrugClass,
			&t.StartedCycle,
			&t.Adherence,
			&t.Status,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning treatment row: %w", err)
		}
		treatments = append(treatments, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating treatment rows: %w", err)
	}

	return treatments, nil
}

// Upsert inserts a treatment or updates its adherence and status
func (r *TreatmentRepository) Upsert(ctx context.Context, treatment *domain.Treatment) error {
	if err := treatment.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO treatments (id, patient_id, drug_class, started_cycle, adherence, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			adherence = EXCLUDED.adherence,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	if treatment.CreatedAt.IsZero() {
		treatment.CreatedAt = now
	}
	treatment.UpdatedAt = now

	_, err := r.db.Exec(ctx, query,
		treatment.ID,
		treatment.PatientID,
		treatment.DrugClass,
		treatment.StartedCycle,
		treatment.Adherence,
		treatment.Status,
		treatment.CreatedAt,
		treatment.UpdatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"treatment_id": treatment.ID,
			"patient_id":   treatment.PatientID,
			"error":        err,
		}).Error("Failed to upsert treatment")
		return fmt.Errorf("upserting treatment: %w", domain.ErrPersistence)
	}

	return nil
}
