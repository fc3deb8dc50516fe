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

// PatientRepository handles patient persistence
type PatientRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPatientRepository creates a new patient repository
func NewPatientRepository(db *pgxpool.Pool, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new patient with its baseline progression profile
func (r *PatientRepository) Create(ctx context.Context, patient *domain.Patient) error {
	if err := patient.Profile.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO patients (
			id, cohort_id, diabetes_type, progression_category,
			annual_decline_min, annual_decline_max, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		patient.ID,
		patient.CohortID,
		patient.DiabetesType,
		patient.Profile.Category,
		patient.Profile.AnnualDeclineMin,
		patient.Profile.AnnualDeclineMax,
		patient.CreatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"cohort_id":  patient.CohortID,
			"error":      err,
		}).Error("Failed to create patient")
		return fmt.Errorf("creating patient: %w", domain.ErrPersistence)
	}

	r.log.WithFields(logrus.Fields{
		"patient_id": patient.ID,
		"cohort_id":  patient.CohortID,
		"profile":    patient.Profile.Category,
	}).Info("Patient created successfully")

	return nil
}

// Get retrieves a patient by ID
func (r *PatientRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	query := `
		SELECT id, cohort_id, diabetes_type, progression_category,
			   annual_decline_min, annual_decline_max, created_at
		FROM patients
		WHERE id = $1`

	var p domain.Patient
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.CohortID,
		&p.DiabetesType,
		&p.Profile.Category,
		&p.Profile.AnnualDeclineMin,
		&p.Profile.AnnualDeclineMax,
		&p.CreatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("patient not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": id,
			"error":      err,
		}).Error("Failed to get patient")
		return nil, fmt.Errorf("getting patient: %w", err)
	}

	return &p, nil
}

// ListByCohort retrieves all members of a cohort
func (r *PatientRepository) ListByCohort(ctx context.Context, cohortID uuid.UUID) ([]*domain.Patient, error) {
	query := `
		SELECT id, cohort_id, diabetes_type, progression_category,
			   annual_decline_min, annual_decline_max, created_at
		FROM patients
		WHERE cohort_id = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, cohortID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"error":     err,
		}).Error("Failed to list cohort patients")
		return nil, fmt.Errorf("listing cohort patients: %w", err)
	}
	defer rows.Close()

	var patients []*domain.Patient
	for rows.Next() {
		var p domain.Patient
		err := rows.Scan(
			&p.ID,
			&p.CohortID,
			&p.DiabetesType,
			&p.Profile.Category,
			&p.Profile.AnnualDeclineMin,
			&p.Profile.AnnualDeclineMax,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning patient row: %w", err)
		}
		patients = append(patients, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patient rows: %w", err)
	}

	return patients, nil
}
