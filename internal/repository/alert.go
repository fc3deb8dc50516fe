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

// AlertRepository handles alert persistence and lifecycle enforcement
type AlertRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *pgxpool.Pool, logger *logrus.Logger) *AlertRepository {
	return &AlertRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new alert
func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	query := `
		INSERT INTO alerts (id, patient_id, cycle, severity, reasons, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		alert.ID,
		alert.PatientID,
		alert.Cycle,
		alert.Severity,
		alert.Reasons,
		alert.Status,
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"patient_id": alert.PatientID,
			"error":      err,
		}).Error("Failed to create alert")
		return fmt.Errorf("creating alert: %w", domain.ErrPersistence)
	}

	return nil
}

// Get retrieves an alert by ID
func (r *AlertRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	query := `
		SELECT id, patient_id, cycle, severity, reasons, status, created_at, updated_at
		FROM alerts
		WHERE id = $1`

	var a domain.Alert
	err := r.db.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.PatientID,
		&a.Cycle,
		&a.Severity,
		&a.Reasons,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("alert not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting alert: %w", err)
	}

	return &a, nil
}

// ListActive returns the active alerts for one patient, newest first
func (r *AlertRepository) ListActive(ctx context.Context, patientID uuid.UUID) ([]*domain.Alert, error) {
	query := `
		SELECT id, patient_id, cycle, severity, reasons, status, created_at, updated_at
		FROM alerts
		WHERE patient_id = $1 AND status = $2
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, patientID, domain.AlertActive)
	if err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		err := rows.Scan(&a.ID, &a.PatientID, &a.Cycle, &a.Severity, &a.Reasons, &a.Status, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		alerts = append(alerts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert rows: %w", err)
	}

	return alerts, nil
}

// PurgeCycle deletes the alerts one cohort cycle wrote, rolling an
// aborted advance back before a retry.
func (r *AlertRepository) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	query := `
		DELETE FROM alerts
		WHERE cycle = $2
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = $1)`

	tag, err := r.db.Exec(ctx, query, cohortID, cycle)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge alerts")
		return fmt.Errorf("purging alerts for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	r.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   tag.RowsAffected(),
	}).Warn("Purged alerts from aborted advance")

	return nil
}

// UpdateStatus moves an alert through its lifecycle. Illegal transitions,
// including any move out of a terminal state, are rejected.
func (r *AlertRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AlertStatus) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if !current.Status.CanTransitionTo(status) {
		return domain.NewInvalidInput("status", string(status),
			fmt.Sprintf("alert cannot move from %s to %s", current.Status, status))
	}

	query := `
		UPDATE alerts
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4`

	tag, err := r.db.Exec(ctx, query, id, status, time.Now().UTC(), current.Status)
	if err != nil {
		return fmt.Errorf("updating alert status: %w", domain.ErrPersistence)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent lifecycle update.
		return domain.NewInvalidInput("status", string(status), "alert status changed concurrently")
	}

	r.log.WithFields(logrus.Fields{
		"alert_id": id,
		"from":     current.Status,
		"to":       status,
	}).Info("Alert status updated")

	return nil
}
