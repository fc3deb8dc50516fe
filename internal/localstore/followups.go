package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// Alerts returns the alert store view.
func (s *Store) Alerts() domain.AlertStore { return &alertView{s} }

// Recommendations returns the recommendation store view.
func (s *Store) Recommendations() domain.RecommendationStore { return &recommendationView{s} }

// Transitions returns the transition store view.
func (s *Store) Transitions() domain.TransitionStore { return &transitionView{s} }

type alertView struct{ s *Store }

func (v *alertView) Create(ctx context.Context, alert *domain.Alert) error {
	reasons, err := json.Marshal(alert.Reasons)
	if err != nil {
		return fmt.Errorf("encoding alert reasons: %w", err)
	}

	_, err = v.s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, patient_id, cycle, severity, reasons, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.PatientID, alert.Cycle, alert.Severity,
		string(reasons), alert.Status, alert.CreatedAt, alert.UpdatedAt,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"alert_id":   alert.ID,
			"patient_id": alert.PatientID,
			"error":      err,
		}).Error("Failed to create alert")
		return fmt.Errorf("creating alert: %w", domain.ErrPersistence)
	}
	return nil
}

func (v *alertView) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	var a domain.Alert
	var reasons string
	err := v.s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, cycle, severity, reasons, status, created_at, updated_at
		FROM alerts WHERE id = ?`, id,
	).Scan(&a.ID, &a.PatientID, &a.Cycle, &a.Severity, &reasons, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting alert: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
		return nil, fmt.Errorf("decoding alert reasons: %w", err)
	}
	return &a, nil
}

func (v *alertView) ListActive(ctx context.Context, patientID uuid.UUID) ([]*domain.Alert, error) {
	rows, err := v.s.db.QueryContext(ctx, `
		SELECT id, patient_id, cycle, severity, reasons, status, created_at, updated_at
		FROM alerts WHERE patient_id = ? AND status = ?
		ORDER BY created_at DESC`, patientID, domain.AlertActive)
	if err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var reasons string
		err := rows.Scan(&a.ID, &a.PatientID, &a.Cycle, &a.Severity, &reasons, &a.Status, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
			return nil, fmt.Errorf("decoding alert reasons: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

func (v *alertView) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AlertStatus) error {
	current, err := v.Get(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return domain.NewInvalidInput("status", string(status),
			fmt.Sprintf("alert cannot move from %s to %s", current.Status, status))
	}

	result, err := v.s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, time.Now().UTC(), id, current.Status)
	if err != nil {
		return fmt.Errorf("updating alert status: %w", domain.ErrPersistence)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating alert status: %w", err)
	}
	if affected == 0 {
		return domain.NewInvalidInput("status", string(status), "alert status changed concurrently")
	}
	return nil
}

// PurgeCycle deletes the alerts one cohort cycle wrote, rolling an
// aborted advance back before a retry.
func (v *alertView) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	res, err := v.s.db.ExecContext(ctx, `
		DELETE FROM alerts
		WHERE cycle = ?
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = ?)`,
		cycle, cohortID)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge alerts")
		return fmt.Errorf("purging alerts for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	removed, _ := res.RowsAffected()
	v.s.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   removed,
	}).Warn("Purged alerts from aborted advance")
	return nil
}

type recommendationView struct{ s *Store }

func (v *recommendationView) Create(ctx context.Context, rec *domain.Recommendation) error {
	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO recommendations (id, patient_id, cycle, type, priority, urgency, status, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, rec.Cycle, rec.Type, rec.Priority,
		rec.Urgency, rec.Status, rec.Outcome, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"recommendation_id": rec.ID,
			"patient_id":        rec.PatientID,
			"error":             err,
		}).Error("Failed to create recommendation")
		return fmt.Errorf("creating recommendation: %w", domain.ErrPersistence)
	}
	return nil
}

func (v *recommendationView) ListOpen(ctx context.Context, patientID uuid.UUID) ([]*domain.Recommendation, error) {
	rows, err := v.s.db.QueryContext(ctx, `
		SELECT id, patient_id, cycle, type, priority, urgency, status, outcome, created_at, updated_at
		FROM recommendations WHERE patient_id = ? AND status IN (?, ?)
		ORDER BY priority, created_at`, patientID, domain.RecPending, domain.RecInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing open recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*domain.Recommendation
	for rows.Next() {
		var rec domain.Recommendation
		err := rows.Scan(&rec.ID, &rec.PatientID, &rec.Cycle, &rec.Type, &rec.Priority,
			&rec.Urgency, &rec.Status, &rec.Outcome, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning recommendation row: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (v *recommendationView) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RecommendationStatus, outcome string) error {
	var current domain.RecommendationStatus
	err := v.s.db.QueryRowContext(ctx, `SELECT status FROM recommendations WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("recommendation not found: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("getting recommendation status: %w", err)
	}
	if !current.CanTransitionTo(status) {
		return domain.NewInvalidInput("status", string(status),
			fmt.Sprintf("recommendation cannot move from %s to %s", current, status))
	}

	result, err := v.s.db.ExecContext(ctx, `
		UPDATE recommendations SET status = ?, outcome = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, outcome, time.Now().UTC(), id, current)
	if err != nil {
		return fmt.Errorf("updating recommendation status: %w", domain.ErrPersistence)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating recommendation status: %w", err)
	}
	if affected == 0 {
		return domain.NewInvalidInput("status", string(status), "recommendation status changed concurrently")
	}
	return nil
}

// PurgeCycle deletes the recommendations one cohort cycle wrote, rolling
// an aborted advance back before a retry.
func (v *recommendationView) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	res, err := v.s.db.ExecContext(ctx, `
		DELETE FROM recommendations
		WHERE cycle = ?
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = ?)`,
		cycle, cohortID)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge recommendations")
		return fmt.Errorf("purging recommendations for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	removed, _ := res.RowsAffected()
	v.s.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   removed,
	}).Warn("Purged recommendations from aborted advance")
	return nil
}

type transitionView struct{ s *Store }

func (v *transitionView) Create(ctx context.Context, t *domain.Transition) error {
	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO transitions (
			patient_id, from_state, to_state, cycle_from, cycle_to,
			egfr_delta, uacr_delta, category_changed, risk_increased,
			crossed_critical_threshold, change_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PatientID, t.FromState, t.ToState, t.CycleFrom, t.CycleTo,
		t.EGFRDelta, t.UACRDelta, t.CategoryChanged, t.RiskIncreased,
		t.CrossedCriticalThreshold, t.ChangeType,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"patient_id": t.PatientID,
			"cycle_to":   t.CycleTo,
			"error":      err,
		}).Error("Failed to create transition")
		return fmt.Errorf("creating transition: %w", domain.ErrPersistence)
	}
	return nil
}

// PurgeCycle deletes the transitions one cohort cycle wrote, rolling an
// aborted advance back before a retry.
func (v *transitionView) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	res, err := v.s.db.ExecContext(ctx, `
		DELETE FROM transitions
		WHERE cycle_to = ?
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = ?)`,
		cycle, cohortID)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge transitions")
		return fmt.Errorf("purging transitions for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	removed, _ := res.RowsAffected()
	v.s.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   removed,
	}).Warn("Purged transitions from aborted advance")
	return nil
}

func (v *transitionView) ListByPatient(ctx context.Context, patientID uuid.UUID, n int) ([]*domain.Transition, error) {
	rows, err := v.s.db.QueryContext(ctx, `
		SELECT patient_id, from_state, to_state, cycle_from, cycle_to,
		       egfr_delta, uacr_delta, category_changed, risk_increased,
		       crossed_critical_threshold, change_type
		FROM transitions WHERE patient_id = ?
		ORDER BY cycle_to DESC LIMIT ?`, patientID, n)
	if err != nil {
		return nil, fmt.Errorf("listing transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*domain.Transition
	for rows.Next() {
		var t domain.Transition
		err := rows.Scan(&t.PatientID, &t.FromState, &t.ToState, &t.CycleFrom, &t.CycleTo,
			&t.EGFRDelta, &t.UACRDelta, &t.CategoryChanged, &t.RiskIncreased,
			&t.CrossedCriticalThreshold, &t.ChangeType)
		if err != nil {
			return nil, fmt.Errorf("scanning transition row: %w", err)
		}
		transitions = append(transitions, &t)
	}
	return transitions, rows.Err()
}
