package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// Snapshots returns the snapshot store view.
func (s *Store) Snapshots() domain.SnapshotStore { return &snapshotView{s} }

// Treatments returns the treatment store view.
func (s *Store) Treatments() domain.TreatmentStore { return &treatmentView{s} }

type snapshotView struct{ s *Store }

func (v *snapshotView) Append(ctx context.Context, snapshot *domain.LabSnapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO lab_snapshots (patient_id, egfr, uacr, cycle, measured_at)
		VALUES (?, ?, ?, ?, ?)`,
		snapshot.PatientID, snapshot.EGFR, snapshot.UACR, snapshot.Cycle, snapshot.MeasuredAt,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"patient_id": snapshot.PatientID,
			"cycle":      snapshot.Cycle,
			"error":      err,
		}).Error("Failed to append snapshot")
		return fmt.Errorf("appending snapshot: %w", domain.ErrPersistence)
	}
	return nil
}

func (v *snapshotView) Latest(ctx context.Context, patientID uuid.UUID) (*domain.LabSnapshot, error) {
	var snap domain.LabSnapshot
	err := v.s.db.QueryRowContext(ctx, `
		SELECT patient_id, egfr, uacr, cycle, measured_at
		FROM lab_snapshots WHERE patient_id = ?
		ORDER BY cycle DESC LIMIT 1`, patientID,
	).Scan(&snap.PatientID, &snap.EGFR, &snap.UACR, &snap.Cycle, &snap.MeasuredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no snapshots for patient: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting latest snapshot: %w", err)
	}
	return &snap, nil
}

func (v *snapshotView) History(ctx context.Context, patientID uuid.UUID, n int) ([]*domain.LabSnapshot, error) {
	rows, err := v.s.db.QueryContext(ctx, `
		SELECT patient_id, egfr, uacr, cycle, measured_at
		FROM lab_snapshots WHERE patient_id = ?
		ORDER BY cycle DESC LIMIT ?`, patientID, n)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot history: %w", err)
	}
	defer rows.Close()

	var snaps []*domain.LabSnapshot
	for rows.Next() {
		var snap domain.LabSnapshot
		if err := rows.Scan(&snap.PatientID, &snap.EGFR, &snap.UACR, &snap.Cycle, &snap.MeasuredAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// PurgeCycle deletes every snapshot one cohort cycle wrote, rolling an
// aborted advance back before a retry.
func (v *snapshotView) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	res, err := v.s.db.ExecContext(ctx, `
		DELETE FROM lab_snapshots
		WHERE cycle = ?
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = ?)`,
		cycle, cohortID)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge snapshots")
		return fmt.Errorf("purging snapshots for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	removed, _ := res.RowsAffected()
	v.s.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   removed,
	}).Warn("Purged snapshots from aborted advance")
	return nil
}

// ArchiveWindow folds a completed rolling window for one cohort: cycles
// before the final one are dropped and the final cycle becomes the new
// baseline in slot 1.
func (v *snapshotView) ArchiveWindow(ctx context.Context, cohortID uuid.UUID, finalCycle int) error {
	tx, err := v.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM lab_snapshots
		WHERE cycle < ?
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = ?)`,
		finalCycle, cohortID)
	if err != nil {
		return fmt.Errorf("clearing window slots: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE lab_snapshots
		SET cycle = 1
		WHERE cycle = ?
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = ?)`,
		finalCycle, cohortID)
	if err != nil {
		return fmt.Errorf("archiving final cycle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}

	v.s.log.WithFields(logrus.Fields{
		"cohort_id":   cohortID,
		"final_cycle": finalCycle,
	}).Info("Rolling window archived")
	return nil
}

type treatmentView struct{ s *Store }

func (v *treatmentView) ActiveTreatments(ctx context.Context, patientID uuid.UUID) ([]*domain.Treatment, error) {
	rows, err := v.s.db.QueryContext(ctx, `
		SELECT id, patient_id, drug_class, started_cycle, adherence, status, created_at, updated_at
		FROM treatments WHERE patient_id = ? AND status = ?
		ORDER BY started_cycle`, patientID, domain.TreatmentActive)
	if err != nil {
		return nil, fmt.Errorf("listing active treatments: %w", err)
	}
	defer rows.Close()

	var treatments []*domain.Treatment
	for rows.Next() {
		var t domain.Treatment
		err := rows.Scan(&t.ID, &t.PatientID, &t.DrugClass, &t.StartedCycle,
			&t.Adherence, &t.Status, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning treatment row: %w", err)
		}
		treatments = append(treatments, &t)
	}
	return treatments, rows.Err()
}

func (v *treatmentView) Upsert(ctx context.Context, treatment *domain.Treatment) error {
	if err := treatment.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if treatment.CreatedAt.IsZero() {
		treatment.CreatedAt = now
	}
	treatment.UpdatedAt = now

	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO treatments (id, patient_id, drug_class, started_cycle, adherence, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			adherence = excluded.adherence,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		treatment.ID, treatment.PatientID, treatment.DrugClass, treatment.StartedCycle,
		treatment.Adherence, treatment.Status, treatment.CreatedAt, treatment.UpdatedAt,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{
			"treatment_id": treatment.ID,
			"patient_id":   treatment.PatientID,
			"error":        err,
		}).Error("Failed to upsert treatment")
		return fmt.Errorf("upserting treatment: %w", domain.ErrPersistence)
	}
	return nil
}
