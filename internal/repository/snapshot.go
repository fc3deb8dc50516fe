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

// SnapshotRepository handles lab snapshot persistence
type SnapshotRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *pgxpool.Pool, logger *logrus.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: logger,
	}
}

// Latest returns the most recent snapshot for one patient
func (r *SnapshotRepository) Latest(ctx context.Context, patientID uuid.UUID) (*domain.LabSnapshot, error) {
	query := `
		SELECT patient_id, egfr, uacr, cycle, measured_at
		FROM lab_snapshots
		WHERE patient_id = $1
		ORDER BY cycle DESC
		LIMIT 1`

	var s domain.LabSnapshot
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&s.PatientID,
		&s.EGFR,
		&s.UACR,
		&s.Cycle,
		&s.MeasuredAt,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("snapshot not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to get latest snapshot")
		return nil, fmt.Errorf("getting latest snapshot: %w", err)
	}

	return &s, nil
}

// History returns up to n snapshots for one patient, newest first
func (r *SnapshotRepository) History(ctx context.Context, patientID uuid.UUID, n int) ([]*domain.LabSnapshot, error) {
	query := `
		SELECT patient_id, egfr, uacr, cycle, measured_at
		FROM lab_snapshots
		WHERE patient_id = $1
		ORDER BY cycle DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, patientID, n)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to get snapshot history")
		return nil, fmt.Errorf("getting snapshot history: %w", err)
	}
	defer rows.Close()

	var snapshots []*domain.LabSnapshot
	for rows.Next() {
		var s domain.LabSnapshot
		if err := rows.Scan(&s.PatientID, &s.EGFR, &s.UACR, &s.Cycle, &s.MeasuredAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		snapshots = append(snapshots, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}

	return snapshots, nil
}

// Append inserts one snapshot. Snapshots are immutable; one row per
// patient per cycle is enforced by the primary key.
func (r *SnapshotRepository) Append(ctx context.Context, snapshot *domain.LabSnapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO lab_snapshots (patient_id, egfr, uacr, cycle, measured_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query,
		snapshot.PatientID,
		snapshot.EGFR,
		snapshot.UACR,
		snapshot.Cycle,
		snapshot.MeasuredAt,
	)

	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": snapshot.PatientID,
			"cycle":      snapshot.Cycle,
			"error":      err,
		}).Error("Failed to append snapshot")
		return fmt.Errorf("appending snapshot: %w", domain.ErrPersistence)
	}

	return nil
}

// PurgeCycle deletes every snapshot one cohort cycle wrote. Called when
// an advance fails mid-batch so the retry regenerates from the
// pre-advance snapshots.
func (r *SnapshotRepository) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	query := `
		DELETE FROM lab_snapshots
		WHERE cycle = $2
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = $1)`

	tag, err := r.db.Exec(ctx, query, cohortID, cycle)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err,
		}).Error("Failed to purge snapshots")
		return fmt.Errorf("purging snapshots for cycle %d: %w", cycle, domain.ErrPersistence)
	}

	r.log.WithFields(logrus.Fields{
		"cohort_id": cohortID,
		"cycle":     cycle,
		"removed":   tag.RowsAffected(),
	}).Warn("Purged snapshots from aborted advance")

	return nil
}

// ArchiveWindow folds a completed rolling window for one cohort: all
// cycles before the final one are deleted and the final cycle becomes the
// new baseline in slot 1.
func (r *SnapshotRepository) ArchiveWindow(ctx context.Context, cohortID uuid.UUID, finalCycle int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	deleteQuery := `
		DELETE FROM lab_snapshots
		WHERE cycle < $2
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = $1)`
	if _, err := tx.Exec(ctx, deleteQuery, cohortID, finalCycle); err != nil {
		return fmt.Errorf("clearing window slots: %w", err)
	}

	archiveQuery := `
		UPDATE lab_snapshots
		SET cycle = 1
		WHERE cycle = $2
		  AND patient_id IN (SELECT id FROM patients WHERE cohort_id = $1)`
	if _, err := tx.Exec(ctx, archiveQuery, cohortID, finalCycle); err != nil {
		return fmt.Errorf("archiving final cycle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"cohort_id":   cohortID,
		"final_cycle": finalCycle,
	}).Info("Rolling window archived")

	return nil
}
