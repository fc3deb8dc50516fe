// Package localstore is an embedded sqlite implementation of the cohort
// store set. It backs the CLI simulator and tests that want the full
// persistence path without a postgres instance. Semantics match the
// postgres repositories: compare-and-swap cycle advances, lifecycle
// guards on alerts and recommendations, append-only snapshots.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ckd-cohort-server/internal/domain"
)

// Store owns the sqlite handle shared by the per-entity store views.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open creates or opens the sqlite database at dbPath.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	// under the driver's worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db, log: logger}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cohorts (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		current_cycle INTEGER NOT NULL DEFAULT 0,
		seed          INTEGER NOT NULL,
		cycle_policy  TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS patients (
		id                   TEXT PRIMARY KEY,
		cohort_id            TEXT NOT NULL REFERENCES cohorts(id),
		diabetes_type        TEXT NOT NULL,
		progression_category TEXT NOT NULL,
		annual_decline_min   REAL NOT NULL,
		annual_decline_max   REAL NOT NULL,
		created_at           TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patients_cohort ON patients(cohort_id);

	CREATE TABLE IF NOT EXISTS lab_snapshots (
		patient_id  TEXT NOT NULL REFERENCES patients(id),
		egfr        REAL NOT NULL,
		uacr        REAL,
		cycle       INTEGER NOT NULL,
		measured_at TIMESTAMP NOT NULL,
		PRIMARY KEY (patient_id, cycle)
	);

	CREATE TABLE IF NOT EXISTS treatments (
		id            TEXT PRIMARY KEY,
		patient_id    TEXT NOT NULL REFERENCES patients(id),
		drug_class    TEXT NOT NULL,
		started_cycle INTEGER NOT NULL,
		adherence     REAL NOT NULL,
		status        TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_treatments_patient ON treatments(patient_id);

	CREATE TABLE IF NOT EXISTS alerts (
		id         TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		cycle      INTEGER NOT NULL,
		severity   TEXT NOT NULL,
		reasons    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_patient ON alerts(patient_id, status);

	CREATE TABLE IF NOT EXISTS recommendations (
		id         TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL REFERENCES patients(id),
		cycle      INTEGER NOT NULL,
		type       TEXT NOT NULL,
		priority   INTEGER NOT NULL,
		urgency    TEXT NOT NULL,
		status     TEXT NOT NULL,
		outcome    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recommendations_patient ON recommendations(patient_id, status);

	CREATE TABLE IF NOT EXISTS transitions (
		id                         INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id                 TEXT NOT NULL REFERENCES patients(id),
		from_state                 TEXT NOT NULL,
		to_state                   TEXT NOT NULL,
		cycle_from                 INTEGER NOT NULL,
		cycle_to                   INTEGER NOT NULL,
		egfr_delta                 REAL NOT NULL,
		uacr_delta                 REAL NOT NULL,
		category_changed           BOOLEAN NOT NULL,
		risk_increased             BOOLEAN NOT NULL,
		crossed_critical_threshold BOOLEAN NOT NULL,
		change_type                TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_patient ON transitions(patient_id, cycle_to);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cohorts returns the cohort store view.
func (s *Store) Cohorts() domain.CohortStore { return &cohortView{s} }

// Patients returns the patient store view.
func (s *Store) Patients() domain.PatientStore { return &patientView{s} }

type cohortView struct{ s *Store }

func (v *cohortView) Create(ctx context.Context, cohort *domain.Cohort) error {
	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO cohorts (id, name, current_cycle, seed, cycle_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cohort.ID, cohort.Name, cohort.CurrentCycle, cohort.Seed, cohort.CyclePolicy, cohort.CreatedAt,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{"cohort_id": cohort.ID, "error": err}).Error("Failed to create cohort")
		return fmt.Errorf("creating cohort: %w", domain.ErrPersistence)
	}
	return nil
}

func (v *cohortView) Get(ctx context.Context, id uuid.UUID) (*domain.Cohort, error) {
	var c domain.Cohort
	err := v.s.db.QueryRowContext(ctx, `
		SELECT id, name, current_cycle, seed, cycle_policy, created_at
		FROM cohorts WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.CurrentCycle, &c.Seed, &c.CyclePolicy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cohort not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting cohort: %w", err)
	}
	return &c, nil
}

func (v *cohortView) AdvanceCycle(ctx context.Context, id uuid.UUID, fromCycle, toCycle int) error {
	result, err := v.s.db.ExecContext(ctx, `
		UPDATE cohorts SET current_cycle = ? WHERE id = ? AND current_cycle = ?`,
		toCycle, id, fromCycle,
	)
	if err != nil {
		return fmt.Errorf("advancing cohort cycle: %w", domain.ErrPersistence)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advancing cohort cycle: %w", err)
	}
	if affected == 0 {
		current, err := v.Get(ctx, id)
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
	return nil
}

func (v *cohortView) ResetCycle(ctx context.Context, id uuid.UUID) error {
	result, err := v.s.db.ExecContext(ctx, `UPDATE cohorts SET current_cycle = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resetting cohort cycle: %w", domain.ErrPersistence)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resetting cohort cycle: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("cohort not found: %w", domain.ErrNotFound)
	}
	return nil
}

type patientView struct{ s *Store }

func (v *patientView) Create(ctx context.Context, patient *domain.Patient) error {
	if err := patient.Profile.Validate(); err != nil {
		return err
	}
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}

	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO patients (
			id, cohort_id, diabetes_type, progression_category,
			annual_decline_min, annual_decline_max, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		patient.ID, patient.CohortID, patient.DiabetesType,
		patient.Profile.Category, patient.Profile.AnnualDeclineMin,
		patient.Profile.AnnualDeclineMax, patient.CreatedAt,
	)
	if err != nil {
		v.s.log.WithFields(logrus.Fields{"patient_id": patient.ID, "error": err}).Error("Failed to create patient")
		return fmt.Errorf("creating patient: %w", domain.ErrPersistence)
	}
	return nil
}

func (v *patientView) Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	var p domain.Patient
	err := v.s.db.QueryRowContext(ctx, `
		SELECT id, cohort_id, diabetes_type, progression_category,
		       annual_decline_min, annual_decline_max, created_at
		FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.CohortID, &p.DiabetesType, &p.Profile.Category,
		&p.Profile.AnnualDeclineMin, &p.Profile.AnnualDeclineMax, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("patient not found: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting patient: %w", err)
	}
	return &p, nil
}

func (v *patientView) ListByCohort(ctx context.Context, cohortID uuid.UUID) ([]*domain.Patient, error) {
	rows, err := v.s.db.QueryContext(ctx, `
		SELECT id, cohort_id, diabetes_type, progression_category,
		       annual_decline_min, annual_decline_max, created_at
		FROM patients WHERE cohort_id = ? ORDER BY created_at`, cohortID)
	if err != nil {
		return nil, fmt.Errorf("listing cohort patients: %w", err)
	}
	defer rows.Close()

	var patients []*domain.Patient
	for rows.Next() {
		var p domain.Patient
		err := rows.Scan(&p.ID, &p.CohortID, &p.DiabetesType, &p.Profile.Category,
			&p.Profile.AnnualDeclineMin, &p.Profile.AnnualDeclineMax, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning patient row: %w", err)
		}
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}
