package domain

import (
	"context"

	"github.com/google/uuid"
)

// SnapshotStore persists lab snapshots. History is returned newest first.
// PurgeCycle removes every snapshot one cohort cycle wrote, so a
// partially persisted advance can be rolled back before a retry.
type SnapshotStore interface {
	Latest(ctx context.Context, patientID uuid.UUID) (*LabSnapshot, error)
	History(ctx context.Context, patientID uuid.UUID, n int) ([]*LabSnapshot, error)
	Append(ctx context.Context, snapshot *LabSnapshot) error
	PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error
}

// TreatmentStore persists treatments.
type TreatmentStore interface {
	ActiveTreatments(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error)
	Upsert(ctx context.Context, treatment *Treatment) error
}

// PatientStore lists and resolves cohort members.
type PatientStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListByCohort(ctx context.Context, cohortID uuid.UUID) ([]*Patient, error)
	Create(ctx context.Context, patient *Patient) error
}

// CohortStore persists cohorts. AdvanceCycle must only move the counter
// when it still holds fromCycle and report a conflict otherwise; toCycle
// comes from the cycle policy, which may wrap the counter on a window
// rollover.
type CohortStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Cohort, error)
	Create(ctx context.Context, cohort *Cohort) error
	AdvanceCycle(ctx context.Context, id uuid.UUID, fromCycle, toCycle int) error
	ResetCycle(ctx context.Context, id uuid.UUID) error
}

// AlertStore persists alerts and enforces the alert lifecycle.
// PurgeCycle removes the alerts a failed advance wrote for one cohort
// cycle.
type AlertStore interface {
	Create(ctx context.Context, alert *Alert) error
	Get(ctx context.Context, id uuid.UUID) (*Alert, error)
	ListActive(ctx context.Context, patientID uuid.UUID) ([]*Alert, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status AlertStatus) error
	PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error
}

// RecommendationStore persists recommendations and enforces their
// lifecycle. PurgeCycle removes the recommendations a failed advance
// wrote for one cohort cycle.
type RecommendationStore interface {
	Create(ctx context.Context, rec *Recommendation) error
	ListOpen(ctx context.Context, patientID uuid.UUID) ([]*Recommendation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status RecommendationStatus, outcome string) error
	PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error
}

// TransitionStore records immutable transitions. PurgeCycle is the one
// exception to immutability: it removes the transitions a failed advance
// wrote for one cohort cycle.
type TransitionStore interface {
	Create(ctx context.Context, transition *Transition) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, n int) ([]*Transition, error)
	PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error
}

// LabValueOracle is the external generative service that suggests
// free-text-derived lab values for the narrative/demo path. It is opaque
// to the deterministic core and never consulted by the progression
// generator.
type LabValueOracle interface {
	SuggestNextValues(ctx context.Context, req *OracleRequest) (*OracleSuggestion, error)
}

// OracleRequest is the context handed to the generative oracle.
type OracleRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	History     []*LabSnapshot
	Narrative   string `json:"narrative,omitempty"`
	TargetCycle int    `json:"target_cycle"`
}

// OracleSuggestion is the oracle's lab value set for the next cycle.
type OracleSuggestion struct {
	EGFR      float64  `json:"egfr"`
	UACR      *float64 `json:"uacr,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}
