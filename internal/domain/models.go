package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DiabetesType is recorded per patient because SGLT2 inhibitors are not
// indicated for type 1 diabetes.
type DiabetesType string

const (
	DiabetesNone  DiabetesType = "none"
	DiabetesType1 DiabetesType = "type1"
	DiabetesType2 DiabetesType = "type2"
)

// LabSnapshot is one patient's lab measurement for one cohort cycle.
// Immutable once created; exactly one snapshot exists per patient per
// cycle. A nil UACR means the ratio was not measured that cycle.
type LabSnapshot struct {
	PatientID  uuid.UUID `json:"patient_id"`
	EGFR       float64   `json:"egfr"`
	UACR       *float64  `json:"uacr,omitempty"`
	Cycle      int       `json:"cycle"`
	MeasuredAt time.Time `json:"measured_at"`
}

// Validate rejects snapshots that must not enter the classification
// pipeline. Negative lab values are rejected, never clamped.
func (s *LabSnapshot) Validate() error {
	if s.PatientID == uuid.Nil {
		return fmt.Errorf("lab snapshot validation: %w", errors.New("patient ID is required"))
	}
	if s.EGFR < 0 {
		return NewInvalidInput("egfr", s.EGFR, "eGFR must be non-negative")
	}
	if s.UACR != nil && *s.UACR < 0 {
		return NewInvalidInput("uacr", *s.UACR, "uACR must be non-negative")
	}
	if s.Cycle < 0 {
		return NewInvalidInput("cycle", s.Cycle, "cycle must be non-negative")
	}
	return nil
}

// ClinicalFlags are the deterministic action flags derived from the KDIGO
// categories.
type ClinicalFlags struct {
	NephrologyReferral bool `json:"nephrology_referral"`
	DialysisPlanning   bool `json:"dialysis_planning"`
	RASInhibitor       bool `json:"ras_inhibitor"`
	SGLT2Inhibitor     bool `json:"sglt2_inhibitor"`
}

// HealthState is the classification derived from one lab snapshot. It is
// never stored independently of the snapshot that produced it, and the
// same (eGFR, uACR) pair always yields the same state.
//
// CompositeState is a two-part string "{GFR}-{ALB}" (e.g. "G3a-A2") that
// downstream consumers match on literally; treat it as a stable wire
// format.
type HealthState struct {
	GFRCategory         GFRCategory         `json:"gfr_category"`
	AlbuminuriaCategory AlbuminuriaCategory `json:"albuminuria_category"`
	AlbuminuriaMeasured bool                `json:"albuminuria_measured"`
	CompositeState      string              `json:"composite_state"`
	RiskLevel           RiskLevel           `json:"risk_level"`
	CKDStage            int                 `json:"ckd_stage,omitempty"` // 1-5, 0 when no CKD
	HasCKD              bool                `json:"has_ckd"`
	Flags               ClinicalFlags       `json:"clinical_flags"`
	Cadence             MonitoringCadence   `json:"monitoring_cadence"`
}

// LogFields returns structured logging fields for audit trails.
func (h *HealthState) LogFields() map[string]any {
	return map[string]any{
		"composite_state": h.CompositeState,
		"risk_level":      h.RiskLevel.String(),
		"ckd_stage":       h.CKDStage,
		"has_ckd":         h.HasCKD,
	}
}

// ProgressionProfile is a patient's natural trajectory: the annual eGFR
// decline range the simulation samples from. Assigned once at baseline and
// immutable thereafter.
type ProgressionProfile struct {
	Category         ProgressionCategory `json:"category"`
	AnnualDeclineMin float64             `json:"annual_decline_min"` // mL/min/year
	AnnualDeclineMax float64             `json:"annual_decline_max"`
}

// Validate ensures the profile is coherent before it drives generation.
func (p *ProgressionProfile) Validate() error {
	if !p.Category.IsValid() {
		return fmt.Errorf("progression profile validation: unknown category %q", p.Category)
	}
	if p.AnnualDeclineMin < 0 || p.AnnualDeclineMax < p.AnnualDeclineMin {
		return fmt.Errorf("progression profile validation: decline range [%v, %v] is malformed",
			p.AnnualDeclineMin, p.AnnualDeclineMax)
	}
	return nil
}

// Treatment is one drug-class prescription for one patient. Adherence is
// re-estimated every cycle; several treatments may be active at once.
type Treatment struct {
	ID           uuid.UUID       `json:"id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	DrugClass    DrugClass       `json:"drug_class"`
	StartedCycle int             `json:"started_cycle"`
	Adherence    float64         `json:"adherence"` // [0,1]
	Status       TreatmentStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validate ensures the treatment record is usable by the generator.
func (t *Treatment) Validate() error {
	if t.PatientID == uuid.Nil {
		return fmt.Errorf("treatment validation: %w", errors.New("patient ID is required"))
	}
	if !t.DrugClass.IsValid() {
		return fmt.Errorf("treatment validation: %w", ErrInvalidDrugClass)
	}
	if t.Adherence < 0 || t.Adherence > 1 {
		return NewInvalidInput("adherence", t.Adherence, "adherence must be within [0,1]")
	}
	return nil
}

// IsActive reports whether the treatment contributes to the current cycle.
func (t *Treatment) IsActive() bool {
	return t.Status == TreatmentActive
}

// Patient is a cohort member. The progression profile never changes after
// baseline.
type Patient struct {
	ID           uuid.UUID          `json:"id"`
	CohortID     uuid.UUID          `json:"cohort_id"`
	DiabetesType DiabetesType       `json:"diabetes_type"`
	Profile      ProgressionProfile `json:"profile"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Cohort is a population advanced one simulated cycle at a time. Seed
// makes every patient trajectory reproducible; CurrentCycle only moves
// forward, once per completed advance.
type Cohort struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	CurrentCycle int       `json:"current_cycle"`
	Seed         int64     `json:"seed"`
	CyclePolicy  string    `json:"cycle_policy"`
	CreatedAt    time.Time `json:"created_at"`
}

// Transition records the comparison of two consecutive classified
// measurements of the same patient. Created exactly once per pair of
// consecutive cycles with data; never mutated.
type Transition struct {
	PatientID                uuid.UUID  `json:"patient_id"`
	FromState                string     `json:"from_state"`
	ToState                  string     `json:"to_state"`
	CycleFrom                int        `json:"cycle_from"`
	CycleTo                  int        `json:"cycle_to"`
	EGFRDelta                float64    `json:"egfr_delta"`
	UACRDelta                float64    `json:"uacr_delta"`
	CategoryChanged          bool       `json:"category_changed"`
	RiskIncreased            bool       `json:"risk_increased"`
	CrossedCriticalThreshold bool       `json:"crossed_critical_threshold"`
	ChangeType               ChangeType `json:"change_type"`
}

// Alert is raised when a transition matches an alert rule. At most one
// alert per patient per cycle, carrying the highest-severity rule that
// matched and the ordered list of reasons.
type Alert struct {
	ID        uuid.UUID     `json:"id"`
	PatientID uuid.UUID     `json:"patient_id"`
	Cycle     int           `json:"cycle"`
	Severity  AlertSeverity `json:"severity"`
	Reasons   []string      `json:"reasons"`
	Status    AlertStatus   `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Recommendation is one actionable follow-up produced by the
// recommendation rule table.
type Recommendation struct {
	ID        uuid.UUID            `json:"id"`
	PatientID uuid.UUID            `json:"patient_id"`
	Cycle     int                  `json:"cycle"`
	Type      RecommendationType   `json:"type"`
	Priority  int                  `json:"priority"`
	Urgency   Urgency              `json:"urgency"`
	Status    RecommendationStatus `json:"status"`
	Outcome   string               `json:"outcome,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// PatientFailure reports one patient whose cycle could not be generated
// during a batch advance.
type PatientFailure struct {
	PatientID uuid.UUID `json:"patient_id"`
	Reason    string    `json:"reason"`
}

// AdvanceResult summarizes one cohort-wide cycle advance. Failed patients
// never abort the batch; they are reported here instead.
type AdvanceResult struct {
	CohortID          uuid.UUID        `json:"cohort_id"`
	NewCycle          int              `json:"new_cycle"`
	PatientsProcessed int              `json:"patients_processed"`
	Succeeded         int              `json:"succeeded"`
	Failed            int              `json:"failed"`
	Transitions       []Transition     `json:"transitions"`
	AlertsGenerated   int              `json:"alerts_generated"`
	Recommendations   int              `json:"recommendations"`
	Failures          []PatientFailure `json:"failures,omitempty"`
	WindowReset       bool             `json:"window_reset,omitempty"`
}
