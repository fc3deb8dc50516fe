// Package domain contains core business entities and types for chronic
// kidney disease (CKD) cohort monitoring, following the KDIGO staging
// taxonomy: a GFR category (G1-G5) combined with an albuminuria category
// (A1-A3) yields a composite health state and a risk level.
//
// Reference: KDIGO 2012 Clinical Practice Guideline for the Evaluation and
// Management of Chronic Kidney Disease. Kidney Int Suppl. 3(1):1-150.
package domain

import "errors"

// GFRCategory represents the KDIGO GFR category derived from eGFR
// (estimated glomerular filtration rate, mL/min/1.73m²).
type GFRCategory string

const (
	G1  GFRCategory = "G1"  // eGFR >= 90
	G2  GFRCategory = "G2"  // eGFR 60-89
	G3a GFRCategory = "G3a" // eGFR 45-59
	G3b GFRCategory = "G3b" // eGFR 30-44
	G4  GFRCategory = "G4"  // eGFR 15-29
	G5  GFRCategory = "G5"  // eGFR < 15
)

// AlbuminuriaCategory represents the KDIGO albuminuria category derived
// from uACR (urine albumin-to-creatinine ratio, mg/g).
type AlbuminuriaCategory string

const (
	A1 AlbuminuriaCategory = "A1" // uACR < 30
	A2 AlbuminuriaCategory = "A2" // uACR 30-300
	A3 AlbuminuriaCategory = "A3" // uACR > 300
)

// RiskLevel is the KDIGO prognosis risk level from the GFR x albuminuria
// heat map.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// MonitoringCadence is how often a patient should be re-measured, a direct
// function of risk level.
type MonitoringCadence string

const (
	CadenceMonthly   MonitoringCadence = "monthly"
	CadenceQuarterly MonitoringCadence = "quarterly"
	CadenceBiannual  MonitoringCadence = "biannual"
	CadenceAnnual    MonitoringCadence = "annual"
)

// ChangeType summarizes the clinical direction of a transition between two
// consecutive measurements.
type ChangeType string

const (
	ChangeImproved ChangeType = "improved"
	ChangeWorsened ChangeType = "worsened"
	ChangeStable   ChangeType = "stable"
)

// AlertSeverity orders alerts by clinical priority.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
	SeverityInfo     AlertSeverity = "info"
)

// AlertStatus is the lifecycle state of an alert. Alerts are created
// active, move to acknowledged then resolved, or directly to dismissed.
// Terminal states never revert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// RecommendationType identifies which clinical rule produced a
// recommendation.
type RecommendationType string

const (
	RecDialysisPlanning     RecommendationType = "dialysis_planning"
	RecNephrologyReferral   RecommendationType = "nephrology_referral"
	RecRASInhibitorStart    RecommendationType = "ras_inhibitor_initiation"
	RecSGLT2InhibitorStart  RecommendationType = "sglt2_inhibitor_initiation"
	RecMonitoringEscalation RecommendationType = "monitoring_escalation"
)

// RecommendationStatus is the lifecycle state of a recommendation.
type RecommendationStatus string

const (
	RecPending    RecommendationStatus = "pending"
	RecInProgress RecommendationStatus = "in_progress"
	RecCompleted  RecommendationStatus = "completed"
	RecDismissed  RecommendationStatus = "dismissed"
)

// Urgency distinguishes routine follow-up from urgent action.
type Urgency string

const (
	UrgencyRoutine Urgency = "routine"
	UrgencyUrgent  Urgency = "urgent"
)

// DrugClass identifies a nephroprotective treatment class.
type DrugClass string

const (
	DrugRASInhibitor   DrugClass = "ras_inhibitor"
	DrugSGLT2Inhibitor DrugClass = "sglt2_inhibitor"
	DrugGLP1Agonist    DrugClass = "glp1_agonist"
)

// TreatmentStatus marks whether a treatment is still being taken.
type TreatmentStatus string

const (
	TreatmentActive  TreatmentStatus = "active"
	TreatmentStopped TreatmentStatus = "stopped"
)

// ProgressionCategory is a patient's natural disease trajectory, assigned
// once at baseline and immutable for the simulation's lifetime.
type ProgressionCategory string

const (
	ProgressionRapid       ProgressionCategory = "rapid"
	ProgressionProgressive ProgressionCategory = "progressive"
	ProgressionModerate    ProgressionCategory = "moderate"
	ProgressionSlow        ProgressionCategory = "slow"
)

// AdherenceBand buckets a [0,1] adherence score for reporting.
type AdherenceBand string

const (
	AdherenceExcellent AdherenceBand = "excellent" // >= 0.90
	AdherenceGood      AdherenceBand = "good"      // >= 0.70
	AdherenceFair      AdherenceBand = "fair"      // >= 0.50
	AdherencePoor      AdherenceBand = "poor"      // >= 0.30
	AdherenceVeryPoor  AdherenceBand = "very_poor"
)

// Validation errors for clinical data integrity.
var (
	ErrInvalidGFRCategory         = errors.New("invalid GFR category")
	ErrInvalidAlbuminuriaCategory = errors.New("invalid albuminuria category")
	ErrInvalidRiskLevel           = errors.New("invalid risk level")
	ErrInvalidAlertStatus         = errors.New("invalid alert status")
	ErrInvalidRecommendationType  = errors.New("invalid recommendation type")
	ErrInvalidDrugClass           = errors.New("invalid drug class")
)

// IsValid validates the GFR category against the KDIGO taxonomy.
func (g GFRCategory) IsValid() bool {
	switch g {
	case G1, G2, G3a, G3b, G4, G5:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the category.
func (g GFRCategory) String() string {
	return string(g)
}

// IsValid validates the albuminuria category.
func (a AlbuminuriaCategory) IsValid() bool {
	switch a {
	case A1, A2, A3:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the category.
func (a AlbuminuriaCategory) String() string {
	return string(a)
}

// IsValid validates the risk level.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskModerate, RiskHigh, RiskVeryHigh:
		return true
	default:
		return false
	}
}

// String returns the wire representation of the risk level.
func (r RiskLevel) String() string {
	return string(r)
}

// Rank orders risk levels so that escalation can be compared numerically:
// low < moderate < high < very_high. Unknown levels rank below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskModerate:
		return 1
	case RiskHigh:
		return 2
	case RiskVeryHigh:
		return 3
	default:
		return -1
	}
}

// Cadence maps a risk level to the monitoring cadence it demands.
func (r RiskLevel) Cadence() MonitoringCadence {
	switch r {
	case RiskVeryHigh:
		return CadenceMonthly
	case RiskHigh:
		return CadenceQuarterly
	case RiskModerate:
		return CadenceBiannual
	default:
		return CadenceAnnual
	}
}

// Rank orders alert severities: info < warning < critical.
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// IsValid validates the alert severity.
func (s AlertSeverity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the alert status admits no further
// transitions.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

// CanTransitionTo enforces the alert lifecycle: active -> acknowledged ->
// resolved, or active -> dismissed.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertActive:
		return next == AlertAcknowledged || next == AlertDismissed
	case AlertAcknowledged:
		return next == AlertResolved || next == AlertDismissed
	default:
		return false
	}
}

// IsTerminal reports whether the recommendation status admits no further
// transitions.
func (s RecommendationStatus) IsTerminal() bool {
	return s == RecCompleted || s == RecDismissed
}

// CanTransitionTo enforces the recommendation lifecycle, which mirrors the
// alert lifecycle with an extra in_progress stage.
func (s RecommendationStatus) CanTransitionTo(next RecommendationStatus) bool {
	switch s {
	case RecPending:
		return next == RecInProgress || next == RecCompleted || next == RecDismissed
	case RecInProgress:
		return next == RecCompleted || next == RecDismissed
	default:
		return false
	}
}

// Priority orders recommendation types: dialysis planning before nephrology
// referral, before drug initiation, before monitoring escalation. Lower is
// more important.
func (t RecommendationType) Priority() int {
	switch t {
	case RecDialysisPlanning:
		return 1
	case RecNephrologyReferral:
		return 2
	case RecRASInhibitorStart, RecSGLT2InhibitorStart:
		return 3
	case RecMonitoringEscalation:
		return 4
	default:
		return 99
	}
}

// IsValid validates the recommendation type.
func (t RecommendationType) IsValid() bool {
	switch t {
	case RecDialysisPlanning, RecNephrologyReferral, RecRASInhibitorStart,
		RecSGLT2InhibitorStart, RecMonitoringEscalation:
		return true
	default:
		return false
	}
}

// IsValid validates the drug class.
func (d DrugClass) IsValid() bool {
	switch d {
	case DrugRASInhibitor, DrugSGLT2Inhibitor, DrugGLP1Agonist:
		return true
	default:
		return false
	}
}

// IsValid validates the progression category.
func (p ProgressionCategory) IsValid() bool {
	switch p {
	case ProgressionRapid, ProgressionProgressive, ProgressionModerate, ProgressionSlow:
		return true
	default:
		return false
	}
}

// BandForAdherence buckets a clamped [0,1] adherence score.
func BandForAdherence(score float64) AdherenceBand {
	switch {
	case score >= 0.90:
		return AdherenceExcellent
	case score >= 0.70:
		return AdherenceGood
	case score >= 0.50:
		return AdherenceFair
	case score >= 0.30:
		return AdherencePoor
	default:
		return AdherenceVeryPoor
	}
}
