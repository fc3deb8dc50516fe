package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// RecommendationEngine is a stateless rule table over the current
// HealthState. It is independent of transition detection; the same state
// always yields the same recommendations given the same treatment list.
type RecommendationEngine struct {
	logger *logrus.Logger
}

// NewRecommendationEngine creates a new recommendation engine.
func NewRecommendationEngine(logger *logrus.Logger) *RecommendationEngine {
	return &RecommendationEngine{logger: logger}
}

// RecommendationInput carries everything the rule table reads.
type RecommendationInput struct {
	Patient        *domain.Patient
	State          *domain.HealthState
	EGFR           float64
	Active         []domain.Treatment
	CurrentCadence domain.MonitoringCadence
	Cycle          int
}

// Generate evaluates every rule and returns one pending recommendation
// per triggered rule, ordered by priority.
func (e *RecommendationEngine) Generate(in RecommendationInput) ([]*domain.Recommendation, error) {
	if in.Patient == nil {
		return nil, domain.NewInvalidInput("patient", nil, "patient is required")
	}
	if in.State == nil {
		return nil, domain.NewInvalidInput("state", nil, "health state is required")
	}

	var recs []*domain.Recommendation
	now := time.Now().UTC()

	add := func(rt domain.RecommendationType, urgency domain.Urgency) {
		recs = append(recs, &domain.Recommendation{
			ID:        uuid.New(),
			PatientID: in.Patient.ID,
			Cycle:     in.Cycle,
			Type:      rt,
			Priority:  rt.Priority(),
			Urgency:   urgency,
			Status:    domain.RecPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if in.State.Flags.DialysisPlanning {
		add(domain.RecDialysisPlanning, domain.UrgencyUrgent)
	}
	if in.State.Flags.NephrologyReferral {
		urgency := domain.UrgencyRoutine
		if in.State.RiskLevel == domain.RiskVeryHigh {
			urgency = domain.UrgencyUrgent
		}
		add(domain.RecNephrologyReferral, urgency)
	}
	if in.State.Flags.RASInhibitor && !onDrugClass(in.Active, domain.DrugRASInhibitor) {
		add(domain.RecRASInhibitorStart, domain.UrgencyRoutine)
	}
	if e.sglt2Eligible(in) && !onDrugClass(in.Active, domain.DrugSGLT2Inhibitor) {
		add(domain.RecSGLT2InhibitorStart, domain.UrgencyRoutine)
	}
	if in.CurrentCadence != "" && in.CurrentCadence != in.State.Cadence {
		add(domain.RecMonitoringEscalation, domain.UrgencyRoutine)
	}

	if e.logger != nil && len(recs) > 0 {
		e.logger.WithFields(logrus.Fields{
			"patient_id": in.Patient.ID,
			"cycle":      in.Cycle,
			"count":      len(recs),
		}).Info("Recommendations generated")
	}

	return recs, nil
}

// sglt2Eligible applies the contraindications on top of the staging flag:
// very low eGFR and type 1 diabetes both exclude SGLT2 initiation.
func (e *RecommendationEngine) sglt2Eligible(in RecommendationInput) bool {
	if !in.State.Flags.SGLT2Inhibitor {
		return false
	}
	if in.EGFR < 20 {
		return false
	}
	if in.Patient.DiabetesType == domain.DiabetesType1 {
		return false
	}
	return true
}

func onDrugClass(treatments []domain.Treatment, class domain.DrugClass) bool {
	for _, t := range treatments {
		if t.DrugClass == class && t.IsActive() {
			return true
		}
	}
	return false
}
