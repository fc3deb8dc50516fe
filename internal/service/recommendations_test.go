package service

import (
	"errors"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/ckd-cohort-server/internal/domain"
)

func testPatient(dt domain.DiabetesType) *domain.Patient {
	return &domain.Patient{ID: uuid.New(), CohortID: uuid.New(), DiabetesType: dt}
}

func recTypes(recs []*domain.Recommendation) []domain.RecommendationType {
	out := make([]domain.RecommendationType, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func hasRecType(recs []*domain.Recommendation, rt domain.RecommendationType) bool {
	for _, r := range recs {
		if r.Type == rt {
			return true
		}
	}
	return false
}

func TestGenerateRecommendationsForAdvancedCKD(t *testing.T) {
	e := NewRecommendationEngine(nil)

	state := mustState(t, 12, fptr(400))
	recs, err := e.Generate(RecommendationInput{
		Patient:        testPatient(domain.DiabetesType2),
		State:          state,
		EGFR:           12,
		CurrentCadence: domain.CadenceMonthly,
		Cycle:          8,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !hasRecType(recs, domain.RecDialysisPlanning) {
		t.Errorf("expected dialysis planning, got %v", recTypes(recs))
	}
	if !hasRecType(recs, domain.RecNephrologyReferral) {
		t.Errorf("expected nephrology referral, got %v", recTypes(recs))
	}
	if !hasRecType(recs, domain.RecRASInhibitorStart) {
		t.Errorf("expected RAS initiation, got %v", recTypes(recs))
	}
	// G5 excludes SGLT2 by staging, eGFR 12 by contraindication.
	if hasRecType(recs, domain.RecSGLT2InhibitorStart) {
		t.Errorf("SGLT2 should not be recommended at G5, got %v", recTypes(recs))
	}

	if !sort.SliceIsSorted(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority }) {
		t.Errorf("recommendations not ordered by priority: %v", recTypes(recs))
	}
	for _, r := range recs {
		if r.Status != domain.RecPending {
			t.Errorf("new recommendation status = %s, want pending", r.Status)
		}
	}
}

func TestGenerateRecommendationsSkipsExistingTreatments(t *testing.T) {
	e := NewRecommendationEngine(nil)

	state := mustState(t, 50, fptr(100))
	active := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 0.8},
	}

	recs, err := e.Generate(RecommendationInput{
		Patient:        testPatient(domain.DiabetesType2),
		State:          state,
		EGFR:           50,
		Active:         active,
		CurrentCadence: domain.CadenceQuarterly,
	})
	if err != nil {
		t.Fatal(err)
	}

	if hasRecType(recs, domain.RecRASInhibitorStart) {
		t.Error("RAS initiation recommended for patient already on a RAS inhibitor")
	}
	if !hasRecType(recs, domain.RecSGLT2InhibitorStart) {
		t.Errorf("expected SGLT2 initiation, got %v", recTypes(recs))
	}
}

func TestGenerateRecommendationsSGLT2Contraindications(t *testing.T) {
	e := NewRecommendationEngine(nil)

	tests := []struct {
		name     string
		egfr     float64
		diabetes domain.DiabetesType
		want     bool
	}{
		{"eligible type 2", 50, domain.DiabetesType2, true},
		{"eligible nondiabetic", 50, domain.DiabetesNone, true},
		{"type 1 excluded", 50, domain.DiabetesType1, false},
		{"low egfr excluded", 18, domain.DiabetesType2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := mustState(t, tt.egfr, fptr(100))
			recs, err := e.Generate(RecommendationInput{
				Patient:        testPatient(tt.diabetes),
				State:          state,
				EGFR:           tt.egfr,
				CurrentCadence: state.Cadence,
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := hasRecType(recs, domain.RecSGLT2InhibitorStart); got != tt.want {
				t.Errorf("SGLT2 recommended = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateRecommendationsMonitoringEscalation(t *testing.T) {
	e := NewRecommendationEngine(nil)

	state := mustState(t, 50, fptr(100)) // quarterly cadence
	recs, err := e.Generate(RecommendationInput{
		Patient:        testPatient(domain.DiabetesNone),
		State:          state,
		EGFR:           50,
		CurrentCadence: domain.CadenceAnnual,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !hasRecType(recs, domain.RecMonitoringEscalation) {
		t.Errorf("expected monitoring escalation, got %v", recTypes(recs))
	}
}

func TestGenerateNoRecommendationsWhenHealthy(t *testing.T) {
	e := NewRecommendationEngine(nil)

	state := mustState(t, 95, fptr(10))
	recs, err := e.Generate(RecommendationInput{
		Patient:        testPatient(domain.DiabetesNone),
		State:          state,
		EGFR:           95,
		CurrentCadence: domain.CadenceAnnual,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no recommendations for healthy patient, got %v", recTypes(recs))
	}
}

func TestGenerateRecommendationsRequiresInput(t *testing.T) {
	e := NewRecommendationEngine(nil)

	_, err := e.Generate(RecommendationInput{State: mustState(t, 50, fptr(100))})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing patient, got %v", err)
	}

	_, err = e.Generate(RecommendationInput{Patient: testPatient(domain.DiabetesNone)})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing state, got %v", err)
	}
}
