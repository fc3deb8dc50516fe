package service

import (
	"errors"
	"testing"

	"github.com/ckd-cohort-server/internal/domain"
)

func mustState(t *testing.T, egfr float64, uacr *float64) *domain.HealthState {
	t.Helper()
	state, err := NewClassifier(nil).Classify(egfr, uacr)
	if err != nil {
		t.Fatalf("Classify(%v): %v", egfr, err)
	}
	return state
}

func point(t *testing.T, egfr float64, uacr *float64, cycle int) StatePoint {
	t.Helper()
	return StatePoint{State: mustState(t, egfr, uacr), EGFR: egfr, UACR: uacr, Cycle: cycle}
}

func TestDetectCategoryAndRiskChange(t *testing.T) {
	d := NewTransitionDetector(nil)

	// G2-A1 to G3a-A2: category change and risk escalation.
	prev := point(t, 65, fptr(10), 3)
	curr := point(t, 55, fptr(80), 4)

	tr, err := d.Detect(prev, curr)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.CategoryChanged {
		t.Error("expected category_changed")
	}
	if !tr.RiskIncreased {
		t.Error("expected risk_increased")
	}
	if tr.ChangeType != domain.ChangeWorsened {
		t.Errorf("change_type = %s, want worsened", tr.ChangeType)
	}
	if tr.FromState != "G2-A1" || tr.ToState != "G3a-A2" {
		t.Errorf("states = %s -> %s", tr.FromState, tr.ToState)
	}
}

func TestDetectCriticalThresholds(t *testing.T) {
	d := NewTransitionDetector(nil)

	tests := []struct {
		name     string
		prevEGFR float64
		currEGFR float64
		prevUACR *float64
		currUACR *float64
		crossed  bool
	}{
		{"egfr crosses 30", 31, 29, fptr(50), fptr(50), true},
		{"egfr crosses 15", 16, 14, fptr(50), fptr(50), true},
		{"egfr already below 30", 28, 27, fptr(50), fptr(50), false},
		{"uacr crosses 300", 50, 50, fptr(290), fptr(320), true},
		{"uacr already above 300", 50, 50, fptr(350), fptr(380), false},
		{"uacr cross needs both measured", 50, 50, nil, fptr(320), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := d.Detect(
				point(t, tt.prevEGFR, tt.prevUACR, 1),
				point(t, tt.currEGFR, tt.currUACR, 2),
			)
			if err != nil {
				t.Fatal(err)
			}
			if tr.CrossedCriticalThreshold != tt.crossed {
				t.Errorf("crossed = %v, want %v", tr.CrossedCriticalThreshold, tt.crossed)
			}
		})
	}
}

func TestDetectChangeType(t *testing.T) {
	d := NewTransitionDetector(nil)

	tests := []struct {
		name     string
		prevEGFR float64
		currEGFR float64
		prevUACR float64
		currUACR float64
		want     domain.ChangeType
	}{
		{"egfr within noise floor", 60, 59.7, 50, 50, domain.ChangeStable},
		{"egfr drop beyond noise floor", 60, 58, 50, 50, domain.ChangeWorsened},
		{"egfr recovery", 58, 60, 50, 50, domain.ChangeImproved},
		{"uacr rise over 10 percent", 60, 60, 100, 120, domain.ChangeWorsened},
		{"uacr rise under 10 percent", 60, 60, 100, 105, domain.ChangeStable},
		{"uacr material drop", 60, 60, 200, 150, domain.ChangeImproved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := d.Detect(
				point(t, tt.prevEGFR, fptr(tt.prevUACR), 1),
				point(t, tt.currEGFR, fptr(tt.currUACR), 2),
			)
			if err != nil {
				t.Fatal(err)
			}
			if tr.ChangeType != tt.want {
				t.Errorf("change_type = %s, want %s", tr.ChangeType, tt.want)
			}
		})
	}
}

func TestDetectOpposedMoves(t *testing.T) {
	d := NewTransitionDetector(nil)

	tests := []struct {
		name     string
		prevEGFR float64
		currEGFR float64
		prevUACR float64
		currUACR float64
		want     domain.ChangeType
	}{
		// eGFR drops across the G2/G3a boundary while uACR improves
		// within A2; the boundary crossing wins.
		{"gfr boundary decides worsened", 61, 58, 100, 80, domain.ChangeWorsened},
		// uACR drops across the A2/A1 boundary while eGFR declines
		// within G2.
		{"alb boundary decides improved", 70, 68, 40, 20, domain.ChangeImproved},
		// Opposed moves, neither crossed a boundary.
		{"no boundary crossed is stable", 70, 68, 100, 80, domain.ChangeStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := d.Detect(
				point(t, tt.prevEGFR, fptr(tt.prevUACR), 1),
				point(t, tt.currEGFR, fptr(tt.currUACR), 2),
			)
			if err != nil {
				t.Fatal(err)
			}
			if tr.ChangeType != tt.want {
				t.Errorf("change_type = %s, want %s", tr.ChangeType, tt.want)
			}
		})
	}
}

func TestDetectRequiresStates(t *testing.T) {
	d := NewTransitionDetector(nil)

	_, err := d.Detect(StatePoint{}, point(t, 60, fptr(50), 1))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDetectDeltas(t *testing.T) {
	d := NewTransitionDetector(nil)

	tr, err := d.Detect(point(t, 60, fptr(100), 5), point(t, 57, fptr(130), 6))
	if err != nil {
		t.Fatal(err)
	}
	if tr.EGFRDelta != -3 {
		t.Errorf("egfr_delta = %v, want -3", tr.EGFRDelta)
	}
	if tr.UACRDelta != 30 {
		t.Errorf("uacr_delta = %v, want 30", tr.UACRDelta)
	}
	if tr.CycleFrom != 5 || tr.CycleTo != 6 {
		t.Errorf("cycles = %d -> %d", tr.CycleFrom, tr.CycleTo)
	}
}
