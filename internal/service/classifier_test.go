package service

import (
	"errors"
	"math"
	"testing"

	"github.com/ckd-cohort-server/internal/domain"
)

func fptr(v float64) *float64 { return &v }

func TestClassifyStaging(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name      string
		egfr      float64
		uacr      *float64
		composite string
		risk      domain.RiskLevel
		stage     int
		hasCKD    bool
	}{
		{"healthy", 95, fptr(10), "G1-A1", domain.RiskLow, 0, false},
		{"G1 with albuminuria", 95, fptr(50), "G1-A2", domain.RiskModerate, 1, true},
		{"G2 normal uACR is no CKD", 70, fptr(5), "G2-A1", domain.RiskLow, 0, false},
		{"G2 severe albuminuria", 70, fptr(400), "G2-A3", domain.RiskHigh, 2, true},
		{"G3a mild", 50, fptr(10), "G3a-A1", domain.RiskModerate, 3, true},
		{"G3a moderate albuminuria", 50, fptr(100), "G3a-A2", domain.RiskHigh, 3, true},
		{"G3b always at least high", 35, fptr(10), "G3b-A1", domain.RiskHigh, 3, true},
		{"G3b with A2", 35, fptr(100), "G3b-A2", domain.RiskVeryHigh, 3, true},
		{"G4", 20, fptr(10), "G4-A1", domain.RiskVeryHigh, 4, true},
		{"kidney failure", 12, fptr(350), "G5-A3", domain.RiskVeryHigh, 5, true},
		{"zero egfr", 0, fptr(1000), "G5-A3", domain.RiskVeryHigh, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := c.Classify(tt.egfr, tt.uacr)
			if err != nil {
				t.Fatalf("Classify(%v) returned error: %v", tt.egfr, err)
			}
			if state.CompositeState != tt.composite {
				t.Errorf("composite = %s, want %s", state.CompositeState, tt.composite)
			}
			if state.RiskLevel != tt.risk {
				t.Errorf("risk = %s, want %s", state.RiskLevel, tt.risk)
			}
			if state.CKDStage != tt.stage {
				t.Errorf("stage = %d, want %d", state.CKDStage, tt.stage)
			}
			if state.HasCKD != tt.hasCKD {
				t.Errorf("hasCKD = %v, want %v", state.HasCKD, tt.hasCKD)
			}
		})
	}
}

func TestClassifyBoundaries(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		egfr      float64
		uacr      float64
		composite string
	}{
		{90, 29.999, "G1-A1"},
		{89.999, 30, "G2-A2"},
		{60, 300, "G2-A2"},
		{59.999, 300.001, "G3a-A3"},
		{45, 0, "G3a-A1"},
		{44.999, 0, "G3b-A1"},
		{30, 0, "G3b-A1"},
		{29.999, 0, "G4-A1"},
		{15, 0, "G4-A1"},
		{14.999, 0, "G5-A1"},
	}

	for _, tt := range tests {
		state, err := c.Classify(tt.egfr, fptr(tt.uacr))
		if err != nil {
			t.Fatalf("Classify(%v, %v): %v", tt.egfr, tt.uacr, err)
		}
		if state.CompositeState != tt.composite {
			t.Errorf("Classify(%v, %v) = %s, want %s", tt.egfr, tt.uacr, state.CompositeState, tt.composite)
		}
	}
}

func TestClassifyAbsentUACR(t *testing.T) {
	c := NewClassifier(nil)

	state, err := c.Classify(50, nil)
	if err != nil {
		t.Fatalf("Classify with nil uACR: %v", err)
	}
	if state.AlbuminuriaCategory != domain.A1 {
		t.Errorf("absent uACR should stage as A1, got %s", state.AlbuminuriaCategory)
	}
	if state.AlbuminuriaMeasured {
		t.Error("AlbuminuriaMeasured should be false for absent uACR")
	}
	if state.CompositeState != "G3a-A1" {
		t.Errorf("composite = %s, want G3a-A1", state.CompositeState)
	}
}

func TestClassifyFlags(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name  string
		egfr  float64
		uacr  float64
		flags domain.ClinicalFlags
	}{
		{"healthy no flags", 95, 10, domain.ClinicalFlags{}},
		{"A3 triggers referral and RAS", 95, 400, domain.ClinicalFlags{NephrologyReferral: true, RASInhibitor: true}},
		{"G3b triggers referral and SGLT2", 35, 10, domain.ClinicalFlags{NephrologyReferral: true, SGLT2Inhibitor: true}},
		{"G4 above 20 no dialysis planning", 22, 10, domain.ClinicalFlags{NephrologyReferral: true, SGLT2Inhibitor: true}},
		{"G4 below 20 plans dialysis", 18, 10, domain.ClinicalFlags{NephrologyReferral: true, DialysisPlanning: true, SGLT2Inhibitor: true}},
		{"G5 plans dialysis, no SGLT2", 10, 10, domain.ClinicalFlags{NephrologyReferral: true, DialysisPlanning: true}},
		{"stage 2 gets SGLT2", 70, 100, domain.ClinicalFlags{RASInhibitor: true, SGLT2Inhibitor: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := c.Classify(tt.egfr, fptr(tt.uacr))
			if err != nil {
				t.Fatal(err)
			}
			if state.Flags != tt.flags {
				t.Errorf("flags = %+v, want %+v", state.Flags, tt.flags)
			}
		})
	}
}

func TestClassifyCadence(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		egfr    float64
		uacr    float64
		cadence domain.MonitoringCadence
	}{
		{95, 10, domain.CadenceAnnual},
		{95, 50, domain.CadenceBiannual},
		{50, 100, domain.CadenceQuarterly},
		{12, 350, domain.CadenceMonthly},
	}

	for _, tt := range tests {
		state, err := c.Classify(tt.egfr, fptr(tt.uacr))
		if err != nil {
			t.Fatal(err)
		}
		if state.Cadence != tt.cadence {
			t.Errorf("Classify(%v, %v) cadence = %s, want %s", tt.egfr, tt.uacr, state.Cadence, tt.cadence)
		}
	}
}

func TestClassifyRejectsInvalidInput(t *testing.T) {
	c := NewClassifier(nil)

	cases := []struct {
		name string
		egfr float64
		uacr *float64
	}{
		{"negative egfr", -1, fptr(10)},
		{"negative uacr", 60, fptr(-5)},
		{"NaN egfr", math.NaN(), fptr(10)},
		{"Inf egfr", math.Inf(1), fptr(10)},
		{"NaN uacr", 60, fptr(math.NaN())},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify(tt.egfr, tt.uacr)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	c := NewClassifier(nil)

	first, err := c.Classify(47.3, fptr(212.8))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := c.Classify(47.3, fptr(212.8))
		if err != nil {
			t.Fatal(err)
		}
		if *again != *first {
			t.Fatalf("classification not deterministic: %+v vs %+v", again, first)
		}
	}
}
