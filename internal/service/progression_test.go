package service

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ckd-cohort-server/internal/domain"
)

func simPatient() *domain.Patient {
	return &domain.Patient{
		ID:       uuid.New(),
		CohortID: uuid.New(),
		Profile: domain.ProgressionProfile{
			Category:         domain.ProgressionModerate,
			AnnualDeclineMin: 2,
			AnnualDeclineMax: 4,
		},
	}
}

func priorSnapshot(p *domain.Patient, egfr float64, uacr *float64, cycle int) *domain.LabSnapshot {
	return &domain.LabSnapshot{
		PatientID:  p.ID,
		EGFR:       egfr,
		UACR:       uacr,
		Cycle:      cycle,
		MeasuredAt: time.Now().UTC(),
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(42)
	p := simPatient()
	prior := priorSnapshot(p, 60, fptr(100), 3)

	treatments := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 0.8},
	}

	first, err := g.Generate(p, prior, treatments, src.ForPatientCycle(p.ID, 4))
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Generate(p, prior, treatments, src.ForPatientCycle(p.ID, 4))
	if err != nil {
		t.Fatal(err)
	}

	if first.EGFR != second.EGFR {
		t.Errorf("eGFR not reproducible: %v vs %v", first.EGFR, second.EGFR)
	}
	if *first.UACR != *second.UACR {
		t.Errorf("uACR not reproducible: %v vs %v", *first.UACR, *second.UACR)
	}
	if first.Cycle != 4 {
		t.Errorf("cycle = %d, want 4", first.Cycle)
	}
}

func TestGenerateDistinctStreamsPerPatientAndCycle(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(42)
	a, b := simPatient(), simPatient()
	prior := priorSnapshot(a, 60, fptr(100), 3)

	ra, err := g.Generate(a, prior, nil, src.ForPatientCycle(a.ID, 4))
	if err != nil {
		t.Fatal(err)
	}
	rb, err := g.Generate(b, prior, nil, src.ForPatientCycle(b.ID, 4))
	if err != nil {
		t.Fatal(err)
	}
	if ra.EGFR == rb.EGFR {
		t.Error("different patients produced identical draws")
	}
}

func TestGenerateZeroAdherenceMatchesNatural(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(7)
	p := simPatient()
	prior := priorSnapshot(p, 55, fptr(120), 10)

	zeroAdherence := []domain.Treatment{
		{DrugClass: domain.DrugSGLT2Inhibitor, Status: domain.TreatmentActive, Adherence: 0},
	}

	treated, err := g.Generate(p, prior, zeroAdherence, src.ForPatientCycle(p.ID, 11))
	if err != nil {
		t.Fatal(err)
	}
	natural, err := g.Generate(p, prior, nil, src.ForPatientCycle(p.ID, 11))
	if err != nil {
		t.Fatal(err)
	}

	if treated.EGFR != natural.EGFR {
		t.Errorf("zero-adherence eGFR %v differs from natural %v", treated.EGFR, natural.EGFR)
	}
	if *treated.UACR != *natural.UACR {
		t.Errorf("zero-adherence uACR %v differs from natural %v", *treated.UACR, *natural.UACR)
	}
}

func TestGenerateUntreatedDeclines(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(99)
	p := simPatient()

	// Minimum monthly decline 2/12 exceeds the noise band, so every
	// untreated cycle loses eGFR.
	prior := priorSnapshot(p, 60, fptr(100), 0)
	for cycle := 1; cycle <= 12; cycle++ {
		next, err := g.Generate(p, prior, nil, src.ForPatientCycle(p.ID, cycle))
		if err != nil {
			t.Fatal(err)
		}
		if next.EGFR >= prior.EGFR {
			t.Fatalf("cycle %d: untreated eGFR rose from %v to %v", cycle, prior.EGFR, next.EGFR)
		}
		prior = next
	}
}

func TestGenerateClampsToPhysiologicalBounds(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(1)
	p := simPatient()

	low := priorSnapshot(p, 0.05, fptr(9990), 1)
	next, err := g.Generate(p, low, nil, src.ForPatientCycle(p.ID, 2))
	if err != nil {
		t.Fatal(err)
	}
	if next.EGFR < 0 || next.EGFR > 200 {
		t.Errorf("eGFR out of bounds: %v", next.EGFR)
	}
	if *next.UACR < 0 || *next.UACR > 10000 {
		t.Errorf("uACR out of bounds: %v", *next.UACR)
	}
}

func TestGenerateCarriesAbsentUACR(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(5)
	p := simPatient()

	next, err := g.Generate(p, priorSnapshot(p, 70, nil, 2), nil, src.ForPatientCycle(p.ID, 3))
	if err != nil {
		t.Fatal(err)
	}
	if next.UACR != nil {
		t.Errorf("absent uACR should stay absent, got %v", *next.UACR)
	}
}

func TestGenerateMissingEffectRange(t *testing.T) {
	// Configure only RAS so SGLT2 is unknown.
	effects := map[domain.DrugClass]EffectRange{
		domain.DrugRASInhibitor: DefaultEffectRanges()[domain.DrugRASInhibitor],
	}
	g := NewProgressionGenerator(effects, nil, nil)
	src := NewSeededSource(5)
	p := simPatient()

	treatments := []domain.Treatment{
		{DrugClass: domain.DrugSGLT2Inhibitor, Status: domain.TreatmentActive, Adherence: 1},
	}
	_, err := g.Generate(p, priorSnapshot(p, 60, fptr(100), 1), treatments, src.ForPatientCycle(p.ID, 2))
	if !errors.Is(err, domain.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}

	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *GenerationError, got %T", err)
	}
	if genErr.Cycle != 2 {
		t.Errorf("generation error cycle = %d, want 2", genErr.Cycle)
	}
}

func TestGenerateMalformedProfile(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(5)
	p := simPatient()
	p.Profile.AnnualDeclineMax = p.Profile.AnnualDeclineMin - 1

	_, err := g.Generate(p, priorSnapshot(p, 60, fptr(100), 1), nil, src.ForPatientCycle(p.ID, 2))
	if !errors.Is(err, domain.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
}

func TestExpectedMonthlyChanges(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)

	profile := domain.ProgressionProfile{
		Category:         domain.ProgressionModerate,
		AnnualDeclineMin: 2,
		AnnualDeclineMax: 4,
	}

	// Untreated: midpoint decline 3/12 = 0.25 down, drift 0.02 up.
	egfr, uacr, err := g.ExpectedMonthlyChanges(profile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(egfr-(-0.25)) > 1e-9 {
		t.Errorf("expected eGFR change = %v, want -0.25", egfr)
	}
	if math.Abs(uacr-0.02) > 1e-9 {
		t.Errorf("expected uACR change = %v, want 0.02", uacr)
	}

	// One RAS inhibitor: midpoint benefit 1.0, reduction 0.30.
	treatments := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 1},
	}
	egfr, uacr, err = g.ExpectedMonthlyChanges(profile, treatments)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(egfr-0.75) > 1e-9 {
		t.Errorf("expected treated eGFR change = %v, want 0.75", egfr)
	}
	if math.Abs(uacr-(-0.28)) > 1e-9 {
		t.Errorf("expected treated uACR change = %v, want -0.28", uacr)
	}
}

func TestCombinationBonusRequiresDistinctDrugClasses(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)

	profile := domain.ProgressionProfile{
		Category:         domain.ProgressionModerate,
		AnnualDeclineMin: 2,
		AnnualDeclineMax: 4,
	}

	// Two prescriptions of the same class sum their effects without the
	// bonus: -0.25 + 2*1.0 and 0.02 - 2*0.30.
	sameClass := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 1},
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 1},
	}
	egfr, uacr, err := g.ExpectedMonthlyChanges(profile, sameClass)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(egfr-1.75) > 1e-9 {
		t.Errorf("same-class eGFR change = %v, want 1.75 without combination bonus", egfr)
	}
	if math.Abs(uacr-(-0.58)) > 1e-9 {
		t.Errorf("same-class uACR change = %v, want -0.58 without combination bonus", uacr)
	}

	// RAS plus SGLT2 earns the bonus: -0.25 + (1.0+1.75)*1.2 and
	// 0.02 - (0.30+0.375)*1.2.
	twoClasses := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 1},
		{DrugClass: domain.DrugSGLT2Inhibitor, Status: domain.TreatmentActive, Adherence: 1},
	}
	egfr, uacr, err = g.ExpectedMonthlyChanges(profile, twoClasses)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(egfr-3.05) > 1e-9 {
		t.Errorf("two-class eGFR change = %v, want 3.05 with combination bonus", egfr)
	}
	if math.Abs(uacr-(-0.79)) > 1e-9 {
		t.Errorf("two-class uACR change = %v, want -0.79 with combination bonus", uacr)
	}
}

func TestGenerateSameClassPairSkipsCombinationBonus(t *testing.T) {
	g := NewProgressionGenerator(nil, nil, nil)
	src := NewSeededSource(13)
	p := simPatient()
	prior := priorSnapshot(p, 60, fptr(100), 1)

	// Both lists hold two active treatments, so they consume the same
	// random stream. The zero-adherence second entry contributes nothing
	// to the benefit, leaving the bonus as the only difference: the
	// duplicated class must come out strictly below the distinct pair.
	sameClass := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 1},
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 0},
	}
	twoClasses := []domain.Treatment{
		{DrugClass: domain.DrugRASInhibitor, Status: domain.TreatmentActive, Adherence: 1},
		{DrugClass: domain.DrugSGLT2Inhibitor, Status: domain.TreatmentActive, Adherence: 0},
	}

	duplicated, err := g.Generate(p, prior, sameClass, src.ForPatientCycle(p.ID, 2))
	if err != nil {
		t.Fatal(err)
	}
	distinct, err := g.Generate(p, prior, twoClasses, src.ForPatientCycle(p.ID, 2))
	if err != nil {
		t.Fatal(err)
	}
	if duplicated.EGFR >= distinct.EGFR {
		t.Errorf("duplicated class eGFR %v should fall below distinct classes %v", duplicated.EGFR, distinct.EGFR)
	}
}
