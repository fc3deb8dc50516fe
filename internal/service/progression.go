package service

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// EffectRange is the configured monthly effect of one drug class: an
// absolute eGFR benefit in mL/min and a relative uACR reduction.
type EffectRange struct {
	EGFRBenefitMin   float64
	EGFRBenefitMax   float64
	UACRReductionMin float64
	UACRReductionMax float64
}

// DefaultEffectRanges returns the standard monthly treatment effects.
func DefaultEffectRanges() map[domain.DrugClass]EffectRange {
	return map[domain.DrugClass]EffectRange{
		domain.DrugRASInhibitor:   {EGFRBenefitMin: 0.5, EGFRBenefitMax: 1.5, UACRReductionMin: 0.20, UACRReductionMax: 0.40},
		domain.DrugSGLT2Inhibitor: {EGFRBenefitMin: 1.0, EGFRBenefitMax: 2.5, UACRReductionMin: 0.25, UACRReductionMax: 0.50},
		domain.DrugGLP1Agonist:    {EGFRBenefitMin: 0.3, EGFRBenefitMax: 1.0, UACRReductionMin: 0.15, UACRReductionMax: 0.30},
	}
}

// DefaultUACRDrift returns the monthly relative uACR drift per progression
// category.
func DefaultUACRDrift() map[domain.ProgressionCategory]float64 {
	return map[domain.ProgressionCategory]float64{
		domain.ProgressionRapid:       0.04,
		domain.ProgressionProgressive: 0.03,
		domain.ProgressionModerate:    0.02,
		domain.ProgressionSlow:        0.01,
	}
}

// EffectRangesFromConfig converts the configured effect table. Unknown
// drug class keys are kept verbatim; the generator rejects them only when
// a treatment actually references a class with no entry.
func EffectRangesFromConfig(cfg map[string]domain.TreatmentEffectConfig) map[domain.DrugClass]EffectRange {
	if len(cfg) == 0 {
		return DefaultEffectRanges()
	}
	out := make(map[domain.DrugClass]EffectRange, len(cfg))
	for class, eff := range cfg {
		out[domain.DrugClass(class)] = EffectRange{
			EGFRBenefitMin:   eff.EGFRBenefitMin,
			EGFRBenefitMax:   eff.EGFRBenefitMax,
			UACRReductionMin: eff.UACRReductionMin,
			UACRReductionMax: eff.UACRReductionMax,
		}
	}
	return out
}

// DriftFromConfig converts the configured uACR drift table.
func DriftFromConfig(cfg map[string]float64) map[domain.ProgressionCategory]float64 {
	if len(cfg) == 0 {
		return DefaultUACRDrift()
	}
	out := make(map[domain.ProgressionCategory]float64, len(cfg))
	for cat, drift := range cfg {
		out[domain.ProgressionCategory(cat)] = drift
	}
	return out
}

const (
	egfrNoiseAbs     = 0.15
	uacrNoiseRel     = 0.05
	combinationBonus = 0.20
	poorAdherence    = 0.5
	// Poor adherence blends 70% natural with 30% treatment-adjusted
	// change, which scales the treatment term by 0.3.
	poorAdherenceTreatmentWeight = 0.3

	egfrMax = 200
	uacrMax = 10000
)

// ProgressionGenerator simulates the next cycle's lab values for one
// patient. It is pure given its random stream: the same prior snapshot,
// treatments, and stream always produce the same next snapshot.
type ProgressionGenerator struct {
	effects   map[domain.DrugClass]EffectRange
	uacrDrift map[domain.ProgressionCategory]float64
	logger    *logrus.Logger
}

// NewProgressionGenerator creates a generator with the given effect
// configuration. Nil maps fall back to the defaults.
func NewProgressionGenerator(effects map[domain.DrugClass]EffectRange, drift map[domain.ProgressionCategory]float64, logger *logrus.Logger) *ProgressionGenerator {
	if effects == nil {
		effects = DefaultEffectRanges()
	}
	if drift == nil {
		drift = DefaultUACRDrift()
	}
	return &ProgressionGenerator{effects: effects, uacrDrift: drift, logger: logger}
}

// Generate produces the snapshot for the cycle after prior. Sampling order
// is fixed (natural decline, noise, then per-treatment effects) so that
// zero-adherence treatments leave the trajectory identical to the
// untreated one.
func (g *ProgressionGenerator) Generate(patient *domain.Patient, prior *domain.LabSnapshot, treatments []domain.Treatment, rng *rand.Rand) (*domain.LabSnapshot, error) {
	if patient == nil {
		return nil, domain.NewInvalidInput("patient", nil, "patient is required")
	}
	if prior == nil {
		return nil, domain.NewInvalidInput("prior", nil, "prior snapshot is required")
	}
	if err := patient.Profile.Validate(); err != nil {
		return nil, domain.NewGenerationError(patient.ID.String(), prior.Cycle+1, "malformed progression profile: "+err.Error())
	}

	drift, ok := g.uacrDrift[patient.Profile.Category]
	if !ok {
		return nil, domain.NewGenerationError(patient.ID.String(), prior.Cycle+1, "no uACR drift configured for category "+string(patient.Profile.Category))
	}

	annualDecline := sampleRange(rng, patient.Profile.AnnualDeclineMin, patient.Profile.AnnualDeclineMax)
	naturalEGFR := -annualDecline / 12
	egfrNoise := (rng.Float64()*2 - 1) * egfrNoiseAbs
	uacrNoise := (rng.Float64()*2 - 1) * uacrNoiseRel

	var egfrBenefit, uacrReduction float64
	classes := make(map[domain.DrugClass]bool)
	activeCount := 0
	adherenceSum := 0.0
	for _, t := range treatments {
		if !t.IsActive() {
			continue
		}
		eff, ok := g.effects[t.DrugClass]
		if !ok {
			return nil, domain.NewGenerationError(patient.ID.String(), prior.Cycle+1, "no effect range configured for drug class "+string(t.DrugClass))
		}
		egfrBenefit += sampleRange(rng, eff.EGFRBenefitMin, eff.EGFRBenefitMax) * t.Adherence
		uacrReduction += sampleRange(rng, eff.UACRReductionMin, eff.UACRReductionMax) * t.Adherence
		classes[t.DrugClass] = true
		activeCount++
		adherenceSum += t.Adherence
	}

	// The combination bonus rewards combining drug classes, not stacking
	// prescriptions of the same class.
	if len(classes) >= 2 {
		egfrBenefit *= 1 + combinationBonus
		uacrReduction *= 1 + combinationBonus
	}
	if activeCount > 0 && adherenceSum/float64(activeCount) < poorAdherence {
		egfrBenefit *= poorAdherenceTreatmentWeight
		uacrReduction *= poorAdherenceTreatmentWeight
	}

	newEGFR := clamp(prior.EGFR+naturalEGFR+egfrBenefit+egfrNoise, 0, egfrMax)

	// Unmeasured uACR stays unmeasured; the simulation never invents a
	// baseline.
	var newUACR *float64
	if prior.UACR != nil {
		v := clamp(*prior.UACR*(1+drift-uacrReduction+uacrNoise), 0, uacrMax)
		newUACR = &v
	}

	next := &domain.LabSnapshot{
		PatientID:  patient.ID,
		EGFR:       newEGFR,
		UACR:       newUACR,
		Cycle:      prior.Cycle + 1,
		MeasuredAt: time.Now().UTC(),
	}

	if g.logger != nil {
		g.logger.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"cycle":      next.Cycle,
			"egfr":       next.EGFR,
			"treatments": classes,
		}).Debug("Generated progression step")
	}

	return next, nil
}

// ExpectedMonthlyChanges returns the deterministic expectation of one
// cycle for a fully adherent patient, using range midpoints instead of
// samples. The adherence estimator compares observed trends against these.
func (g *ProgressionGenerator) ExpectedMonthlyChanges(profile domain.ProgressionProfile, treatments []domain.Treatment) (egfrChange, uacrRelChange float64, err error) {
	drift, ok := g.uacrDrift[profile.Category]
	if !ok {
		return 0, 0, domain.NewGenerationError("", 0, "no uACR drift configured for category "+string(profile.Category))
	}

	egfrChange = -(profile.AnnualDeclineMin + profile.AnnualDeclineMax) / 2 / 12
	uacrRelChange = drift

	var benefit, reduction float64
	classes := make(map[domain.DrugClass]bool)
	for _, t := range treatments {
		if !t.IsActive() {
			continue
		}
		eff, ok := g.effects[t.DrugClass]
		if !ok {
			return 0, 0, domain.NewGenerationError("", 0, "no effect range configured for drug class "+string(t.DrugClass))
		}
		benefit += (eff.EGFRBenefitMin + eff.EGFRBenefitMax) / 2
		reduction += (eff.UACRReductionMin + eff.UACRReductionMax) / 2
		classes[t.DrugClass] = true
	}
	if len(classes) >= 2 {
		benefit *= 1 + combinationBonus
		reduction *= 1 + combinationBonus
	}

	return egfrChange + benefit, uacrRelChange - reduction, nil
}

func sampleRange(rng *rand.Rand, min, max float64) float64 {
	return min + rng.Float64()*(max-min)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
