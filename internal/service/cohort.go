package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// defaultAutoInitiationRate is the per-cycle probability that an
// eligible untreated patient is started on a recommended drug class,
// used when the configuration does not override it.
const defaultAutoInitiationRate = 0.10

// CohortStores bundles the persistence collaborators the driver writes
// through. The driver never retries persistence; a failed write aborts
// the whole advance.
type CohortStores struct {
	Patients        domain.PatientStore
	Cohorts         domain.CohortStore
	Snapshots       domain.SnapshotStore
	Treatments      domain.TreatmentStore
	Alerts          domain.AlertStore
	Recommendations domain.RecommendationStore
	Transitions     domain.TransitionStore
}

// CohortDriver advances a whole cohort one simulated cycle. Per-patient
// work fans out over a worker pool; the cohort cycle counter moves once,
// after every patient has been processed and persisted.
type CohortDriver struct {
	stores CohortStores

	classifier  *Classifier
	progression *ProgressionGenerator
	adherence   *AdherenceEstimator
	detector    *TransitionDetector
	alertGen    *AlertGenerator
	recEngine   *RecommendationEngine

	policy       CyclePolicy
	workers      int
	autoInitRate float64
	logger       *logrus.Logger
	onAlert      func(alert *domain.Alert, compositeState string)

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool
}

// NewCohortDriver wires the driver. workers <= 0 sizes the pool to the
// machine.
func NewCohortDriver(stores CohortStores, policy CyclePolicy, workers int, logger *logrus.Logger) *CohortDriver {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &CohortDriver{
		stores:       stores,
		classifier:   NewClassifier(logger),
		progression:  NewProgressionGenerator(nil, nil, logger),
		adherence:    NewAdherenceEstimator(logger),
		detector:     NewTransitionDetector(logger),
		alertGen:     NewAlertGenerator(logger),
		recEngine:    NewRecommendationEngine(logger),
		policy:       policy,
		workers:      workers,
		autoInitRate: defaultAutoInitiationRate,
		logger:       logger,
		inFlight:     make(map[uuid.UUID]bool),
	}
}

// WithAutoInitiation overrides the per-cycle automated treatment
// initiation probability. Rates outside [0, 1] keep the default.
func (d *CohortDriver) WithAutoInitiation(rate float64) *CohortDriver {
	if rate >= 0 && rate <= 1 {
		d.autoInitRate = rate
	}
	return d
}

// WithGenerators overrides the default component wiring, mainly for
// custom effect configuration.
func (d *CohortDriver) WithGenerators(gen *ProgressionGenerator) *CohortDriver {
	d.progression = gen
	return d
}

// WithAlertSink registers a callback invoked for every persisted alert,
// carrying the patient's new composite state. Used to fan alerts out to
// notification channels; the callback must not block.
func (d *CohortDriver) WithAlertSink(fn func(alert *domain.Alert, compositeState string)) *CohortDriver {
	d.onAlert = fn
	return d
}

// patientOutcome is one worker's result for one patient.
type patientOutcome struct {
	patientID       uuid.UUID
	transition      *domain.Transition
	alertGenerated  bool
	recommendations int
	genErr          error
	persistErr      error
}

// AdvanceCycle runs one cohort-wide simulated step. expectedCycle guards
// against double application: the advance proceeds only when the cohort
// still sits at that cycle, and two overlapping advances of the same
// cohort are rejected outright.
func (d *CohortDriver) AdvanceCycle(ctx context.Context, cohortID uuid.UUID, expectedCycle int) (*domain.AdvanceResult, error) {
	if !d.acquire(cohortID) {
		return nil, &domain.ConflictError{
			CohortID:      cohortID.String(),
			ExpectedCycle: expectedCycle,
			Reason:        "another advance is already in flight",
		}
	}
	defer d.release(cohortID)

	cohort, err := d.stores.Cohorts.Get(ctx, cohortID)
	if err != nil {
		return nil, fmt.Errorf("load cohort: %w", err)
	}
	if cohort.CurrentCycle != expectedCycle {
		return nil, &domain.ConflictError{
			CohortID:      cohortID.String(),
			ExpectedCycle: expectedCycle,
			CurrentCycle:  cohort.CurrentCycle,
			Reason:        "cohort cycle moved since the caller last observed it",
		}
	}

	nextCycle, reset, err := d.policy.NextCycle(cohort.CurrentCycle)
	if err != nil {
		return nil, fmt.Errorf("cycle policy %s: %w", d.policy.Name(), err)
	}
	if reset {
		archiver, ok := d.stores.Snapshots.(WindowArchiver)
		if !ok {
			return nil, fmt.Errorf("cycle policy %s requires a snapshot store that can archive windows: %w",
				d.policy.Name(), domain.ErrPersistence)
		}
		if err := archiver.ArchiveWindow(ctx, cohortID, cohort.CurrentCycle); err != nil {
			return nil, fmt.Errorf("archive rolling window: %w", err)
		}
	}

	patients, err := d.stores.Patients.ListByCohort(ctx, cohortID)
	if err != nil {
		return nil, fmt.Errorf("list cohort patients: %w", err)
	}

	src := NewSeededSource(cohort.Seed)
	outcomes := d.runPool(ctx, patients, src, nextCycle)

	result := &domain.AdvanceResult{
		CohortID:          cohortID,
		NewCycle:          nextCycle,
		PatientsProcessed: len(patients),
		WindowReset:       reset,
	}
	for _, out := range outcomes {
		if out.persistErr != nil {
			// Persistence failures make the whole advance a failed
			// transaction: writes already made for other patients are
			// purged so a retry starts from the pre-advance snapshots,
			// and the cycle counter never moves.
			d.rollbackCycle(ctx, cohortID, nextCycle)
			return nil, fmt.Errorf("persist patient %s: %w", out.patientID, out.persistErr)
		}
		if out.genErr != nil {
			result.Failed++
			result.Failures = append(result.Failures, domain.PatientFailure{
				PatientID: out.patientID,
				Reason:    out.genErr.Error(),
			})
			continue
		}
		result.Succeeded++
		if out.transition != nil {
			result.Transitions = append(result.Transitions, *out.transition)
		}
		if out.alertGenerated {
			result.AlertsGenerated++
		}
		result.Recommendations += out.recommendations
	}

	if err := d.stores.Cohorts.AdvanceCycle(ctx, cohortID, expectedCycle, nextCycle); err != nil {
		return nil, fmt.Errorf("advance cohort cycle: %w", err)
	}

	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"new_cycle": nextCycle,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"alerts":    result.AlertsGenerated,
		}).Info("Cohort cycle advanced")
	}

	return result, nil
}

// rollbackCycle removes whatever an aborted advance already wrote for
// the target cycle. Purge failures are logged, not returned: the caller
// is already propagating the original persistence error.
func (d *CohortDriver) rollbackCycle(ctx context.Context, cohortID uuid.UUID, cycle int) {
	if err := d.stores.Transitions.PurgeCycle(ctx, cohortID, cycle); err != nil && d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err.Error(),
		}).Error("Failed to purge transitions after aborted advance")
	}
	if err := d.stores.Alerts.PurgeCycle(ctx, cohortID, cycle); err != nil && d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err.Error(),
		}).Error("Failed to purge alerts after aborted advance")
	}
	if err := d.stores.Recommendations.PurgeCycle(ctx, cohortID, cycle); err != nil && d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err.Error(),
		}).Error("Failed to purge recommendations after aborted advance")
	}
	if err := d.stores.Snapshots.PurgeCycle(ctx, cohortID, cycle); err != nil && d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"cohort_id": cohortID,
			"cycle":     cycle,
			"error":     err.Error(),
		}).Error("Failed to purge snapshots after aborted advance")
	}
}

func (d *CohortDriver) acquire(cohortID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[cohortID] {
		return false
	}
	d.inFlight[cohortID] = true
	return true
}

func (d *CohortDriver) release(cohortID uuid.UUID) {
	d.mu.Lock()
	delete(d.inFlight, cohortID)
	d.mu.Unlock()
}

// runPool fans patients out over the worker pool. Per-patient work is
// independent, so ordering does not matter; determinism comes from the
// per-patient random streams, not from scheduling.
func (d *CohortDriver) runPool(ctx context.Context, patients []*domain.Patient, src RandSource, nextCycle int) []patientOutcome {
	jobs := make(chan *domain.Patient)
	outcomes := make([]patientOutcome, 0, len(patients))
	var outMu sync.Mutex

	var wg sync.WaitGroup
	workers := d.workers
	if workers > len(patients) {
		workers = len(patients)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				out := d.processPatient(ctx, p, src, nextCycle)
				outMu.Lock()
				outcomes = append(outcomes, out)
				outMu.Unlock()
			}
		}()
	}

	for _, p := range patients {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

// processPatient runs the full per-patient pipeline for one cycle:
// adherence update, optional automated treatment initiation, progression,
// classification, transition detection, alerting, and recommendations.
// The new snapshot is always persisted, whether or not anything alerted.
func (d *CohortDriver) processPatient(ctx context.Context, p *domain.Patient, src RandSource, nextCycle int) patientOutcome {
	out := patientOutcome{patientID: p.ID}
	rng := src.ForPatientCycle(p.ID, nextCycle)

	prior, err := d.stores.Snapshots.Latest(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			out.genErr = domain.NewGenerationError(p.ID.String(), nextCycle, "patient has no baseline snapshot")
		} else {
			out.persistErr = err
		}
		return out
	}

	treatments, err := d.stores.Treatments.ActiveTreatments(ctx, p.ID)
	if err != nil {
		out.persistErr = err
		return out
	}

	if err := d.updateAdherence(ctx, p, treatments, rng); err != nil {
		out.persistErr = err
		return out
	}

	priorState, err := d.classifier.Classify(prior.EGFR, prior.UACR)
	if err != nil {
		out.genErr = domain.NewGenerationError(p.ID.String(), nextCycle, "prior labs unclassifiable: "+err.Error())
		return out
	}

	treatments, err = d.maybeInitiateTreatment(ctx, p, priorState, prior.EGFR, treatments, nextCycle, rng)
	if err != nil {
		out.persistErr = err
		return out
	}

	next, err := d.progression.Generate(p, prior, derefTreatments(treatments), rng)
	if err != nil {
		out.genErr = err
		return out
	}

	currState, err := d.classifier.Classify(next.EGFR, next.UACR)
	if err != nil {
		out.genErr = domain.NewGenerationError(p.ID.String(), nextCycle, "generated labs unclassifiable: "+err.Error())
		return out
	}

	// The snapshot refresh is unconditional. Alert gating must never
	// leave the stored current state stale.
	if err := d.stores.Snapshots.Append(ctx, next); err != nil {
		out.persistErr = err
		return out
	}

	prevPoint := StatePoint{State: priorState, EGFR: prior.EGFR, UACR: prior.UACR, Cycle: prior.Cycle}
	currPoint := StatePoint{State: currState, EGFR: next.EGFR, UACR: next.UACR, Cycle: next.Cycle}

	tr, err := d.detector.Detect(prevPoint, currPoint)
	if err != nil {
		out.genErr = domain.NewGenerationError(p.ID.String(), nextCycle, "transition detection: "+err.Error())
		return out
	}
	tr.PatientID = p.ID
	if err := d.stores.Transitions.Create(ctx, tr); err != nil {
		out.persistErr = err
		return out
	}
	out.transition = tr

	if alert := d.alertGen.Generate(p.ID, tr, currPoint, prevPoint); alert != nil {
		suppressed := false
		// A patient sitting below 15 mL/min re-fires the kidney failure
		// rule every cycle; while an active alert is still open for them
		// a new one would only duplicate it.
		if alert.Severity == domain.SeverityCritical && prevPoint.EGFR < 15 && currPoint.EGFR < 15 {
			active, err := d.stores.Alerts.ListActive(ctx, p.ID)
			if err != nil {
				out.persistErr = err
				return out
			}
			suppressed = len(active) > 0
		}
		if !suppressed {
			if err := d.stores.Alerts.Create(ctx, alert); err != nil {
				out.persistErr = err
				return out
			}
			out.alertGenerated = true
			if d.onAlert != nil {
				d.onAlert(alert, currState.CompositeState)
			}
		}
	}

	recs, err := d.recEngine.Generate(RecommendationInput{
		Patient:        p,
		State:          currState,
		EGFR:           next.EGFR,
		Active:         derefTreatments(treatments),
		CurrentCadence: priorState.Cadence,
		Cycle:          nextCycle,
	})
	if err != nil {
		out.genErr = domain.NewGenerationError(p.ID.String(), nextCycle, "recommendations: "+err.Error())
		return out
	}
	for _, rec := range recs {
		if err := d.stores.Recommendations.Create(ctx, rec); err != nil {
			out.persistErr = err
			return out
		}
	}
	out.recommendations = len(recs)

	return out
}

// updateAdherence re-estimates adherence from the last observed trend and
// applies the independent behavioral drift, then persists the updated
// treatments. Needs two historical snapshots to read a trend; fresh
// cohorts keep their initial adherence until one exists.
func (d *CohortDriver) updateAdherence(ctx context.Context, p *domain.Patient, treatments []*domain.Treatment, rng *rand.Rand) error {
	if len(treatments) == 0 {
		return nil
	}

	history, err := d.stores.Snapshots.History(ctx, p.ID, 2)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	var estimated *float64
	if len(history) >= 2 {
		curr, prev := history[0], history[1]
		expEGFR, expUACR, err := d.progression.ExpectedMonthlyChanges(p.Profile, derefTreatments(treatments))
		if err == nil {
			actualEGFR := curr.EGFR - prev.EGFR
			actualUACR := 0.0
			if curr.UACR != nil && prev.UACR != nil && *prev.UACR > 0 {
				actualUACR = (*curr.UACR - *prev.UACR) / *prev.UACR
			}
			score := d.adherence.EstimateFromTrend(actualEGFR, expEGFR, actualUACR, expUACR)
			estimated = &score
		}
	}

	for _, t := range treatments {
		if !t.IsActive() {
			continue
		}
		base := t.Adherence
		if estimated != nil {
			base = *estimated
		}
		t.Adherence = d.adherence.ApplyDrift(base, rng)
		if err := d.stores.Treatments.Upsert(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// maybeInitiateTreatment starts one recommended drug class with a small
// per-cycle probability when the patient is eligible and not already on
// it. Initiation order follows clinical priority: RAS first, then SGLT2,
// then GLP-1 for type 2 diabetics.
func (d *CohortDriver) maybeInitiateTreatment(ctx context.Context, p *domain.Patient, state *domain.HealthState, egfr float64, treatments []*domain.Treatment, cycle int, rng *rand.Rand) ([]*domain.Treatment, error) {
	if rng.Float64() >= d.autoInitRate {
		return treatments, nil
	}

	class, ok := d.eligibleClass(p, state, egfr, treatments)
	if !ok {
		return treatments, nil
	}

	t := &domain.Treatment{
		ID:           uuid.New(),
		PatientID:    p.ID,
		DrugClass:    class,
		StartedCycle: cycle,
		Adherence:    0.5 + rng.Float64()*0.5,
		Status:       domain.TreatmentActive,
	}
	if err := d.stores.Treatments.Upsert(ctx, t); err != nil {
		return treatments, err
	}

	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"patient_id": p.ID,
			"cycle":      cycle,
			"drug_class": class,
		}).Info("Automated treatment initiation")
	}

	return append(treatments, t), nil
}

func (d *CohortDriver) eligibleClass(p *domain.Patient, state *domain.HealthState, egfr float64, treatments []*domain.Treatment) (domain.DrugClass, bool) {
	on := make(map[domain.DrugClass]bool)
	for _, t := range treatments {
		if t.IsActive() {
			on[t.DrugClass] = true
		}
	}

	switch {
	case state.Flags.RASInhibitor && !on[domain.DrugRASInhibitor]:
		return domain.DrugRASInhibitor, true
	case state.Flags.SGLT2Inhibitor && egfr >= 20 && p.DiabetesType != domain.DiabetesType1 && !on[domain.DrugSGLT2Inhibitor]:
		return domain.DrugSGLT2Inhibitor, true
	case p.DiabetesType == domain.DiabetesType2 && state.HasCKD && !on[domain.DrugGLP1Agonist]:
		return domain.DrugGLP1Agonist, true
	default:
		return "", false
	}
}

func derefTreatments(in []*domain.Treatment) []domain.Treatment {
	out := make([]domain.Treatment, 0, len(in))
	for _, t := range in {
		if t != nil {
			out = append(out, *t)
		}
	}
	return out
}
