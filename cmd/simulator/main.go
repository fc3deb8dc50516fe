// Command simulator seeds a demo cohort into an embedded sqlite store and
// advances it a configurable number of cycles, printing a per-cycle
// summary. Useful for exploring trajectories without a running server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
	"github.com/ckd-cohort-server/internal/localstore"
	"github.com/ckd-cohort-server/internal/service"
)

// demoPatient is one seeded member of the demo cohort.
type demoPatient struct {
	diabetes     domain.DiabetesType
	category     domain.ProgressionCategory
	declineMin   float64
	declineMax   float64
	baselineEGFR float64
	baselineUACR *float64
}

func fptr(v float64) *float64 { return &v }

func demoRoster() []demoPatient {
	return []demoPatient{
		{domain.DiabetesNone, domain.ProgressionSlow, 0.5, 1.5, 92, fptr(12)},
		{domain.DiabetesType2, domain.ProgressionModerate, 2, 4, 68, fptr(45)},
		{domain.DiabetesType2, domain.ProgressionProgressive, 3, 5, 52, fptr(180)},
		{domain.DiabetesType1, domain.ProgressionRapid, 5, 8, 44, fptr(420)},
		{domain.DiabetesNone, domain.ProgressionModerate, 2, 4, 75, nil},
		{domain.DiabetesType2, domain.ProgressionRapid, 5, 10, 31, fptr(600)},
	}
}

func main() {
	var (
		dbPath     = flag.String("db", "cohort-sim.db", "sqlite database path")
		cycles     = flag.Int("cycles", 12, "number of cycles to run")
		seed       = flag.Int64("seed", 1, "cohort RNG seed")
		policyName = flag.String("policy", service.PolicyClinical24, "cycle policy (clinical-24 or rolling-12)")
		workers    = flag.Int("workers", 2, "worker pool size")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := run(*dbPath, *cycles, *seed, *policyName, *workers, logger); err != nil {
		logger.WithError(err).Error("Simulation failed")
		os.Exit(1)
	}
}

func run(dbPath string, cycles int, seed int64, policyName string, workers int, logger *logrus.Logger) error {
	policy, err := service.PolicyForName(policyName)
	if err != nil {
		return err
	}

	store, err := localstore.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	cohort, patients, err := seedDemoCohort(ctx, store, seed, policyName)
	if err != nil {
		return err
	}

	stores := service.CohortStores{
		Patients:        store.Patients(),
		Cohorts:         store.Cohorts(),
		Snapshots:       store.Snapshots(),
		Treatments:      store.Treatments(),
		Alerts:          store.Alerts(),
		Recommendations: store.Recommendations(),
		Transitions:     store.Transitions(),
	}
	driver := service.NewCohortDriver(stores, policy, workers, logger)

	fmt.Printf("cohort %s: %d patients, policy %s, seed %d\n\n", cohort.ID, len(patients), policyName, seed)

	expected := cohort.CurrentCycle
	for i := 0; i < cycles; i++ {
		result, err := driver.AdvanceCycle(ctx, cohort.ID, expected)
		if err != nil {
			if errors.Is(err, service.ErrWindowExhausted) {
				fmt.Printf("clinical window exhausted after cycle %d\n", expected)
				return nil
			}
			return fmt.Errorf("advancing cycle %d: %w", expected+1, err)
		}
		printCycleSummary(result)
		expected = result.NewCycle
	}

	return printFinalStates(ctx, store, patients)
}

func seedDemoCohort(ctx context.Context, store *localstore.Store, seed int64, policyName string) (*domain.Cohort, []*domain.Patient, error) {
	cohort := &domain.Cohort{
		ID:          uuid.New(),
		Name:        fmt.Sprintf("demo-%d", time.Now().Unix()),
		Seed:        seed,
		CyclePolicy: policyName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.Cohorts().Create(ctx, cohort); err != nil {
		return nil, nil, err
	}

	var patients []*domain.Patient
	for _, d := range demoRoster() {
		patient := &domain.Patient{
			ID:           uuid.New(),
			CohortID:     cohort.ID,
			DiabetesType: d.diabetes,
			Profile: domain.ProgressionProfile{
				Category:         d.category,
				AnnualDeclineMin: d.declineMin,
				AnnualDeclineMax: d.declineMax,
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := store.Patients().Create(ctx, patient); err != nil {
			return nil, nil, err
		}
		baseline := &domain.LabSnapshot{
			PatientID:  patient.ID,
			EGFR:       d.baselineEGFR,
			UACR:       d.baselineUACR,
			Cycle:      0,
			MeasuredAt: time.Now().UTC(),
		}
		if err := store.Snapshots().Append(ctx, baseline); err != nil {
			return nil, nil, err
		}
		patients = append(patients, patient)
	}

	return cohort, patients, nil
}

func printCycleSummary(result *domain.AdvanceResult) {
	fmt.Printf("cycle %2d: %d/%d patients ok, %d transitions, %d alerts, %d recommendations",
		result.NewCycle, result.Succeeded, result.PatientsProcessed,
		len(result.Transitions), result.AlertsGenerated, result.Recommendations)
	if result.WindowReset {
		fmt.Print(" [window folded]")
	}
	fmt.Println()

	for _, tr := range result.Transitions {
		if tr.CrossedCriticalThreshold || tr.RiskIncreased {
			fmt.Printf("          %s: %s -> %s (%s)\n",
				shortID(tr.PatientID), tr.FromState, tr.ToState, tr.ChangeType)
		}
	}
	for _, f := range result.Failures {
		fmt.Printf("          FAILED %s: %s\n", f.PatientID, f.Reason)
	}
}

func printFinalStates(ctx context.Context, store *localstore.Store, patients []*domain.Patient) error {
	fmt.Println("\nfinal states:")
	for _, p := range patients {
		latest, err := store.Snapshots().Latest(ctx, p.ID)
		if err != nil {
			return err
		}
		uacr := "unmeasured"
		if latest.UACR != nil {
			uacr = fmt.Sprintf("%.0f mg/g", *latest.UACR)
		}
		fmt.Printf("  %s (%s/%s): eGFR %.1f, uACR %s\n",
			shortID(p.ID), p.Profile.Category, p.DiabetesType, latest.EGFR, uacr)
	}
	return nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
