package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ckd-cohort-server/internal/domain"
)

// memData backs the in-memory fakes for every persistence collaborator.
type memData struct {
	mu sync.Mutex

	patients    map[uuid.UUID]*domain.Patient
	cohorts     map[uuid.UUID]*domain.Cohort
	snapshots   map[uuid.UUID][]*domain.LabSnapshot // oldest first
	treatments  map[uuid.UUID][]*domain.Treatment
	alerts      []*domain.Alert
	recs        []*domain.Recommendation
	transitions []*domain.Transition

	failAppend        bool
	failTransitionFor uuid.UUID // when set, the first transition create for this patient fails
	transitionFailed  bool
	archiveCalls      int
	listGate          chan struct{} // when set, ListByCohort blocks until closed
	listUnblocked     chan struct{}
}

func newMemData() *memData {
	return &memData{
		patients:   make(map[uuid.UUID]*domain.Patient),
		cohorts:    make(map[uuid.UUID]*domain.Cohort),
		snapshots:  make(map[uuid.UUID][]*domain.LabSnapshot),
		treatments: make(map[uuid.UUID][]*domain.Treatment),
	}
}

func (m *memData) stores() CohortStores {
	return CohortStores{
		Patients:        &memPatients{m},
		Cohorts:         &memCohorts{m},
		Snapshots:       &memSnapshots{m},
		Treatments:      &memTreatments{m},
		Alerts:          &memAlerts{m},
		Recommendations: &memRecs{m},
		Transitions:     &memTransitions{m},
	}
}

func (m *memData) addPatient(p *domain.Patient) {
	m.mu.Lock()
	m.patients[p.ID] = p
	m.mu.Unlock()
}

func (m *memData) cohortCycle(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cohorts[id].CurrentCycle
}

type memPatients struct{ d *memData }

func (s *memPatients) Get(ctx context.Context, id uuid.UUID) (*domain.Patient, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	p, ok := s.d.patients[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPatients) ListByCohort(ctx context.Context, cohortID uuid.UUID) ([]*domain.Patient, error) {
	if s.d.listGate != nil {
		close(s.d.listUnblocked)
		<-s.d.listGate
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*domain.Patient
	for _, p := range s.d.patients {
		if p.CohortID == cohortID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPatients) Create(ctx context.Context, p *domain.Patient) error {
	s.d.addPatient(p)
	return nil
}

type memCohorts struct{ d *memData }

func (s *memCohorts) Get(ctx context.Context, id uuid.UUID) (*domain.Cohort, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.cohorts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *memCohorts) Create(ctx context.Context, c *domain.Cohort) error {
	s.d.mu.Lock()
	s.d.cohorts[c.ID] = c
	s.d.mu.Unlock()
	return nil
}

func (s *memCohorts) AdvanceCycle(ctx context.Context, id uuid.UUID, fromCycle, toCycle int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	c, ok := s.d.cohorts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.CurrentCycle != fromCycle {
		return &domain.ConflictError{CohortID: id.String(), ExpectedCycle: fromCycle, CurrentCycle: c.CurrentCycle, Reason: "stale cycle"}
	}
	c.CurrentCycle = toCycle
	return nil
}

func (s *memCohorts) ResetCycle(ctx context.Context, id uuid.UUID) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if c, ok := s.d.cohorts[id]; ok {
		c.CurrentCycle = 0
	}
	return nil
}

type memSnapshots struct{ d *memData }

func (s *memSnapshots) Latest(ctx context.Context, patientID uuid.UUID) (*domain.LabSnapshot, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	history := s.d.snapshots[patientID]
	if len(history) == 0 {
		return nil, domain.ErrNotFound
	}
	return history[len(history)-1], nil
}

func (s *memSnapshots) History(ctx context.Context, patientID uuid.UUID, n int) ([]*domain.LabSnapshot, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	history := s.d.snapshots[patientID]
	var out []*domain.LabSnapshot
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *memSnapshots) Append(ctx context.Context, snapshot *domain.LabSnapshot) error {
	if s.d.failAppend {
		return domain.ErrPersistence
	}
	s.d.mu.Lock()
	s.d.snapshots[snapshot.PatientID] = append(s.d.snapshots[snapshot.PatientID], snapshot)
	s.d.mu.Unlock()
	return nil
}

func (s *memSnapshots) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	for id, p := range s.d.patients {
		if p.CohortID != cohortID {
			continue
		}
		kept := s.d.snapshots[id][:0]
		for _, snap := range s.d.snapshots[id] {
			if snap.Cycle != cycle {
				kept = append(kept, snap)
			}
		}
		s.d.snapshots[id] = kept
	}
	return nil
}

func (s *memSnapshots) ArchiveWindow(ctx context.Context, cohortID uuid.UUID, finalCycle int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.archiveCalls++
	for id, history := range s.d.snapshots {
		if len(history) == 0 {
			continue
		}
		final := history[len(history)-1]
		final.Cycle = 1
		s.d.snapshots[id] = []*domain.LabSnapshot{final}
	}
	return nil
}

type memTreatments struct{ d *memData }

func (s *memTreatments) ActiveTreatments(ctx context.Context, patientID uuid.UUID) ([]*domain.Treatment, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*domain.Treatment
	for _, t := range s.d.treatments[patientID] {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTreatments) Upsert(ctx context.Context, t *domain.Treatment) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	for i, existing := range s.d.treatments[t.PatientID] {
		if existing.ID == t.ID {
			s.d.treatments[t.PatientID][i] = t
			return nil
		}
	}
	s.d.treatments[t.PatientID] = append(s.d.treatments[t.PatientID], t)
	return nil
}

type memAlerts struct{ d *memData }

func (s *memAlerts) Create(ctx context.Context, a *domain.Alert) error {
	s.d.mu.Lock()
	s.d.alerts = append(s.d.alerts, a)
	s.d.mu.Unlock()
	return nil
}

func (s *memAlerts) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return nil, domain.ErrNotFound
}

func (s *memAlerts) ListActive(ctx context.Context, patientID uuid.UUID) ([]*domain.Alert, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*domain.Alert
	for _, a := range s.d.alerts {
		if a.PatientID == patientID && a.Status == domain.AlertActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memAlerts) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AlertStatus) error {
	return nil
}

func (s *memAlerts) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	kept := s.d.alerts[:0]
	for _, a := range s.d.alerts {
		p, ok := s.d.patients[a.PatientID]
		if ok && p.CohortID == cohortID && a.Cycle == cycle {
			continue
		}
		kept = append(kept, a)
	}
	s.d.alerts = kept
	return nil
}

type memRecs struct{ d *memData }

func (s *memRecs) Create(ctx context.Context, r *domain.Recommendation) error {
	s.d.mu.Lock()
	s.d.recs = append(s.d.recs, r)
	s.d.mu.Unlock()
	return nil
}

func (s *memRecs) ListOpen(ctx context.Context, patientID uuid.UUID) ([]*domain.Recommendation, error) {
	return nil, nil
}

func (s *memRecs) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.RecommendationStatus, outcome string) error {
	return nil
}

func (s *memRecs) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	kept := s.d.recs[:0]
	for _, r := range s.d.recs {
		p, ok := s.d.patients[r.PatientID]
		if ok && p.CohortID == cohortID && r.Cycle == cycle {
			continue
		}
		kept = append(kept, r)
	}
	s.d.recs = kept
	return nil
}

type memTransitions struct{ d *memData }

func (s *memTransitions) Create(ctx context.Context, t *domain.Transition) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.failTransitionFor == t.PatientID && !s.d.transitionFailed {
		s.d.transitionFailed = true
		return domain.ErrPersistence
	}
	s.d.transitions = append(s.d.transitions, t)
	return nil
}

func (s *memTransitions) ListByPatient(ctx context.Context, patientID uuid.UUID, n int) ([]*domain.Transition, error) {
	return nil, nil
}

func (s *memTransitions) PurgeCycle(ctx context.Context, cohortID uuid.UUID, cycle int) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	kept := s.d.transitions[:0]
	for _, t := range s.d.transitions {
		p, ok := s.d.patients[t.PatientID]
		if ok && p.CohortID == cohortID && t.CycleTo == cycle {
			continue
		}
		kept = append(kept, t)
	}
	s.d.transitions = kept
	return nil
}

func seedCohort(m *memData, seed int64, cycle int, patientCount int) *domain.Cohort {
	cohort := &domain.Cohort{
		ID:           uuid.New(),
		Name:         "test cohort",
		CurrentCycle: cycle,
		Seed:         seed,
		CyclePolicy:  PolicyClinical24,
		CreatedAt:    time.Now().UTC(),
	}
	m.cohorts[cohort.ID] = cohort

	for i := 0; i < patientCount; i++ {
		p := &domain.Patient{
			ID:       uuid.New(),
			CohortID: cohort.ID,
			Profile: domain.ProgressionProfile{
				Category:         domain.ProgressionModerate,
				AnnualDeclineMin: 2,
				AnnualDeclineMax: 4,
			},
		}
		m.addPatient(p)
		m.snapshots[p.ID] = []*domain.LabSnapshot{{
			PatientID:  p.ID,
			EGFR:       60,
			UACR:       fptr(100),
			Cycle:      cycle,
			MeasuredAt: time.Now().UTC(),
		}}
	}
	return cohort
}

func TestAdvanceCycleProcessesWholeCohort(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 5)
	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 4, nil)

	result, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if result.NewCycle != 1 {
		t.Errorf("new_cycle = %d, want 1", result.NewCycle)
	}
	if result.PatientsProcessed != 5 || result.Succeeded != 5 || result.Failed != 0 {
		t.Errorf("processed/succeeded/failed = %d/%d/%d, want 5/5/0",
			result.PatientsProcessed, result.Succeeded, result.Failed)
	}
	if len(result.Transitions) != 5 {
		t.Errorf("transitions = %d, want one per patient", len(result.Transitions))
	}

	if got := m.cohortCycle(cohort.ID); got != 1 {
		t.Errorf("stored cycle = %d, want 1", got)
	}
	for id := range m.patients {
		if len(m.snapshots[id]) != 2 {
			t.Errorf("patient %s has %d snapshots, want 2", id, len(m.snapshots[id]))
		}
	}
	if len(m.transitions) != 5 {
		t.Errorf("persisted transitions = %d, want 5", len(m.transitions))
	}
}

func TestAdvanceCycleRejectsStaleExpectedCycle(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 2)
	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 2, nil)

	if _, err := d.AdvanceCycle(context.Background(), cohort.ID, 0); err != nil {
		t.Fatal(err)
	}

	// Replaying the same target cycle must not double-apply decline.
	_, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got %v", err)
	}
	for id := range m.patients {
		if len(m.snapshots[id]) != 2 {
			t.Errorf("patient %s has %d snapshots after replay, want 2", id, len(m.snapshots[id]))
		}
	}
}

func TestAdvanceCycleRejectsOverlappingAdvance(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 2)
	m.listGate = make(chan struct{})
	m.listUnblocked = make(chan struct{})
	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 2, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
		done <- err
	}()

	<-m.listUnblocked
	_, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("overlapping advance should conflict, got %v", err)
	}

	gate := m.listGate
	m.listGate = nil
	close(gate)
	if err := <-done; err != nil {
		t.Errorf("first advance failed: %v", err)
	}
}

func TestAdvanceCycleCollectsGenerationFailures(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 3)

	// One member with no baseline snapshot.
	orphan := &domain.Patient{
		ID:       uuid.New(),
		CohortID: cohort.ID,
		Profile: domain.ProgressionProfile{
			Category:         domain.ProgressionSlow,
			AnnualDeclineMin: 1,
			AnnualDeclineMax: 2,
		},
	}
	m.addPatient(orphan)

	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 2, nil)
	result, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if result.Succeeded != 3 || result.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 3/1", result.Succeeded, result.Failed)
	}
	if len(result.Failures) != 1 || result.Failures[0].PatientID != orphan.ID {
		t.Errorf("failures = %+v, want the orphan patient", result.Failures)
	}

	// A per-patient failure must not abort the batch.
	if got := m.cohortCycle(cohort.ID); got != 1 {
		t.Errorf("stored cycle = %d, want 1", got)
	}
}

func TestAdvanceCycleAbortsOnPersistenceError(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 3)
	m.failAppend = true

	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 2, nil)
	_, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	// A failed transaction leaves the cycle counter untouched.
	if got := m.cohortCycle(cohort.ID); got != 0 {
		t.Errorf("stored cycle = %d, want 0 after aborted advance", got)
	}
}

func TestAdvanceCycleRollsBackPartialPersistence(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 2)
	for id := range m.patients {
		m.failTransitionFor = id
		break
	}

	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 2, nil)
	_, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	// The failed advance must leave no trace: the other patient's new
	// snapshot is rolled back along with any transitions.
	if got := m.cohortCycle(cohort.ID); got != 0 {
		t.Errorf("stored cycle = %d, want 0 after aborted advance", got)
	}
	for id := range m.patients {
		history := m.snapshots[id]
		if len(history) != 1 || history[0].Cycle != 0 {
			t.Errorf("patient %s has %d snapshots after rollback, want only the cycle-0 baseline", id, len(history))
		}
	}
	if len(m.transitions) != 0 {
		t.Errorf("persisted transitions = %d after rollback, want 0", len(m.transitions))
	}
	if len(m.alerts) != 0 || len(m.recs) != 0 {
		t.Errorf("alerts/recs = %d/%d after rollback, want 0/0", len(m.alerts), len(m.recs))
	}

	// A retry of the same advance applies decline exactly once.
	result, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.NewCycle != 1 || result.Succeeded != 2 {
		t.Errorf("new_cycle/succeeded = %d/%d, want 1/2", result.NewCycle, result.Succeeded)
	}
	for id := range m.patients {
		history := m.snapshots[id]
		if len(history) != 2 {
			t.Fatalf("patient %s has %d snapshots after retry, want 2", id, len(history))
		}
		if latest := history[len(history)-1]; latest.Cycle != 1 {
			t.Errorf("patient %s latest cycle = %d, want 1", id, latest.Cycle)
		}
	}
}

func TestAutoInitiationRateIsConfigurable(t *testing.T) {
	advance := func(rate float64) *memData {
		m := newMemData()
		cohort := seedCohort(m, 42, 0, 4)
		d := NewCohortDriver(m.stores(), NewClinical24Policy(), 2, nil).WithAutoInitiation(rate)
		if _, err := d.AdvanceCycle(context.Background(), cohort.ID, 0); err != nil {
			t.Fatal(err)
		}
		return m
	}

	// Every seeded patient is A2 and eligible for RAS initiation; a zero
	// rate must never initiate and a rate of one always must.
	m := advance(0)
	for id := range m.patients {
		if len(m.treatments[id]) != 0 {
			t.Errorf("patient %s was initiated with rate 0", id)
		}
	}

	m = advance(1)
	for id := range m.patients {
		if len(m.treatments[id]) != 1 {
			t.Errorf("patient %s has %d treatments with rate 1, want 1", id, len(m.treatments[id]))
		}
	}
}

func TestRepeatKidneyFailureAlertSuppressedWhileActive(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 0, 1)
	var patientID uuid.UUID
	for id := range m.patients {
		patientID = id
		m.snapshots[id][0].EGFR = 12
	}

	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 1, nil).WithAutoInitiation(0)

	result, err := d.AdvanceCycle(context.Background(), cohort.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.AlertsGenerated != 1 || len(m.alerts) != 1 {
		t.Fatalf("first cycle alerts = %d (stored %d), want 1", result.AlertsGenerated, len(m.alerts))
	}

	// Still below 15 with the first alert active: no duplicate.
	result, err = d.AdvanceCycle(context.Background(), cohort.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.AlertsGenerated != 0 || len(m.alerts) != 1 {
		t.Errorf("second cycle alerts = %d (stored %d), want suppression while one is active", result.AlertsGenerated, len(m.alerts))
	}

	// Once the open alert is worked off the condition re-alerts.
	m.mu.Lock()
	m.alerts[0].Status = domain.AlertResolved
	m.mu.Unlock()

	result, err = d.AdvanceCycle(context.Background(), cohort.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if result.AlertsGenerated != 1 || len(m.alerts) != 2 {
		t.Errorf("third cycle alerts = %d (stored %d), want a fresh alert after resolution", result.AlertsGenerated, len(m.alerts))
	}
	for _, a := range m.alerts {
		if a.PatientID != patientID || a.Severity != domain.SeverityCritical {
			t.Errorf("alert %s: patient %s severity %s, want critical for the seeded patient", a.ID, a.PatientID, a.Severity)
		}
	}
}

func TestAdvanceCycleClinical24HardStop(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 24, 1)

	d := NewCohortDriver(m.stores(), NewClinical24Policy(), 1, nil)
	_, err := d.AdvanceCycle(context.Background(), cohort.ID, 24)
	if !errors.Is(err, ErrWindowExhausted) {
		t.Errorf("expected ErrWindowExhausted, got %v", err)
	}
}

func TestAdvanceCycleRollingWindowReset(t *testing.T) {
	m := newMemData()
	cohort := seedCohort(m, 42, 12, 2)

	d := NewCohortDriver(m.stores(), NewRolling12Policy(), 2, nil)
	result, err := d.AdvanceCycle(context.Background(), cohort.ID, 12)
	if err != nil {
		t.Fatal(err)
	}

	if !result.WindowReset {
		t.Error("expected window_reset")
	}
	if result.NewCycle != 2 {
		t.Errorf("new_cycle = %d, want 2", result.NewCycle)
	}
	if m.archiveCalls != 1 {
		t.Errorf("archive calls = %d, want 1", m.archiveCalls)
	}
	for id := range m.patients {
		history := m.snapshots[id]
		if len(history) != 2 {
			t.Fatalf("patient %s has %d snapshots, want archived baseline plus cycle 2", id, len(history))
		}
		if history[0].Cycle != 1 || history[1].Cycle != 2 {
			t.Errorf("cycles = %d, %d, want 1, 2", history[0].Cycle, history[1].Cycle)
		}
	}
}

func TestAdvanceCycleIsReproducible(t *testing.T) {
	run := func() map[uuid.UUID]float64 {
		m := newMemData()
		cohort := &domain.Cohort{ID: uuid.MustParse("11111111-2222-3333-4444-555555555555"), CurrentCycle: 0, Seed: 7}
		m.cohorts[cohort.ID] = cohort

		p := &domain.Patient{
			ID:       uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
			CohortID: cohort.ID,
			Profile: domain.ProgressionProfile{
				Category:         domain.ProgressionRapid,
				AnnualDeclineMin: 4,
				AnnualDeclineMax: 8,
			},
		}
		m.addPatient(p)
		m.snapshots[p.ID] = []*domain.LabSnapshot{{PatientID: p.ID, EGFR: 55, UACR: fptr(150), Cycle: 0}}

		d := NewCohortDriver(m.stores(), NewClinical24Policy(), 1, nil)
		if _, err := d.AdvanceCycle(context.Background(), cohort.ID, 0); err != nil {
			t.Fatal(err)
		}

		out := make(map[uuid.UUID]float64)
		for id, history := range m.snapshots {
			out[id] = history[len(history)-1].EGFR
		}
		return out
	}

	first, second := run(), run()
	for id, egfr := range first {
		if second[id] != egfr {
			t.Errorf("patient %s not reproducible: %v vs %v", id, egfr, second[id])
		}
	}
}
