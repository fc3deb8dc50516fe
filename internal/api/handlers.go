package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
	"github.com/ckd-cohort-server/internal/review"
	"github.com/ckd-cohort-server/internal/service"
)

// classifyRequest carries one set of lab values to classify. EGFR is a
// pointer so an explicit zero, which classifies as G5, survives the
// required check; only an absent field is rejected.
type classifyRequest struct {
	EGFR *float64 `json:"egfr" binding:"required"`
	UACR *float64 `json:"uacr,omitempty"`
}

func (s *Server) handleClassify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	if s.deps.Classifications != nil {
		if state, ok := s.deps.Classifications.Get(*req.EGFR, req.UACR); ok {
			c.JSON(http.StatusOK, state)
			return
		}
	}

	state, err := s.deps.Classifier.Classify(*req.EGFR, req.UACR)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.deps.Classifications != nil {
		s.deps.Classifications.Set(*req.EGFR, req.UACR, state)
	}
	c.JSON(http.StatusOK, state)
}

// detectRequest carries two consecutive classified points of one patient.
type detectRequest struct {
	Previous  classifyRequest `json:"previous" binding:"required"`
	Current   classifyRequest `json:"current" binding:"required"`
	FromCycle int             `json:"from_cycle"`
	ToCycle   int             `json:"to_cycle"`
}

func (s *Server) handleDetectTransition(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	prevState, err := s.deps.Classifier.Classify(*req.Previous.EGFR, req.Previous.UACR)
	if err != nil {
		s.writeError(c, err)
		return
	}
	currState, err := s.deps.Classifier.Classify(*req.Current.EGFR, req.Current.UACR)
	if err != nil {
		s.writeError(c, err)
		return
	}

	transition, err := s.deps.Detector.Detect(
		service.StatePoint{State: prevState, EGFR: *req.Previous.EGFR, UACR: req.Previous.UACR, Cycle: req.FromCycle},
		service.StatePoint{State: currState, EGFR: *req.Current.EGFR, UACR: req.Current.UACR, Cycle: req.ToCycle},
	)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transition)
}

// createCohortRequest creates an empty cohort. Seed is a pointer so an
// explicit zero seed is distinguishable from an omitted one, which falls
// back to the configured default.
type createCohortRequest struct {
	Name        string `json:"name" binding:"required"`
	Seed        *int64 `json:"seed"`
	CyclePolicy string `json:"cycle_policy"`
}

func (s *Server) handleCreateCohort(c *gin.Context) {
	var req createCohortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	seed := s.deps.Config.GetConfig().Simulation.DefaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}

	cohort := &domain.Cohort{
		ID:          uuid.New(),
		Name:        req.Name,
		Seed:        seed,
		CyclePolicy: req.CyclePolicy,
		CreatedAt:   time.Now().UTC(),
	}
	if cohort.CyclePolicy == "" {
		cohort.CyclePolicy = service.PolicyClinical24
	}

	if err := s.deps.Stores.Cohorts.Create(c.Request.Context(), cohort); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cohort)
}

func (s *Server) handleGetCohort(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	cohort, err := s.deps.Stores.Cohorts.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cohort)
}

// createPatientRequest enrolls one patient with a baseline snapshot.
// The numeric fields are pointers for the same reason as classifyRequest:
// zero is a legal decline floor and a legal baseline eGFR.
type createPatientRequest struct {
	DiabetesType     string   `json:"diabetes_type"`
	Profile          string   `json:"progression_profile" binding:"required"`
	AnnualDeclineMin *float64 `json:"annual_decline_min" binding:"required"`
	AnnualDeclineMax *float64 `json:"annual_decline_max" binding:"required"`
	BaselineEGFR     *float64 `json:"baseline_egfr" binding:"required"`
	BaselineUACR     *float64 `json:"baseline_uacr,omitempty"`
}

func (s *Server) handleCreatePatient(c *gin.Context) {
	cohortID, ok := s.pathID(c)
	if !ok {
		return
	}

	var req createPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	diabetes := domain.DiabetesType(req.DiabetesType)
	if req.DiabetesType == "" {
		diabetes = domain.DiabetesNone
	}

	patient := &domain.Patient{
		ID:           uuid.New(),
		CohortID:     cohortID,
		DiabetesType: diabetes,
		Profile: domain.ProgressionProfile{
			Category:         domain.ProgressionCategory(req.Profile),
			AnnualDeclineMin: *req.AnnualDeclineMin,
			AnnualDeclineMax: *req.AnnualDeclineMax,
		},
		CreatedAt: time.Now().UTC(),
	}

	ctx := c.Request.Context()
	if err := s.deps.Stores.Patients.Create(ctx, patient); err != nil {
		s.writeError(c, err)
		return
	}

	baseline := &domain.LabSnapshot{
		PatientID:  patient.ID,
		EGFR:       *req.BaselineEGFR,
		UACR:       req.BaselineUACR,
		Cycle:      0,
		MeasuredAt: time.Now().UTC(),
	}
	if err := s.deps.Stores.Snapshots.Append(ctx, baseline); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, patient)
}

// advanceRequest guards an advance against double application.
type advanceRequest struct {
	ExpectedCycle int `json:"expected_cycle"`
}

func (s *Server) handleAdvanceCohort(c *gin.Context) {
	cohortID, ok := s.pathID(c)
	if !ok {
		return
	}

	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	result, err := s.deps.Driver.AdvanceCycle(ctx, cohortID, req.ExpectedCycle)
	if err != nil {
		s.writeError(c, err)
		return
	}

	// Cached states are stale for every processed patient
	if s.deps.States != nil {
		if patients, perr := s.deps.Stores.Patients.ListByCohort(ctx, cohortID); perr == nil {
			ids := make([]uuid.UUID, 0, len(patients))
			for _, p := range patients {
				ids = append(ids, p.ID)
			}
			s.deps.States.Invalidate(ctx, ids)
		}
	}

	s.hub.PublishAdvance(result)

	c.JSON(http.StatusOK, result)
}

func (s *Server) handlePatientState(c *gin.Context) {
	patientID, ok := s.pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if s.deps.States != nil {
		if state, cycle, found := s.deps.States.Get(ctx, patientID); found {
			c.JSON(http.StatusOK, gin.H{"state": state, "cycle": cycle, "cached": true})
			return
		}
	}

	snapshot, err := s.deps.Stores.Snapshots.Latest(ctx, patientID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	state, err := s.deps.Classifier.ClassifySnapshot(snapshot)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if s.deps.States != nil {
		s.deps.States.Set(ctx, patientID, state, snapshot.Cycle)
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "cycle": snapshot.Cycle, "cached": false})
}

func (s *Server) handlePatientHistory(c *gin.Context) {
	patientID, ok := s.pathID(c)
	if !ok {
		return
	}

	n := s.queryLimit(c, 12)
	history, err := s.deps.Stores.Snapshots.History(c.Request.Context(), patientID, n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": history})
}

func (s *Server) handlePatientTransitions(c *gin.Context) {
	patientID, ok := s.pathID(c)
	if !ok {
		return
	}

	n := s.queryLimit(c, 24)
	transitions, err := s.deps.Stores.Transitions.ListByPatient(c.Request.Context(), patientID, n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (s *Server) handlePatientAlerts(c *gin.Context) {
	patientID, ok := s.pathID(c)
	if !ok {
		return
	}

	alerts, err := s.deps.Stores.Alerts.ListActive(c.Request.Context(), patientID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) handlePatientRecommendations(c *gin.Context) {
	patientID, ok := s.pathID(c)
	if !ok {
		return
	}

	recs, err := s.deps.Stores.Recommendations.ListOpen(c.Request.Context(), patientID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

// suggestRequest asks the generative oracle for next-cycle lab values.
type suggestRequest struct {
	Narrative string `json:"narrative,omitempty"`
}

func (s *Server) handleOracleSuggest(c *gin.Context) {
	if s.deps.Oracle == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Lab value oracle is not configured"})
		return
	}

	patientID, ok := s.pathID(c)
	if !ok {
		return
	}

	var req suggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	history, err := s.deps.Stores.Snapshots.History(ctx, patientID, 12)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if len(history) == 0 {
		s.writeError(c, domain.ErrNotFound)
		return
	}

	suggestion, err := s.deps.Oracle.SuggestNextValues(ctx, &domain.OracleRequest{
		PatientID:   patientID,
		History:     history,
		Narrative:   req.Narrative,
		TargetCycle: history[0].Cycle + 1,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": suggestion, "target_cycle": history[0].Cycle + 1})
}

// alertStatusRequest moves an alert through its lifecycle.
type alertStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleAlertStatus(c *gin.Context) {
	alertID, ok := s.pathID(c)
	if !ok {
		return
	}

	var req alertStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	err := s.deps.Stores.Alerts.UpdateStatus(c.Request.Context(), alertID, domain.AlertStatus(req.Status))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": alertID, "status": req.Status})
}

// recStatusRequest moves a recommendation through its lifecycle.
type recStatusRequest struct {
	Status  string `json:"status" binding:"required"`
	Outcome string `json:"outcome,omitempty"`
}

func (s *Server) handleRecommendationStatus(c *gin.Context) {
	recID, ok := s.pathID(c)
	if !ok {
		return
	}

	var req recStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	err := s.deps.Stores.Recommendations.UpdateStatus(c.Request.Context(), recID, domain.RecommendationStatus(req.Status), req.Outcome)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": recID, "status": req.Status})
}

func (s *Server) handleSaveReview(c *gin.Context) {
	if s.deps.Reviews == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Review storage is not configured"})
		return
	}

	var rv review.Review
	if err := c.ShouldBindJSON(&rv); err != nil {
		s.writeBadRequest(c, err)
		return
	}
	if rv.PatientID == "" || rv.Recommendation == "" || rv.Decision == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patient_id, recommendation and decision are required"})
		return
	}

	if err := s.deps.Reviews.Save(c.Request.Context(), &rv); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rv)
}

func (s *Server) handleListReviews(c *gin.Context) {
	if s.deps.Reviews == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Review storage is not configured"})
		return
	}

	limit := s.queryLimit(c, 50)
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	reviews, err := s.deps.Reviews.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

func (s *Server) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          "Invalid identifier",
			"correlation_id": c.GetString("correlation_id"),
		})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (s *Server) writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString("correlation_id"),
	})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrWindowExhausted):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"path":  c.FullPath(),
			"error": err.Error(),
		}).Error("Request failed")
	}

	c.JSON(status, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString("correlation_id"),
	})
}
