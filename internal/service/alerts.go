package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// AlertGenerator turns a detected transition into at most one alert per
// patient per cycle. Severity follows the highest-priority rule that
// matched; every matched rule contributes a reason, critical reasons
// first. Lifecycle transitions on existing alerts are caller actions, the
// generator only ever creates new active alerts.
type AlertGenerator struct {
	logger *logrus.Logger
}

// NewAlertGenerator creates a new alert generator.
func NewAlertGenerator(logger *logrus.Logger) *AlertGenerator {
	return &AlertGenerator{logger: logger}
}

// Generate evaluates the alert rule table for one patient's transition.
// Returns nil when nothing fired.
func (g *AlertGenerator) Generate(patientID uuid.UUID, tr *domain.Transition, curr StatePoint, prev StatePoint) *domain.Alert {
	var critical, warning, info []string

	// Critical tier.
	if curr.EGFR < 30 && prev.EGFR >= 30 {
		critical = append(critical, fmt.Sprintf("eGFR fell below 30 mL/min (%.1f)", curr.EGFR))
	}
	if curr.EGFR < 15 {
		critical = append(critical, fmt.Sprintf("eGFR below 15 mL/min indicates kidney failure (%.1f)", curr.EGFR))
	}
	if prev.UACR != nil && curr.UACR != nil && *curr.UACR > 300 && *prev.UACR <= 300 {
		critical = append(critical, fmt.Sprintf("uACR rose above 300 mg/g (%.0f)", *curr.UACR))
	}

	// Warning tier.
	if tr.CategoryChanged {
		warning = append(warning, fmt.Sprintf("KDIGO category changed from %s to %s", tr.FromState, tr.ToState))
	}
	if tr.RiskIncreased {
		warning = append(warning, fmt.Sprintf("risk level increased to %s", curr.State.RiskLevel))
	}
	if tr.EGFRDelta < -5 {
		warning = append(warning, fmt.Sprintf("rapid eGFR decline of %.1f mL/min in one cycle", -tr.EGFRDelta))
	}

	// Info tier catches any remaining detected change.
	if len(critical) == 0 && len(warning) == 0 && tr.ChangeType != domain.ChangeStable {
		info = append(info, fmt.Sprintf("lab values %s without category change", tr.ChangeType))
	}

	var severity domain.AlertSeverity
	var reasons []string
	switch {
	case len(critical) > 0:
		severity = domain.SeverityCritical
		reasons = append(reasons, critical...)
		reasons = append(reasons, warning...)
	case len(warning) > 0:
		severity = domain.SeverityWarning
		reasons = warning
	case len(info) > 0:
		severity = domain.SeverityInfo
		reasons = info
	default:
		return nil
	}

	now := time.Now().UTC()
	alert := &domain.Alert{
		ID:        uuid.New(),
		PatientID: patientID,
		Cycle:     tr.CycleTo,
		Severity:  severity,
		Reasons:   reasons,
		Status:    domain.AlertActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if g.logger != nil {
		g.logger.WithFields(logrus.Fields{
			"patient_id": patientID,
			"cycle":      tr.CycleTo,
			"severity":   severity,
			"reasons":    len(reasons),
		}).Info("Alert generated")
	}

	return alert
}
