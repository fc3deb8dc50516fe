package service

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// Classifier implements KDIGO staging: two lab values map to a GFR
// category, an albuminuria category, a composite state, a risk level, a
// CKD stage, and a set of clinical action flags. Classification is a pure
// function of its inputs; the same (eGFR, uACR) pair always produces the
// same HealthState.
type Classifier struct {
	logger *logrus.Logger
}

// NewClassifier creates a new classifier.
func NewClassifier(logger *logrus.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify maps (eGFR, uACR) to a HealthState. A nil uACR means the ratio
// was not measured; staging then assumes a normal value (A1) and marks the
// state accordingly. Negative or non-numeric values are rejected, never
// clamped.
func (c *Classifier) Classify(egfr float64, uacr *float64) (*domain.HealthState, error) {
	if math.IsNaN(egfr) || math.IsInf(egfr, 0) {
		return nil, domain.NewInvalidInput("egfr", egfr, "eGFR must be a finite number")
	}
	if egfr < 0 {
		return nil, domain.NewInvalidInput("egfr", egfr, "eGFR must be non-negative")
	}
	if uacr != nil {
		if math.IsNaN(*uacr) || math.IsInf(*uacr, 0) {
			return nil, domain.NewInvalidInput("uacr", *uacr, "uACR must be a finite number")
		}
		if *uacr < 0 {
			return nil, domain.NewInvalidInput("uacr", *uacr, "uACR must be non-negative")
		}
	}

	gfrCat := gfrCategoryFor(egfr)

	// Missing uACR stages as A1. This biases incomplete records toward
	// lower risk; callers can inspect AlbuminuriaMeasured.
	measured := uacr != nil
	effectiveUACR := 0.0
	if measured {
		effectiveUACR = *uacr
	}
	albCat := albuminuriaCategoryFor(effectiveUACR)

	stage, hasCKD := ckdStage(gfrCat, albCat)
	risk := riskFor(gfrCat, albCat)

	state := &domain.HealthState{
		GFRCategory:         gfrCat,
		AlbuminuriaCategory: albCat,
		AlbuminuriaMeasured: measured,
		CompositeState:      fmt.Sprintf("%s-%s", gfrCat, albCat),
		RiskLevel:           risk,
		CKDStage:            stage,
		HasCKD:              hasCKD,
		Flags:               clinicalFlags(gfrCat, albCat, stage, egfr),
		Cadence:             risk.Cadence(),
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"egfr":            egfr,
			"uacr_measured":   measured,
			"composite_state": state.CompositeState,
			"risk_level":      state.RiskLevel,
		}).Debug("Classified lab values")
	}

	return state, nil
}

// ClassifySnapshot classifies the lab values of one snapshot.
func (c *Classifier) ClassifySnapshot(s *domain.LabSnapshot) (*domain.HealthState, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return c.Classify(s.EGFR, s.UACR)
}

// gfrCategoryFor assigns the KDIGO GFR category. Boundaries are inclusive
// lower bounds, evaluated top-down, first match wins.
func gfrCategoryFor(egfr float64) domain.GFRCategory {
	switch {
	case egfr >= 90:
		return domain.G1
	case egfr >= 60:
		return domain.G2
	case egfr >= 45:
		return domain.G3a
	case egfr >= 30:
		return domain.G3b
	case egfr >= 15:
		return domain.G4
	default:
		return domain.G5
	}
}

// albuminuriaCategoryFor assigns the KDIGO albuminuria category.
// uACR of exactly 300 is A2; anything above is A3.
func albuminuriaCategoryFor(uacr float64) domain.AlbuminuriaCategory {
	switch {
	case uacr < 30:
		return domain.A1
	case uacr <= 300:
		return domain.A2
	default:
		return domain.A3
	}
}

// ckdStage derives the CKD stage from the categories. Stages 1 and 2
// additionally require albuminuria: with eGFR >= 60 and a normal uACR
// there is no CKD at all.
func ckdStage(g domain.GFRCategory, a domain.AlbuminuriaCategory) (stage int, hasCKD bool) {
	switch g {
	case domain.G1:
		if a != domain.A1 {
			return 1, true
		}
		return 0, false
	case domain.G2:
		if a != domain.A1 {
			return 2, true
		}
		return 0, false
	case domain.G3a, domain.G3b:
		return 3, true
	case domain.G4:
		return 4, true
	default:
		return 5, true
	}
}

// riskFor is the full KDIGO 6x3 prognosis matrix. Every GFR x albuminuria
// combination is spelled out so that a new category cannot slip through
// unhandled.
func riskFor(g domain.GFRCategory, a domain.AlbuminuriaCategory) domain.RiskLevel {
	switch g {
	case domain.G4, domain.G5:
		return domain.RiskVeryHigh
	case domain.G3b:
		switch a {
		case domain.A1:
			return domain.RiskHigh
		default: // A2, A3
			return domain.RiskVeryHigh
		}
	case domain.G3a:
		switch a {
		case domain.A1:
			return domain.RiskModerate
		case domain.A2:
			return domain.RiskHigh
		default: // A3
			return domain.RiskVeryHigh
		}
	default: // G1, G2
		switch a {
		case domain.A1:
			return domain.RiskLow
		case domain.A2:
			return domain.RiskModerate
		default: // A3
			return domain.RiskHigh
		}
	}
}

// clinicalFlags derives the deterministic action flags.
func clinicalFlags(g domain.GFRCategory, a domain.AlbuminuriaCategory, stage int, egfr float64) domain.ClinicalFlags {
	return domain.ClinicalFlags{
		NephrologyReferral: g == domain.G3b || g == domain.G4 || g == domain.G5 || a == domain.A3,
		DialysisPlanning:   g == domain.G5 || (g == domain.G4 && egfr < 20),
		RASInhibitor:       a == domain.A2 || a == domain.A3,
		SGLT2Inhibitor:     stage >= 2 && stage <= 4,
	}
}
