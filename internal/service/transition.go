package service

import (
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

// egfrNoiseFloor is the eGFR delta magnitude below which a change is
// treated as measurement noise rather than progression (mL/min).
const egfrNoiseFloor = 0.5

// uacrMaterialFraction is the relative uACR change beyond which the move
// counts as material.
const uacrMaterialFraction = 0.10

// TransitionDetector compares two consecutive classified states of the
// same patient and decides whether a clinically meaningful transition
// occurred.
type TransitionDetector struct {
	logger *logrus.Logger
}

// NewTransitionDetector creates a new transition detector.
func NewTransitionDetector(logger *logrus.Logger) *TransitionDetector {
	return &TransitionDetector{logger: logger}
}

// StatePoint pairs a classified state with the raw lab values that
// produced it.
type StatePoint struct {
	State *domain.HealthState
	EGFR  float64
	UACR  *float64
	Cycle int
}

// Detect compares the previous and current point of one patient. The
// points must be consecutive cycles; the detector does not verify patient
// identity.
func (d *TransitionDetector) Detect(prev, curr StatePoint) (*domain.Transition, error) {
	if prev.State == nil || curr.State == nil {
		return nil, domain.NewInvalidInput("state", nil, "both states are required for transition detection")
	}

	t := &domain.Transition{
		FromState: prev.State.CompositeState,
		ToState:   curr.State.CompositeState,
		CycleFrom: prev.Cycle,
		CycleTo:   curr.Cycle,
		EGFRDelta: curr.EGFR - prev.EGFR,
	}

	t.CategoryChanged = prev.State.CompositeState != curr.State.CompositeState
	t.RiskIncreased = curr.State.RiskLevel.Rank() > prev.State.RiskLevel.Rank()
	t.CrossedCriticalThreshold = crossedCritical(prev, curr)

	// uACR semantics apply only when both cycles measured it.
	uacrMeasured := prev.UACR != nil && curr.UACR != nil
	if uacrMeasured {
		t.UACRDelta = *curr.UACR - *prev.UACR
	}

	t.ChangeType = changeType(prev, curr, t.EGFRDelta, uacrMeasured)

	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{
			"from_state":  t.FromState,
			"to_state":    t.ToState,
			"change_type": t.ChangeType,
			"critical":    t.CrossedCriticalThreshold,
		}).Debug("Detected transition")
	}

	return t, nil
}

// crossedCritical reports whether a hard clinical threshold was crossed
// between the two points: eGFR falling below 30 or 15, or uACR rising
// above 300.
func crossedCritical(prev, curr StatePoint) bool {
	if curr.EGFR < 30 && prev.EGFR >= 30 {
		return true
	}
	if curr.EGFR < 15 && prev.EGFR >= 15 {
		return true
	}
	if prev.UACR != nil && curr.UACR != nil && *curr.UACR > 300 && *prev.UACR <= 300 {
		return true
	}
	return false
}

// changeType classifies the direction of the change. An eGFR move under
// the noise floor and a uACR move under the material fraction both count
// as no signal. When the two metrics disagree, the one that crossed a
// category boundary wins; a double crossing or no crossing at all falls
// back to the conservative default.
func changeType(prev, curr StatePoint, egfrDelta float64, uacrMeasured bool) domain.ChangeType {
	egfrWorse := egfrDelta < 0 && -egfrDelta > egfrNoiseFloor
	egfrBetter := egfrDelta > 0 && egfrDelta > egfrNoiseFloor

	uacrWorse, uacrBetter := false, false
	if uacrMeasured && *prev.UACR > 0 {
		rel := (*curr.UACR - *prev.UACR) / *prev.UACR
		uacrWorse = rel > uacrMaterialFraction
		uacrBetter = rel < -uacrMaterialFraction
	}

	switch {
	case (egfrWorse || uacrWorse) && !egfrBetter && !uacrBetter:
		return domain.ChangeWorsened
	case (egfrBetter || uacrBetter) && !egfrWorse && !uacrWorse:
		return domain.ChangeImproved
	case (egfrWorse && uacrBetter) || (egfrBetter && uacrWorse):
		return opposedTieBreak(prev, curr, egfrWorse)
	default:
		return domain.ChangeStable
	}
}

// opposedTieBreak resolves an eGFR and uACR moving in opposite clinical
// directions. Whichever metric crossed a category boundary decides; if
// both crossed, the change is treated as worsened; if neither did, the
// transition is stable.
func opposedTieBreak(prev, curr StatePoint, egfrWorse bool) domain.ChangeType {
	gfrCrossed := prev.State.GFRCategory != curr.State.GFRCategory
	albCrossed := prev.State.AlbuminuriaCategory != curr.State.AlbuminuriaCategory

	switch {
	case gfrCrossed && albCrossed:
		return domain.ChangeWorsened
	case gfrCrossed:
		if egfrWorse {
			return domain.ChangeWorsened
		}
		return domain.ChangeImproved
	case albCrossed:
		if egfrWorse {
			// eGFR worsened, so uACR is the improving metric here.
			return domain.ChangeImproved
		}
		return domain.ChangeWorsened
	default:
		return domain.ChangeStable
	}
}
