package service

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/domain"
)

const (
	// Expected changes smaller than this count as no signal and yield a
	// neutral adherence of 1.0.
	expectedChangeEpsilon = 1e-9

	adherenceDriftProbability = 0.20
	adherenceDriftMagnitude   = 0.15
)

// AdherenceEstimator derives adherence from the observed lab trend versus
// the trend expected under full adherence. The trend estimate and the
// random behavioral drift are two separate signals: the estimate reads
// the labs, the drift models real-world behavior changing on its own.
type AdherenceEstimator struct {
	logger *logrus.Logger
}

// NewAdherenceEstimator creates a new estimator.
func NewAdherenceEstimator(logger *logrus.Logger) *AdherenceEstimator {
	return &AdherenceEstimator{logger: logger}
}

// EstimateFromTrend computes a [0,1] adherence score from actual versus
// expected one-cycle changes. Each lab contributes a ratio; an expected
// change near zero contributes a neutral 1.0 instead of dividing by zero.
func (e *AdherenceEstimator) EstimateFromTrend(actualEGFR, expectedEGFR, actualUACR, expectedUACR float64) float64 {
	fromEGFR := trendRatio(actualEGFR, expectedEGFR)
	fromUACR := trendRatio(actualUACR, expectedUACR)

	score := clamp((fromEGFR+fromUACR)/2, 0, 1)

	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"from_egfr": fromEGFR,
			"from_uacr": fromUACR,
			"score":     score,
			"band":      domain.BandForAdherence(score),
		}).Debug("Estimated adherence from trend")
	}

	return score
}

// ApplyDrift perturbs an adherence score by up to 15% in either direction
// with 20% probability, clamped to [0,1]. Drift is applied after, never
// mixed into, the trend estimate.
func (e *AdherenceEstimator) ApplyDrift(adherence float64, rng *rand.Rand) float64 {
	if rng.Float64() >= adherenceDriftProbability {
		return adherence
	}
	factor := 1 + (rng.Float64()*2-1)*adherenceDriftMagnitude
	return clamp(adherence*factor, 0, 1)
}

func trendRatio(actual, expected float64) float64 {
	if math.Abs(expected) < expectedChangeEpsilon {
		return 1.0
	}
	return actual / expected
}
