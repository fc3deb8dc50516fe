package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Cycle-window policy names accepted in configuration.
const (
	PolicyClinical24 = "clinical-24"
	PolicyRolling12  = "rolling-12"
)

// ErrWindowExhausted is returned when a fixed simulation window has run
// out and needs an explicit reset before any further advance.
var ErrWindowExhausted = errors.New("simulation window exhausted")

// CyclePolicy decides what cycle follows the current one. Exactly one
// policy is chosen per deployment; the two window semantics are never
// mixed within a cohort.
type CyclePolicy interface {
	Name() string

	// NextCycle returns the cycle to advance into. reset reports that
	// the window rolled over and stored history needs rearranging
	// before the advance proceeds.
	NextCycle(current int) (next int, reset bool, err error)
}

// WindowArchiver is implemented by snapshot stores that can fold a
// completed rolling window: the final cycle becomes the new baseline in
// slot 1 and the intermediate slots are cleared.
type WindowArchiver interface {
	ArchiveWindow(ctx context.Context, cohortID uuid.UUID, finalCycle int) error
}

// clinical24 is a fixed 24-cycle window with a hard stop. Once the window
// is spent every advance fails until the caller resets the cohort.
type clinical24 struct{}

// NewClinical24Policy returns the fixed 24-cycle window policy.
func NewClinical24Policy() CyclePolicy { return clinical24{} }

func (clinical24) Name() string { return PolicyClinical24 }

func (clinical24) NextCycle(current int) (int, bool, error) {
	if current < 0 {
		return 0, false, fmt.Errorf("negative cycle %d", current)
	}
	if current >= 24 {
		return 0, false, fmt.Errorf("cycle %d: %w", current, ErrWindowExhausted)
	}
	return current + 1, false, nil
}

// rolling12 keeps a 12-slot window open indefinitely. When cycle 12
// completes, its snapshot is archived into slot 1, slots 2 through 12 are
// cleared, and the simulation continues at cycle 2.
type rolling12 struct{}

// NewRolling12Policy returns the 12-slot rolling window policy.
func NewRolling12Policy() CyclePolicy { return rolling12{} }

func (rolling12) Name() string { return PolicyRolling12 }

func (rolling12) NextCycle(current int) (int, bool, error) {
	if current < 0 {
		return 0, false, fmt.Errorf("negative cycle %d", current)
	}
	if current >= 12 {
		return 2, true, nil
	}
	return current + 1, false, nil
}

// PolicyForName resolves a configured policy name.
func PolicyForName(name string) (CyclePolicy, error) {
	switch name {
	case PolicyClinical24, "":
		return NewClinical24Policy(), nil
	case PolicyRolling12:
		return NewRolling12Policy(), nil
	default:
		return nil, fmt.Errorf("unknown cycle policy %q", name)
	}
}
