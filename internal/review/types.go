// Package review provides local storage for clinician review decisions
// on generated care recommendations. It records whether clinicians acted
// on, modified, or rejected each recommendation so that rule output can
// be audited against real practice.
package review

import (
	"context"
	"io"
	"time"
)

// Decision represents the clinician's verdict on a recommendation.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionModified Decision = "modified"
	DecisionRejected Decision = "rejected"
	DecisionDeferred Decision = "deferred"
)

// Review represents one clinician's decision on a care recommendation.
type Review struct {
	ID             int64     `json:"id,omitempty"`
	PatientID      string    `json:"patient_id"`
	Recommendation string    `json:"recommendation"`            // Recommendation type, e.g. "nephrology_referral"
	Cycle          int       `json:"cycle"`                     // Cycle the recommendation was generated in
	StateAtReview  string    `json:"state_at_review,omitempty"` // Composite KDIGO state, e.g. "G3b-A2"
	Decision       Decision  `json:"decision"`
	Agreed         bool      `json:"agreed"` // Did the clinician follow the recommendation unchanged?
	Reviewer       string    `json:"reviewer,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store defines the interface for review storage operations.
type Store interface {
	// Save stores or updates a review. If a review for the same
	// patient+recommendation+cycle exists, it will be updated.
	Save(ctx context.Context, review *Review) error

	// Get retrieves the review for a recommendation at a specific cycle.
	// Returns nil without error when no review exists.
	Get(ctx context.Context, patientID, recommendation string, cycle int) (*Review, error)

	// List returns all reviews with pagination, newest first.
	List(ctx context.Context, limit, offset int) ([]*Review, error)

	// Count returns the total number of reviews.
	Count(ctx context.Context) (int64, error)

	// Delete removes a review by ID.
	Delete(ctx context.Context, id int64) error

	// ExportJSON exports all reviews to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports reviews from a JSON reader.
	// Returns the number of imported and skipped entries.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// ReviewExport represents the JSON export format.
type ReviewExport struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Reviews    []*Review `json:"reviews"`
}
