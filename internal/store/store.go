// Package store persists submission outcomes: analysis results for lookup
// and failed submissions whose uploaded pages still need cleanup.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ddobak/contract-gateway/internal/analysis"
)

var ErrNotFound = errors.New("contract not found")

type Status string

const (
	StatusAnalyzed Status = "ANALYZED"
	StatusFailed   Status = "FAILED"
	StatusCleaned  Status = "CLEANED"
)

// Record is a persisted contract submission. Result is set for analyzed
// contracts only.
type Record struct {
	ContractID  string           `json:"contractId"`
	UserID      string           `json:"userId"`
	ClientID    string           `json:"clientId"`
	Status      Status           `json:"status"`
	StorageKeys []string         `json:"storageKeys"`
	FailedState string           `json:"failedState,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	Result      *analysis.Result `json:"result,omitempty"`
}

type Repository interface {
	SaveResult(ctx context.Context, userID string, res *analysis.Result) error
	SaveFailure(ctx context.Context, userID string, failure *analysis.SubmissionError) error
	Get(ctx context.Context, contractID string) (*Record, error)
	// PendingCleanup lists failed submissions with stored keys that were last
	// updated before the cutoff, oldest first.
	PendingCleanup(ctx context.Context, before time.Time, limit int) ([]Record, error)
	MarkCleaned(ctx context.Context, contractID string) error
}

// needsCleanup reports whether a failed submission may have left objects behind.
func needsCleanup(failure *analysis.SubmissionError) bool {
	switch failure.State {
	case analysis.StateUploading, analysis.StateInvoking, analysis.StateNormalizing:
		return len(failure.StorageKeys) > 0
	}
	return false
}

func failureMessage(failure *analysis.SubmissionError) string {
	if failure.Err == nil {
		return ""
	}
	return failure.Err.Error()
}
