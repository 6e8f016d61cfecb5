package database

import "context"

// IndexWarning represents a discrepancy between declared and stored views
type IndexWarning struct {
	Type    IndexWarningType
	Message string
	Details map[string]interface{}
}

type IndexWarningType string

const (
	IndexWarningMissingInCode IndexWarningType = "missing_in_code" // View exists in the design document but is not declared
	IndexWarningMissingInDB   IndexWarningType = "missing_in_db"   // View declared but not provisioned yet
	IndexWarningDifferent     IndexWarningType = "different"       // View exists with different functions
)

// IndexManager provisions and inspects the views of a database
type IndexManager interface {
	// EnsureView creates or updates the view in its design document
	EnsureView(ctx context.Context, def ViewDefinition) error

	// Query runs q, provisioning def on first use
	Query(ctx context.Context, q *Query, def ViewDefinition) (*ViewResult, error)

	// CompareViews compares declared views with the stored design documents
	CompareViews(ctx context.Context, defs []ViewDefinition) ([]IndexWarning, error)
}
