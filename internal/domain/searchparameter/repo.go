package searchparameter

import "context"

// StatusStore holds the status record of every search parameter.
type StatusStore interface {
	// GetStatuses returns every known status record. Callers own the returned
	// slice.
	GetStatuses(ctx context.Context) ([]ResourceSearchParameterStatus, error)
	// UpsertStatuses creates or replaces the given records in one batch.
	UpsertStatuses(ctx context.Context, statuses []ResourceSearchParameterStatus) error
}
