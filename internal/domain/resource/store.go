package resource

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/platform/retry"
)

// Store is the write path and point-read path for versioned resources.
type Store struct {
	container docstore.Container
	retries   *retry.Factory
	sortIndex *SortIndexManager
	queries   *QueryExecutor
	logger    zerolog.Logger
}

func NewStore(container docstore.Container, retries *retry.Factory, sortIndex *SortIndexManager, queries *QueryExecutor, logger zerolog.Logger) *Store {
	return &Store{
		container: container,
		retries:   retries,
		sortIndex: sortIndex,
		queries:   queries,
		logger:    logger,
	}
}

// Upsert writes a new version of the resource. A non-nil etag must match the
// stored current version. It returns (nil, nil) when deleting a resource that
// is already deleted or never existed. The sort index is refreshed on a copy,
// so wrapper itself is not modified.
func (s *Store) Upsert(ctx context.Context, wrapper *docstore.ResourceWrapper, etag *fhir.WeakETag, allowCreate, keepHistory bool) (*UpsertOutcome, error) {
	if wrapper == nil {
		return nil, fmt.Errorf("%w: wrapper is required", ErrInvalidArgument)
	}
	doc := wrapper.Clone()
	s.sortIndex.RefreshSortIndex(doc)

	var result *docstore.UpsertResult
	err := s.retries.Policy().Execute(ctx, func(ctx context.Context) error {
		r, err := s.container.UpsertWithHistory(ctx, doc, etag.VersionID(), allowCreate, keepHistory)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err == nil {
		return &UpsertOutcome{Wrapper: result.Wrapper, OutcomeType: result.OutcomeType}, nil
	}

	switch {
	case docstore.IsPreconditionFailed(err):
		return nil, fmt.Errorf("%w: %s", ErrVersionConflict, wrapper.Key())
	case docstore.IsNotFound(err):
		if wrapper.IsDeleted {
			return nil, nil
		}
		if etag != nil {
			return nil, fmt.Errorf("%w: %s at version %s", ErrResourceNotFound, wrapper.ToPartitionKey(), etag.VersionID())
		}
		if !allowCreate {
			return nil, fmt.Errorf("%w: %s", ErrCreationNotAllowed, wrapper.ToPartitionKey())
		}
	case docstore.IsServiceUnavailable(err):
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s.logger.Error().
		Err(err).
		Str("resource_type", wrapper.ResourceTypeName).
		Str("resource_id", wrapper.ResourceID).
		Str("etag", etag.String()).
		Msg("unhandled error upserting resource")
	return nil, translateError(err)
}

// HardDelete removes every stored version of the resource. Deleting a
// resource that has no documents is a no-op.
func (s *Store) HardDelete(ctx context.Context, key docstore.ResourceKey) error {
	var result *docstore.HardDeleteResult
	err := s.retries.Policy().Execute(ctx, func(ctx context.Context) error {
		r, err := s.container.HardDelete(ctx, key)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if docstore.IsRequestEntityTooLarge(err) {
			return fmt.Errorf("%w: %w", ErrRequestEntityTooLarge, err)
		}
		s.logger.Error().Err(err).Str("key", key.String()).Msg("unhandled error hard deleting resource")
		return translateError(err)
	}

	s.logger.Debug().
		Str("key", key.ToPartitionKey()).
		Strs("deleted", result.DeletedIDs).
		Float64("request_charge", result.RequestCharge).
		Msg("hard deleted resource")
	return nil
}

// UpdateSearchIndexForResource replaces the search fields of the current
// version in place, without creating a new version.
func (s *Store) UpdateSearchIndexForResource(ctx context.Context, wrapper *docstore.ResourceWrapper, etag *fhir.WeakETag) (*docstore.ResourceWrapper, error) {
	return s.replaceSingleResource(ctx, s.retries.Policy(), wrapper, etag)
}

// UpdateSearchParameterHashBatch rewrites the search parameter hash of each
// wrapper at its own version, stopping at the first failure.
func (s *Store) UpdateSearchParameterHashBatch(ctx context.Context, wrappers []*docstore.ResourceWrapper) error {
	return s.replaceBatch(ctx, wrappers)
}

// UpdateSearchParameterIndicesBatch rewrites the search indices of each
// wrapper at its own version, stopping at the first failure.
func (s *Store) UpdateSearchParameterIndicesBatch(ctx context.Context, wrappers []*docstore.ResourceWrapper) error {
	return s.replaceBatch(ctx, wrappers)
}

func (s *Store) replaceBatch(ctx context.Context, wrappers []*docstore.ResourceWrapper) error {
	policy := s.retries.BatchPolicy()
	for _, w := range wrappers {
		if w == nil {
			return fmt.Errorf("%w: wrapper is required", ErrInvalidArgument)
		}
		if _, err := s.replaceSingleResource(ctx, policy, w, fhir.NewWeakETag(w.Version)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) replaceSingleResource(ctx context.Context, policy *retry.Policy, wrapper *docstore.ResourceWrapper, etag *fhir.WeakETag) (*docstore.ResourceWrapper, error) {
	if wrapper == nil {
		return nil, fmt.Errorf("%w: wrapper is required", ErrInvalidArgument)
	}
	if etag == nil {
		return nil, fmt.Errorf("%w: a version is required to update search indices", ErrInvalidArgument)
	}
	doc := wrapper.Clone()
	s.sortIndex.RefreshSortIndex(doc)

	var updated *docstore.ResourceWrapper
	err := policy.Execute(ctx, func(ctx context.Context) error {
		w, err := s.container.ReplaceSingleResource(ctx, doc, etag.VersionID())
		if err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err == nil {
		return updated, nil
	}

	switch {
	case docstore.IsPreconditionFailed(err):
		return nil, fmt.Errorf("%w: %s", ErrVersionConflict, wrapper.Key())
	case docstore.IsNotFound(err):
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, wrapper.ToPartitionKey())
	case docstore.IsServiceUnavailable(err):
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s.logger.Error().
		Err(err).
		Str("resource_type", wrapper.ResourceTypeName).
		Str("resource_id", wrapper.ResourceID).
		Str("etag", etag.String()).
		Msg("unhandled error replacing search indices")
	return nil, translateError(err)
}

// Get reads the current version, or the version named by key.VersionID. A
// missing resource or version yields (nil, nil).
func (s *Store) Get(ctx context.Context, key docstore.ResourceKey) (*docstore.ResourceWrapper, error) {
	if key.VersionID != "" {
		query := docstore.NewQueryDefinition("").
			WithFilter(docstore.FieldResourceVersion+" = :version").
			WithParameter(":version", key.VersionID)
		options := docstore.QueryOptions{PartitionKey: key.ToPartitionKey()}

		var token string
		for {
			items, next, err := s.queries.ExecuteQuery(ctx, query, options, token, false)
			if err != nil {
				return nil, err
			}
			for _, w := range items {
				if w.Version == key.VersionID {
					return w, nil
				}
			}
			if next == "" {
				return nil, nil
			}
			token = next
		}
	}

	var wrapper *docstore.ResourceWrapper
	err := s.retries.Policy().Execute(ctx, func(ctx context.Context) error {
		w, err := s.container.ReadItem(ctx, key)
		if err != nil {
			return err
		}
		wrapper = w
		return nil
	})
	if docstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return wrapper, nil
}

// SearchByType lists live current resources of one type ordered by id.
func (s *Store) SearchByType(ctx context.Context, resourceType string, count int, continuationToken string) ([]*docstore.ResourceWrapper, string, error) {
	if resourceType == "" || count <= 0 {
		return nil, "", fmt.Errorf("%w: resource type and a positive count are required", ErrInvalidArgument)
	}
	query := docstore.NewQueryDefinition(docstore.FieldCurrentType+" = :type").
		WithIndex(docstore.IndexByType).
		WithParameter(":type", resourceType)
	options := docstore.QueryOptions{}.WithMaxItemCount(count)

	return s.queries.ExecuteQuery(ctx, query, options, continuationToken, true)
}
