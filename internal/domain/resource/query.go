package resource

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/metrics"
	"github.com/ehr/fhirstore/internal/platform/retry"
)

// DefaultSearchEnumerationTimeout bounds how long ExecuteQuery keeps fetching
// pages after the first one.
const DefaultSearchEnumerationTimeout = 30 * time.Second

// QueryExecutor runs paged queries, fetching extra pages when the store
// returns short ones.
type QueryExecutor struct {
	container docstore.Container
	policy    *retry.Policy
	timeout   time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func NewQueryExecutor(container docstore.Container, policy *retry.Policy, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *QueryExecutor {
	if timeout <= 0 {
		timeout = DefaultSearchEnumerationTimeout
	}
	return &QueryExecutor{
		container: container,
		policy:    policy,
		timeout:   timeout,
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// ExecuteQuery returns one logical page of results and the token to resume
// from.
//
// The first provider page is fetched under the retry policy. When
// options.MaxItemCount is set and that page came back short, further pages are
// fetched until at least half of MaxItemCount items are held, the results run
// out, the store throttles, or the enumeration timeout elapses. Throttling and
// timeout end the loop without an error.
//
// With mustNotExceedMaxItemCount the page size shrinks so the result never
// exceeds MaxItemCount; without it up to 2*MaxItemCount-1 items may be
// returned.
func (e *QueryExecutor) ExecuteQuery(ctx context.Context, query *docstore.QueryDefinition, options docstore.QueryOptions, continuationToken string, mustNotExceedMaxItemCount bool) ([]*docstore.ResourceWrapper, string, error) {
	if query == nil {
		return nil, "", ErrInvalidArgument
	}
	start := e.now()
	qc := docstore.QueryContext{Definition: query, Options: options, ContinuationToken: continuationToken}

	var q docstore.Query
	var page *docstore.FeedResponse
	err := e.policy.Execute(ctx, func(ctx context.Context) error {
		q = e.container.NewQuery(qc)
		p, err := q.ExecuteNext(ctx)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		e.metrics.RecordQueryStop(metrics.StopQueryFailed)
		return nil, "", translateError(err)
	}
	e.metrics.RecordQueryPage()

	results := append([]*docstore.ResourceWrapper(nil), page.Items...)
	token := page.ContinuationToken

	if !q.HasMoreResults() || options.MaxItemCount == nil || page.Count() == *options.MaxItemCount {
		e.metrics.RecordQueryStop(metrics.StopSinglePage)
		return results, token, nil
	}

	totalDesired := *options.MaxItemCount
	timeout := e.timeout - e.now().Sub(start)
	if timeout <= 0 {
		e.metrics.RecordQueryStop(metrics.StopNoTimeLeft)
		return results, token, nil
	}

	loopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pageSize := totalDesired
	reason := metrics.StopFilled
	for q.HasMoreResults() && len(results) < totalDesired/2 {
		if desired := totalDesired - len(results); mustNotExceedMaxItemCount && desired != pageSize {
			pageSize = desired
			q = e.container.NewQuery(docstore.QueryContext{
				Definition:        query,
				Options:           options.WithMaxItemCount(pageSize),
				ContinuationToken: token,
			})
		}

		p, err := q.ExecuteNext(loopCtx)
		if err != nil {
			if docstore.IsRequestRateExceeded(err) {
				reason = metrics.StopThrottled
				break
			}
			if ctx.Err() != nil {
				e.metrics.RecordQueryStop(metrics.StopQueryFailed)
				return nil, "", ctx.Err()
			}
			if loopCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				reason = metrics.StopTimeout
				break
			}
			e.metrics.RecordQueryStop(metrics.StopQueryFailed)
			return nil, "", translateError(err)
		}
		e.metrics.RecordQueryPage()
		results = append(results, p.Items...)
		token = p.ContinuationToken
	}
	if reason == metrics.StopFilled && !q.HasMoreResults() {
		reason = metrics.StopExhausted
	}

	e.metrics.RecordQueryStop(reason)
	e.logger.Debug().
		Int("requested", totalDesired).
		Int("returned", len(results)).
		Str("reason", reason).
		Msg("query enumeration finished")
	return results, token, nil
}
