package resource

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

func typeQuery() *docstore.QueryDefinition {
	return docstore.NewQueryDefinition(docstore.FieldCurrentType+" = :type").
		WithIndex(docstore.IndexByType).
		WithParameter(":type", "Patient")
}

func newExecutor(c *memoryContainer) *QueryExecutor {
	return NewQueryExecutor(c, noRetries().Policy(), 0, nil, zerolog.Nop())
}

func maxItems(n int) docstore.QueryOptions {
	return docstore.QueryOptions{}.WithMaxItemCount(n)
}

func TestExecuteQuery_FullFirstPage(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 20)

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 10)
	assert.Equal(t, "10", token)
	assert.Equal(t, 1, c.pageCalls)
}

func TestExecuteQuery_NoMaxItemCountReturnsFirstPage(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 20)
	c.pageCap = 3

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), docstore.QueryOptions{}, "", true)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "3", token)
	assert.Equal(t, 1, c.pageCalls)
}

func TestExecuteQuery_FetchesUntilHalfFull(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCap = 3

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 6)
	assert.GreaterOrEqual(t, len(items), 5)
	assert.Equal(t, "6", token)
	assert.Equal(t, "p000", items[0].ResourceID)
	assert.Equal(t, "p005", items[5].ResourceID)
}

func TestExecuteQuery_StrictBoundShrinksPageSize(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCaps = []int{3}

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", true)
	require.NoError(t, err)
	assert.Len(t, items, 10)
	assert.Equal(t, "10", token)

	require.Len(t, c.queries, 2)
	assert.Equal(t, 7, *c.queries[1].Options.MaxItemCount)
	assert.Equal(t, "3", c.queries[1].ContinuationToken)
}

func TestExecuteQuery_LooseBoundMayExceedMax(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCaps = []int{3}

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 13)
	assert.Less(t, len(items), 2*10)
	assert.Equal(t, "13", token)
	assert.Len(t, c.queries, 1)
}

func TestExecuteQuery_ResultsExhausted(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 4)
	c.pageCap = 3

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", true)
	require.NoError(t, err)
	assert.Len(t, items, 4)
	assert.Empty(t, token)
}

func TestExecuteQuery_ResumesFromToken(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 12)

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "10", true)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p010", items[0].ResourceID)
	assert.Empty(t, token)
}

func TestExecuteQuery_ThrottledLaterPageReturnsWhatWasFetched(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCap = 3
	c.pageErrs[2] = statusErr(http.StatusTooManyRequests)

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "3", token)
}

func TestExecuteQuery_ThrottledFirstPageFails(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageErrs[1] = statusErr(http.StatusTooManyRequests)

	_, _, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	assert.ErrorIs(t, err, ErrRequestRateExceeded)
}

func TestExecuteQuery_EnumerationTimeout(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCap = 3
	c.pageHook = func(ctx context.Context, call int) error {
		if call < 2 {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}

	e := newExecutor(c)
	e.timeout = 20 * time.Millisecond

	items, token, err := e.ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "3", token)
}

func TestExecuteQuery_DeadlineErrorBeforeLoopDeadline(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCap = 3
	c.pageHook = func(ctx context.Context, call int) error {
		if call < 2 {
			return nil
		}
		return fmt.Errorf("%w: request budget exhausted", context.DeadlineExceeded)
	}

	items, token, err := newExecutor(c).ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "3", token)
}

func TestExecuteQuery_NoTimeLeftAfterFirstPage(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCap = 3

	e := newExecutor(c)
	start := time.Now()
	calls := 0
	e.now = func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(DefaultSearchEnumerationTimeout + time.Second)
	}

	items, token, err := e.ExecuteQuery(context.Background(), typeQuery(), maxItems(10), "", false)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, "3", token)
	assert.Equal(t, 1, c.pageCalls)
}

func TestExecuteQuery_CallerCancellationIsAnError(t *testing.T) {
	c := newMemoryContainer()
	seedPatients(c, 30)
	c.pageCap = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.pageHook = func(pageCtx context.Context, call int) error {
		if call < 2 {
			return nil
		}
		cancel()
		return pageCtx.Err()
	}

	_, _, err := newExecutor(c).ExecuteQuery(ctx, typeQuery(), maxItems(10), "", false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteQuery_NilQuery(t *testing.T) {
	_, _, err := newExecutor(newMemoryContainer()).ExecuteQuery(context.Background(), nil, maxItems(10), "", false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
