package docstore

import (
	"context"
	"sort"
)

// SaveOutcomeType reports whether a write created a resource or replaced an
// existing version.
type SaveOutcomeType string

const (
	SaveOutcomeCreated SaveOutcomeType = "Created"
	SaveOutcomeUpdated SaveOutcomeType = "Updated"
)

// UpsertResult is returned by the upsert-with-history procedure.
type UpsertResult struct {
	Wrapper       *ResourceWrapper
	OutcomeType   SaveOutcomeType
	RequestCharge float64
}

// HardDeleteResult lists the documents removed by the hard-delete procedure.
type HardDeleteResult struct {
	DeletedIDs    []string
	RequestCharge float64
}

// Container is a collection of resource documents with server-side
// transactional procedures. Every method returns *StatusError for provider
// failures.
type Container interface {
	// UpsertWithHistory writes a new current version of the wrapper. When version is
	// non-empty it must equal the stored current version. When keepHistory is set
	// the replaced version is archived as a history document in the same
	// transaction.
	UpsertWithHistory(ctx context.Context, wrapper *ResourceWrapper, version string, allowCreate, keepHistory bool) (*UpsertResult, error)

	// HardDelete removes the current document and all history documents of a
	// resource in one transaction.
	HardDelete(ctx context.Context, key ResourceKey) (*HardDeleteResult, error)

	// ReplaceSingleResource overwrites the search fields of the current version
	// in place. version must equal the stored current version.
	ReplaceSingleResource(ctx context.Context, wrapper *ResourceWrapper, version string) (*ResourceWrapper, error)

	// ReadItem point-reads the current document of a resource.
	ReadItem(ctx context.Context, key ResourceKey) (*ResourceWrapper, error)

	// NewQuery creates a paged query. A query must be recreated after a failed
	// page fetch.
	NewQuery(qc QueryContext) Query
}

// Query pages through the results of one query definition.
type Query interface {
	HasMoreResults() bool
	ExecuteNext(ctx context.Context) (*FeedResponse, error)
}

// FeedResponse is one page of query results. A page may hold fewer items than
// requested even when more results exist.
type FeedResponse struct {
	Items             []*ResourceWrapper
	ContinuationToken string
	RequestCharge     float64
}

// Count returns the number of items in the page.
func (f *FeedResponse) Count() int {
	if f == nil {
		return 0
	}
	return len(f.Items)
}

// QueryOptions carries per-query request options.
type QueryOptions struct {
	PartitionKey string
	MaxItemCount *int
}

// WithMaxItemCount returns a copy of the options with a new page size.
func (o QueryOptions) WithMaxItemCount(n int) QueryOptions {
	o.MaxItemCount = &n
	return o
}

// QueryContext is everything needed to (re)create a query at a position.
type QueryContext struct {
	Definition        *QueryDefinition
	Options           QueryOptions
	ContinuationToken string
}

// QueryDefinition describes a query as a key condition plus an optional filter.
// Parameter names are referenced as ":name" inside the expressions.
type QueryDefinition struct {
	IndexName    string
	KeyCondition string
	Filter       string
	Parameters   map[string]any
	Descending   bool
}

// NewQueryDefinition starts a query over the given key condition. An empty key
// condition selects the partition given in QueryOptions.PartitionKey.
func NewQueryDefinition(keyCondition string) *QueryDefinition {
	return &QueryDefinition{
		KeyCondition: keyCondition,
		Parameters:   make(map[string]any),
	}
}

// WithIndex queries a secondary index instead of the base table.
func (q *QueryDefinition) WithIndex(name string) *QueryDefinition {
	q.IndexName = name
	return q
}

// WithFilter sets the filter applied after the key condition. Filtered
// documents still consume read budget, which is why pages come back short.
func (q *QueryDefinition) WithFilter(filter string) *QueryDefinition {
	q.Filter = filter
	return q
}

// WithParameter binds a value to a ":name" placeholder.
func (q *QueryDefinition) WithParameter(name string, value any) *QueryDefinition {
	q.Parameters[name] = value
	return q
}

// WithDescending reverses the sort key order.
func (q *QueryDefinition) WithDescending() *QueryDefinition {
	q.Descending = true
	return q
}

// ParameterNames returns the bound parameter names in sorted order.
func (q *QueryDefinition) ParameterNames() []string {
	names := make([]string, 0, len(q.Parameters))
	for name := range q.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
