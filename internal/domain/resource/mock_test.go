package resource

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/domain/searchparameter"
	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/retry"
)

// memoryContainer is an in-memory docstore.Container. Query pages can be
// capped per call to imitate filtered short pages, and individual page
// fetches can fail or block.
type memoryContainer struct {
	mu      sync.Mutex
	now     time.Time
	current map[string]*docstore.ResourceWrapper
	history map[string][]*docstore.ResourceWrapper

	upsertErr  error
	readErr    error
	maxDelete  int
	pageCap    int
	pageCaps   []int
	pageErrs   map[int]error
	pageHook   func(ctx context.Context, call int) error
	pageCalls  int
	queries    []docstore.QueryContext
	upserts    int
	replaces   int
	replaceErr error
}

func newMemoryContainer() *memoryContainer {
	return &memoryContainer{
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		current:  make(map[string]*docstore.ResourceWrapper),
		history:  make(map[string][]*docstore.ResourceWrapper),
		pageErrs: make(map[int]error),
	}
}

func statusErr(code int) error {
	return docstore.NewStatusError(code, "", "injected %d", code)
}

func (m *memoryContainer) UpsertWithHistory(_ context.Context, wrapper *docstore.ResourceWrapper, version string, allowCreate, keepHistory bool) (*docstore.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}

	pk := wrapper.ToPartitionKey()
	existing := m.current[pk]
	if existing != nil && version != "" && existing.Version != version {
		return nil, statusErr(http.StatusPreconditionFailed)
	}
	outcome := docstore.SaveOutcomeUpdated
	switch {
	case existing == nil:
		if version != "" || wrapper.IsDeleted || !allowCreate {
			return nil, statusErr(http.StatusNotFound)
		}
		outcome = docstore.SaveOutcomeCreated
	case existing.IsDeleted:
		if wrapper.IsDeleted || (!allowCreate && version == "") {
			return nil, statusErr(http.StatusNotFound)
		}
		outcome = docstore.SaveOutcomeCreated
	}

	next := wrapper.Clone()
	m.now = m.now.Add(time.Second)
	next.LastModified = m.now
	next.Version = "1"
	if existing != nil {
		n, _ := strconv.Atoi(existing.Version)
		next.Version = strconv.Itoa(n + 1)
		if keepHistory {
			archived := existing.Clone()
			archived.IsHistory = true
			m.history[pk] = append(m.history[pk], archived)
		}
	}
	m.current[pk] = next
	m.upserts++
	return &docstore.UpsertResult{Wrapper: next.Clone(), OutcomeType: outcome}, nil
}

func (m *memoryContainer) HardDelete(_ context.Context, key docstore.ResourceKey) (*docstore.HardDeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := key.ToPartitionKey()
	result := &docstore.HardDeleteResult{}
	cur, ok := m.current[pk]
	if !ok {
		return result, nil
	}
	if m.maxDelete > 0 && len(m.history[pk])+1 > m.maxDelete {
		return result, statusErr(http.StatusRequestEntityTooLarge)
	}
	result.DeletedIDs = append(result.DeletedIDs, cur.Key().String())
	for _, h := range m.history[pk] {
		result.DeletedIDs = append(result.DeletedIDs, h.Key().String())
	}
	delete(m.current, pk)
	delete(m.history, pk)
	return result, nil
}

func (m *memoryContainer) ReplaceSingleResource(_ context.Context, wrapper *docstore.ResourceWrapper, version string) (*docstore.ResourceWrapper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return nil, m.replaceErr
	}
	cur, ok := m.current[wrapper.ToPartitionKey()]
	if !ok {
		return nil, statusErr(http.StatusNotFound)
	}
	if cur.Version != version {
		return nil, statusErr(http.StatusPreconditionFailed)
	}
	cur.SearchIndices = wrapper.Clone().SearchIndices
	cur.SortValues = wrapper.Clone().SortValues
	cur.SearchParameterHash = wrapper.SearchParameterHash
	m.replaces++
	return cur.Clone(), nil
}

func (m *memoryContainer) ReadItem(_ context.Context, key docstore.ResourceKey) (*docstore.ResourceWrapper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	cur, ok := m.current[key.ToPartitionKey()]
	if !ok {
		return nil, statusErr(http.StatusNotFound)
	}
	return cur.Clone(), nil
}

func (m *memoryContainer) NewQuery(qc docstore.QueryContext) docstore.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, qc)
	offset := 0
	if qc.ContinuationToken != "" {
		offset, _ = strconv.Atoi(qc.ContinuationToken)
	}
	return &memoryQuery{container: m, qc: qc, offset: offset, more: true}
}

func (m *memoryContainer) put(w *docstore.ResourceWrapper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[w.ToPartitionKey()] = w.Clone()
}

func (m *memoryContainer) stored(resourceType, id string) *docstore.ResourceWrapper {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[docstore.PartitionKey(resourceType, id)].Clone()
}

// source evaluates the query definition against the stored documents.
func (m *memoryContainer) source(qc docstore.QueryContext) []*docstore.ResourceWrapper {
	var out []*docstore.ResourceWrapper
	if qc.Definition.IndexName == docstore.IndexByType {
		rt, _ := qc.Definition.Parameters[":type"].(string)
		for _, w := range m.current {
			if w.ResourceTypeName == rt && !w.IsDeleted {
				out = append(out, w.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
		return out
	}

	pk := qc.Options.PartitionKey
	all := append([]*docstore.ResourceWrapper(nil), m.history[pk]...)
	if cur, ok := m.current[pk]; ok {
		all = append(all, cur)
	}
	version, filtered := qc.Definition.Parameters[":version"].(string)
	for _, w := range all {
		if !filtered || w.Version == version {
			out = append(out, w.Clone())
		}
	}
	return out
}

type memoryQuery struct {
	container *memoryContainer
	qc        docstore.QueryContext
	offset    int
	more      bool
}

func (q *memoryQuery) HasMoreResults() bool { return q.more }

func (q *memoryQuery) ExecuteNext(ctx context.Context) (*docstore.FeedResponse, error) {
	m := q.container
	m.mu.Lock()
	m.pageCalls++
	call := m.pageCalls
	hook := m.pageHook
	injected := m.pageErrs[call]
	limit := m.pageCap
	if call <= len(m.pageCaps) {
		limit = m.pageCaps[call-1]
	}
	source := m.source(q.qc)
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return nil, err
		}
	}
	if injected != nil {
		return nil, injected
	}

	rest := source[min(q.offset, len(source)):]
	n := len(rest)
	if q.qc.Options.MaxItemCount != nil {
		n = min(n, *q.qc.Options.MaxItemCount)
	}
	if limit > 0 {
		n = min(n, limit)
	}

	page := &docstore.FeedResponse{Items: rest[:n], RequestCharge: 1}
	q.offset += n
	if q.offset < len(source) {
		page.ContinuationToken = strconv.Itoa(q.offset)
	} else {
		q.more = false
	}
	return page, nil
}

// staticParams serves fixed search parameter flags per resource type.
type staticParams map[string][]searchparameter.SearchParameterInfo

func (s staticParams) GetSearchParameters(resourceType string) []searchparameter.SearchParameterInfo {
	return s[resourceType]
}

func param(url, code string, searchable bool, sortStatus searchparameter.SortParameterStatus) searchparameter.SearchParameterInfo {
	return searchparameter.SearchParameterInfo{
		SearchParameter: searchparameter.SearchParameter{URL: url, Code: code, Base: []string{"Patient"}, Type: "string"},
		IsSearchable:    searchable,
		IsSupported:     true,
		SortStatus:      sortStatus,
	}
}

const (
	urlName      = "http://hl7.org/fhir/SearchParameter/individual-given"
	urlBirthdate = "http://hl7.org/fhir/SearchParameter/individual-birthdate"
	urlGender    = "http://hl7.org/fhir/SearchParameter/individual-gender"
)

func patientParams() staticParams {
	return staticParams{"Patient": {
		param(urlName, "name", true, searchparameter.SortEnabled),
		param(urlBirthdate, "birthdate", false, searchparameter.SortSupported),
		param(urlGender, "gender", true, searchparameter.SortDisabled),
	}}
}

func noRetries() *retry.Factory {
	return retry.NewFactory(retry.Options{}, retry.Options{}, nil, zerolog.Nop())
}

func newTestStore(t *testing.T, c *memoryContainer, params ParameterSource) *Store {
	t.Helper()
	retries := noRetries()
	queries := NewQueryExecutor(c, retries.Policy(), 0, nil, zerolog.Nop())
	return NewStore(c, retries, NewSortIndexManager(params), queries, zerolog.Nop())
}

func patient(id string) *docstore.ResourceWrapper {
	return &docstore.ResourceWrapper{
		ResourceTypeName: "Patient",
		ResourceID:       id,
		RawResource:      []byte(`{"resourceType":"Patient","id":"` + id + `"}`),
	}
}

func seedPatients(c *memoryContainer, n int) {
	for i := 0; i < n; i++ {
		w := patient("p" + pad(i))
		w.Version = "1"
		c.put(w)
	}
}

func pad(i int) string {
	s := strconv.Itoa(i)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}
