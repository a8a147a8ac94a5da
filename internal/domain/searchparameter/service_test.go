package searchparameter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uriName     = "http://example.org/SearchParameter/Patient-name"
	uriBirth    = "http://example.org/SearchParameter/Patient-birthdate"
	uriCode     = "http://example.org/SearchParameter/Observation-code"
	uriCompound = "http://example.org/SearchParameter/Observation-code-value"
	uriLastUpd  = "http://example.org/SearchParameter/Resource-lastUpdated"
)

const testBundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {"resourceType": "SearchParameter", "url": "` + uriName + `", "code": "name", "base": ["Patient"], "type": "string", "expression": "Patient.name"}},
    {"resource": {"resourceType": "SearchParameter", "url": "` + uriBirth + `", "code": "birthdate", "base": ["Patient"], "type": "date", "expression": "Patient.birthDate"}},
    {"resource": {"resourceType": "SearchParameter", "url": "` + uriCode + `", "code": "code", "base": ["Observation"], "type": "token", "expression": "Observation.code"}},
    {"resource": {"resourceType": "SearchParameter", "url": "` + uriCompound + `", "code": "code-value", "base": ["Observation"], "type": "composite", "expression": "Observation"}},
    {"resource": {"resourceType": "SearchParameter", "url": "` + uriLastUpd + `", "code": "_lastUpdated", "base": ["Resource"], "type": "date", "expression": "Resource.meta.lastUpdated"}},
    {"resource": {"resourceType": "Patient", "id": "ignored"}}
  ]
}`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadCatalog(strings.NewReader(testBundle))
	require.NoError(t, err)
	return c
}

type memoryStore struct {
	mu       sync.Mutex
	statuses map[string]ResourceSearchParameterStatus
	upserts  int
	err      error
}

func newMemoryStore(records ...ResourceSearchParameterStatus) *memoryStore {
	s := &memoryStore{statuses: make(map[string]ResourceSearchParameterStatus)}
	for _, r := range records {
		s.statuses[r.URI] = r
	}
	return s
}

func (s *memoryStore) GetStatuses(ctx context.Context) ([]ResourceSearchParameterStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResourceSearchParameterStatus, 0, len(s.statuses))
	for _, r := range s.statuses {
		out = append(out, r)
	}
	return out, nil
}

func (s *memoryStore) UpsertStatuses(ctx context.Context, statuses []ResourceSearchParameterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.upserts++
	for _, r := range statuses {
		s.statuses[r.URI] = r
	}
	return nil
}

func (s *memoryStore) get(uri string) (ResourceSearchParameterStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.statuses[uri]
	return r, ok
}

func newManager(t *testing.T, store StatusStore) (*StatusManager, *[]SearchParametersUpdated) {
	t.Helper()
	var events []SearchParametersUpdated
	broker := NewBroker()
	broker.Subscribe(func(ctx context.Context, e SearchParametersUpdated) {
		events = append(events, e)
	})
	return NewStatusManager(store, testCatalog(t), NewTypeResolver(nil), broker, nil, zerolog.Nop()), &events
}

func TestEnsureInitialized_DerivesFlags(t *testing.T) {
	store := newMemoryStore(
		ResourceSearchParameterStatus{URI: uriName, Status: StatusEnabled, SortStatus: SortEnabled},
		ResourceSearchParameterStatus{URI: uriBirth, Status: StatusSupported, SortStatus: SortSupported},
		ResourceSearchParameterStatus{URI: uriCode, Status: StatusDisabled, SortStatus: SortDisabled},
		ResourceSearchParameterStatus{URI: uriCompound, Status: StatusEnabled, IsPartiallySupported: true},
	)
	mgr, events := newManager(t, store)

	event, err := mgr.EnsureInitialized(context.Background())
	require.NoError(t, err)
	require.Len(t, *events, 1)
	assert.Equal(t, event.URIs(), (*events)[0].URIs())

	name, _ := mgr.GetSearchParameter(uriName)
	assert.True(t, name.IsSearchable)
	assert.True(t, name.IsSupported)
	assert.Equal(t, SortEnabled, name.SortStatus)
	assert.Equal(t, StateSearchable, name.State())

	birth, _ := mgr.GetSearchParameter(uriBirth)
	assert.False(t, birth.IsSearchable)
	assert.True(t, birth.IsSupported)
	assert.Equal(t, StateSupportedOnly, birth.State())

	// Disabled parameters are re-probed and the resolver supports tokens.
	code, _ := mgr.GetSearchParameter(uriCode)
	assert.False(t, code.IsSearchable)
	assert.True(t, code.IsSupported)

	compound, _ := mgr.GetSearchParameter(uriCompound)
	assert.True(t, compound.IsPartiallySupported)

	// Absent from the store: not searchable, resolver decides support.
	lastUpdated, _ := mgr.GetSearchParameter(uriLastUpd)
	assert.False(t, lastUpdated.IsSearchable)
	assert.True(t, lastUpdated.IsSupported)
	assert.Equal(t, SortDisabled, lastUpdated.SortStatus)
}

func TestEnsureInitialized_Idempotent(t *testing.T) {
	store := newMemoryStore(
		ResourceSearchParameterStatus{URI: uriName, Status: StatusEnabled},
		ResourceSearchParameterStatus{URI: uriCode, Status: StatusDisabled},
	)
	mgr, events := newManager(t, store)

	first, err := mgr.EnsureInitialized(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, first.Parameters)

	second, err := mgr.EnsureInitialized(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Parameters)
	require.Len(t, *events, 2)
	assert.Empty(t, (*events)[1].Parameters)
}

func TestUpdateSearchParameterStatus_PromotesSort(t *testing.T) {
	store := newMemoryStore(
		ResourceSearchParameterStatus{URI: uriBirth, Status: StatusSupported, SortStatus: SortSupported},
	)
	mgr, events := newManager(t, store)
	_, err := mgr.EnsureInitialized(context.Background())
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateSearchParameterStatus(context.Background(), []string{uriBirth}, StatusEnabled))

	rec, ok := store.get(uriBirth)
	require.True(t, ok)
	assert.Equal(t, StatusEnabled, rec.Status)
	assert.Equal(t, SortEnabled, rec.SortStatus)
	assert.False(t, rec.LastUpdated.IsZero())

	info, _ := mgr.GetSearchParameter(uriBirth)
	assert.True(t, info.IsSearchable)
	assert.Equal(t, SortEnabled, info.SortStatus)

	last := (*events)[len(*events)-1]
	assert.Equal(t, []string{uriBirth}, last.URIs())
}

func TestUpdateSearchParameterStatus_CreatesRecord(t *testing.T) {
	store := newMemoryStore()
	mgr, _ := newManager(t, store)

	require.NoError(t, mgr.UpdateSearchParameterStatus(context.Background(), []string{uriName, uriCode}, StatusEnabled))
	assert.Equal(t, 1, store.upserts)

	rec, ok := store.get(uriCode)
	require.True(t, ok)
	assert.Equal(t, StatusEnabled, rec.Status)
	assert.Equal(t, SortDisabled, rec.SortStatus)
}

func TestUpdateSearchParameterStatus_UnknownURI(t *testing.T) {
	store := newMemoryStore()
	mgr, events := newManager(t, store)

	err := mgr.UpdateSearchParameterStatus(context.Background(), []string{uriName, "http://example.org/unknown"}, StatusEnabled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSearchParameterNotFound))
	assert.Zero(t, store.upserts)
	assert.Empty(t, *events)

	info, _ := mgr.GetSearchParameter(uriName)
	assert.False(t, info.IsSearchable)
}

func TestUpdateSearchParameterStatus_PersistFailureLeavesFlags(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection reset")
	mgr, events := newManager(t, store)

	err := mgr.UpdateSearchParameterStatus(context.Background(), []string{uriName}, StatusEnabled)
	require.Error(t, err)

	info, _ := mgr.GetSearchParameter(uriName)
	assert.False(t, info.IsSearchable)
	assert.Empty(t, *events)
}

func TestAddSearchParameterStatus_StartsSupported(t *testing.T) {
	store := newMemoryStore()
	mgr, _ := newManager(t, store)

	require.NoError(t, mgr.AddSearchParameterStatus(context.Background(), []string{uriCode}))

	info, _ := mgr.GetSearchParameter(uriCode)
	assert.False(t, info.IsSearchable)
	assert.True(t, info.IsSupported)
	assert.Equal(t, StateSupportedOnly, info.State())

	rec, _ := store.get(uriCode)
	assert.Equal(t, StatusSupported, rec.Status)
}

func TestDeleteSearchParameterStatus(t *testing.T) {
	store := newMemoryStore(ResourceSearchParameterStatus{URI: uriName, Status: StatusEnabled})
	mgr, _ := newManager(t, store)
	_, err := mgr.EnsureInitialized(context.Background())
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteSearchParameterStatus(context.Background(), uriName))

	info, _ := mgr.GetSearchParameter(uriName)
	assert.Equal(t, StateUnsupported, info.State())
	rec, _ := store.get(uriName)
	assert.Equal(t, StatusDeleted, rec.Status)
}

func TestGetSearchParameters_ByResourceType(t *testing.T) {
	mgr, _ := newManager(t, newMemoryStore())

	patient := mgr.GetSearchParameters("Patient")
	var codes []string
	for _, p := range patient {
		codes = append(codes, p.Code)
	}
	assert.ElementsMatch(t, []string{"name", "birthdate", "_lastUpdated"}, codes)

	all := mgr.AllSearchParameters()
	assert.Len(t, all, 5)

	_, ok := mgr.GetSearchParameter("http://example.org/unknown")
	assert.False(t, ok)
}

func TestSnapshotsAreCopies(t *testing.T) {
	mgr, _ := newManager(t, newMemoryStore())

	info, _ := mgr.GetSearchParameter(uriName)
	info.IsSearchable = true

	again, _ := mgr.GetSearchParameter(uriName)
	assert.False(t, again.IsSearchable)
}

// recordingStore records every persisted batch and notes whether two batches
// were ever written at the same time.
type recordingStore struct {
	*memoryStore
	inFlight   atomic.Int32
	overlapped atomic.Bool
	batches    atomic.Int32
}

func (s *recordingStore) UpsertStatuses(ctx context.Context, statuses []ResourceSearchParameterStatus) error {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	defer s.inFlight.Add(-1)
	time.Sleep(time.Millisecond)
	s.batches.Add(1)
	return s.memoryStore.UpsertStatuses(ctx, statuses)
}

func TestStatusManager_ConcurrentUpdatesAreSerialized(t *testing.T) {
	store := &recordingStore{memoryStore: newMemoryStore(
		ResourceSearchParameterStatus{URI: uriBirth, Status: StatusSupported, SortStatus: SortSupported},
	)}

	var mu sync.Mutex
	var events []SearchParametersUpdated
	broker := NewBroker()
	broker.Subscribe(func(ctx context.Context, e SearchParametersUpdated) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	mgr := NewStatusManager(store, testCatalog(t), NewTypeResolver(nil), broker, nil, zerolog.Nop())
	ctx := context.Background()
	_, err := mgr.EnsureInitialized(ctx)
	require.NoError(t, err)

	batches := [][]string{
		{uriName, uriBirth},
		{uriBirth, uriCode},
		{uriCode, uriName, uriLastUpd},
	}
	const rounds = 20

	var wg sync.WaitGroup
	errs := make(chan error, rounds*(len(batches)+2))
	for i := 0; i < rounds; i++ {
		for j, uris := range batches {
			status := StatusEnabled
			if (i+j)%2 == 1 {
				status = StatusSupported
			}
			wg.Add(1)
			go func(uris []string, status SearchParameterStatus) {
				defer wg.Done()
				errs <- mgr.UpdateSearchParameterStatus(ctx, uris, status)
			}(uris, status)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := mgr.EnsureInitialized(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			for _, p := range mgr.AllSearchParameters() {
				if p.IsSearchable && !p.IsSupported {
					errs <- errors.New("searchable parameter reported as unsupported: " + p.URL)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.False(t, store.overlapped.Load(), "status batches must be persisted one at a time")
	assert.Equal(t, int32(rounds*len(batches)), store.batches.Load())

	mu.Lock()
	published := len(events)
	mu.Unlock()
	assert.Equal(t, 1+rounds*(len(batches)+1), published, "every update and reconciliation publishes once")

	for _, uri := range []string{uriName, uriBirth, uriCode, uriLastUpd} {
		rec, ok := store.get(uri)
		require.True(t, ok, uri)
		info, _ := mgr.GetSearchParameter(uri)
		assert.Equal(t, rec.Status == StatusEnabled, info.IsSearchable, uri)
		assert.True(t, info.IsSupported, uri)
		assert.Equal(t, rec.SortStatus, info.SortStatus, uri)
	}
	birth, _ := store.get(uriBirth)
	assert.Equal(t, SortEnabled, birth.SortStatus, "sort promotion must not be lost")

	final, err := mgr.EnsureInitialized(ctx)
	require.NoError(t, err)
	assert.Empty(t, final.Parameters, "annotations already agree with the persisted records")
}
