package searchparameter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FileStatusStore derives statuses from the bundled catalog and the
// unsupported-parameter record. It is read-only.
type FileStatusStore struct {
	catalog     *Catalog
	loadSupport func() (UnsupportedSearchParameters, error)
	sortable    map[string]bool
	now         func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	loaded []ResourceSearchParameterStatus
}

// NewFileStatusStore creates a baseline store. unsupportedPath may be empty to
// use the bundled record; sortable lists the parameter urls whose sort values
// are maintained from the start.
func NewFileStatusStore(catalog *Catalog, unsupportedPath string, sortable []string) *FileStatusStore {
	s := &FileStatusStore{
		catalog:     catalog,
		loadSupport: func() (UnsupportedSearchParameters, error) { return LoadUnsupported(unsupportedPath) },
		sortable:    make(map[string]bool, len(sortable)),
		now:         time.Now,
	}
	for _, uri := range sortable {
		s.sortable[uri] = true
	}
	return s
}

// GetStatuses returns the merged status set. The set is computed once; a
// failed load is retried on the next call.
func (s *FileStatusStore) GetStatuses(ctx context.Context) ([]ResourceSearchParameterStatus, error) {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded != nil {
		return copyStatuses(loaded), nil
	}

	v, err, _ := s.group.Do("statuses", func() (interface{}, error) {
		s.mu.RLock()
		cached := s.loaded
		s.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		statuses, err := s.load()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.loaded = statuses
		s.mu.Unlock()
		return statuses, nil
	})
	if err != nil {
		return nil, err
	}
	return copyStatuses(v.([]ResourceSearchParameterStatus)), nil
}

// UpsertStatuses discards the records; the baseline store is read-only.
func (s *FileStatusStore) UpsertStatuses(ctx context.Context, statuses []ResourceSearchParameterStatus) error {
	return nil
}

func (s *FileStatusStore) load() ([]ResourceSearchParameterStatus, error) {
	support, err := s.loadSupport()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	unsupported := make(map[string]bool, len(support.Unsupported))
	for _, uri := range support.Unsupported {
		unsupported[uri] = true
	}
	partial := make(map[string]bool, len(support.PartialSupport))
	for _, uri := range support.PartialSupport {
		partial[uri] = true
	}

	statuses := make([]ResourceSearchParameterStatus, 0, s.catalog.Len()+len(support.Unsupported))
	seen := make(map[string]bool, s.catalog.Len())
	add := func(uri string) {
		if seen[uri] {
			return
		}
		seen[uri] = true
		st := ResourceSearchParameterStatus{
			URI:         uri,
			Status:      StatusEnabled,
			SortStatus:  SortDisabled,
			LastUpdated: now,
		}
		switch {
		case unsupported[uri]:
			st.Status = StatusDisabled
		case partial[uri]:
			st.IsPartiallySupported = true
		}
		if s.sortable[uri] {
			st.SortStatus = SortSupported
		}
		statuses = append(statuses, st)
	}

	for _, sp := range s.catalog.AllSearchParameters() {
		add(sp.URL)
	}
	for _, uri := range support.Unsupported {
		add(uri)
	}
	for _, uri := range support.PartialSupport {
		add(uri)
	}
	return statuses, nil
}

func copyStatuses(in []ResourceSearchParameterStatus) []ResourceSearchParameterStatus {
	return append([]ResourceSearchParameterStatus(nil), in...)
}
