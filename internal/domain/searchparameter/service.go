package searchparameter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/metrics"
)

// ErrSearchParameterNotFound is returned when an update names a parameter
// that is not in the catalog.
var ErrSearchParameterNotFound = errors.New("search parameter not found")

// StatusManager owns the runtime flags of every catalog parameter. Reads
// return copies; flags change only through EnsureInitialized and the update
// methods, which are serialized.
type StatusManager struct {
	store    StatusStore
	catalog  *Catalog
	resolver SupportResolver
	broker   *Broker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	updateMu sync.Mutex

	mu     sync.RWMutex
	params map[string]*SearchParameterInfo
}

func NewStatusManager(store StatusStore, catalog *Catalog, resolver SupportResolver, broker *Broker, m *metrics.Metrics, logger zerolog.Logger) *StatusManager {
	all := catalog.AllSearchParameters()
	params := make(map[string]*SearchParameterInfo, len(all))
	for _, sp := range all {
		params[sp.URL] = &SearchParameterInfo{SearchParameter: sp, SortStatus: SortDisabled}
	}
	if broker == nil {
		broker = NewBroker()
	}
	return &StatusManager{
		store:    store,
		catalog:  catalog,
		resolver: resolver,
		broker:   broker,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		params:   params,
	}
}

// Broker returns the broker change notifications are published on.
func (m *StatusManager) Broker() *Broker { return m.broker }

// EnsureInitialized reconciles the runtime flags with the persisted statuses
// and publishes one notification listing the parameters whose flags changed.
// Running it again without intervening changes yields an empty change set.
func (m *StatusManager) EnsureInitialized(ctx context.Context) (SearchParametersUpdated, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	persisted, err := m.persistedByURI(ctx)
	if err != nil {
		return SearchParametersUpdated{}, err
	}

	var updated []SearchParameterInfo
	for _, sp := range m.catalog.AllSearchParameters() {
		next := SearchParameterInfo{SearchParameter: sp, SortStatus: SortDisabled}
		if rec, ok := persisted[sp.URL]; ok {
			next.IsSearchable = rec.Status == StatusEnabled
			next.IsSupported = rec.Status == StatusEnabled || rec.Status == StatusSupported
			next.IsPartiallySupported = rec.IsPartiallySupported
			next.SortStatus = sortOrDisabled(rec.SortStatus)
			if rec.Status == StatusDisabled {
				next.IsSupported, next.IsPartiallySupported = m.resolver.IsSearchParameterSupported(sp)
			}
		} else {
			next.IsSupported, next.IsPartiallySupported = m.resolver.IsSearchParameterSupported(sp)
		}

		if m.apply(next) {
			updated = append(updated, next)
		}
	}

	event := SearchParametersUpdated{Parameters: updated}
	m.logger.Info().Int("changed", len(updated)).Msg("search parameter statuses reconciled")
	m.publish(ctx, event)
	return event, nil
}

// UpdateSearchParameterStatus sets status on every uri, persists the records
// in one call and publishes the touched parameters. Unknown uris fail the
// whole call before anything changes.
func (m *StatusManager) UpdateSearchParameterStatus(ctx context.Context, uris []string, status SearchParameterStatus) error {
	for _, uri := range uris {
		if _, ok := m.catalog.GetSearchParameter(uri); !ok {
			return fmt.Errorf("%w: %s", ErrSearchParameterNotFound, uri)
		}
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	persisted, err := m.persistedByURI(ctx)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	records := make([]ResourceSearchParameterStatus, 0, len(uris))
	updated := make([]SearchParameterInfo, 0, len(uris))
	for _, uri := range uris {
		next := m.snapshot(uri)
		next.IsSearchable = status == StatusEnabled
		next.IsSupported = status == StatusEnabled || status == StatusSupported

		rec, ok := persisted[uri]
		if !ok {
			rec = ResourceSearchParameterStatus{URI: uri, SortStatus: SortDisabled}
		}
		rec.Status = status
		rec.LastUpdated = now
		if next.IsSearchable && rec.SortStatus == SortSupported {
			rec.SortStatus = SortEnabled
			next.SortStatus = SortEnabled
		}
		persisted[uri] = rec

		records = append(records, rec)
		updated = append(updated, next)
	}

	if err := m.store.UpsertStatuses(ctx, records); err != nil {
		return fmt.Errorf("persist search parameter statuses: %w", err)
	}
	for _, info := range updated {
		m.apply(info)
	}

	m.metrics.RecordStatusUpdate()
	m.logger.Info().Strs("uris", uris).Str("status", string(status)).Msg("search parameter status updated")
	m.publish(ctx, SearchParametersUpdated{Parameters: updated})
	return nil
}

// AddSearchParameterStatus marks new parameters Supported. They become
// searchable once reindexing enables them.
func (m *StatusManager) AddSearchParameterStatus(ctx context.Context, uris []string) error {
	return m.UpdateSearchParameterStatus(ctx, uris, StatusSupported)
}

// DeleteSearchParameterStatus retires a parameter.
func (m *StatusManager) DeleteSearchParameterStatus(ctx context.Context, uri string) error {
	return m.UpdateSearchParameterStatus(ctx, []string{uri}, StatusDeleted)
}

// GetSearchParameters returns the parameters that apply to resourceType.
func (m *StatusManager) GetSearchParameters(resourceType string) []SearchParameterInfo {
	var out []SearchParameterInfo
	for _, sp := range m.catalog.GetSearchParameters(resourceType) {
		out = append(out, m.snapshot(sp.URL))
	}
	return out
}

// GetSearchParameter returns the parameter with the given url.
func (m *StatusManager) GetSearchParameter(uri string) (SearchParameterInfo, bool) {
	if _, ok := m.catalog.GetSearchParameter(uri); !ok {
		return SearchParameterInfo{}, false
	}
	return m.snapshot(uri), true
}

// AllSearchParameters returns every parameter ordered by url.
func (m *StatusManager) AllSearchParameters() []SearchParameterInfo {
	all := m.catalog.AllSearchParameters()
	out := make([]SearchParameterInfo, len(all))
	for i, sp := range all {
		out[i] = m.snapshot(sp.URL)
	}
	return out
}

func (m *StatusManager) snapshot(uri string) SearchParameterInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.params[uri]
}

// apply stores next and reports whether any flag changed.
func (m *StatusManager) apply(next SearchParameterInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.params[next.URL]
	if cur.sameFlags(next) {
		return false
	}
	*cur = next
	return true
}

func (m *StatusManager) persistedByURI(ctx context.Context) (map[string]ResourceSearchParameterStatus, error) {
	statuses, err := m.store.GetStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load search parameter statuses: %w", err)
	}
	byURI := make(map[string]ResourceSearchParameterStatus, len(statuses))
	for _, s := range statuses {
		byURI[s.URI] = s
	}
	return byURI, nil
}

func (m *StatusManager) publish(ctx context.Context, event SearchParametersUpdated) {
	m.broker.Publish(ctx, event)
	m.metrics.RecordNotification()

	counts := map[string]int{
		string(StateSearchable):    0,
		string(StateSupportedOnly): 0,
		string(StateUnsupported):   0,
	}
	m.mu.RLock()
	for _, p := range m.params {
		counts[string(p.State())]++
	}
	m.mu.RUnlock()
	m.metrics.SetSearchParameterCounts(counts)
}

func sortOrDisabled(s SortParameterStatus) SortParameterStatus {
	if s == "" {
		return SortDisabled
	}
	return s
}
