package resource

import (
	"github.com/ehr/fhirstore/internal/domain/searchparameter"
	"github.com/ehr/fhirstore/internal/platform/docstore"
)

// ParameterSource exposes the live search parameter flags for a resource type.
// searchparameter.StatusManager implements it.
type ParameterSource interface {
	GetSearchParameters(resourceType string) []searchparameter.SearchParameterInfo
}

// SortIndexManager keeps a wrapper's sort entries aligned with the parameters
// currently maintained for sorting.
type SortIndexManager struct {
	params ParameterSource
}

func NewSortIndexManager(params ParameterSource) *SortIndexManager {
	return &SortIndexManager{params: params}
}

// RefreshSortIndex drops sort entries of parameters that are no longer
// sortable and adds placeholders for sortable parameters the wrapper lacks.
// Afterwards the entry urls equal the sortable parameter urls of the type.
func (m *SortIndexManager) RefreshSortIndex(w *docstore.ResourceWrapper) {
	sortable := make(map[string]string)
	for _, p := range m.params.GetSearchParameters(w.ResourceTypeName) {
		if p.SortStatus != searchparameter.SortDisabled {
			sortable[p.Code] = p.URL
		}
	}

	if len(sortable) == 0 {
		w.SortValues = nil
		return
	}
	if w.SortValues == nil {
		w.SortValues = make(map[string]docstore.SortValue, len(sortable))
	}

	for code, v := range w.SortValues {
		if url, ok := sortable[code]; !ok || url != v.SearchParameterURI {
			delete(w.SortValues, code)
		}
	}
	for code, url := range sortable {
		if _, ok := w.SortValues[code]; !ok {
			w.SortValues[code] = docstore.NewSortPlaceholder(url)
		}
	}
}
