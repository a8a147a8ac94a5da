package searchparameter

import (
	"fmt"
	"strings"
	"time"
)

// SearchParameterStatus is the persisted status of a search parameter.
type SearchParameterStatus string

const (
	StatusEnabled   SearchParameterStatus = "Enabled"
	StatusDisabled  SearchParameterStatus = "Disabled"
	StatusSupported SearchParameterStatus = "Supported"
	StatusDeleted   SearchParameterStatus = "Deleted"
)

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (SearchParameterStatus, error) {
	for _, st := range []SearchParameterStatus{StatusEnabled, StatusDisabled, StatusSupported, StatusDeleted} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid search parameter status: %q", s)
}

// SortParameterStatus tells whether a parameter participates in sorting.
// Supported means sort values are maintained but not yet advertised.
type SortParameterStatus string

const (
	SortDisabled  SortParameterStatus = "Disabled"
	SortSupported SortParameterStatus = "Supported"
	SortEnabled   SortParameterStatus = "Enabled"
)

// ResourceSearchParameterStatus is the durable status record of one parameter.
type ResourceSearchParameterStatus struct {
	URI                  string                `db:"uri" json:"uri"`
	Status               SearchParameterStatus `db:"status" json:"status"`
	IsPartiallySupported bool                  `db:"is_partially_supported" json:"isPartiallySupported"`
	SortStatus           SortParameterStatus   `db:"sort_status" json:"sortStatus"`
	LastUpdated          time.Time             `db:"last_updated" json:"lastUpdated"`
}

// SearchParameter is the definition of a FHIR SearchParameter as loaded from
// the catalog.
type SearchParameter struct {
	URL        string   `json:"url"`
	Name       string   `json:"name,omitempty"`
	Code       string   `json:"code"`
	Base       []string `json:"base"`
	Type       string   `json:"type"`
	Expression string   `json:"expression,omitempty"`
}

// AppliesTo reports whether the parameter is defined for resourceType, either
// directly or through the Resource and DomainResource base types.
func (s SearchParameter) AppliesTo(resourceType string) bool {
	for _, b := range s.Base {
		if b == resourceType || b == "Resource" || b == "DomainResource" {
			return true
		}
	}
	return false
}

func (s SearchParameter) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "SearchParameter",
		"url":          s.URL,
		"code":         s.Code,
		"base":         s.Base,
		"type":         s.Type,
		"status":       "active",
	}
	if s.Name != "" {
		result["name"] = s.Name
	}
	if s.Expression != "" {
		result["expression"] = s.Expression
	}
	return result
}

// State is the runtime capability of a parameter derived from its flags.
type State string

const (
	StateSearchable    State = "searchable"
	StateSupportedOnly State = "supported"
	StateUnsupported   State = "unsupported"
)

// SearchParameterInfo is a parameter definition plus its runtime flags. The
// status manager owns these; everyone else receives copies.
type SearchParameterInfo struct {
	SearchParameter
	IsSearchable         bool                `json:"isSearchable"`
	IsSupported          bool                `json:"isSupported"`
	IsPartiallySupported bool                `json:"isPartiallySupported"`
	SortStatus           SortParameterStatus `json:"sortStatus"`
}

// State derives the parameter's capability state.
func (p SearchParameterInfo) State() State {
	switch {
	case p.IsSearchable:
		return StateSearchable
	case p.IsSupported:
		return StateSupportedOnly
	default:
		return StateUnsupported
	}
}

func (p SearchParameterInfo) sameFlags(o SearchParameterInfo) bool {
	return p.IsSearchable == o.IsSearchable &&
		p.IsSupported == o.IsSupported &&
		p.IsPartiallySupported == o.IsPartiallySupported &&
		p.SortStatus == o.SortStatus
}

// SearchParametersUpdated is published once per reconciliation pass or
// administrative update and lists the parameters it touched, in order.
type SearchParametersUpdated struct {
	Parameters []SearchParameterInfo
}

// URIs returns the touched parameter urls in order.
func (e SearchParametersUpdated) URIs() []string {
	uris := make([]string, len(e.Parameters))
	for i, p := range e.Parameters {
		uris[i] = p.URL
	}
	return uris
}
