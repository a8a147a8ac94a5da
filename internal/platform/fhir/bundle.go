package fhir

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// SearchEntry is one match of a searchset bundle.
type SearchEntry struct {
	ResourceType string
	ID           string
	Resource     json.RawMessage
}

// ContinuationParam is the query parameter carrying an opaque continuation
// token between search pages.
const ContinuationParam = "ct"

// SearchBundleParams holds link information for a continuation-paged search
// bundle. The store cannot count matches, so the bundle carries no total.
type SearchBundleParams struct {
	BaseURL           string
	Count             int
	ContinuationToken string // token of the page being returned
	NextToken         string // token for the following page, empty on the last page
}

// NewSearchBundle creates a searchset Bundle with self and next links.
func NewSearchBundle(matches []SearchEntry, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(matches))
	for i, m := range matches {
		entries[i] = BundleEntry{
			FullURL:  params.BaseURL + "/" + m.ID,
			Resource: m.Resource,
			Search:   &BundleSearch{Mode: "match"},
		}
	}

	links := []BundleLink{{Relation: "self", URL: pageURL(params.BaseURL, params.Count, params.ContinuationToken)}}
	if params.NextToken != "" {
		links = append(links, BundleLink{Relation: "next", URL: pageURL(params.BaseURL, params.Count, params.NextToken)})
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Timestamp:    &now,
		Link:         links,
		Entry:        entries,
	}
}

func pageURL(baseURL string, count int, token string) string {
	q := url.Values{}
	if count > 0 {
		q.Set("_count", strconv.Itoa(count))
	}
	if token != "" {
		q.Set(ContinuationParam, token)
	}
	if len(q) == 0 {
		return baseURL
	}
	return baseURL + "?" + q.Encode()
}
