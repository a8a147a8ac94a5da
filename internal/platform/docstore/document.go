// Package docstore defines the contract between the resource storage engine and the
// throughput-limited document store that holds resource documents. The store
// itself lives behind Container; implementations translate provider failures into
// StatusError values so callers never depend on a particular SDK.
package docstore

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResourceKey identifies one version of a resource, or its current version when
// VersionID is empty.
type ResourceKey struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	VersionID    string `json:"versionId,omitempty"`
}

// ToPartitionKey returns the partition that holds every version of the resource.
func (k ResourceKey) ToPartitionKey() string {
	return PartitionKey(k.ResourceType, k.ID)
}

func (k ResourceKey) String() string {
	if k.VersionID == "" {
		return k.ResourceType + "/" + k.ID
	}
	return k.ResourceType + "/" + k.ID + "/_history/" + k.VersionID
}

// PartitionKey builds the partition key shared by a resource's current and
// history documents.
func PartitionKey(resourceType, id string) string {
	return resourceType + "/" + id
}

// ValueKind names the type of a SearchValue.
type ValueKind string

const (
	ValueKindString   ValueKind = "string"
	ValueKindToken    ValueKind = "token"
	ValueKindNumber   ValueKind = "number"
	ValueKindDateTime ValueKind = "date"
	ValueKindURI      ValueKind = "uri"
)

// SearchValue is a single typed value extracted from a resource for indexing.
type SearchValue struct {
	Kind   ValueKind        `json:"kind"`
	Text   string           `json:"text,omitempty"`
	System string           `json:"system,omitempty"`
	Number *decimal.Decimal `json:"number,omitempty"`
	Time   *time.Time       `json:"time,omitempty"`
}

// SearchIndexEntry binds an extracted value to the search parameter it was
// extracted for.
type SearchIndexEntry struct {
	SearchParameterURI string      `json:"uri"`
	Code               string      `json:"code"`
	Value              SearchValue `json:"value"`
}

// SortValue is the searchable range kept for one sortable parameter. A placeholder
// has nil Low and High until the values are computed by reindexing.
type SortValue struct {
	SearchParameterURI string       `json:"uri"`
	Low                *SearchValue `json:"low,omitempty"`
	High               *SearchValue `json:"high,omitempty"`
}

// NewSortPlaceholder returns a sort entry with no computed range.
func NewSortPlaceholder(uri string) SortValue {
	return SortValue{SearchParameterURI: uri}
}

// IsPlaceholder reports whether no range has been computed yet.
func (s SortValue) IsPlaceholder() bool {
	return s.Low == nil && s.High == nil
}

// ResourceWrapper is the persisted document for one version of a resource.
type ResourceWrapper struct {
	ResourceTypeName    string               `json:"resourceTypeName"`
	ResourceID          string               `json:"resourceId"`
	Version             string               `json:"version,omitempty"`
	RawResource         []byte               `json:"rawResource,omitempty"`
	IsDeleted           bool                 `json:"isDeleted"`
	IsHistory           bool                 `json:"isHistory"`
	LastModified        time.Time            `json:"lastModified"`
	SearchIndices       []SearchIndexEntry   `json:"searchIndices,omitempty"`
	SortValues          map[string]SortValue `json:"sortValues,omitempty"`
	SearchParameterHash string               `json:"searchParameterHash,omitempty"`
}

// Key returns the versioned key of the wrapper.
func (w *ResourceWrapper) Key() ResourceKey {
	return ResourceKey{ResourceType: w.ResourceTypeName, ID: w.ResourceID, VersionID: w.Version}
}

// ToPartitionKey returns the partition the wrapper is stored in.
func (w *ResourceWrapper) ToPartitionKey() string {
	return PartitionKey(w.ResourceTypeName, w.ResourceID)
}

// Clone returns a deep copy so a wrapper in flight can be modified without
// touching the caller's value.
func (w *ResourceWrapper) Clone() *ResourceWrapper {
	if w == nil {
		return nil
	}
	c := *w
	if w.RawResource != nil {
		c.RawResource = append([]byte(nil), w.RawResource...)
	}
	if w.SearchIndices != nil {
		c.SearchIndices = append([]SearchIndexEntry(nil), w.SearchIndices...)
	}
	if w.SortValues != nil {
		c.SortValues = make(map[string]SortValue, len(w.SortValues))
		for k, v := range w.SortValues {
			c.SortValues[k] = v
		}
	}
	return &c
}
