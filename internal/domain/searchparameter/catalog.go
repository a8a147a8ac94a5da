package searchparameter

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

//go:embed data/*.json
var dataFS embed.FS

const (
	definitionsFile = "data/search-parameters.json"
	unsupportedFile = "data/unsupported-search-parameters.json"
)

// Catalog is the immutable set of known search parameter definitions.
type Catalog struct {
	byURL  map[string]SearchParameter
	sorted []SearchParameter
}

type bundle struct {
	ResourceType string `json:"resourceType"`
	Entry        []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

// LoadCatalog reads a FHIR Bundle of SearchParameter resources. Entries of
// other resource types are skipped.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var b bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decoding search parameter bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got %q", b.ResourceType)
	}

	c := &Catalog{byURL: make(map[string]SearchParameter, len(b.Entry))}
	for i, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if head.ResourceType != "SearchParameter" {
			continue
		}
		var sp SearchParameter
		if err := json.Unmarshal(e.Resource, &sp); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if sp.URL == "" || sp.Code == "" || len(sp.Base) == 0 {
			return nil, fmt.Errorf("entry %d: url, code and base are required", i)
		}
		if _, dup := c.byURL[sp.URL]; dup {
			return nil, fmt.Errorf("entry %d: duplicate search parameter %s", i, sp.URL)
		}
		c.byURL[sp.URL] = sp
		c.sorted = append(c.sorted, sp)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i].URL < c.sorted[j].URL })
	return c, nil
}

// LoadCatalogFile loads definitions from path, or the bundled definitions
// when path is empty.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := readDataFile(path, definitionsFile)
	if err != nil {
		return nil, err
	}
	return LoadCatalog(bytes.NewReader(data))
}

// DefaultCatalog returns the bundled definitions.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalogFile("")
}

// AllSearchParameters returns every definition ordered by url.
func (c *Catalog) AllSearchParameters() []SearchParameter {
	return append([]SearchParameter(nil), c.sorted...)
}

// GetSearchParameter looks a definition up by url.
func (c *Catalog) GetSearchParameter(url string) (SearchParameter, bool) {
	sp, ok := c.byURL[url]
	return sp, ok
}

// GetSearchParameters returns the definitions that apply to resourceType.
func (c *Catalog) GetSearchParameters(resourceType string) []SearchParameter {
	var out []SearchParameter
	for _, sp := range c.sorted {
		if sp.AppliesTo(resourceType) {
			out = append(out, sp)
		}
	}
	return out
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.sorted) }

// UnsupportedSearchParameters is the baseline support record,
// {"unsupported": [...], "partialSupport": [...]}.
type UnsupportedSearchParameters struct {
	Unsupported    []string `json:"unsupported"`
	PartialSupport []string `json:"partialSupport"`
}

// LoadUnsupported reads the baseline support record from path, or the bundled
// record when path is empty.
func LoadUnsupported(path string) (UnsupportedSearchParameters, error) {
	var u UnsupportedSearchParameters
	data, err := readDataFile(path, unsupportedFile)
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("decoding unsupported search parameters: %w", err)
	}
	return u, nil
}

func readDataFile(path, embedded string) ([]byte, error) {
	if path == "" {
		return dataFS.ReadFile(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
