package searchparameter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCatalog(t *testing.T) {
	c := testCatalog(t)
	assert.Equal(t, 5, c.Len())

	sp, ok := c.GetSearchParameter(uriName)
	require.True(t, ok)
	assert.Equal(t, "name", sp.Code)
	assert.Equal(t, []string{"Patient"}, sp.Base)

	obs := c.GetSearchParameters("Observation")
	var urls []string
	for _, p := range obs {
		urls = append(urls, p.URL)
	}
	assert.Equal(t, []string{uriCode, uriCompound, uriLastUpd}, urls)
}

func TestLoadCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"not a bundle", `{"resourceType": "Patient"}`},
		{"missing url", `{"resourceType": "Bundle", "entry": [{"resource": {"resourceType": "SearchParameter", "code": "x", "base": ["Patient"]}}]}`},
		{"duplicate", `{"resourceType": "Bundle", "entry": [
			{"resource": {"resourceType": "SearchParameter", "url": "u", "code": "x", "base": ["Patient"]}},
			{"resource": {"resourceType": "SearchParameter", "url": "u", "code": "y", "base": ["Patient"]}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	assert.Greater(t, c.Len(), 0)

	_, ok := c.GetSearchParameter("http://hl7.org/fhir/SearchParameter/Patient-name")
	assert.True(t, ok)

	unsupported, err := LoadUnsupported("")
	require.NoError(t, err)
	assert.NotEmpty(t, unsupported.Unsupported)
	for _, uri := range unsupported.PartialSupport {
		_, ok := c.GetSearchParameter(uri)
		assert.True(t, ok, uri)
	}
}

func TestTypeResolver(t *testing.T) {
	r := NewTypeResolver([]string{"string", "Composite"})

	supported, partial := r.IsSearchParameterSupported(SearchParameter{Type: "string", Expression: "Patient.name"})
	assert.True(t, supported)
	assert.False(t, partial)

	supported, partial = r.IsSearchParameterSupported(SearchParameter{Type: "composite", Expression: "Observation"})
	assert.True(t, supported)
	assert.True(t, partial)

	supported, _ = r.IsSearchParameterSupported(SearchParameter{Type: "token", Expression: "Observation.code"})
	assert.False(t, supported)

	supported, _ = r.IsSearchParameterSupported(SearchParameter{Type: "string"})
	assert.False(t, supported)
}

func TestBroker_PublishOrder(t *testing.T) {
	b := NewBroker()
	var got []string
	b.Subscribe(func(ctx context.Context, e SearchParametersUpdated) { got = append(got, "a") })
	b.Subscribe(func(ctx context.Context, e SearchParametersUpdated) { got = append(got, "b") })

	b.Publish(context.Background(), SearchParametersUpdated{})
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("enabled")
	require.NoError(t, err)
	assert.Equal(t, StatusEnabled, st)

	_, err = ParseStatus("active")
	assert.Error(t, err)
}
