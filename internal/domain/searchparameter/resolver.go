package searchparameter

import "strings"

// SupportResolver decides whether the indexer can extract values for a
// parameter, and whether it can only do so partially.
type SupportResolver interface {
	IsSearchParameterSupported(sp SearchParameter) (supported, partial bool)
}

// DefaultSupportedTypes are the parameter types the indexer understands.
var DefaultSupportedTypes = []string{"string", "token", "date", "number", "reference", "quantity", "uri", "composite"}

// TypeResolver supports a parameter when its type is in a configured set and
// it has an extraction expression. Composite parameters are only ever
// partially supported.
type TypeResolver struct {
	types map[string]bool
}

func NewTypeResolver(types []string) *TypeResolver {
	if len(types) == 0 {
		types = DefaultSupportedTypes
	}
	r := &TypeResolver{types: make(map[string]bool, len(types))}
	for _, t := range types {
		r.types[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return r
}

func (r *TypeResolver) IsSearchParameterSupported(sp SearchParameter) (bool, bool) {
	typ := strings.ToLower(sp.Type)
	if !r.types[typ] || strings.TrimSpace(sp.Expression) == "" {
		return false, false
	}
	return true, typ == "composite"
}
