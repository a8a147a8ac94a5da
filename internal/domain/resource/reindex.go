package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/domain/searchparameter"
)

// SearchParameterHash fingerprints the supported parameters of a resource
// type. A stored hash that differs from the current one marks a resource as
// needing reindexing.
func SearchParameterHash(params []searchparameter.SearchParameterInfo) string {
	var lines []string
	for _, p := range params {
		if !p.IsSupported {
			continue
		}
		lines = append(lines, p.URL+"|"+string(p.State())+"|"+string(p.SortStatus))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Reindexer stamps stored resources with the current search parameter hash
// and sort placeholders.
type Reindexer struct {
	store  *Store
	params ParameterSource
	logger zerolog.Logger
}

func NewReindexer(store *Store, params ParameterSource, logger zerolog.Logger) *Reindexer {
	return &Reindexer{store: store, params: params, logger: logger}
}

// CurrentHash returns the hash for resourceType as of now.
func (r *Reindexer) CurrentHash(resourceType string) string {
	return SearchParameterHash(r.params.GetSearchParameters(resourceType))
}

// ReindexType walks every live resource of resourceType in pages of
// batchSize and rewrites the ones whose hash is stale, or all of them when
// full is set. It returns the number of resources rewritten.
func (r *Reindexer) ReindexType(ctx context.Context, resourceType string, batchSize int, full bool) (int, error) {
	hash := r.CurrentHash(resourceType)
	updated := 0
	token := ""
	for {
		page, next, err := r.store.SearchByType(ctx, resourceType, batchSize, token)
		if err != nil {
			return updated, err
		}

		stale := page[:0]
		for _, w := range page {
			if full || w.SearchParameterHash != hash {
				w.SearchParameterHash = hash
				stale = append(stale, w)
			}
		}
		update := r.store.UpdateSearchParameterHashBatch
		if full {
			update = r.store.UpdateSearchParameterIndicesBatch
		}
		if err := update(ctx, stale); err != nil {
			return updated, err
		}
		updated += len(stale)

		r.logger.Debug().
			Str("resource_type", resourceType).
			Int("page", len(page)).
			Int("updated", len(stale)).
			Msg("reindexed page")

		if next == "" {
			return updated, nil
		}
		token = next
	}
}
