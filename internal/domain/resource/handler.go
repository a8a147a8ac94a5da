package resource

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// HandlerOptions are the write semantics of the REST surface.
type HandlerOptions struct {
	AllowUpdateCreate bool
	KeepHistory       bool
}

type Handler struct {
	store     *Store
	reindexer *Reindexer
	opts      HandlerOptions
}

func NewHandler(store *Store, reindexer *Reindexer, opts HandlerOptions) *Handler {
	return &Handler{store: store, reindexer: reindexer, opts: opts}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	read := auth.RequireResourceScope("read")
	write := auth.RequireResourceScope("write")

	fhirGroup.GET("/:type", h.SearchResources, read)
	fhirGroup.GET("/:type/:id", h.ReadResource, read)
	fhirGroup.GET("/:type/:id/_history/:vid", h.VreadResource, read)
	fhirGroup.PUT("/:type/:id", h.UpdateResource, write)
	fhirGroup.DELETE("/:type/:id", h.DeleteResource, write)
	fhirGroup.POST("/:type/:id/$reindex", h.ReindexResource, write)
}

func (h *Handler) SearchResources(c echo.Context) error {
	rt := c.Param("type")
	if !resourceTypePattern.MatchString(rt) {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid resource type"))
	}
	count := defaultPageSize
	if v := c.QueryParam("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("_count must be a positive integer"))
		}
		count = min(n, maxPageSize)
	}
	token := c.QueryParam(fhir.ContinuationParam)

	items, next, err := h.store.SearchByType(c.Request().Context(), rt, count, token)
	if err != nil {
		return writeError(c, rt, "", err)
	}

	matches := make([]fhir.SearchEntry, 0, len(items))
	for _, w := range items {
		raw, err := withMeta(w)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		matches = append(matches, fhir.SearchEntry{ResourceType: w.ResourceTypeName, ID: w.ResourceID, Resource: raw})
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(matches, fhir.SearchBundleParams{
		BaseURL:           "/fhir/" + rt,
		Count:             count,
		ContinuationToken: token,
		NextToken:         next,
	}))
}

func (h *Handler) ReadResource(c echo.Context) error {
	key, err := keyFromPath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	w, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		return writeError(c, key.ResourceType, key.ID, err)
	}
	if w == nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(key.ResourceType, key.ID))
	}
	if w.IsDeleted {
		fhir.SetVersionHeaders(c, w.Version, w.LastModified)
		return c.JSON(http.StatusGone, fhir.GoneOutcome(key.ResourceType, key.ID))
	}
	if fhir.CheckIfNoneMatch(c, w.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	return writeResource(c, http.StatusOK, w)
}

func (h *Handler) VreadResource(c echo.Context) error {
	key, err := keyFromPath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	key.VersionID = c.Param("vid")
	if _, err := strconv.Atoi(key.VersionID); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid version id"))
	}

	w, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		return writeError(c, key.ResourceType, key.ID, err)
	}
	if w == nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(key.ResourceType, key.ID+"/_history/"+key.VersionID))
	}
	if w.IsDeleted {
		fhir.SetVersionHeaders(c, w.Version, w.LastModified)
		return c.JSON(http.StatusGone, fhir.GoneOutcome(key.ResourceType, key.ID))
	}
	return writeResource(c, http.StatusOK, w)
}

func (h *Handler) UpdateResource(c echo.Context) error {
	key, err := keyFromPath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	etag, err := fhir.IfMatch(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("failed to read request body"))
	}
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid JSON: "+err.Error()))
	}
	if head.ResourceType != key.ResourceType {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resourceType does not match the request url"))
	}
	if head.ID != key.ID {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("id does not match the request url"))
	}

	w := &docstore.ResourceWrapper{
		ResourceTypeName: key.ResourceType,
		ResourceID:       key.ID,
		RawResource:      body,
	}
	if h.reindexer != nil {
		w.SearchParameterHash = h.reindexer.CurrentHash(key.ResourceType)
	}

	outcome, err := h.store.Upsert(c.Request().Context(), w, etag, h.opts.AllowUpdateCreate, h.opts.KeepHistory)
	if err != nil {
		return writeError(c, key.ResourceType, key.ID, err)
	}

	status := http.StatusOK
	if outcome.OutcomeType == docstore.SaveOutcomeCreated {
		status = http.StatusCreated
		c.Response().Header().Set("Location", "/fhir/"+key.ResourceType+"/"+key.ID+"/_history/"+outcome.Wrapper.Version)
	}
	return writeResource(c, status, outcome.Wrapper)
}

// DeleteResource writes a deletion marker, or with ?_hardDelete=true removes
// every version. Hard deletes require the admin role.
func (h *Handler) DeleteResource(c echo.Context) error {
	key, err := keyFromPath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	ctx := c.Request().Context()

	if hard, _ := strconv.ParseBool(c.QueryParam("_hardDelete")); hard {
		if !hasRole(ctx, "admin") {
			return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeSecurity, "hard delete requires the admin role"))
		}
		if err := h.store.HardDelete(ctx, key); err != nil {
			return writeError(c, key.ResourceType, key.ID, err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	etag, err := fhir.IfMatch(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	marker := &docstore.ResourceWrapper{
		ResourceTypeName: key.ResourceType,
		ResourceID:       key.ID,
		IsDeleted:        true,
	}
	outcome, err := h.store.Upsert(ctx, marker, etag, false, h.opts.KeepHistory)
	if err != nil {
		return writeError(c, key.ResourceType, key.ID, err)
	}
	if outcome != nil {
		c.Response().Header().Set("ETag", fhir.FormatETag(outcome.Wrapper.Version))
	}
	return c.NoContent(http.StatusNoContent)
}

// ReindexResource refreshes the search fields of the current version in
// place. If-Match may pin the version; otherwise the current one is used.
func (h *Handler) ReindexResource(c echo.Context) error {
	key, err := keyFromPath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	ctx := c.Request().Context()

	w, err := h.store.Get(ctx, key)
	if err != nil {
		return writeError(c, key.ResourceType, key.ID, err)
	}
	if w == nil || w.IsDeleted {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(key.ResourceType, key.ID))
	}

	etag, err := fhir.IfMatch(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if etag == nil {
		etag = fhir.NewWeakETag(w.Version)
	}
	if h.reindexer != nil {
		w.SearchParameterHash = h.reindexer.CurrentHash(key.ResourceType)
	}

	updated, err := h.store.UpdateSearchIndexForResource(ctx, w, etag)
	if err != nil {
		return writeError(c, key.ResourceType, key.ID, err)
	}
	fhir.SetVersionHeaders(c, updated.Version, updated.LastModified)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType":        updated.ResourceTypeName,
		"id":                  updated.ResourceID,
		"versionId":           updated.Version,
		"searchParameterHash": updated.SearchParameterHash,
		"sortParameters":      len(updated.SortValues),
	})
}

func keyFromPath(c echo.Context) (docstore.ResourceKey, error) {
	rt, id := c.Param("type"), c.Param("id")
	if !resourceTypePattern.MatchString(rt) {
		return docstore.ResourceKey{}, errors.New("invalid resource type")
	}
	if !resourceIDPattern.MatchString(id) {
		return docstore.ResourceKey{}, errors.New("invalid resource id")
	}
	return docstore.ResourceKey{ResourceType: rt, ID: id}, nil
}

func hasRole(ctx context.Context, role string) bool {
	for _, r := range auth.RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

func writeResource(c echo.Context, status int, w *docstore.ResourceWrapper) error {
	raw, err := withMeta(w)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	fhir.SetVersionHeaders(c, w.Version, w.LastModified)
	return c.JSONBlob(status, raw)
}

// withMeta returns the stored resource with meta.versionId and
// meta.lastUpdated set from the wrapper.
func withMeta(w *docstore.ResourceWrapper) (json.RawMessage, error) {
	doc := map[string]interface{}{}
	if len(w.RawResource) > 0 {
		if err := json.Unmarshal(w.RawResource, &doc); err != nil {
			return nil, err
		}
	}
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = w.Version
	if !w.LastModified.IsZero() {
		meta["lastUpdated"] = w.LastModified.UTC().Format(time.RFC3339Nano)
	}
	doc["meta"] = meta
	doc["resourceType"] = w.ResourceTypeName
	doc["id"] = w.ResourceID
	return json.Marshal(doc)
}

func writeError(c echo.Context, resourceType, id string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, ErrVersionConflict):
		return c.JSON(http.StatusPreconditionFailed, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, ErrResourceNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id))
	case errors.Is(err, ErrCreationNotAllowed):
		return c.JSON(http.StatusMethodNotAllowed, fhir.MethodNotAllowedOutcome(err.Error()))
	case errors.Is(err, ErrServiceUnavailable):
		return c.JSON(http.StatusServiceUnavailable, fhir.UnavailableOutcome())
	case errors.Is(err, ErrRequestRateExceeded):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusTooManyRequests, fhir.ThrottleOutcome())
	case errors.Is(err, ErrRequestEntityTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, fhir.TooCostlyOutcome(err.Error()))
	}
	return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
}
