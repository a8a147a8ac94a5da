package searchparameter

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

type Handler struct {
	mgr *StatusManager
}

func NewHandler(mgr *StatusManager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(admin *echo.Group) {
	g := admin.Group("/search-parameters", auth.RequireRole("admin"))
	g.GET("", h.ListSearchParameters)
	g.POST("/$status", h.UpdateStatus)
	g.POST("/$reconcile", h.Reconcile)
}

type parameterView struct {
	Resource             map[string]interface{} `json:"resource"`
	State                State                  `json:"state"`
	IsSearchable         bool                   `json:"isSearchable"`
	IsSupported          bool                   `json:"isSupported"`
	IsPartiallySupported bool                   `json:"isPartiallySupported"`
	SortStatus           SortParameterStatus    `json:"sortStatus"`
}

func toView(p SearchParameterInfo) parameterView {
	return parameterView{
		Resource:             p.ToFHIR(),
		State:                p.State(),
		IsSearchable:         p.IsSearchable,
		IsSupported:          p.IsSupported,
		IsPartiallySupported: p.IsPartiallySupported,
		SortStatus:           p.SortStatus,
	}
}

func toViews(params []SearchParameterInfo) []parameterView {
	views := make([]parameterView, len(params))
	for i, p := range params {
		views[i] = toView(p)
	}
	return views
}

// ListSearchParameters returns the runtime flags of every parameter, or of
// those applying to ?resourceType=.
func (h *Handler) ListSearchParameters(c echo.Context) error {
	var params []SearchParameterInfo
	if rt := c.QueryParam("resourceType"); rt != "" {
		params = h.mgr.GetSearchParameters(rt)
	} else {
		params = h.mgr.AllSearchParameters()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total": len(params),
		"data":  toViews(params),
	})
}

type statusRequest struct {
	URIs   []string `json:"uris"`
	Status string   `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if len(req.URIs) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("uris is required"))
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	if err := h.mgr.UpdateSearchParameterStatus(c.Request().Context(), req.URIs, status); err != nil {
		if errors.Is(err, ErrSearchParameterNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	updated := make([]SearchParameterInfo, 0, len(req.URIs))
	for _, uri := range req.URIs {
		if p, ok := h.mgr.GetSearchParameter(uri); ok {
			updated = append(updated, p)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": toViews(updated)})
}

func (h *Handler) Reconcile(c echo.Context) error {
	event, err := h.mgr.EnsureInitialized(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"changed": len(event.Parameters),
		"data":    toViews(event.Parameters),
	})
}
