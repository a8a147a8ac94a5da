package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. When the handler
// returns after the deadline without having written a response, a 504
// OperationOutcome is sent instead of its error.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, "timeout", "Request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
