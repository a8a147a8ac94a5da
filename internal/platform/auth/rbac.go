package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireResourceScope checks the SMART scope for the resource type named by
// the route's :type parameter, e.g. "Patient.read".
func RequireResourceScope(operation string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			required := fmt.Sprintf("%s.%s", c.Param("type"), operation)
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope checks if a granted scope covers the required scope.
// "user/*.*" matches everything, "patient/*.read" matches any read and
// "user/Patient.read" matches Patient reads.
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}

	gRes, gOp, ok := strings.Cut(granted, ".")
	if !ok {
		return false
	}
	rRes, rOp, ok := strings.Cut(required, ".")
	if !ok || rRes == "" || rOp == "" {
		return false
	}

	// user/, patient/ and system/ prefixes name the launch context only.
	if _, res, ok := strings.Cut(gRes, "/"); ok {
		gRes = res
	}
	resMatch := gRes == rRes || gRes == "*"
	opMatch := gOp == rOp || gOp == "*"
	return resMatch && opMatch
}
