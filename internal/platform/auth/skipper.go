package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are infrastructure endpoints reachable without credentials.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthSkipper reports whether the request's route bypasses authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
