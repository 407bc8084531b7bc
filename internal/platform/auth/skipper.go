package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// PublicRoutes are the registered routes served without a token.
var PublicRoutes = []string{"/health", "/health/db", "/metrics"}

// RouteSkipper skips requests whose matched route is one of routes.
func RouteSkipper(routes ...string) func(echo.Context) bool {
	set := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		set[r] = struct{}{}
	}
	return func(c echo.Context) bool {
		_, ok := set[c.Path()]
		return ok
	}
}

var publicRoute = RouteSkipper(PublicRoutes...)

// AuthSkipper lets public routes and CORS preflights through. Browsers
// never attach credentials to a preflight.
func AuthSkipper(c echo.Context) bool {
	if c.Request().Method == http.MethodOptions && c.Request().Header.Get(echo.HeaderAccessControlRequestMethod) != "" {
		return true
	}
	return publicRoute(c)
}
