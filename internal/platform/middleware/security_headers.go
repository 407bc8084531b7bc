package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// SecurityHeaders hardens the JSON responses of the encounter API. HSTS is
// only announced when the server sits behind TLS, which development
// setups usually do not.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	cfg := echomw.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}
	if hsts {
		// Sent only for TLS requests or X-Forwarded-Proto: https.
		cfg.HSTSMaxAge = 31536000
	}
	secure := echomw.SecureWithConfig(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withHeaders := secure(next)
		return func(c echo.Context) error {
			// Compositions carry patient data.
			c.Response().Header().Set("Cache-Control", "no-store")
			return withHeaders(c)
		}
	}
}
