package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout bounds every request context by timeout. Store calls
// observe the deadline and abort; an error chain that ends in the deadline
// is answered with 504. Requests matched by skip run without a deadline.
func RequestTimeout(timeout time.Duration, skip echomw.Skipper) echo.MiddlewareFunc {
	if skip == nil {
		skip = echomw.DefaultSkipper
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Skipper:      skip,
		Timeout:      timeout,
		ErrorHandler: deadlineError,
	})
}

func deadlineError(err error, c echo.Context) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "encounter request timed out").SetInternal(err)
	}
	return err
}
