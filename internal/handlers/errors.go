package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/identity/internal/domain"
)

const invalidCredentials = "invalid credentials"

// httpError maps a domain error onto the response the client sees. Storage
// details never leave the process.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "operation timed out")
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrToken):
		return echo.NewHTTPError(http.StatusUnauthorized, invalidCredentials)
	case errors.Is(err, domain.ErrUsernameTaken), errors.Is(err, domain.ErrRoleExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, "concurrent update, retry")
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

// withTimeout bounds one handler's work by the configured operation timeout.
func withTimeout(c echo.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := c.Request().Context()
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
