package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/identity/internal/logging"
	"github.com/Skotchmaster/identity/pkg/tokens"
)

const claimsKey = "access_claims"

type Middleware struct {
	Signer *tokens.Signer
}

// RequireLogin accepts "Authorization: Bearer <access token>" and stores the
// verified claims on the echo context.
func (m *Middleware) RequireLogin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		l := logging.FromContext(c.Request().Context())

		raw := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
		}

		claims, err := m.Signer.Parse(raw)
		if err != nil {
			l.Warn("auth_rejected", "status", 401, "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}

		c.Set(claimsKey, claims)
		req := c.Request().WithContext(logging.IntoContext(c.Request().Context(), l.With("user_id", claims.Subject)))
		c.SetRequest(req)
		return next(c)
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
