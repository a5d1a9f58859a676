package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/identity/pkg/tokens"
)

func Claims(c echo.Context) *tokens.AccessClaims {
	claims, _ := c.Get(claimsKey).(*tokens.AccessClaims)
	return claims
}

func UserID(c echo.Context) string {
	if claims := Claims(c); claims != nil {
		return claims.Subject
	}
	return ""
}
