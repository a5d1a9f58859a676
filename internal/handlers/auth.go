package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/logging"
	"github.com/Skotchmaster/identity/internal/service"
)

type AuthHandler struct {
	Auth    *service.AuthService
	Timeout time.Duration
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Expiry       string `json:"expiry"`
}

func tokenResponse(res *service.LoginResult) TokenResponse {
	return TokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Expiry:       res.AccessExp.UTC().Format(time.RFC3339),
	}
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("login_failed", "status", http.StatusBadRequest, "reason", "bad request body", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.Auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		he := httpError(err)
		l.Warn("login_failed", "status", he.Code, "error", err)
		return he
	}
	return c.JSON(http.StatusOK, tokenResponse(res))
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken == "" {
		l.Warn("refresh_failed", "status", http.StatusUnauthorized, "reason", "missing token")
		return echo.NewHTTPError(http.StatusUnauthorized, invalidCredentials)
	}

	res, err := h.Auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		he := httpError(err)
		// a user that vanished between rotation and lookup is a dead session
		if errors.Is(err, domain.ErrUserNotFound) {
			he = echo.NewHTTPError(http.StatusUnauthorized, invalidCredentials)
		}
		l.Warn("refresh_failed", "status", he.Code, "error", err)
		return he
	}
	return c.JSON(http.StatusOK, tokenResponse(res))
}

// Logout always answers 200 with an empty body unless storage fails.
func (h *AuthHandler) Logout(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.Auth.LogOut(ctx, req.RefreshToken); err != nil {
		he := httpError(err)
		l.Error("logout_failed", "status", he.Code, "error", err)
		return he
	}
	return c.NoContent(http.StatusOK)
}
