package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/identity/internal/credentials"
	"github.com/Skotchmaster/identity/internal/logging"
)

type RoleHandler struct {
	Store   *credentials.Store
	Timeout time.Duration
}

type RoleResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *RoleHandler) List(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	roles, err := h.Store.ListRoles(ctx)
	if err != nil {
		return httpError(err)
	}
	out := make([]RoleResponse, 0, len(roles))
	for _, r := range roles {
		out = append(out, RoleResponse{ID: r.ID, Name: r.Name})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RoleHandler) Create(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	l := logging.FromContext(ctx).With("handler", "roles_create")

	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	role, err := h.Store.CreateRole(ctx, req.Name)
	if err != nil {
		he := httpError(err)
		l.Warn("create_role_failed", "status", he.Code, "error", err)
		return he
	}
	return c.JSON(http.StatusCreated, RoleResponse{ID: role.ID, Name: role.Name})
}
