package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/identity/internal/credentials"
	"github.com/Skotchmaster/identity/internal/logging"
	"github.com/Skotchmaster/identity/internal/middleware/auth"
	"github.com/Skotchmaster/identity/internal/models"
	"github.com/Skotchmaster/identity/internal/mykafka"
	"github.com/Skotchmaster/identity/internal/util"
)

type UserHandler struct {
	Store       *credentials.Store
	Events      *mykafka.Events
	DefaultRole string
	Timeout     time.Duration
}

type UserResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"createdAt"`
}

type UserPage struct {
	Items []UserResponse `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

func userResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Roles:     u.RoleNames(),
		CreatedAt: u.CreatedAt,
	}
}

func userResponses(users []models.User) []UserResponse {
	out := make([]UserResponse, 0, len(users))
	for i := range users {
		out = append(out, userResponse(&users[i]))
	}
	return out
}

func (h *UserHandler) Register(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	l := logging.FromContext(ctx).With("handler", "users_register")

	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := c.Bind(&req); err != nil {
		l.Warn("register_failed", "status", http.StatusBadRequest, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	in := credentials.NewUser{Username: req.Username, FirstName: req.FirstName, LastName: req.LastName}
	if h.DefaultRole != "" {
		in.Roles = []string{h.DefaultRole}
	}
	id, err := h.Store.CreateUser(ctx, in, req.Password)
	if err != nil {
		he := httpError(err)
		l.Warn("register_failed", "status", he.Code, "error", err)
		return he
	}

	h.Events.Emit(ctx, mykafka.UserRegistered, id, map[string]string{"username": req.Username})
	l.Info("user_registered", "user_id", id)
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *UserHandler) Me(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	u, err := h.Store.FindByID(ctx, auth.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, userResponse(u))
}

func (h *UserHandler) List(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, _ := strconv.Atoi(c.QueryParam("size"))
	offset, limit := util.Calculate(page, size)

	res, err := h.Store.ListUsers(ctx, offset, limit)
	if err != nil {
		logging.FromContext(ctx).Error("list_users_failed", "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, UserPage{
		Items: userResponses(res.Users),
		Total: res.Total,
		Page:  res.Offset/res.Limit + 1,
		Size:  res.Limit,
	})
}

func (h *UserHandler) Search(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()

	users, err := h.Store.SearchByName(ctx, c.QueryParam("firstName"), c.QueryParam("lastName"))
	if err != nil {
		logging.FromContext(ctx).Error("search_users_failed", "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, userResponses(users))
}

func (h *UserHandler) AssignRole(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	userID := c.Param("id")
	l := logging.FromContext(ctx).With("handler", "users_assign_role", "user_id", userID)

	var req struct {
		Role string `json:"role"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	added, err := h.Store.AssignRole(ctx, userID, req.Role)
	if err != nil {
		he := httpError(err)
		l.Warn("assign_role_failed", "status", he.Code, "role", req.Role, "error", err)
		return he
	}

	roles, err := h.Store.UserRoles(ctx, userID)
	if err != nil {
		return httpError(err)
	}
	if added {
		h.Events.Emit(ctx, mykafka.RoleAssigned, userID, map[string]string{"role": req.Role, "by": auth.UserID(c)})
	}
	return c.JSON(http.StatusOK, map[string][]string{"roles": roles})
}

func (h *UserHandler) ChangePassword(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	userID := auth.UserID(c)
	l := logging.FromContext(ctx).With("handler", "users_change_password", "user_id", userID)

	var req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.Store.ChangePassword(ctx, userID, req.OldPassword, req.NewPassword); err != nil {
		he := httpError(err)
		l.Warn("change_password_failed", "status", he.Code, "error", err)
		return he
	}

	h.Events.Emit(ctx, mykafka.PasswordChanged, userID, nil)
	return c.NoContent(http.StatusNoContent)
}

func (h *UserHandler) Delete(c echo.Context) error {
	ctx, cancel := withTimeout(c, h.Timeout)
	defer cancel()
	userID := c.Param("id")
	l := logging.FromContext(ctx).With("handler", "users_delete", "user_id", userID)

	if err := h.Store.DeleteUser(ctx, userID); err != nil {
		he := httpError(err)
		l.Warn("delete_user_failed", "status", he.Code, "error", err)
		return he
	}

	h.Events.Emit(ctx, mykafka.UserDeleted, userID, map[string]string{"by": auth.UserID(c)})
	return c.NoContent(http.StatusNoContent)
}
