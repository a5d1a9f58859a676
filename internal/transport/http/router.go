package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/unrolled/secure"
	"gorm.io/gorm"

	"github.com/Skotchmaster/identity/internal/handlers"
	"github.com/Skotchmaster/identity/internal/middleware/auth"
	"github.com/Skotchmaster/identity/pkg/db"
	loggingmw "github.com/Skotchmaster/identity/pkg/middleware/logging"
)

type Deps struct {
	DB          *gorm.DB
	AuthHandler *handlers.AuthHandler
	UserHandler *handlers.UserHandler
	RoleHandler *handlers.RoleHandler
	Auth        *auth.Middleware

	AdminRole string
	// LoginRateLimit caps login and refresh calls per client IP per minute.
	// Zero disables the limit.
	LoginRateLimit int
}

type Options struct {
	Logger      *slog.Logger
	CORSOrigins []string
	Production  bool
}

// New builds the echo instance with the global middleware chain and every
// route registered.
func New(d *Deps, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "no-referrer",
		SSLRedirect:        opts.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:      !opts.Production,
	})

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(
		middleware.Recover(),
		middleware.RequestID(),
		loggingmw.RequestLogger(opts.Logger),
		echo.WrapMiddleware(sec.Handler),
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		}),
		middleware.BodyLimit("64K"),
	)

	Register(e, d)
	return e
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if err := db.Ping(c.Request().Context(), d.DB); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
		}
		return c.NoContent(http.StatusOK)
	})

	v1 := e.Group("/api/v1")
	login := d.Auth.RequireLogin
	admin := d.Auth.RequireRole(d.AdminRole)

	limit := loginLimiter(d.LoginRateLimit)
	authn := v1.Group("/Authentication")
	authn.POST("/Login", d.AuthHandler.Login, limit)
	authn.POST("/Refresh", d.AuthHandler.Refresh, limit)
	authn.POST("/Logout", d.AuthHandler.Logout)

	users := v1.Group("/Users")
	users.POST("", d.UserHandler.Register)
	users.GET("", d.UserHandler.List, login, admin)
	users.GET("/search", d.UserHandler.Search, login, admin)
	users.GET("/me", d.UserHandler.Me, login)
	users.PUT("/me/Password", d.UserHandler.ChangePassword, login)
	users.POST("/:id/Roles", d.UserHandler.AssignRole, login, admin)
	users.DELETE("/:id", d.UserHandler.Delete, login, admin)

	roles := v1.Group("/Roles", login)
	roles.GET("", d.RoleHandler.List)
	roles.POST("", d.RoleHandler.Create, admin)
}

func loginLimiter(perMinute int) echo.MiddlewareFunc {
	if perMinute <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	limiter := httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	return echo.WrapMiddleware(limiter)
}
