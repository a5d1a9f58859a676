package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/identity/pkg/tokens"
)

func newMiddleware() *Middleware {
	return &Middleware{Signer: &tokens.Signer{Secret: []byte("test-jwt-secret"), Issuer: "identity", TTL: time.Minute}}
}

func run(t *testing.T, h echo.HandlerFunc, header string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func ok(c echo.Context) error {
	return c.String(http.StatusOK, UserID(c))
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	return he.Code
}

func TestRequireLogin(t *testing.T) {
	t.Parallel()

	m := newMiddleware()
	token, _, err := m.Signer.Sign("user-1", "alice", []string{"Patient"})
	require.NoError(t, err)

	rec, err := run(t, m.RequireLogin(ok), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.Body.String())

	rec, err = run(t, m.RequireLogin(ok), "bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.Body.String())

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer garbage"} {
		_, err := run(t, m.RequireLogin(ok), header)
		assert.Equal(t, http.StatusUnauthorized, httpCode(t, err), header)
	}
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	m := newMiddleware()
	h := m.RequireLogin(m.RequireRole("Administrator")(ok))

	patient, _, err := m.Signer.Sign("user-1", "alice", []string{"Patient"})
	require.NoError(t, err)
	_, err = run(t, h, "Bearer "+patient)
	assert.Equal(t, http.StatusForbidden, httpCode(t, err))

	admin, _, err := m.Signer.Sign("user-2", "root", []string{"Administrator"})
	require.NoError(t, err)
	rec, err := run(t, h, "Bearer "+admin)
	require.NoError(t, err)
	assert.Equal(t, "user-2", rec.Body.String())

	_, err = run(t, m.RequireRole("Administrator")(ok), "")
	assert.Equal(t, http.StatusUnauthorized, httpCode(t, err))
}
