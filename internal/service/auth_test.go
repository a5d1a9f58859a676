package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/identity/internal/credentials"
	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/hash"
	"github.com/Skotchmaster/identity/internal/lock"
	"github.com/Skotchmaster/identity/internal/models"
	"github.com/Skotchmaster/identity/internal/mykafka"
	"github.com/Skotchmaster/identity/internal/refresh"
	"github.com/Skotchmaster/identity/internal/repo"
	"github.com/Skotchmaster/identity/pkg/db"
	"github.com/Skotchmaster/identity/pkg/tokens"
)

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) PublishEvent(_ context.Context, _, _ string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, event.(mykafka.UserEvent).Type)
	return nil
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type failingSigner struct{}

func (failingSigner) Sign(string, string, []string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("key unavailable")
}

type testEnv struct {
	svc    *AuthService
	signer *tokens.Signer
	events *recorder
}

func newTestAuthService(t *testing.T) *testEnv {
	t.Helper()

	gdb, err := db.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, models.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	r := repo.New(gdb)
	locker := lock.NewKeyed()
	store := credentials.NewStore(r, hash.Bcrypt{Cost: 4}, locker, credentials.DefaultPolicy())
	require.NoError(t, store.EnsureRoles(context.Background(), "Administrator", "Doctor", "Patient"))

	rec := &recorder{}
	signer := &tokens.Signer{Secret: []byte("test-jwt-secret"), Issuer: "identity", TTL: 15 * time.Minute}
	return &testEnv{
		svc: &AuthService{
			Store:  store,
			Issuer: refresh.NewIssuer(r, locker, time.Hour),
			Signer: signer,
			Events: &mykafka.Events{Publisher: rec, Topic: "user_events"},
		},
		signer: signer,
		events: rec,
	}
}

func (e *testEnv) alice(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := e.svc.Store.CreateUser(ctx, credentials.NewUser{Username: "alice", FirstName: "Alice", LastName: "Liddell"}, "P@ss1")
	require.NoError(t, err)
	_, err = e.svc.Store.AssignRole(ctx, id, "Patient")
	require.NoError(t, err)
	return id
}

func TestAuthService_LoginRefreshLogoutScenario(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	id := env.alice(t)

	res, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)
	assert.Equal(t, id, res.UserID)
	assert.Equal(t, []string{"Patient"}, res.Roles)
	T := res.RefreshToken

	claims, err := env.signer.Parse(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, claims.Subject)
	assert.Equal(t, "alice", claims.Username)

	res2, err := env.svc.Refresh(ctx, T)
	require.NoError(t, err)
	T2 := res2.RefreshToken
	assert.NotEqual(t, T, T2)

	_, err = env.svc.Issuer.Validate(ctx, T)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	_, err = env.svc.Refresh(ctx, T)
	assert.ErrorIs(t, err, domain.ErrToken)

	require.NoError(t, env.svc.LogOut(ctx, T2))
	_, err = env.svc.Issuer.Validate(ctx, T2)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)

	assert.Equal(t, []string{mykafka.UserLoggedIn, mykafka.UserLoggedOut}, env.events.Types())
}

func TestAuthService_Login_GenericFailure(t *testing.T) {
	env := newTestAuthService(t)
	env.alice(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "wrong password", username: "alice", password: "nope"},
		{name: "unknown user", username: "mallory", password: "P@ss1"},
		{name: "empty username", username: "", password: "P@ss1"},
		{name: "empty password", username: "alice", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.Login(ctx, tt.username, tt.password)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
		})
	}
}

func TestAuthService_Refresh_InvalidToken(t *testing.T) {
	env := newTestAuthService(t)

	res, err := env.svc.Refresh(context.Background(), "not-a-token")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestAuthService_LogOut_UnknownTokenNoError(t *testing.T) {
	env := newTestAuthService(t)

	require.NoError(t, env.svc.LogOut(context.Background(), ""))
	require.NoError(t, env.svc.LogOut(context.Background(), "never-issued"))
	assert.Empty(t, env.events.Types())
}

func TestAuthService_LogOut_ExpiredToken(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	env.alice(t)

	res, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)

	env.svc.Issuer.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = env.svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	require.NoError(t, env.svc.LogOut(ctx, res.RefreshToken))
	_, err = env.svc.Issuer.Validate(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestAuthService_ReuseDetection(t *testing.T) {
	env := newTestAuthService(t)
	env.svc.ReuseDetection = true
	ctx := context.Background()
	env.alice(t)

	first, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)
	other, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)

	rotated, err := env.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)

	for _, tok := range []string{rotated.RefreshToken, other.RefreshToken} {
		_, err := env.svc.Issuer.Validate(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	}
}

func TestAuthService_NoReuseDetectionByDefault(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	env.alice(t)

	first, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)
	rotated, err := env.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)

	_, err = env.svc.Issuer.Validate(ctx, rotated.RefreshToken)
	assert.NoError(t, err)
}

func TestAuthService_DeleteUserKillsTokens(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	id := env.alice(t)

	res, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)

	require.NoError(t, env.svc.Store.DeleteUser(ctx, id))

	_, err = env.svc.Issuer.Validate(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	assert.NotErrorIs(t, err, domain.ErrTokenExpired)

	_, err = env.svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestAuthService_ConcurrentLoginsAndRoleAssignment(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	id := env.alice(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Login(ctx, "alice", "P@ss1")
			assert.NoError(t, err)
		}()
	}
	for _, role := range []string{"Doctor", "Administrator"} {
		wg.Add(1)
		go func(role string) {
			defer wg.Done()
			_, err := env.svc.Store.AssignRole(ctx, id, role)
			assert.NoError(t, err)
		}(role)
	}
	wg.Wait()

	u, err := env.svc.Store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Len(t, u.RefreshTokens, 5)
	assert.ElementsMatch(t, []string{"Patient", "Doctor", "Administrator"}, u.RoleNames())
}

func TestAuthService_Login_SigningFailureStoresNoRefreshToken(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	id := env.alice(t)
	env.svc.Signer = failingSigner{}

	res, err := env.svc.Login(ctx, "alice", "P@ss1")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	u, err := env.svc.Store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, u.RefreshTokens)
	assert.Empty(t, env.events.Types())
}

func TestAuthService_Refresh_SigningFailureKeepsToken(t *testing.T) {
	env := newTestAuthService(t)
	ctx := context.Background()
	id := env.alice(t)

	res, err := env.svc.Login(ctx, "alice", "P@ss1")
	require.NoError(t, err)

	env.svc.Signer = failingSigner{}
	_, err = env.svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	owner, err := env.svc.Issuer.Validate(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, id, owner)

	env.svc.Signer = env.signer
	_, err = env.svc.Refresh(ctx, res.RefreshToken)
	assert.NoError(t, err)
}
