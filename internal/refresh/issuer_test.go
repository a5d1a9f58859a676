package refresh

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/lock"
	"github.com/Skotchmaster/identity/internal/models"
	"github.com/Skotchmaster/identity/internal/repo"
	"github.com/Skotchmaster/identity/pkg/db"
)

type testEnv struct {
	issuer *Issuer
	repo   *repo.GormRepo
	userID string
}

func newTestEnv(t *testing.T) *testEnv {
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
	env := &testEnv{issuer: NewIssuer(r, lock.NewKeyed(), time.Hour), repo: r}
	env.userID = env.addUser(t, "alice")
	return env
}

func (e *testEnv) addUser(t *testing.T, name string) string {
	t.Helper()
	u := &models.User{ID: uuid.NewString(), Username: name, NormalizedUsername: name, PasswordHash: "x"}
	require.NoError(t, e.repo.CreateUser(context.Background(), u, nil))
	return u.ID
}

func TestIssueThenValidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)
	assert.Len(t, tok.Value, 43)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)

	owner, err := env.issuer.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, env.userID, owner)

	stored, err := env.repo.FindRefreshToken(ctx, Sha256Hex(tok.Value))
	require.NoError(t, err)
	assert.NotEqual(t, tok.Value, stored.TokenHash)
}

func TestIssue_UniqueTokens(t *testing.T) {
	env := newTestEnv(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		tok, err := env.issuer.Issue(context.Background(), env.userID)
		require.NoError(t, err)
		assert.False(t, seen[tok.Value])
		seen[tok.Value] = true
	}
}

func TestIssue_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.issuer.Issue(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)

	require.NoError(t, env.issuer.Revoke(ctx, env.userID, tok.Value))
	require.NoError(t, env.issuer.Revoke(ctx, env.userID, tok.Value))
	require.NoError(t, env.issuer.Revoke(ctx, env.userID, "never-issued"))
	require.NoError(t, env.issuer.Revoke(ctx, env.userID, ""))

	_, err = env.issuer.Validate(ctx, tok.Value)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
	assert.NotErrorIs(t, err, domain.ErrTokenExpired)
}

func TestRevoke_OtherUsersTokenIsUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.addUser(t, "bob")

	tok, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)
	require.NoError(t, env.issuer.Revoke(ctx, bob, tok.Value))

	owner, err := env.issuer.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, env.userID, owner)
}

func TestValidate_Unknown(t *testing.T) {
	env := newTestEnv(t)
	for _, v := range []string{"", "   ", "nope"} {
		_, err := env.issuer.Validate(context.Background(), v)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
		assert.NotErrorIs(t, err, domain.ErrTokenRevoked)
	}
}

func TestValidate_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)

	env.issuer.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = env.issuer.Validate(ctx, tok.Value)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)

	owner, err := env.issuer.Owner(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, env.userID, owner)

	_, err = env.issuer.Rotate(ctx, tok.Value)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestRevokeAllForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var tokens []*Token
	for i := 0; i < 3; i++ {
		tok, err := env.issuer.Issue(ctx, env.userID)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	n, err := env.issuer.RevokeAllForUser(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, tok := range tokens {
		_, err := env.issuer.Validate(ctx, tok.Value)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	}

	n, err = env.issuer.RevokeAllForUser(ctx, env.userID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRotate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)

	next, err := env.issuer.Rotate(ctx, old.Value)
	require.NoError(t, err)
	assert.NotEqual(t, old.Value, next.Value)
	assert.Equal(t, env.userID, next.UserID)

	_, err = env.issuer.Validate(ctx, old.Value)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)

	_, err = env.issuer.Rotate(ctx, old.Value)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)

	owner, err := env.issuer.Owner(ctx, old.Value)
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
	assert.Equal(t, env.userID, owner)
}

func TestRotate_ConcurrentOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.issuer.Rotate(ctx, old.Value); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrTokenNotFound)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestIssue_NeverReissuesRemovedString(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := bytes.Repeat([]byte{7}, tokenBytes)
	env.issuer.Random = bytes.NewReader(seed)
	tok, err := env.issuer.Issue(ctx, env.userID)
	require.NoError(t, err)
	require.NoError(t, env.issuer.Revoke(ctx, env.userID, tok.Value))

	env.issuer.Random = bytes.NewReader(seed)
	_, err = env.issuer.Issue(ctx, env.userID)
	assert.ErrorIs(t, err, repo.ErrTokenCollision)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	_, err = env.issuer.Validate(ctx, tok.Value)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestIssue_LockTimeout(t *testing.T) {
	env := newTestEnv(t)
	locker := lock.NewKeyed()
	env.issuer.locker = locker

	unlock, err := locker.Lock(context.Background(), env.userID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = env.issuer.Issue(ctx, env.userID)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}
