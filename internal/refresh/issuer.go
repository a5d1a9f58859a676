package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/lock"
	"github.com/Skotchmaster/identity/internal/logging"
	"github.com/Skotchmaster/identity/internal/models"
)

const tokenBytes = 32

type Repository interface {
	InsertRefreshToken(ctx context.Context, t *models.RefreshToken) error
	FindRefreshToken(ctx context.Context, hash string) (*models.RefreshToken, error)
	FindRevokedToken(ctx context.Context, hash string) (*models.RevokedToken, error)
	RemoveRefreshToken(ctx context.Context, userID, hash string) (bool, error)
	RemoveAllRefreshTokens(ctx context.Context, userID string) (int, error)
	RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken) error
}

// Token is a refresh token as handed to the client. Only its hash is stored.
type Token struct {
	Value     string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer owns the refresh-token lifecycle. Writes are serialized per user with
// the same Locker the credential store uses.
type Issuer struct {
	repo   Repository
	locker lock.Locker
	ttl    time.Duration

	Now    func() time.Time
	Random io.Reader
}

func NewIssuer(repo Repository, locker lock.Locker, ttl time.Duration) *Issuer {
	if locker == nil {
		locker = lock.NewKeyed()
	}
	return &Issuer{repo: repo, locker: locker, ttl: ttl}
}

func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func (i *Issuer) newToken(userID string) (*Token, *models.RefreshToken, error) {
	r := i.Random
	if r == nil {
		r = rand.Reader
	}
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: read random: %w", domain.ErrPersistence, err)
	}
	now := i.now()
	t := &Token{
		Value:     base64.RawURLEncoding.EncodeToString(raw),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	return t, &models.RefreshToken{
		TokenHash: Sha256Hex(t.Value),
		UserID:    userID,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// Issue mints a fresh token for the user and stores it.
func (i *Issuer) Issue(ctx context.Context, userID string) (*Token, error) {
	unlock, err := i.locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, row, err := i.newToken(userID)
	if err != nil {
		return nil, err
	}
	if err := i.repo.InsertRefreshToken(ctx, row); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("refresh_issued", "user_id", userID, "expires_at", t.ExpiresAt)
	return t, nil
}

// Validate resolves token to its owner. Unknown and revoked tokens are
// ErrTokenNotFound, stale ones ErrTokenExpired.
func (i *Issuer) Validate(ctx context.Context, token string) (string, error) {
	row, err := i.lookup(ctx, token)
	if err != nil {
		return "", err
	}
	if row.Expired(i.now()) {
		return "", domain.ErrTokenExpired
	}
	return row.UserID, nil
}

func (i *Issuer) lookup(ctx context.Context, token string) (*models.RefreshToken, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domain.ErrTokenNotFound
	}
	return i.repo.FindRefreshToken(ctx, Sha256Hex(token))
}

// Owner returns the user a token belongs or belonged to, ignoring expiry. For a
// revoked token the former owner comes back together with ErrTokenRevoked.
func (i *Issuer) Owner(ctx context.Context, token string) (string, error) {
	row, err := i.lookup(ctx, token)
	if err == nil {
		return row.UserID, nil
	}
	if !errors.Is(err, domain.ErrTokenRevoked) {
		return "", err
	}
	dead, rerr := i.repo.FindRevokedToken(ctx, Sha256Hex(token))
	if rerr != nil {
		return "", err
	}
	return dead.UserID, err
}

// Revoke removes token from the user's set. Absent tokens are not an error.
func (i *Issuer) Revoke(ctx context.Context, userID, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	unlock, err := i.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	removed, err := i.repo.RemoveRefreshToken(ctx, userID, Sha256Hex(token))
	if err != nil {
		return err
	}
	if removed {
		logging.FromContext(ctx).Debug("refresh_revoked", "user_id", userID)
	}
	return nil
}

func (i *Issuer) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	unlock, err := i.locker.Lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := i.repo.RemoveAllRefreshTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	logging.FromContext(ctx).Info("refresh_revoked_all", "user_id", userID, "count", n)
	return n, nil
}

// Rotate exchanges an active token for a new one of the same owner. The old
// token is revoked in the same transaction that stores the new one.
func (i *Issuer) Rotate(ctx context.Context, token string) (*Token, error) {
	row, err := i.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if row.Expired(i.now()) {
		return nil, domain.ErrTokenExpired
	}

	unlock, err := i.locker.Lock(ctx, row.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next, nextRow, err := i.newToken(row.UserID)
	if err != nil {
		return nil, err
	}
	if err := i.repo.RotateRefreshToken(ctx, row.TokenHash, nextRow); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("refresh_rotated", "user_id", row.UserID)
	return next, nil
}
