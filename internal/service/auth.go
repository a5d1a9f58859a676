package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/identity/internal/credentials"
	"github.com/Skotchmaster/identity/internal/domain"
	"github.com/Skotchmaster/identity/internal/logging"
	"github.com/Skotchmaster/identity/internal/mykafka"
	"github.com/Skotchmaster/identity/internal/refresh"
)

// AccessSigner mints access tokens. *tokens.Signer implements it.
type AccessSigner interface {
	Sign(userID, username string, roles []string) (string, time.Time, error)
}

// AuthService runs the three session flows: login, refresh and logout.
type AuthService struct {
	Store  *credentials.Store
	Issuer *refresh.Issuer
	Signer AccessSigner
	Events *mykafka.Events

	// ReuseDetection revokes every token of a user as soon as one of their
	// revoked refresh tokens is presented again.
	ReuseDetection bool
}

type LoginResult struct {
	UserID       string
	Username     string
	Roles        []string
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Login signs the access token before the refresh token is stored, so a
// failed login never leaves an orphaned refresh token behind.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.login", "username", username)

	if username == "" || password == "" {
		l.Warn("login_failed", "reason", "empty credentials")
		return nil, domain.ErrInvalidCredentials
	}

	user, err := s.Store.Authenticate(ctx, username, password)
	if err != nil {
		l.Warn("login_failed", "error", err)
		return nil, err
	}

	roles := user.RoleNames()
	access, accessExp, err := s.Signer.Sign(user.ID, user.Username, roles)
	if err != nil {
		l.Error("login_failed", "reason", "cannot sign access token", "error", err)
		return nil, fmt.Errorf("%w: sign access token: %w", domain.ErrPersistence, err)
	}

	rt, err := s.Issuer.Issue(ctx, user.ID)
	if err != nil {
		l.Error("login_failed", "reason", "cannot issue refresh token", "error", err)
		return nil, err
	}

	s.Events.Emit(ctx, mykafka.UserLoggedIn, user.ID, nil)
	l.Info("login_successful", "user_id", user.ID)

	return &LoginResult{
		UserID:       user.ID,
		Username:     user.Username,
		Roles:        roles,
		AccessToken:  access,
		RefreshToken: rt.Value,
		AccessExp:    accessExp,
		RefreshExp:   rt.ExpiresAt,
	}, nil
}

// Refresh trades a refresh token for a new pair. The access token is signed
// before rotation; the presented token is revoked even though the response
// may never reach the client.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	owner, err := s.Issuer.Validate(ctx, refreshToken)
	if err != nil {
		return nil, s.refreshFailed(ctx, refreshToken, err)
	}

	user, err := s.Store.FindByID(ctx, owner)
	if err != nil {
		l.Error("refresh_failed", "reason", "owner lookup", "user_id", owner, "error", err)
		return nil, err
	}

	roles := user.RoleNames()
	access, accessExp, err := s.Signer.Sign(user.ID, user.Username, roles)
	if err != nil {
		l.Error("refresh_failed", "reason", "cannot sign access token", "error", err)
		return nil, fmt.Errorf("%w: sign access token: %w", domain.ErrPersistence, err)
	}

	rt, err := s.Issuer.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, s.refreshFailed(ctx, refreshToken, err)
	}
	l.Info("refresh_rotated", "user_id", user.ID)

	return &LoginResult{
		UserID:       user.ID,
		Username:     user.Username,
		Roles:        roles,
		AccessToken:  access,
		RefreshToken: rt.Value,
		AccessExp:    accessExp,
		RefreshExp:   rt.ExpiresAt,
	}, nil
}

func (s *AuthService) refreshFailed(ctx context.Context, refreshToken string, err error) error {
	if errors.Is(err, domain.ErrTokenRevoked) && s.ReuseDetection {
		s.revokeFamily(ctx, refreshToken)
	}
	logging.FromContext(ctx).Warn("refresh_failed", "svc", "auth.refresh", "error", err)
	return err
}

func (s *AuthService) revokeFamily(ctx context.Context, refreshToken string) {
	l := logging.FromContext(ctx)
	owner, err := s.Issuer.Owner(ctx, refreshToken)
	if owner == "" {
		l.Warn("refresh_reuse_owner_unknown", "error", err)
		return
	}
	n, err := s.Issuer.RevokeAllForUser(ctx, owner)
	if err != nil {
		l.Error("refresh_reuse_revoke_failed", "user_id", owner, "error", err)
		return
	}
	l.Warn("refresh_reuse_detected", "user_id", owner, "revoked", n)
}

// LogOut revokes the token. Unknown, revoked and expired tokens all succeed.
func (s *AuthService) LogOut(ctx context.Context, refreshToken string) error {
	l := logging.FromContext(ctx).With("svc", "auth.logout")

	owner, err := s.Issuer.Owner(ctx, refreshToken)
	if errors.Is(err, domain.ErrTokenNotFound) {
		l.Debug("logout_noop")
		return nil
	}
	if err != nil {
		l.Error("logout_failed", "error", err)
		return err
	}

	if err := s.Issuer.Revoke(ctx, owner, refreshToken); err != nil {
		l.Error("logout_failed", "user_id", owner, "error", err)
		return err
	}
	s.Events.Emit(ctx, mykafka.UserLoggedOut, owner, nil)
	l.Info("successful_logout", "user_id", owner)
	return nil
}
