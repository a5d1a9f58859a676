package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error categories. Every error returned by the credential store and the token
// issuer matches exactly one of these with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrToken              = errors.New("token error")
	ErrPersistence        = errors.New("persistence failure")
	ErrTimeout            = errors.New("operation timed out")
)

var (
	ErrUsernameTaken   = fmt.Errorf("%w: username already taken", ErrValidation)
	ErrInvalidUsername = fmt.Errorf("%w: invalid username", ErrValidation)
	ErrInvalidName     = fmt.Errorf("%w: invalid first or last name", ErrValidation)
	ErrPasswordPolicy  = fmt.Errorf("%w: password does not satisfy policy", ErrValidation)
	ErrInvalidRoleName = fmt.Errorf("%w: invalid role name", ErrValidation)
	ErrRoleExists      = fmt.Errorf("%w: role already exists", ErrValidation)

	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)
	ErrRoleNotFound = fmt.Errorf("role %w", ErrNotFound)

	ErrTokenNotFound = fmt.Errorf("%w: refresh token %w", ErrToken, ErrNotFound)
	ErrTokenExpired  = fmt.Errorf("%w: refresh token expired", ErrToken)
	// ErrTokenRevoked is a TokenNotFound: a revoked token is gone from its owner.
	ErrTokenRevoked = fmt.Errorf("%w (revoked)", ErrTokenNotFound)

	ErrConcurrentUpdate = fmt.Errorf("%w: concurrent update of user", ErrPersistence)
)

// Persistence classifies an error coming out of the storage layer. Domain
// errors pass through untouched, deadlines become ErrTimeout and anything else
// is reported as ErrPersistence.
func Persistence(err error) error {
	switch {
	case err == nil:
		return nil
	case IsDomain(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}

// IsDomain reports whether err already belongs to the error taxonomy.
func IsDomain(err error) bool {
	for _, target := range []error{ErrValidation, ErrNotFound, ErrInvalidCredentials, ErrToken, ErrPersistence, ErrTimeout} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Deadline turns an expired context into ErrTimeout.
func Deadline(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
