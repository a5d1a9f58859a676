package hash

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/Skotchmaster/identity/internal/domain"
)

// Hasher turns a password into a self-describing digest and checks a password
// against one. Verify returns false, not an error, on a mismatch.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) (bool, error)
}

var (
	ErrUnknownDigest   = errors.New("hash: unrecognised digest format")
	ErrPasswordTooLong = errors.New("hash: password too long for algorithm")
)

type Bcrypt struct {
	Cost int
}

func (b Bcrypt) Hash(password string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashbytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", err
	}
	return string(hashbytes), nil
}

func (b Bcrypt) Verify(password, digest string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// Agile hashes with the configured algorithm and verifies any digest it
// recognises, so switching HASH_ALGORITHM keeps old digests usable.
type Agile struct {
	primary Hasher
	bcrypt  Bcrypt
	argon   *Argon2
}

func New(algorithm string, bcryptCost int) (*Agile, error) {
	argon, err := NewArgon2(DefaultArgon2Config())
	if err != nil {
		return nil, err
	}
	a := &Agile{bcrypt: Bcrypt{Cost: bcryptCost}, argon: argon}
	switch algorithm {
	case "", "bcrypt":
		a.primary = a.bcrypt
	case "argon2id":
		a.primary = a.argon
	default:
		return nil, fmt.Errorf("hash: unsupported algorithm %q", algorithm)
	}
	return a, nil
}

func (a *Agile) Hash(password string) (string, error) {
	return a.primary.Hash(password)
}

func (a *Agile) Verify(password, digest string) (bool, error) {
	switch {
	case strings.HasPrefix(digest, "$"+argon2ID+"$"):
		return a.argon.Verify(password, digest)
	case strings.HasPrefix(digest, "$2a$"), strings.HasPrefix(digest, "$2b$"), strings.HasPrefix(digest, "$2y$"):
		return a.bcrypt.Verify(password, digest)
	default:
		return false, ErrUnknownDigest
	}
}

// VerifyContext runs h.Verify but gives up when ctx is done. The comparison
// keeps running in the background; its result is discarded.
func VerifyContext(ctx context.Context, h Hasher, password, digest string) (bool, error) {
	if err := domain.Deadline(ctx); err != nil {
		return false, err
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := h.Verify(password, digest)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, domain.Deadline(ctx)
	}
}

// HashContext is the hashing counterpart of VerifyContext.
func HashContext(ctx context.Context, h Hasher, password string) (string, error) {
	if err := domain.Deadline(ctx); err != nil {
		return "", err
	}

	type result struct {
		digest string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		d, err := h.Hash(password)
		done <- result{digest: d, err: err}
	}()

	select {
	case r := <-done:
		return r.digest, r.err
	case <-ctx.Done():
		return "", domain.Deadline(ctx)
	}
}
