package hash

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/identity/internal/domain"
)

func TestBcrypt_HashAndVerify(t *testing.T) {
	t.Parallel()

	h := Bcrypt{Cost: 4}
	digest, err := h.Hash("P@ss1")
	require.NoError(t, err)
	assert.NotEqual(t, "P@ss1", digest)

	ok, err := h.Verify("P@ss1", digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong", digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2_HashAndVerify(t *testing.T) {
	t.Parallel()

	h, err := NewArgon2(Argon2Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)

	digest, err := h.Hash("P@ss1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "$argon2id$v=19$m=8192,t=1,p=1$"))

	ok, err := h.Verify("P@ss1", digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("P@ss2", digest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2_RejectsMalformedDigest(t *testing.T) {
	t.Parallel()

	h, err := NewArgon2(DefaultArgon2Config())
	require.NoError(t, err)

	for _, digest := range []string{"", "$argon2id$", "$argon2id$v=19$m=x,t=1,p=1$AAAA$AAAA", "$bcrypt$v=19$m=1,t=1,p=1$a$b"} {
		ok, err := h.Verify("x", digest)
		assert.Error(t, err, digest)
		assert.False(t, ok)
	}
}

func TestAgile_VerifiesDigestsOfEitherAlgorithm(t *testing.T) {
	t.Parallel()

	bc, err := New("bcrypt", 4)
	require.NoError(t, err)
	ar, err := New("argon2id", 4)
	require.NoError(t, err)

	bcDigest, err := bc.Hash("secret")
	require.NoError(t, err)
	arDigest, err := ar.Hash("secret")
	require.NoError(t, err)

	for _, h := range []*Agile{bc, ar} {
		for _, d := range []string{bcDigest, arDigest} {
			ok, err := h.Verify("secret", d)
			require.NoError(t, err)
			assert.True(t, ok)
		}
	}

	_, err = bc.Verify("secret", "plaintext")
	assert.ErrorIs(t, err, ErrUnknownDigest)

	_, err = New("md5", 4)
	assert.Error(t, err)
}

func TestBcrypt_PasswordTooLong(t *testing.T) {
	t.Parallel()

	_, err := Bcrypt{Cost: 4}.Hash(strings.Repeat("a", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

type slowHasher struct{ delay time.Duration }

func (s slowHasher) Hash(p string) (string, error) {
	time.Sleep(s.delay)
	return p, nil
}

func (s slowHasher) Verify(p, d string) (bool, error) {
	time.Sleep(s.delay)
	return p == d, nil
}

func TestVerifyContext_Timeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ok, err := VerifyContext(ctx, slowHasher{delay: 200 * time.Millisecond}, "a", "a")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	_, err = HashContext(ctx, slowHasher{delay: 200 * time.Millisecond}, "a")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestVerifyContext_Completes(t *testing.T) {
	t.Parallel()

	ok, err := VerifyContext(context.Background(), slowHasher{}, "a", "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
