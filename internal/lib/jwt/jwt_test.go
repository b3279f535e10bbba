package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestAccessToken_MintAndVerify(t *testing.T) {
	t.Parallel()

	token, err := NewAccessToken(42, secret, time.Minute)
	require.NoError(t, err)

	userID, err := ParseAccessToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestAccessToken_Expired(t *testing.T) {
	t.Parallel()

	token, err := NewAccessToken(42, secret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken(token, secret)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAccessToken_WrongSecret(t *testing.T) {
	t.Parallel()

	token, err := NewAccessToken(42, secret, time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken(token, "other-secret")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestAccessToken_Malformed(t *testing.T) {
	t.Parallel()

	for _, tokenStr := range []string{"", "garbage", "not.a.jwt"} {
		_, err := ParseAccessToken(tokenStr, secret)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", tokenStr)
	}
}

func TestOpaqueToken_UniqueAndHashable(t *testing.T) {
	t.Parallel()

	first, err := NewOpaqueToken()
	require.NoError(t, err)

	second, err := NewOpaqueToken()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, HashToken(first), HashToken(first))
	assert.NotEqual(t, HashToken(first), HashToken(second))
	assert.Len(t, HashToken(first), 64)
}
