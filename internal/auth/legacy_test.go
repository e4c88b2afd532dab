package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyToken_RoundTrip(t *testing.T) {
	token, err := IssueLegacyToken("secret", "user-1", "u1@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateLegacyToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "u1@example.com", claims.Email)
	assert.Equal(t, LegacyIssuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestLegacyToken_Rejections(t *testing.T) {
	good, err := IssueLegacyToken("secret", "user-1", "", time.Hour)
	require.NoError(t, err)

	_, err = ValidateLegacyToken(good, "other")
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ValidateLegacyToken(expired, "secret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ValidateLegacyToken(anonymous, "secret")
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidClaims)

	_, err = ValidateLegacyToken(good, "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}
