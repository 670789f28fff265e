package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/config"
)

func testTokenService(lifetime time.Duration) TokenService {
	return NewTokenService(config.AuthConfig{
		TokenSecret:   "test-secret-0123456789abcdef",
		TokenLifetime: lifetime,
		ClockSkew:     time.Minute,
	})
}

func TestIssueAndValidate(t *testing.T) {
	s := testTokenService(24 * time.Hour)

	token, expiresIn, err := s.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", true, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(86400), expiresIn)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "0x1234567890AbcdEF1234567890aBcdef12345678", claims.Address())
	assert.True(t, claims.Verified)
	assert.Equal(t, "dev-1", claims.DeviceID)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	s := testTokenService(-2 * time.Hour)

	token, _, err := s.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", false, "")
	require.NoError(t, err)

	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsForgedToken(t *testing.T) {
	issuer := testTokenService(time.Hour)
	verifier := NewTokenService(config.AuthConfig{
		TokenSecret:   "a-different-secret-entirely",
		TokenLifetime: time.Hour,
	})

	token, _, err := issuer.Issue("0x1234567890AbcdEF1234567890aBcdef12345678", true, "")
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsUnsignedAlgorithm(t *testing.T) {
	s := testTokenService(time.Hour)

	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "0x1234567890AbcdEF1234567890aBcdef12345678",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = s.Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsEmptySubject(t *testing.T) {
	s := testTokenService(time.Hour)

	token, _, err := s.Issue("", true, "")
	require.NoError(t, err)

	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	s := testTokenService(time.Hour)
	_, err := s.Validate("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
