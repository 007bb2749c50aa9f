package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-letter-api/internal/models"
	appErrors "github.com/noah-isme/sma-letter-api/pkg/errors"
)

func TestTokenServiceIssueAndValidate(t *testing.T) {
	svc := NewTokenService(TokenConfig{Secret: "secret", Issuer: "letters", Expiry: time.Hour})
	token, expiresAt, err := svc.Issue(models.Actor{UserID: "u1", Roles: []string{"SUPERVISOR"}}, "Sam Lee")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	actor := claims.Actor()
	assert.Equal(t, "u1", actor.UserID)
	assert.Equal(t, []string{"SUPERVISOR"}, actor.Roles)
}

func TestTokenServiceRejectsWrongIssuerAndSecret(t *testing.T) {
	issuer := NewTokenService(TokenConfig{Secret: "secret", Issuer: "other"})
	token, _, err := issuer.Issue(models.Actor{UserID: "u1"}, "")
	require.NoError(t, err)

	_, err = NewTokenService(TokenConfig{Secret: "secret", Issuer: "letters"}).ValidateToken(token)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)

	_, err = NewTokenService(TokenConfig{Secret: "different"}).ValidateToken(token)
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestTokenServiceRejectsExpired(t *testing.T) {
	svc := NewTokenService(TokenConfig{Secret: "secret", Expiry: time.Minute})
	token, _, err := svc.Issue(models.Actor{UserID: "u1"}, "")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenServiceFallsBackToSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "u9", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	parsed, err := NewTokenService(TokenConfig{Secret: "secret"}).ValidateToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "u9", parsed.UserID)
}

func TestTokenServiceRejectsUnsignedAlgorithm(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, &models.JWTClaims{UserID: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenService(TokenConfig{Secret: "secret"}).ValidateToken(raw)
	assert.Error(t, err)
}
