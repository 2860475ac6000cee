package auth

import (
	"context"
	"testing"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret", time.Hour, NewMemoryClients())

	tok, err := svc.Issue("advisor-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)

	claims, err := svc.Validate(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "advisor-1", claims.Subject)
	assert.Equal(t, tok.ExpiresAt.Unix(), claims.ExpiresAt.Unix())
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	other := NewService("other-secret", time.Hour, nil)
	tok, err := other.Issue("advisor-1")
	require.NoError(t, err)

	_, err = NewService("test-secret", time.Hour, nil).Validate(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewService("test-secret", time.Hour, nil).Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "advisor-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewService("test-secret", time.Hour, nil).Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateExpired(t *testing.T) {
	svc := NewService("test-secret", time.Minute, nil)
	issued := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	tok, err := svc.Issue("advisor-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = svc.Validate(tok.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestClientCredentials(t *testing.T) {
	clients := NewMemoryClients()
	svc := NewService("test-secret", time.Hour, clients)
	ctx := context.Background()

	client, err := svc.RegisterClient(ctx, "ops-desk", "correct-horse-battery")
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse-battery", client.SecretHash)

	_, err = svc.RegisterClient(ctx, "ops-desk", "correct-horse-battery")
	assert.ErrorIs(t, err, ErrClientExists)

	_, err = svc.RegisterClient(ctx, "short", "abc")
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)

	tok, err := svc.Authenticate(ctx, "ops-desk", "correct-horse-battery")
	require.NoError(t, err)
	claims, err := svc.Validate(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ops-desk", claims.Subject)

	stored, _ := clients.GetClientByName(ctx, "ops-desk")
	assert.NotNil(t, stored.LastUsedAt)

	_, err = svc.Authenticate(ctx, "ops-desk", "wrong-secret-value")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nobody", "correct-horse-battery")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
